// Package enrollment sequences a greeter and a claimer through the SAS trust
// handshake and admits the claimer once both confirmed each other.
//
// Every invitation token has exchange points: a single one for user and device
// invitations, one per recipient for Shamir recoveries. A point's slot carries
// each side's step cursor for the current generation. A side that restarts from
// wait-peer-ready after it advanced starts a new generation, and its peer fails
// with invalid_state until it restarts as well.
//
// Only the waiting steps block. They park on the point and are woken by the
// peer's progress, by a restart or by the invitation being closed.
package enrollment

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/enrollment-gateway/cryptoutils"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/ruteri/enrollment-gateway/metrics"
	"github.com/ruteri/enrollment-gateway/rendezvous"
	"github.com/ruteri/enrollment-gateway/shamir"
)

// DefaultCandidateCount is the size of the SAS candidate lists.
const DefaultCandidateCount = 4

// Invitations is the subset of the invitation registry the coordinator uses.
type Invitations interface {
	Lookup(ctx context.Context, token uuid.UUID) (interfaces.Invitation, error)
	MarkFinalized(ctx context.Context, token uuid.UUID) error
	SetStatus(token uuid.UUID, status interfaces.InvitationStatus)
}

// SetupLookup resolves the Shamir setup a recovery invitation refers to.
type SetupLookup interface {
	Get(ctx context.Context, owner string) (*shamir.Setup, error)
}

type Config struct {
	CandidateCount int
	// Rand feeds the SAS key agreement and decoy generation.
	Rand io.Reader
}

type Coordinator struct {
	invitations Invitations
	setups      SetupLookup
	members     interfaces.IdentityBackend
	log         *slog.Logger
	rand        io.Reader
	candidates  int
	now         func() time.Time
	barrier     *rendezvous.Barrier[pairKey, pairState]

	mu     sync.Mutex
	claims map[uuid.UUID]*claim
	parked map[uuid.UUID]int
	// untold holds admitted exchanges whose finalize call on some side did
	// not return the admission, so a retry of that side still succeeds.
	untold map[uuid.UUID]*admissionNotice
}

func NewCoordinator(invitations Invitations, setups SetupLookup, members interfaces.IdentityBackend, log *slog.Logger, cfg Config) *Coordinator {
	if cfg.CandidateCount < 1 {
		cfg.CandidateCount = DefaultCandidateCount
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &Coordinator{
		invitations: invitations,
		setups:      setups,
		members:     members,
		log:         log,
		rand:        cfg.Rand,
		candidates:  cfg.CandidateCount,
		now:         time.Now,
		barrier:     rendezvous.NewBarrier[pairKey, pairState](),
		claims:      make(map[uuid.UUID]*claim),
		parked:      make(map[uuid.UUID]int),
		untold:      make(map[uuid.UUID]*admissionNotice),
	}
}

// Release closes every exchange of the given invitations. Parked callers wake
// and report the invitation's new state. Call it after deleting or
// invalidating invitations.
func (c *Coordinator) Release(tokens ...uuid.UUID) {
	for _, token := range tokens {
		c.release(token)
	}
}

func (c *Coordinator) release(token uuid.UUID) {
	c.mu.Lock()
	cl := c.claims[token]
	delete(c.claims, token)
	c.mu.Unlock()

	if cl != nil {
		cl.mu.Lock()
		cl.closed = true
		cl.mu.Unlock()
	}
	closed := c.barrier.CloseWhere(func(k pairKey) bool { return k.token == token })
	c.log.Debug("Released invitation exchanges", "token", interfaces.FormatToken(token), "points", closed)
}

// open resolves a pending invitation and its claim.
func (c *Coordinator) open(ctx context.Context, token uuid.UUID, role interfaces.Role, step interfaces.Step) (interfaces.Invitation, *claim, error) {
	inv, err := c.invitations.Lookup(ctx, token)
	if err != nil {
		return interfaces.Invitation{}, nil, err
	}
	if err := closedError(inv, role, step); err != nil {
		return interfaces.Invitation{}, nil, err
	}

	c.mu.Lock()
	cl, ok := c.claims[token]
	c.mu.Unlock()
	if ok {
		return inv, cl, nil
	}

	fresh := &claim{}
	if inv.Type == interfaces.InvitationTypeShamirRecovery {
		setup, err := c.setups.Get(ctx, inv.ClaimerEmail)
		if errors.Is(err, interfaces.ErrNotSetup) {
			return interfaces.Invitation{}, nil, interfaces.ErrInvalidState
		}
		if err != nil {
			return interfaces.Invitation{}, nil, err
		}
		fresh.collector = shamir.NewCollector(setup)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.claims[token]; ok {
		return inv, cl, nil
	}
	// A release since the first lookup found no claim to close; the fresh
	// claim must not outlive the invitation.
	inv, err = c.invitations.Lookup(ctx, token)
	if err != nil {
		return interfaces.Invitation{}, nil, err
	}
	if err := closedError(inv, role, step); err != nil {
		return interfaces.Invitation{}, nil, err
	}
	c.claims[token] = fresh
	return inv, fresh, nil
}

// closedError maps a closed invitation to the error a step call reports.
func closedError(inv interfaces.Invitation, role interfaces.Role, step interfaces.Step) error {
	if inv.Pending() {
		return nil
	}
	switch inv.Closure {
	case interfaces.ClosureFinalized:
		if role == interfaces.RoleGreeter || step == interfaces.StepFinalize {
			return interfaces.ErrInvitationAlreadyUsed
		}
		return interfaces.ErrUnknownToken
	case interfaces.ClosureInvalidated:
		return interfaces.ErrInvalidState
	default:
		return interfaces.ErrUnknownToken
	}
}

// point returns the exchange point for key, creating it while the claim is open.
func (c *Coordinator) point(cl *claim, key pairKey) (*point, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.closed {
		return nil, rendezvous.ErrClosed
	}
	return c.barrier.Point(key), nil
}

// existing returns the exchange point for key. A side can only be past
// wait-peer-ready on a point that exists.
func (c *Coordinator) existing(cl *claim, key pairKey) (*point, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.closed {
		return nil, rendezvous.ErrClosed
	}
	p, ok := c.barrier.Lookup(key)
	if !ok {
		return nil, interfaces.ErrInvalidState
	}
	return p, nil
}

// claimerKey is the exchange the claimer currently takes part in.
func (c *Coordinator) claimerKey(inv interfaces.Invitation, cl *claim) (pairKey, error) {
	if inv.Type != interfaces.InvitationTypeShamirRecovery {
		return pairKey{token: inv.Token}, nil
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.active == "" {
		return pairKey{}, interfaces.ErrInvalidState
	}
	return pairKey{token: inv.Token, greeter: cl.active}, nil
}

func greeterKey(inv interfaces.Invitation, greeter interfaces.Member) pairKey {
	if inv.Type != interfaces.InvitationTypeShamirRecovery {
		return pairKey{token: inv.Token}
	}
	return pairKey{token: inv.Token, greeter: interfaces.NormalizeEmail(greeter.Email)}
}

// detachClaimer tears down the claimer's part of the exchange at key. An
// exchange the claimer advanced in is restarted. A claimer merely waiting
// there is removed when dropWaiting is set.
func (c *Coordinator) detachClaimer(key pairKey, dropWaiting bool) {
	p, ok := c.barrier.Lookup(key)
	if !ok {
		return
	}
	_ = p.Update(func(s *slot) error {
		switch {
		case s.State.cursor[interfaces.RoleClaimer] >= interfaces.StepWaitPeerReady:
			c.log.Debug("Claimer restarted, tearing down exchange", "token", interfaces.FormatToken(key.token), "generation", s.Generation)
			s.Reset()
			return nil
		case dropWaiting && s.Peers[interfaces.RoleClaimer] != nil:
			s.Peers[interfaces.RoleClaimer] = nil
			return nil
		}
		return errNothingToDetach
	})
}

var errNothingToDetach = errors.New("nothing to detach")

func (c *Coordinator) negotiate(st *pairState) error {
	sas, err := cryptoutils.NegotiateSAS(c.rand)
	if err != nil {
		return err
	}
	greeterCandidates, err := cryptoutils.GenerateSASCandidates(sas.Greeter, c.candidates, c.rand)
	if err != nil {
		return err
	}
	claimerCandidates, err := cryptoutils.GenerateSASCandidates(sas.Claimer, c.candidates, c.rand)
	if err != nil {
		return err
	}

	st.sas = sas
	st.greeterCandidates = greeterCandidates
	st.claimerCandidates = claimerCandidates
	st.negotiated = true
	return nil
}

// waitPeerReady registers the caller's presence and parks until the peer is
// present too. Calling it after the side advanced restarts the exchange.
func (c *Coordinator) waitPeerReady(ctx context.Context, p *point, role interfaces.Role, label string) (pairState, error) {
	var (
		gen  uint64
		mine *rendezvous.Presence
	)
	err := p.Update(func(s *slot) error {
		if s.State.cursor[role] >= interfaces.StepWaitPeerReady {
			s.Reset()
		}
		if s.Peers[role] == nil {
			s.Peers[role] = &rendezvous.Presence{Label: label, Since: c.now()}
		}
		mine = s.Peers[role]
		gen = s.Generation
		return nil
	})
	if err != nil {
		return pairState{}, err
	}

	var snapshot pairState
	err = c.wait(ctx, p, gen, func(s *slot) (bool, error) {
		if s.Peers[role] != mine {
			return false, interfaces.ErrInvalidState
		}
		if !s.Paired() {
			return false, nil
		}
		if !s.State.negotiated {
			if err := c.negotiate(&s.State); err != nil {
				return false, err
			}
		}
		if s.State.cursor[role] < interfaces.StepWaitPeerReady {
			s.State.cursor[role] = interfaces.StepWaitPeerReady
		}
		snapshot = s.State
		return true, nil
	})
	if errors.Is(err, context.Canceled) {
		// unpaired, so nobody depends on this presence
		_ = p.Update(func(s *slot) error {
			if s.Generation != gen || s.Peers[role] != mine || s.Paired() {
				return errNothingToDetach
			}
			s.Peers[role] = nil
			return nil
		})
	}
	return snapshot, err
}

// await parks until cond holds and then records step for role. The side must
// have completed the previous step in the current generation.
func (c *Coordinator) await(ctx context.Context, p *point, role interfaces.Role, step interfaces.Step, cond func(*pairState) bool, done func(*pairState)) error {
	var gen uint64
	p.Inspect(func(s slot) { gen = s.Generation })

	err := c.wait(ctx, p, gen, func(s *slot) (bool, error) {
		if s.State.cursor[role] < step-1 {
			return false, interfaces.ErrInvalidState
		}
		if !cond(&s.State) {
			return false, nil
		}
		if s.State.cursor[role] < step {
			s.State.cursor[role] = step
		}
		done(&s.State)
		return true, nil
	})
	if errors.Is(err, context.Canceled) {
		// the peer must not wait on a side that went away
		p.Restart(gen)
	}
	return err
}

// advance applies a non-blocking step. fn validates before mutating.
func (c *Coordinator) advance(p *point, role interfaces.Role, step interfaces.Step, fn func(*pairState) error) error {
	return p.Update(func(s *slot) error {
		if s.State.cursor[role] < step-1 {
			return interfaces.ErrInvalidState
		}
		if err := fn(&s.State); err != nil {
			return err
		}
		if s.State.cursor[role] < step {
			s.State.cursor[role] = step
		}
		return nil
	})
}

func (c *Coordinator) wait(ctx context.Context, p *point, gen uint64, ready func(*slot) (bool, error)) error {
	metrics.WaiterParked()
	defer metrics.WaiterReleased()
	return p.Wait(ctx, gen, ready)
}

// greeterParked tracks greeters waiting in wait-peer-ready so the invitation
// reads READY meanwhile.
func (c *Coordinator) greeterParked(token uuid.UUID, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.parked[token]
	after := before + delta
	if after <= 0 {
		delete(c.parked, token)
	} else {
		c.parked[token] = after
	}

	switch {
	case before == 0 && after > 0:
		c.invitations.SetStatus(token, interfaces.StatusReady)
	case before > 0 && after <= 0:
		c.invitations.SetStatus(token, interfaces.StatusIdle)
	}
}

// outcome turns internal interruptions into protocol errors and records the
// step result.
func (c *Coordinator) outcome(ctx context.Context, token uuid.UUID, role interfaces.Role, step interfaces.Step, err error) error {
	switch {
	case err == nil:
	case errors.Is(err, rendezvous.ErrStale), errors.Is(err, rendezvous.ErrClosed):
		err = c.interrupted(context.WithoutCancel(ctx), token, role, step)
	case errors.Is(err, context.DeadlineExceeded):
		err = interfaces.ErrTimeout
	}

	result := interfaces.ErrorCode(err)
	if errors.Is(err, context.Canceled) {
		result = "canceled"
	}
	metrics.RecordStep(role.String(), interfaces.StepName(role, step), result)

	if err != nil {
		c.log.Debug("Step failed", "token", interfaces.FormatToken(token), "role", role.String(), "step", interfaces.StepName(role, step), "err", err)
	}
	return err
}

// interrupted reports why an exchange went away under a caller: the
// invitation was closed, or the exchange was restarted.
func (c *Coordinator) interrupted(ctx context.Context, token uuid.UUID, role interfaces.Role, step interfaces.Step) error {
	inv, err := c.invitations.Lookup(ctx, token)
	if err != nil {
		return err
	}
	if err := closedError(inv, role, step); err != nil {
		return err
	}
	return interfaces.ErrInvalidState
}
