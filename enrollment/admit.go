package enrollment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/ruteri/enrollment-gateway/metrics"
	"github.com/ruteri/enrollment-gateway/rendezvous"
)

// finalizePair records role's finalize payload. The second side to arrive
// admits the claimer; the first parks until then.
func (c *Coordinator) finalizePair(ctx context.Context, inv interfaces.Invitation, p *point, role interfaces.Role, record func(*pairState)) error {
	var (
		gen       uint64
		admitted  bool
		admitErr  error
		admitting = context.WithoutCancel(ctx)
	)
	err := p.Update(func(s *slot) error {
		st := &s.State
		if st.cursor[role] < interfaces.StepTrustCheck {
			return interfaces.ErrInvalidState
		}
		gen = s.Generation
		if st.admitted {
			return nil
		}

		record(st)
		st.cursor[role] = interfaces.StepFinalize
		st.admissionErr = nil
		if st.grant == nil || st.device == nil {
			return nil
		}

		c.noteAdmission(inv.Token, role, st.grantedBy)
		if err := c.admit(admitting, inv, *st.grant, *st.device); err != nil {
			c.forgetAdmission(inv.Token)
			// both sides resubmit
			st.grant, st.device = nil, nil
			st.cursor = [2]interfaces.Step{interfaces.StepTrustCheck, interfaces.StepTrustCheck}
			st.admissionErr = err
			admitErr = err
			return nil
		}
		st.admitted = true
		admitted = true
		return nil
	})
	switch {
	case err != nil:
		return err
	case admitErr != nil:
		return admitErr
	case admitted:
		c.release(inv.Token)
		return nil
	}

	err = c.wait(ctx, p, gen, func(s *slot) (bool, error) {
		if s.State.admitted {
			return true, nil
		}
		return false, s.State.admissionErr
	})
	switch {
	case err == nil:
		c.told(inv.Token, role)
	case errors.Is(err, context.Canceled):
		p.Restart(gen)
	}
	return err
}

// noteAdmission remembers that the side other than role still has to learn
// about the admission. role itself learns it from its own call.
func (c *Coordinator) noteAdmission(token uuid.UUID, role interfaces.Role, greeter string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	notice := &admissionNotice{greeter: greeter, pending: [2]bool{true, true}}
	notice.pending[role] = false
	c.untold[token] = notice
}

func (c *Coordinator) forgetAdmission(token uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.untold, token)
}

func (c *Coordinator) told(token uuid.UUID, role interfaces.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toldLocked(token, role)
}

func (c *Coordinator) toldLocked(token uuid.UUID, role interfaces.Role) {
	notice, ok := c.untold[token]
	if !ok {
		return
	}
	notice.pending[role] = false
	if !notice.pending[interfaces.RoleGreeter] && !notice.pending[interfaces.RoleClaimer] {
		delete(c.untold, token)
	}
}

// resumedAdmission reports whether a finalize call that found the invitation
// consumed is the retry of a side whose payload was admitted but whose
// earlier call ended before learning it. Such a side is told once.
func (c *Coordinator) resumedAdmission(token uuid.UUID, role interfaces.Role, greeter string, err error) bool {
	if !errors.Is(err, interfaces.ErrInvitationAlreadyUsed) &&
		!errors.Is(err, rendezvous.ErrClosed) && !errors.Is(err, rendezvous.ErrStale) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	notice, ok := c.untold[token]
	if !ok || !notice.pending[role] {
		return false
	}
	if role == interfaces.RoleGreeter && notice.greeter != interfaces.NormalizeEmail(greeter) {
		return false
	}
	c.toldLocked(token, role)
	return true
}

func (c *Coordinator) admit(ctx context.Context, inv interfaces.Invitation, grant Grant, device interfaces.Device) error {
	var err error
	switch inv.Type {
	case interfaces.InvitationTypeUser:
		err = c.members.AddMember(ctx, interfaces.Member{
			Email:   grant.ClaimerEmail,
			Profile: grant.Profile,
			Devices: []interfaces.Device{device},
		})
	case interfaces.InvitationTypeDevice:
		err = c.members.AddDevice(ctx, inv.ClaimerEmail, device)
	default:
		err = interfaces.ErrInvalidState
	}
	if err != nil {
		return err
	}

	c.consume(ctx, inv)
	return nil
}

// recoverDevice reconstructs the recovery secret from the handed over parts
// and enrolls the claimer's new device.
func (c *Coordinator) recoverDevice(ctx context.Context, inv interfaces.Invitation, cl *claim, device interfaces.Device) error {
	if err := c.recoverLocked(context.WithoutCancel(ctx), inv, cl, device); err != nil {
		return err
	}
	c.release(inv.Token)
	return nil
}

func (c *Coordinator) recoverLocked(ctx context.Context, inv interfaces.Invitation, cl *claim, device interfaces.Device) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.closed {
		return rendezvous.ErrClosed
	}
	if !cl.collector.EnoughShares() {
		return interfaces.ErrNotEnoughShares
	}

	secret, err := cl.collector.Recover()
	if err != nil {
		return err
	}
	clear(secret)

	if err := c.members.AddDevice(ctx, inv.ClaimerEmail, device); err != nil {
		return err
	}
	cl.closed = true
	c.consume(ctx, inv)
	return nil
}

// consume closes a successfully enrolled invitation. The claimer is already
// admitted at this point, so a storage failure is logged rather than
// reported.
func (c *Coordinator) consume(ctx context.Context, inv interfaces.Invitation) {
	if err := c.invitations.MarkFinalized(ctx, inv.Token); err != nil {
		c.log.Error("Failed to mark invitation finalized", "token", interfaces.FormatToken(inv.Token), "err", err)
	}
	metrics.RecordAdmission(string(inv.Type))
	c.log.Info("Claimer admitted", "token", interfaces.FormatToken(inv.Token), "type", inv.Type, "claimerEmail", inv.ClaimerEmail)
}
