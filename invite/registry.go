// Package invite keeps track of outstanding enrollment invitations.
package invite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/ruteri/enrollment-gateway/shamir"
	"github.com/ruteri/enrollment-gateway/storage"
)

// MemberLookup resolves organization members.
type MemberLookup interface {
	Member(ctx context.Context, email string) (interfaces.Member, error)
}

// SetupLookup resolves Shamir recovery setups.
type SetupLookup interface {
	Get(ctx context.Context, owner string) (*shamir.Setup, error)
}

// Listing groups the pending invitations a member can see.
type Listing struct {
	Users            []interfaces.Invitation
	Device           *interfaces.Invitation
	ShamirRecoveries []interfaces.Invitation
}

// Registry holds every invitation ever created. Closed invitations are kept
// so later calls can tell a consumed token from an unknown one.
type Registry struct {
	mu          sync.Mutex
	store       interfaces.StorageBackend
	members     MemberLookup
	setups      SetupLookup
	log         *slog.Logger
	now         func() time.Time
	newToken    func() (uuid.UUID, error)
	invitations map[uuid.UUID]*interfaces.Invitation
	ready       map[uuid.UUID]bool
}

// NewRegistry loads the invitations persisted in store.
func NewRegistry(ctx context.Context, store interfaces.StorageBackend, members MemberLookup, setups SetupLookup, log *slog.Logger) (*Registry, error) {
	r := &Registry{
		store:       store,
		members:     members,
		setups:      setups,
		log:         log,
		now:         time.Now,
		newToken:    uuid.NewRandom,
		invitations: make(map[uuid.UUID]*interfaces.Invitation),
		ready:       make(map[uuid.UUID]bool),
	}

	keys, err := store.List(ctx, interfaces.InvitationNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", storage.UpstreamError(err))
	}
	for _, key := range keys {
		data, err := store.Fetch(ctx, interfaces.InvitationNamespace, key)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch invitation %s: %w", key, storage.UpstreamError(err))
		}
		var inv interfaces.Invitation
		if err := json.Unmarshal(data, &inv); err != nil {
			log.Warn("Skipping corrupt invitation record", "key", key, "err", err)
			continue
		}
		r.invitations[inv.Token] = &inv
	}

	log.Info("Invitation registry loaded", "invitations", len(r.invitations))
	return r, nil
}

// Create returns a pending invitation of typ for claimerEmail, creating it if
// no equivalent one exists. Device invitations are bound to creator.
func (r *Registry) Create(ctx context.Context, creator interfaces.Member, typ interfaces.InvitationType, claimerEmail string) (interfaces.Invitation, error) {
	claimerEmail = interfaces.NormalizeEmail(claimerEmail)

	switch typ {
	case interfaces.InvitationTypeUser:
		if !creator.IsAdmin() {
			return interfaces.Invitation{}, interfaces.ErrNotAllowed
		}
		if claimerEmail == "" {
			return interfaces.Invitation{}, interfaces.NewBadDataError("claimer_email")
		}
		_, err := r.members.Member(ctx, claimerEmail)
		if err == nil {
			return interfaces.Invitation{}, interfaces.ErrClaimerAlreadyMember
		}
		if !errors.Is(err, interfaces.ErrUsersNotFound) {
			return interfaces.Invitation{}, err
		}

	case interfaces.InvitationTypeDevice:
		claimerEmail = interfaces.NormalizeEmail(creator.Email)

	case interfaces.InvitationTypeShamirRecovery:
		if claimerEmail == "" {
			return interfaces.Invitation{}, interfaces.NewBadDataError("claimer_email")
		}
		if _, err := r.members.Member(ctx, claimerEmail); errors.Is(err, interfaces.ErrUsersNotFound) {
			return interfaces.Invitation{}, interfaces.ErrClaimerNotAMember
		} else if err != nil {
			return interfaces.Invitation{}, err
		}
		setup, err := r.setups.Get(ctx, claimerEmail)
		if errors.Is(err, interfaces.ErrNotSetup) {
			return interfaces.Invitation{}, interfaces.ErrNoShamirRecoverySetup
		}
		if err != nil {
			return interfaces.Invitation{}, err
		}
		if _, ok := setup.Recipient(creator.Email); !ok && !creator.IsAdmin() {
			return interfaces.Invitation{}, interfaces.ErrNotAllowed
		}

	default:
		return interfaces.Invitation{}, interfaces.NewBadDataError("type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.findPendingLocked(typ, claimerEmail); existing != nil {
		return r.viewLocked(existing), nil
	}

	token, err := r.newToken()
	if err != nil {
		return interfaces.Invitation{}, fmt.Errorf("failed to generate token: %w", err)
	}
	inv := &interfaces.Invitation{
		Token:        token,
		Type:         typ,
		GreeterEmail: interfaces.NormalizeEmail(creator.Email),
		ClaimerEmail: claimerEmail,
		Status:       interfaces.StatusIdle,
		CreatedOn:    r.now().UTC(),
	}
	if err := r.persist(ctx, inv); err != nil {
		return interfaces.Invitation{}, err
	}
	r.invitations[token] = inv

	r.log.Info("Invitation created", "token", interfaces.FormatToken(token), "type", typ, "claimerEmail", claimerEmail)
	return *inv, nil
}

func (r *Registry) findPendingLocked(typ interfaces.InvitationType, claimerEmail string) *interfaces.Invitation {
	for _, inv := range r.invitations {
		if inv.Pending() && inv.Type == typ && inv.ClaimerEmail == claimerEmail {
			return inv
		}
	}
	return nil
}

func (r *Registry) viewLocked(inv *interfaces.Invitation) interfaces.Invitation {
	view := *inv
	if view.Pending() && r.ready[view.Token] {
		view.Status = interfaces.StatusReady
	}
	return view
}

// Lookup returns the invitation, closed or not, or ErrUnknownToken.
func (r *Registry) Lookup(ctx context.Context, token uuid.UUID) (interfaces.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invitations[token]
	if !ok {
		return interfaces.Invitation{}, interfaces.ErrUnknownToken
	}
	return r.viewLocked(inv), nil
}

// Delete closes a pending invitation. Deleting an already deleted invitation
// succeeds; deleting a consumed one fails with ErrInvitationAlreadyUsed.
func (r *Registry) Delete(ctx context.Context, token uuid.UUID, by interfaces.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invitations[token]
	if !ok {
		return interfaces.ErrUnknownToken
	}
	if !canManage(inv, by) {
		return interfaces.ErrNotAllowed
	}
	switch inv.Closure {
	case interfaces.ClosureFinalized:
		return interfaces.ErrInvitationAlreadyUsed
	case interfaces.ClosureDeleted, interfaces.ClosureInvalidated:
		return nil
	}
	return r.closeLocked(ctx, inv, interfaces.ClosureDeleted)
}

// MarkFinalized records that the invitation was consumed by a successful
// enrollment.
func (r *Registry) MarkFinalized(ctx context.Context, token uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invitations[token]
	if !ok {
		return interfaces.ErrUnknownToken
	}
	if !inv.Pending() {
		return interfaces.ErrInvitationAlreadyUsed
	}
	return r.closeLocked(ctx, inv, interfaces.ClosureFinalized)
}

// InvalidateShamir closes the pending recovery invitations of claimerEmail
// created before the given time and returns their tokens. A zero time closes
// all of them. Invitations created at or after it were made against a newer
// setup and stay pending.
func (r *Registry) InvalidateShamir(ctx context.Context, claimerEmail string, before time.Time) ([]uuid.UUID, error) {
	claimerEmail = interfaces.NormalizeEmail(claimerEmail)

	r.mu.Lock()
	defer r.mu.Unlock()

	var tokens []uuid.UUID
	for _, inv := range r.invitations {
		if !inv.Pending() || inv.Type != interfaces.InvitationTypeShamirRecovery || inv.ClaimerEmail != claimerEmail {
			continue
		}
		if !before.IsZero() && !inv.CreatedOn.Before(before) {
			continue
		}
		if err := r.closeLocked(ctx, inv, interfaces.ClosureInvalidated); err != nil {
			return tokens, err
		}
		tokens = append(tokens, inv.Token)
	}
	return tokens, nil
}

// SetStatus marks whether a greeter is currently waiting on the invitation.
// The status is not persisted.
func (r *Registry) SetStatus(token uuid.UUID, status interfaces.InvitationStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if status == interfaces.StatusReady {
		r.ready[token] = true
	} else {
		delete(r.ready, token)
	}
}

// List returns the pending invitations visible to viewer: user invitations
// for admins, the viewer's own device invitation and the recovery invitations
// the viewer can greet.
func (r *Registry) List(ctx context.Context, viewer interfaces.Member) (Listing, error) {
	viewerEmail := interfaces.NormalizeEmail(viewer.Email)

	r.mu.Lock()
	var pending []interfaces.Invitation
	for _, inv := range r.invitations {
		if inv.Pending() {
			pending = append(pending, r.viewLocked(inv))
		}
	}
	r.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedOn.Equal(pending[j].CreatedOn) {
			return interfaces.FormatToken(pending[i].Token) < interfaces.FormatToken(pending[j].Token)
		}
		return pending[i].CreatedOn.Before(pending[j].CreatedOn)
	})

	listing := Listing{Users: []interfaces.Invitation{}, ShamirRecoveries: []interfaces.Invitation{}}
	for i := range pending {
		inv := pending[i]
		switch inv.Type {
		case interfaces.InvitationTypeUser:
			if viewer.IsAdmin() || inv.GreeterEmail == viewerEmail {
				listing.Users = append(listing.Users, inv)
			}
		case interfaces.InvitationTypeDevice:
			if inv.ClaimerEmail == viewerEmail {
				listing.Device = &inv
			}
		case interfaces.InvitationTypeShamirRecovery:
			if inv.ClaimerEmail == viewerEmail {
				continue
			}
			setup, err := r.setups.Get(ctx, inv.ClaimerEmail)
			if errors.Is(err, interfaces.ErrNotSetup) {
				continue
			}
			if err != nil {
				return Listing{}, err
			}
			if _, ok := setup.Recipient(viewerEmail); ok {
				listing.ShamirRecoveries = append(listing.ShamirRecoveries, inv)
			}
		}
	}
	return listing, nil
}

func (r *Registry) closeLocked(ctx context.Context, inv *interfaces.Invitation, closure interfaces.Closure) error {
	closed := *inv
	closed.Status = interfaces.StatusDeleted
	closed.Closure = closure
	if err := r.persist(ctx, &closed); err != nil {
		return err
	}
	*inv = closed
	delete(r.ready, inv.Token)

	r.log.Info("Invitation closed", "token", interfaces.FormatToken(inv.Token), "type", inv.Type, "closure", closure)
	return nil
}

func (r *Registry) persist(ctx context.Context, inv *interfaces.Invitation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return storage.UpstreamError(r.store.Store(ctx, interfaces.InvitationNamespace, interfaces.FormatToken(inv.Token), data))
}

func canManage(inv *interfaces.Invitation, member interfaces.Member) bool {
	email := interfaces.NormalizeEmail(member.Email)
	switch {
	case member.IsAdmin():
		return true
	case inv.GreeterEmail == email:
		return true
	case inv.Type == interfaces.InvitationTypeDevice && inv.ClaimerEmail == email:
		return true
	}
	return false
}
