package invite

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/enrollment-gateway/identity"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/ruteri/enrollment-gateway/shamir"
	"github.com/ruteri/enrollment-gateway/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin = interfaces.Member{Email: "admin@example.com", Profile: interfaces.ProfileAdmin}
	bob   = interfaces.Member{Email: "bob@example.com", Profile: interfaces.ProfileStandard}
	carl  = interfaces.Member{Email: "carl@example.com", Profile: interfaces.ProfileStandard}
	diana = interfaces.Member{Email: "diana@example.com", Profile: interfaces.ProfileStandard}
)

type fixture struct {
	store    *storage.MemoryBackend
	dir      *identity.Directory
	setups   *shamir.Setups
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := storage.NewMemoryBackend()
	dir := identity.NewDirectory(store, log)
	for _, m := range []interfaces.Member{admin, bob, carl, diana} {
		require.NoError(t, dir.AddMember(ctx, m))
	}
	setups := shamir.NewSetups(store, dir, log)

	registry, err := NewRegistry(ctx, store, dir, setups, log)
	require.NoError(t, err)
	return &fixture{store: store, dir: dir, setups: setups, registry: registry}
}

func TestCreateUserInvitation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	inv, err := f.registry.Create(ctx, admin, interfaces.InvitationTypeUser, "Zack@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "zack@example.com", inv.ClaimerEmail)
	assert.Equal(t, interfaces.StatusIdle, inv.Status)

	again, err := f.registry.Create(ctx, admin, interfaces.InvitationTypeUser, "zack@example.com")
	require.NoError(t, err)
	assert.Equal(t, inv.Token, again.Token)

	_, err = f.registry.Create(ctx, bob, interfaces.InvitationTypeUser, "yann@example.com")
	assert.ErrorIs(t, err, interfaces.ErrNotAllowed)

	_, err = f.registry.Create(ctx, admin, interfaces.InvitationTypeUser, "bob@example.com")
	assert.ErrorIs(t, err, interfaces.ErrClaimerAlreadyMember)

	_, err = f.registry.Create(ctx, admin, interfaces.InvitationTypeUser, "")
	assert.ErrorIs(t, err, interfaces.ErrBadData)
}

func TestConcurrentCreateYieldsOneToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var wg sync.WaitGroup
	tokens := make([]uuid.UUID, 10)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inv, err := f.registry.Create(ctx, bob, interfaces.InvitationTypeDevice, "")
			assert.NoError(t, err)
			tokens[i] = inv.Token
		}(i)
	}
	wg.Wait()

	for _, token := range tokens {
		assert.Equal(t, tokens[0], token)
	}
}

func TestCreateShamirInvitation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.registry.Create(ctx, carl, interfaces.InvitationTypeShamirRecovery, "bob@example.com")
	assert.ErrorIs(t, err, interfaces.ErrNoShamirRecoverySetup)

	_, err = f.registry.Create(ctx, carl, interfaces.InvitationTypeShamirRecovery, "ghost@example.com")
	assert.ErrorIs(t, err, interfaces.ErrClaimerNotAMember)

	_, err = f.setups.Put(ctx, bob, 1, []interfaces.Recipient{{Email: carl.Email, Weight: 1}})
	require.NoError(t, err)

	_, err = f.registry.Create(ctx, diana, interfaces.InvitationTypeShamirRecovery, "bob@example.com")
	assert.ErrorIs(t, err, interfaces.ErrNotAllowed)

	inv, err := f.registry.Create(ctx, carl, interfaces.InvitationTypeShamirRecovery, "bob@example.com")
	require.NoError(t, err)

	byAdmin, err := f.registry.Create(ctx, admin, interfaces.InvitationTypeShamirRecovery, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, inv.Token, byAdmin.Token)

	listing, err := f.registry.List(ctx, carl)
	require.NoError(t, err)
	require.Len(t, listing.ShamirRecoveries, 1)
	assert.Equal(t, inv.Token, listing.ShamirRecoveries[0].Token)

	listing, err = f.registry.List(ctx, diana)
	require.NoError(t, err)
	assert.Empty(t, listing.ShamirRecoveries)

	tokens, err := f.registry.InvalidateShamir(ctx, "bob@example.com", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{inv.Token}, tokens)

	closed, err := f.registry.Lookup(ctx, inv.Token)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusDeleted, closed.Status)
	assert.Equal(t, interfaces.ClosureInvalidated, closed.Closure)
}

func TestInvalidateShamirSparesNewerInvitations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	setup, err := f.setups.Put(ctx, bob, 1, []interfaces.Recipient{{Email: carl.Email, Weight: 1}})
	require.NoError(t, err)

	// Created against the new setup before the replacement closed the old
	// invitations.
	f.registry.now = func() time.Time { return setup.CreatedOn.Add(time.Second) }
	inv, err := f.registry.Create(ctx, carl, interfaces.InvitationTypeShamirRecovery, bob.Email)
	require.NoError(t, err)

	tokens, err := f.registry.InvalidateShamir(ctx, bob.Email, setup.CreatedOn)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	got, err := f.registry.Lookup(ctx, inv.Token)
	require.NoError(t, err)
	assert.True(t, got.Pending())

	tokens, err = f.registry.InvalidateShamir(ctx, bob.Email, setup.CreatedOn.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{inv.Token}, tokens)
}

func TestDeleteLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.registry.Lookup(ctx, uuid.New())
	assert.ErrorIs(t, err, interfaces.ErrUnknownToken)
	assert.ErrorIs(t, f.registry.Delete(ctx, uuid.New(), admin), interfaces.ErrUnknownToken)

	inv, err := f.registry.Create(ctx, admin, interfaces.InvitationTypeUser, "zack@example.com")
	require.NoError(t, err)

	assert.ErrorIs(t, f.registry.Delete(ctx, inv.Token, bob), interfaces.ErrNotAllowed)
	require.NoError(t, f.registry.Delete(ctx, inv.Token, admin))
	require.NoError(t, f.registry.Delete(ctx, inv.Token, admin))

	listing, err := f.registry.List(ctx, admin)
	require.NoError(t, err)
	assert.Empty(t, listing.Users)

	// a deleted invitation is not reused by create
	fresh, err := f.registry.Create(ctx, admin, interfaces.InvitationTypeUser, "zack@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, inv.Token, fresh.Token)

	require.NoError(t, f.registry.MarkFinalized(ctx, fresh.Token))
	assert.ErrorIs(t, f.registry.Delete(ctx, fresh.Token, admin), interfaces.ErrInvitationAlreadyUsed)
	assert.ErrorIs(t, f.registry.MarkFinalized(ctx, fresh.Token), interfaces.ErrInvitationAlreadyUsed)
}

func TestDeviceInvitationListingAndStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	inv, err := f.registry.Create(ctx, bob, interfaces.InvitationTypeDevice, "someone@else.com")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", inv.ClaimerEmail)

	listing, err := f.registry.List(ctx, bob)
	require.NoError(t, err)
	require.NotNil(t, listing.Device)
	assert.Equal(t, interfaces.StatusIdle, listing.Device.Status)
	assert.Empty(t, listing.Users)

	f.registry.SetStatus(inv.Token, interfaces.StatusReady)
	listing, err = f.registry.List(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusReady, listing.Device.Status)

	f.registry.SetStatus(inv.Token, interfaces.StatusIdle)
	looked, err := f.registry.Lookup(ctx, inv.Token)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusIdle, looked.Status)

	listing, err = f.registry.List(ctx, carl)
	require.NoError(t, err)
	assert.Nil(t, listing.Device)
}

func TestRegistryReloadsFromStorage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pending, err := f.registry.Create(ctx, admin, interfaces.InvitationTypeUser, "zack@example.com")
	require.NoError(t, err)
	used, err := f.registry.Create(ctx, carl, interfaces.InvitationTypeDevice, "")
	require.NoError(t, err)
	require.NoError(t, f.registry.MarkFinalized(ctx, used.Token))

	reloaded, err := NewRegistry(ctx, f.store, f.dir, f.setups, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	got, err := reloaded.Lookup(ctx, pending.Token)
	require.NoError(t, err)
	assert.True(t, got.Pending())
	assert.Equal(t, pending.CreatedOn.Unix(), got.CreatedOn.Unix())

	got, err = reloaded.Lookup(ctx, used.Token)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ClosureFinalized, got.Closure)
}
