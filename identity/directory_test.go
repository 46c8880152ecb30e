package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/ruteri/enrollment-gateway/cryptoutils"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/ruteri/enrollment-gateway/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory() *Directory {
	return NewDirectory(storage.NewMemoryBackend(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDirectoryAddAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory()

	keyHash, err := cryptoutils.HashKey("secret")
	require.NoError(t, err)

	require.NoError(t, dir.AddMember(ctx, interfaces.Member{
		Email:   " Alice@Example.com ",
		Profile: interfaces.ProfileAdmin,
		Devices: []interfaces.Device{{Label: "laptop", KeyHash: keyHash}},
	}))

	member, err := dir.Member(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", member.Email)
	assert.True(t, member.IsAdmin())
	assert.False(t, member.CreatedOn.IsZero())

	err = dir.AddMember(ctx, interfaces.Member{Email: "alice@example.com"})
	assert.ErrorIs(t, err, interfaces.ErrClaimerAlreadyMember)

	_, err = dir.Authenticate(ctx, "alice@example.com", "secret")
	assert.NoError(t, err)
	_, err = dir.Authenticate(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, interfaces.ErrBadKey)
	_, err = dir.Authenticate(ctx, "nobody@example.com", "secret")
	assert.ErrorIs(t, err, interfaces.ErrBadKey)

	_, err = dir.Member(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, interfaces.ErrUsersNotFound)
}

func TestDirectoryAddDevice(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory()
	require.NoError(t, dir.AddMember(ctx, interfaces.Member{Email: "bob@example.com"}))

	keyHash, err := cryptoutils.HashKey("phone-key")
	require.NoError(t, err)
	require.NoError(t, dir.AddDevice(ctx, "bob@example.com", interfaces.Device{Label: "phone", KeyHash: keyHash}))

	member, err := dir.Authenticate(ctx, "bob@example.com", "phone-key")
	require.NoError(t, err)
	assert.Len(t, member.Devices, 1)
	assert.Equal(t, interfaces.ProfileStandard, member.Profile)

	err = dir.AddDevice(ctx, "nobody@example.com", interfaces.Device{Label: "x"})
	assert.ErrorIs(t, err, interfaces.ErrUsersNotFound)
}

func TestDirectoryConcurrentAdmissionOfSameEmail(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = dir.AddMember(ctx, interfaces.Member{Email: "carol@example.com"})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, interfaces.ErrClaimerAlreadyMember)
		}
	}
	assert.Equal(t, 1, succeeded)
}

type refusingBackend struct{ *storage.MemoryBackend }

func (refusingBackend) Fetch(context.Context, interfaces.Namespace, string) ([]byte, error) {
	return nil, errors.Join(interfaces.ErrBackendUnavailable, syscall.ECONNREFUSED)
}

func TestDirectorySurfacesUpstreamErrors(t *testing.T) {
	dir := NewDirectory(refusingBackend{storage.NewMemoryBackend()}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := dir.Member(context.Background(), "alice@example.com")
	assert.ErrorIs(t, err, interfaces.ErrConnectionRefused)
}

func TestSeedFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
members:
  - email: alice@example.com
    label: Alice
    profile: admin
    key: alice-key
  - email: bob@example.com
    key: bob-key
    device_label: desktop
`), 0600))

	seeds, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, seeds, 2)

	ctx := context.Background()
	dir := newTestDirectory()
	added, err := dir.Seed(ctx, seeds)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	// seeding is idempotent
	added, err = dir.Seed(ctx, seeds)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	alice, err := dir.Authenticate(ctx, "alice@example.com", "alice-key")
	require.NoError(t, err)
	assert.Equal(t, interfaces.ProfileAdmin, alice.Profile)

	bob, err := dir.Member(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "desktop", bob.Devices[0].Label)

	members, err := dir.Members(ctx)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestSeedRejectsBadProfile(t *testing.T) {
	_, err := newTestDirectory().Seed(context.Background(), []SeedMember{{Email: "x@example.com", Key: "k", Profile: "root"}})
	assert.Error(t, err)
}
