// Package identity implements the organization member directory the enrollment
// coordinator admits claimers into.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/enrollment-gateway/cryptoutils"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/ruteri/enrollment-gateway/storage"
)

// Directory is an interfaces.IdentityBackend persisted in a storage backend.
// Writes are serialized so concurrent admissions of the same email cannot both
// succeed.
type Directory struct {
	mu    sync.Mutex
	store interfaces.StorageBackend
	log   *slog.Logger
	now   func() time.Time
}

func NewDirectory(store interfaces.StorageBackend, log *slog.Logger) *Directory {
	return &Directory{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

func (d *Directory) Member(ctx context.Context, email string) (interfaces.Member, error) {
	email = interfaces.NormalizeEmail(email)
	data, err := d.store.Fetch(ctx, interfaces.MemberNamespace, email)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return interfaces.Member{}, interfaces.NewUsersNotFoundError(email)
	}
	if err != nil {
		return interfaces.Member{}, storage.UpstreamError(err)
	}

	var member interfaces.Member
	if err := json.Unmarshal(data, &member); err != nil {
		return interfaces.Member{}, fmt.Errorf("corrupt member record %s: %w", email, err)
	}
	return member, nil
}

func (d *Directory) Members(ctx context.Context) ([]interfaces.Member, error) {
	emails, err := d.store.List(ctx, interfaces.MemberNamespace)
	if err != nil {
		return nil, storage.UpstreamError(err)
	}

	members := make([]interfaces.Member, 0, len(emails))
	for _, email := range emails {
		member, err := d.Member(ctx, email)
		if errors.Is(err, interfaces.ErrUsersNotFound) {
			// removed between List and Fetch
			continue
		}
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, nil
}

func (d *Directory) AddMember(ctx context.Context, member interfaces.Member) error {
	member.Email = interfaces.NormalizeEmail(member.Email)
	if member.Email == "" {
		return interfaces.NewBadDataError("email")
	}
	if member.Profile == "" {
		member.Profile = interfaces.ProfileStandard
	}
	if member.CreatedOn.IsZero() {
		member.CreatedOn = d.now().UTC()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.Member(ctx, member.Email)
	switch {
	case err == nil:
		return interfaces.ErrClaimerAlreadyMember
	case !errors.Is(err, interfaces.ErrUsersNotFound):
		return err
	}

	if err := d.put(ctx, member); err != nil {
		return err
	}
	d.log.Info("Member admitted", "email", member.Email, "profile", member.Profile)
	return nil
}

func (d *Directory) AddDevice(ctx context.Context, email string, device interfaces.Device) error {
	if device.CreatedOn.IsZero() {
		device.CreatedOn = d.now().UTC()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	member, err := d.Member(ctx, email)
	if err != nil {
		return err
	}
	member.Devices = append(member.Devices, device)
	if err := d.put(ctx, member); err != nil {
		return err
	}
	d.log.Info("Device enrolled", "email", member.Email, "device", device.Label)
	return nil
}

// Authenticate accepts the key of any of the member's devices.
func (d *Directory) Authenticate(ctx context.Context, email, key string) (interfaces.Member, error) {
	member, err := d.Member(ctx, email)
	if errors.Is(err, interfaces.ErrUsersNotFound) {
		return interfaces.Member{}, interfaces.ErrBadKey
	}
	if err != nil {
		return interfaces.Member{}, err
	}

	for _, device := range member.Devices {
		ok, err := cryptoutils.VerifyKey(key, device.KeyHash)
		if err != nil {
			d.log.Warn("Unverifiable device credential", "email", member.Email, "device", device.Label, "err", err)
			continue
		}
		if ok {
			return member, nil
		}
	}
	return interfaces.Member{}, interfaces.ErrBadKey
}

func (d *Directory) put(ctx context.Context, member interfaces.Member) error {
	data, err := json.Marshal(member)
	if err != nil {
		return err
	}
	return storage.UpstreamError(d.store.Store(ctx, interfaces.MemberNamespace, member.Email, data))
}
