package shamir

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/ruteri/enrollment-gateway/storage"
)

// MemberLookup resolves organization members.
type MemberLookup interface {
	Member(ctx context.Context, email string) (interfaces.Member, error)
}

// Setups stores at most one recovery setup per member.
type Setups struct {
	mu      sync.Mutex
	store   interfaces.StorageBackend
	members MemberLookup
	log     *slog.Logger
	rand    io.Reader
	now     func() time.Time
}

func NewSetups(store interfaces.StorageBackend, members MemberLookup, log *slog.Logger) *Setups {
	return &Setups{
		store:   store,
		members: members,
		log:     log,
		rand:    rand.Reader,
		now:     time.Now,
	}
}

// Put validates and stores a new setup for owner, replacing any previous one.
// Every recipient must be a member.
func (s *Setups) Put(ctx context.Context, owner interfaces.Member, threshold int, recipients []interfaces.Recipient) (*Setup, error) {
	recipients = append([]interfaces.Recipient(nil), recipients...)
	if err := Validate(owner.Email, threshold, recipients); err != nil {
		return nil, err
	}

	var missing []string
	for _, r := range recipients {
		_, err := s.members.Member(ctx, r.Email)
		if errors.Is(err, interfaces.ErrUsersNotFound) {
			missing = append(missing, r.Email)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	if len(missing) > 0 {
		return nil, interfaces.NewUsersNotFoundError(missing...)
	}

	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(s.rand, secret); err != nil {
		return nil, fmt.Errorf("failed to generate recovery secret: %w", err)
	}
	defer wipeBytes(secret)

	parts, err := split(secret, threshold, recipients)
	if err != nil {
		return nil, err
	}
	verifier := sha256.Sum256(secret)

	setup := &Setup{
		Owner:       interfaces.NormalizeEmail(owner.Email),
		DeviceLabel: deviceLabel(owner),
		Threshold:   threshold,
		Recipients:  recipients,
		Parts:       parts,
		Verifier:    verifier[:],
		CreatedOn:   s.now().UTC(),
	}

	data, err := json.Marshal(setup)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Store(ctx, interfaces.ShamirSetupNamespace, setup.Owner, data); err != nil {
		return nil, storage.UpstreamError(err)
	}

	s.log.Info("Shamir recovery setup stored", "owner", setup.Owner, "threshold", threshold, "recipients", len(recipients))
	return setup, nil
}

// Get returns the setup of owner or ErrNotSetup.
func (s *Setups) Get(ctx context.Context, owner string) (*Setup, error) {
	owner = interfaces.NormalizeEmail(owner)
	data, err := s.store.Fetch(ctx, interfaces.ShamirSetupNamespace, owner)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return nil, interfaces.ErrNotSetup
	}
	if err != nil {
		return nil, storage.UpstreamError(err)
	}

	var setup Setup
	if err := json.Unmarshal(data, &setup); err != nil {
		return nil, fmt.Errorf("corrupt shamir setup of %s: %w", owner, err)
	}
	return &setup, nil
}

// Delete removes the setup of owner. Deleting a missing setup succeeds.
func (s *Setups) Delete(ctx context.Context, owner string) error {
	owner = interfaces.NormalizeEmail(owner)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Delete(ctx, interfaces.ShamirSetupNamespace, owner); err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
		return storage.UpstreamError(err)
	}
	s.log.Info("Shamir recovery setup deleted", "owner", owner)
	return nil
}

// ForRecipient lists the setups email holds parts of, ordered by owner.
func (s *Setups) ForRecipient(ctx context.Context, email string) ([]*Setup, error) {
	email = interfaces.NormalizeEmail(email)
	owners, err := s.store.List(ctx, interfaces.ShamirSetupNamespace)
	if err != nil {
		return nil, storage.UpstreamError(err)
	}
	sort.Strings(owners)

	var setups []*Setup
	for _, owner := range owners {
		setup, err := s.Get(ctx, owner)
		if errors.Is(err, interfaces.ErrNotSetup) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, ok := setup.Recipient(email); ok {
			setups = append(setups, setup)
		}
	}
	return setups, nil
}

func deviceLabel(member interfaces.Member) string {
	if len(member.Devices) == 0 {
		return ""
	}
	return member.Devices[len(member.Devices)-1].Label
}
