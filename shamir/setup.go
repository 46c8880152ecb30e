// Package shamir manages Shamir recovery setups and collects the weighted
// shares recipients hand over while a member recovers a device.
//
// A setup splits a freshly generated recovery secret into sum(weights) parts;
// each recipient holds as many parts as its weight. Recovery reconstructs the
// secret once the weights of the recipients who handed over their parts reach
// the threshold, and checks it against the verifier stored with the setup.
package shamir

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	vaultshamir "github.com/hashicorp/vault/shamir"
	"github.com/ruteri/enrollment-gateway/interfaces"
)

const (
	// SecretSize is the length of the generated recovery secret.
	SecretSize = 32
	// MaxTotalWeight is the number of parts the secret sharing scheme supports.
	MaxTotalWeight = 255
)

// Setup is the recovery configuration of one member.
type Setup struct {
	Owner       string                 `json:"owner"`
	DeviceLabel string                 `json:"device_label"`
	Threshold   int                    `json:"threshold"`
	Recipients  []interfaces.Recipient `json:"recipients"`
	// Parts maps a recipient email to the secret parts it holds.
	Parts     map[string][][]byte `json:"parts"`
	Verifier  []byte              `json:"verifier"`
	CreatedOn time.Time           `json:"created_on"`
}

// Recipient returns the configured recipient with the given email.
func (s *Setup) Recipient(email string) (interfaces.Recipient, bool) {
	email = interfaces.NormalizeEmail(email)
	for _, r := range s.Recipients {
		if r.Email == email {
			return r, true
		}
	}
	return interfaces.Recipient{}, false
}

func (s *Setup) TotalWeight() int {
	total := 0
	for _, r := range s.Recipients {
		total += r.Weight
	}
	return total
}

// Verify reports whether secret is the one the setup was created from.
func (s *Setup) Verify(secret []byte) bool {
	sum := sha256.Sum256(secret)
	return subtle.ConstantTimeCompare(sum[:], s.Verifier) == 1
}

// Validate checks a setup request. Recipients are normalized in place.
func Validate(owner string, threshold int, recipients []interfaces.Recipient) error {
	if threshold < 1 {
		return interfaces.ErrInvalidConfiguration.WithDetail("threshold must be at least 1")
	}
	if len(recipients) == 0 {
		return interfaces.ErrInvalidConfiguration.WithDetail("no recipients")
	}

	owner = interfaces.NormalizeEmail(owner)
	seen := make(map[string]bool, len(recipients))
	total := 0
	for i := range recipients {
		r := &recipients[i]
		r.Email = interfaces.NormalizeEmail(r.Email)
		switch {
		case r.Email == "":
			return interfaces.NewBadDataError("recipients")
		case r.Weight < 1:
			return interfaces.ErrInvalidConfiguration.WithDetail("weight of %s must be at least 1", r.Email)
		case r.Email == owner:
			return interfaces.ErrInvalidConfiguration.WithDetail("owner cannot be a recipient")
		case seen[r.Email]:
			return interfaces.ErrInvalidConfiguration.WithDetail("duplicate recipient %s", r.Email)
		}
		seen[r.Email] = true
		total += r.Weight
	}

	if total < threshold {
		return interfaces.ErrInvalidConfiguration.WithDetail("total weight %d below threshold %d", total, threshold)
	}
	if total > MaxTotalWeight {
		return interfaces.ErrInvalidConfiguration.WithDetail("total weight %d above %d", total, MaxTotalWeight)
	}
	return nil
}

// split hands each recipient weight parts of secret.
func split(secret []byte, threshold int, recipients []interfaces.Recipient) (map[string][][]byte, error) {
	total := 0
	for _, r := range recipients {
		total += r.Weight
	}

	var parts [][]byte
	if threshold == 1 {
		// any single part recovers the secret
		for i := 0; i < total; i++ {
			parts = append(parts, append([]byte(nil), secret...))
		}
	} else {
		var err error
		parts, err = vaultshamir.Split(secret, total, threshold)
		if err != nil {
			return nil, fmt.Errorf("failed to split recovery secret: %w", err)
		}
	}

	held := make(map[string][][]byte, len(recipients))
	next := 0
	for _, r := range recipients {
		held[r.Email] = parts[next : next+r.Weight]
		next += r.Weight
	}
	return held, nil
}

func combine(threshold int, parts [][]byte) ([]byte, error) {
	if len(parts) < threshold || len(parts) == 0 {
		return nil, errors.New("not enough parts to recover the secret")
	}
	if threshold == 1 {
		return append([]byte(nil), parts[0]...), nil
	}
	secret, err := vaultshamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to recover secret: %w", err)
	}
	return secret, nil
}

// wipeBytes overwrites sensitive material before it is released.
func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
