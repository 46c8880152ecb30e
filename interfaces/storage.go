package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// Namespace separates the record families kept in a storage backend.
type Namespace int

const (
	// MemberNamespace holds identity directory records keyed by email.
	MemberNamespace Namespace = iota
	// InvitationNamespace holds invitations keyed by token.
	InvitationNamespace
	// ShamirSetupNamespace holds recovery setups keyed by owner email.
	ShamirSetupNamespace
)

// Namespaces lists every namespace, in a stable order.
var Namespaces = []Namespace{MemberNamespace, InvitationNamespace, ShamirSetupNamespace}

// String returns the namespace name used in paths, tables and key prefixes.
func (ns Namespace) String() string {
	switch ns {
	case MemberNamespace:
		return "members"
	case InvitationNamespace:
		return "invitations"
	case ShamirSetupNamespace:
		return "shamir_setups"
	default:
		return "unknown"
	}
}

// StorageBackendLocation is a backend URI such as file:///var/lib/enroll or
// redis://localhost:6379/0.
type StorageBackendLocation string

// Validate checks the URI parses and uses a supported scheme.
func (loc StorageBackendLocation) Validate() error {
	parsed, err := url.Parse(string(loc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}
	switch parsed.Scheme {
	case "memory", "file", "s3", "vault", "redis", "sqlite":
		return nil
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}
}

var (
	// ErrContentNotFound is returned when a key has no record in the namespace.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned for malformed or unsupported backend URIs.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StorageBackend is a namespaced key/value store for gateway state.
type StorageBackend interface {
	// Fetch returns the record stored under key, or ErrContentNotFound.
	Fetch(ctx context.Context, ns Namespace, key string) ([]byte, error)

	// Store creates or replaces the record stored under key.
	Store(ctx context.Context, ns Namespace, key string, data []byte) error

	// Delete removes the record. Deleting a missing key is not an error.
	Delete(ctx context.Context, ns Namespace, key string) error

	// List returns every key of the namespace.
	List(ctx context.Context, ns Namespace) ([]string, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}
