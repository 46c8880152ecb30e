package interfaces

import "context"

// IdentityBackend is the organization's member directory. Connectivity
// failures are reported as ErrOffline or ErrConnectionRefused so handlers can
// surface them verbatim.
type IdentityBackend interface {
	// Member returns the member registered under email, or ErrUsersNotFound.
	Member(ctx context.Context, email string) (Member, error)

	// Members lists every member.
	Members(ctx context.Context) ([]Member, error)

	// AddMember admits a new member; ErrClaimerAlreadyMember if the email is taken.
	AddMember(ctx context.Context, member Member) error

	// AddDevice enrolls an additional device for an existing member.
	AddDevice(ctx context.Context, email string, device Device) error

	// Authenticate checks key against the member's device credentials.
	Authenticate(ctx context.Context, email, key string) (Member, error)
}
