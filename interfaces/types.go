// Package interfaces defines the domain types and contracts shared by the
// enrollment gateway components. It carries no behavior beyond validation and
// formatting helpers.
package interfaces

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InvitationType selects what a successful enrollment admits.
type InvitationType string

const (
	InvitationTypeUser           InvitationType = "user"
	InvitationTypeDevice         InvitationType = "device"
	InvitationTypeShamirRecovery InvitationType = "shamir_recovery"
)

// ParseInvitationType accepts the wire names case-insensitively ("user", "USER").
func ParseInvitationType(s string) (InvitationType, error) {
	switch t := InvitationType(strings.ToLower(s)); t {
	case InvitationTypeUser, InvitationTypeDevice, InvitationTypeShamirRecovery:
		return t, nil
	default:
		return "", fmt.Errorf("unknown invitation type %q", s)
	}
}

// InvitationStatus is the externally visible lifecycle status.
type InvitationStatus string

const (
	// StatusIdle means no greeter is currently waiting on the invitation.
	StatusIdle InvitationStatus = "IDLE"
	// StatusReady means a greeter is parked in wait-peer-ready.
	StatusReady InvitationStatus = "READY"
	// StatusDeleted covers both explicit deletion and consumption.
	StatusDeleted InvitationStatus = "DELETED"
)

// Closure records why a DELETED invitation stopped being usable.
type Closure string

const (
	ClosureNone        Closure = ""
	ClosureDeleted     Closure = "deleted"
	ClosureFinalized   Closure = "finalized"
	ClosureInvalidated Closure = "invalidated"
)

// Invitation scopes one enrollment attempt.
type Invitation struct {
	Token uuid.UUID      `json:"token"`
	Type  InvitationType `json:"type"`
	// GreeterEmail is the member who created the invitation.
	GreeterEmail string `json:"greeter_email"`
	// ClaimerEmail is empty only for invitations created before the device slot
	// was bound to its owner; device invitations carry the owner's email.
	ClaimerEmail string           `json:"claimer_email"`
	Status       InvitationStatus `json:"status"`
	Closure      Closure          `json:"closure,omitempty"`
	CreatedOn    time.Time        `json:"created_on"`
}

// Pending reports whether the invitation can still be used.
func (i Invitation) Pending() bool {
	return i.Status != StatusDeleted
}

// FormatToken renders a token the way the HTTP surface exposes it (32 hex chars).
func FormatToken(token uuid.UUID) string {
	return hex.EncodeToString(token[:])
}

// ParseToken accepts both the dashed and the bare hex form.
func ParseToken(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// Role identifies the side of the handshake a step call belongs to.
type Role int

const (
	RoleGreeter Role = iota
	RoleClaimer
)

func (r Role) String() string {
	switch r {
	case RoleGreeter:
		return "greeter"
	case RoleClaimer:
		return "claimer"
	default:
		return "unknown"
	}
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleGreeter {
		return RoleClaimer
	}
	return RoleGreeter
}

// Step is the position of a side in the handshake. A side's cursor holds the
// last step it completed.
type Step int

const (
	StepNone Step = iota
	StepWaitPeerReady
	// StepTrustWait is greeter 2-wait-peer-trust or claimer 2-check-trust.
	StepTrustWait
	// StepTrustCheck is greeter 3-check-trust or claimer 3-wait-peer-trust.
	StepTrustCheck
	StepFinalize
)

var stepNames = map[Role][]string{
	RoleGreeter: {"0-none", "1-wait-peer-ready", "2-wait-peer-trust", "3-check-trust", "4-finalize"},
	RoleClaimer: {"0-retrieve-info", "1-wait-peer-ready", "2-check-trust", "3-wait-peer-trust", "4-finalize"},
}

// StepName returns the HTTP route segment of a step for a role.
func StepName(role Role, step Step) string {
	names := stepNames[role]
	if int(step) < 0 || int(step) >= len(names) {
		return "unknown"
	}
	return names[step]
}

// Profile is a member's permission level.
type Profile string

const (
	ProfileAdmin    Profile = "ADMIN"
	ProfileStandard Profile = "STANDARD"
	ProfileOutsider Profile = "OUTSIDER"
)

func ParseProfile(s string) (Profile, error) {
	switch p := Profile(strings.ToUpper(s)); p {
	case ProfileAdmin, ProfileStandard, ProfileOutsider:
		return p, nil
	default:
		return "", fmt.Errorf("unknown profile %q", s)
	}
}

// Device is one enrolled credential of a member.
type Device struct {
	Label     string    `json:"label"`
	KeyHash   string    `json:"key_hash"`
	CreatedOn time.Time `json:"created_on"`
}

// Member is an enrolled human of the organization.
type Member struct {
	Email     string    `json:"email"`
	Label     string    `json:"label"`
	Profile   Profile   `json:"profile"`
	Devices   []Device  `json:"devices"`
	CreatedOn time.Time `json:"created_on"`
}

func (m Member) IsAdmin() bool {
	return m.Profile == ProfileAdmin
}

// Recipient is one share holder of a Shamir recovery setup.
type Recipient struct {
	Email  string `json:"email"`
	Weight int    `json:"weight"`
}

// NormalizeEmail is applied to every email before it is stored or compared.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
