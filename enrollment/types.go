package enrollment

import (
	"github.com/ruteri/enrollment-gateway/cryptoutils"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/ruteri/enrollment-gateway/shamir"
)

// DefaultDeviceLabel names devices enrolled without an explicit label.
const DefaultDeviceLabel = "default"

// ClaimerInfo is what a claimer learns about its invitation before pairing.
type ClaimerInfo struct {
	Type         interfaces.InvitationType
	GreeterEmail string

	// Shamir recovery only.
	Threshold    int
	EnoughShares bool
	Recipients   []shamir.RecipientStatus
}

// GreeterReady is returned to a greeter once a claimer joined.
type GreeterReady struct {
	Type       interfaces.InvitationType
	GreeterSAS cryptoutils.SASCode
}

// ClaimerTrust is returned to a claimer once the greeter confirmed it.
type ClaimerTrust struct {
	Shamir       bool
	EnoughShares bool
}

// Grant is the greeter's finalize payload for user invitations.
type Grant struct {
	ClaimerEmail string
	Profile      interfaces.Profile
}

// DeviceRequest is the claimer's finalize payload: the key becomes the
// credential of the enrolled device.
type DeviceRequest struct {
	Key         string
	DeviceLabel string
}
