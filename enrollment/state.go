package enrollment

import (
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/enrollment-gateway/cryptoutils"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/ruteri/enrollment-gateway/rendezvous"
	"github.com/ruteri/enrollment-gateway/shamir"
)

// pairKey identifies an exchange point. greeter is empty for user and device
// invitations, which have a single exchange.
type pairKey struct {
	token   uuid.UUID
	greeter string
}

// pairState is the per-generation state of one greeter/claimer exchange.
type pairState struct {
	negotiated bool
	sas        cryptoutils.SASPair
	// greeterCandidates is shown to the claimer, claimerCandidates to the greeter.
	greeterCandidates []cryptoutils.SASCode
	claimerCandidates []cryptoutils.SASCode

	// cursor holds the last step each side completed, indexed by role.
	cursor [2]interfaces.Step

	claimerTrusted bool
	greeterTrusted bool

	grant        *Grant
	grantedBy    string
	device       *interfaces.Device
	admitted     bool
	admissionErr error
}

type (
	point = rendezvous.Point[pairState]
	slot  = rendezvous.Slot[pairState]
)

// claim is the coordinator's state for one invitation token.
type claim struct {
	mu     sync.Mutex
	closed bool
	// active is the recipient a recovering claimer is paired with.
	active    string
	collector *shamir.Collector
}

// admissionNotice records which sides of an admitted exchange have not been
// told about the admission yet, indexed by role.
type admissionNotice struct {
	greeter string
	pending [2]bool
}
