package shamir

import (
	"sync"

	"github.com/ruteri/enrollment-gateway/interfaces"
)

// RecipientStatus is a recipient together with whether its parts were handed
// over during the current recovery.
type RecipientStatus struct {
	Email     string `json:"email"`
	Weight    int    `json:"weight"`
	Retrieved bool   `json:"retrieved"`
}

// Collector accumulates the parts handed over for one recovery invitation.
type Collector struct {
	mu        sync.Mutex
	setup     *Setup
	retrieved map[string]bool
	weight    int
}

func NewCollector(setup *Setup) *Collector {
	return &Collector{
		setup:     setup,
		retrieved: make(map[string]bool),
	}
}

// Setup returns the setup being recovered.
func (c *Collector) Setup() *Setup {
	return c.setup
}

// Check reports whether email may still hand over its parts.
func (c *Collector) Check(email string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.checkLocked(email)
	return err
}

func (c *Collector) checkLocked(email string) (interfaces.Recipient, error) {
	recipient, ok := c.setup.Recipient(email)
	if !ok {
		return interfaces.Recipient{}, interfaces.ErrEmailNotInRecipients
	}
	if c.retrieved[recipient.Email] {
		return interfaces.Recipient{}, interfaces.ErrRecipientAlreadyRecovered
	}
	return recipient, nil
}

// RegisterContribution records that email handed over its parts and returns
// the retrieved weight so far.
func (c *Collector) RegisterContribution(email string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	recipient, err := c.checkLocked(email)
	if err != nil {
		return c.weight, err
	}
	c.retrieved[recipient.Email] = true
	c.weight += recipient.Weight
	return c.weight, nil
}

func (c *Collector) RetrievedWeight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

// EnoughShares reports whether the retrieved weight reached the threshold.
func (c *Collector) EnoughShares() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight >= c.setup.Threshold
}

// Recipients lists the configured recipients in setup order.
func (c *Collector) Recipients() []RecipientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	statuses := make([]RecipientStatus, 0, len(c.setup.Recipients))
	for _, r := range c.setup.Recipients {
		statuses = append(statuses, RecipientStatus{Email: r.Email, Weight: r.Weight, Retrieved: c.retrieved[r.Email]})
	}
	return statuses
}

// Recover reconstructs the recovery secret from the retrieved parts and
// verifies it. The caller owns the returned slice.
func (c *Collector) Recover() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.weight < c.setup.Threshold {
		return nil, interfaces.ErrNotEnoughShares
	}

	var parts [][]byte
	for _, r := range c.setup.Recipients {
		if c.retrieved[r.Email] {
			parts = append(parts, c.setup.Parts[r.Email]...)
		}
	}

	secret, err := combine(c.setup.Threshold, parts)
	if err != nil {
		return nil, err
	}
	if !c.setup.Verify(secret) {
		wipeBytes(secret)
		return nil, interfaces.ErrUnexpectedInternal.WithDetail("recovered secret does not match setup of %s", c.setup.Owner)
	}
	return secret, nil
}
