package enrollment

import (
	"context"

	"github.com/google/uuid"
	"github.com/ruteri/enrollment-gateway/cryptoutils"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/ruteri/enrollment-gateway/rendezvous"
)

// RetrieveInfo describes the invitation to the claimer. It also abandons any
// exchange the claimer had advanced in, so the claimer can start over.
func (c *Coordinator) RetrieveInfo(ctx context.Context, token uuid.UUID) (ClaimerInfo, error) {
	info, err := c.retrieveInfo(ctx, token)
	return info, c.outcome(ctx, token, interfaces.RoleClaimer, interfaces.StepNone, err)
}

func (c *Coordinator) retrieveInfo(ctx context.Context, token uuid.UUID) (ClaimerInfo, error) {
	inv, cl, err := c.open(ctx, token, interfaces.RoleClaimer, interfaces.StepNone)
	if err != nil {
		return ClaimerInfo{}, err
	}

	if inv.Type != interfaces.InvitationTypeShamirRecovery {
		c.detachClaimer(pairKey{token: token}, false)
		return ClaimerInfo{Type: inv.Type, GreeterEmail: inv.GreeterEmail}, nil
	}

	cl.mu.Lock()
	if cl.active != "" {
		c.detachClaimer(pairKey{token: token, greeter: cl.active}, true)
		cl.active = ""
	}
	cl.mu.Unlock()

	return ClaimerInfo{
		Type:         inv.Type,
		Threshold:    cl.collector.Setup().Threshold,
		EnoughShares: cl.collector.EnoughShares(),
		Recipients:   cl.collector.Recipients(),
	}, nil
}

// ClaimerWaitPeerReady parks until the greeter joins and returns the
// candidates the claimer must pick the greeter's code from. Recovering
// claimers name the recipient they pair with in greeterEmail.
func (c *Coordinator) ClaimerWaitPeerReady(ctx context.Context, token uuid.UUID, greeterEmail string) ([]cryptoutils.SASCode, error) {
	candidates, err := c.claimerWaitPeerReady(ctx, token, greeterEmail)
	return candidates, c.outcome(ctx, token, interfaces.RoleClaimer, interfaces.StepWaitPeerReady, err)
}

func (c *Coordinator) claimerWaitPeerReady(ctx context.Context, token uuid.UUID, greeterEmail string) ([]cryptoutils.SASCode, error) {
	inv, cl, err := c.open(ctx, token, interfaces.RoleClaimer, interfaces.StepWaitPeerReady)
	if err != nil {
		return nil, err
	}

	var p *point
	if inv.Type == interfaces.InvitationTypeShamirRecovery {
		p, err = c.pairWithRecipient(cl, token, interfaces.NormalizeEmail(greeterEmail))
	} else {
		p, err = c.point(cl, pairKey{token: token})
	}
	if err != nil {
		return nil, err
	}

	st, err := c.waitPeerReady(ctx, p, interfaces.RoleClaimer, inv.ClaimerEmail)
	if err != nil {
		return nil, err
	}
	return append([]cryptoutils.SASCode(nil), st.greeterCandidates...), nil
}

// pairWithRecipient makes email the claimer's active exchange, abandoning the
// previous one.
func (c *Coordinator) pairWithRecipient(cl *claim, token uuid.UUID, email string) (*point, error) {
	if email == "" {
		return nil, interfaces.NewBadDataError("greeter_email")
	}
	if err := cl.collector.Check(email); err != nil {
		return nil, err
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.closed {
		return nil, rendezvous.ErrClosed
	}
	if cl.active != "" && cl.active != email {
		c.detachClaimer(pairKey{token: token, greeter: cl.active}, true)
	}
	cl.active = email
	return c.barrier.Point(pairKey{token: token, greeter: email}), nil
}

// ClaimerCheckTrust confirms the greeter's code and returns the code the
// claimer must read out to the greeter. A wrong code leaves the exchange
// untouched and may be retried.
func (c *Coordinator) ClaimerCheckTrust(ctx context.Context, token uuid.UUID, greeterSAS cryptoutils.SASCode) (cryptoutils.SASCode, error) {
	sas, err := c.claimerCheckTrust(ctx, token, greeterSAS)
	return sas, c.outcome(ctx, token, interfaces.RoleClaimer, interfaces.StepTrustWait, err)
}

func (c *Coordinator) claimerCheckTrust(ctx context.Context, token uuid.UUID, greeterSAS cryptoutils.SASCode) (cryptoutils.SASCode, error) {
	inv, cl, err := c.open(ctx, token, interfaces.RoleClaimer, interfaces.StepTrustWait)
	if err != nil {
		return "", err
	}
	if err := greeterSAS.Validate(); err != nil {
		return "", interfaces.NewBadDataError("greeter_sas")
	}
	key, err := c.claimerKey(inv, cl)
	if err != nil {
		return "", err
	}
	p, err := c.existing(cl, key)
	if err != nil {
		return "", err
	}

	var claimerSAS cryptoutils.SASCode
	err = c.advance(p, interfaces.RoleClaimer, interfaces.StepTrustWait, func(st *pairState) error {
		if !st.sas.Greeter.Equal(greeterSAS) {
			return interfaces.ErrBadGreeterSAS
		}
		st.claimerTrusted = true
		claimerSAS = st.sas.Claimer
		return nil
	})
	return claimerSAS, err
}

// ClaimerWaitPeerTrust parks until the greeter confirmed the claimer's code.
// Recovering claimers wait for the recipient to hand its parts over and learn
// whether enough parts were collected.
func (c *Coordinator) ClaimerWaitPeerTrust(ctx context.Context, token uuid.UUID) (ClaimerTrust, error) {
	trust, err := c.claimerWaitPeerTrust(ctx, token)
	return trust, c.outcome(ctx, token, interfaces.RoleClaimer, interfaces.StepTrustCheck, err)
}

func (c *Coordinator) claimerWaitPeerTrust(ctx context.Context, token uuid.UUID) (ClaimerTrust, error) {
	inv, cl, err := c.open(ctx, token, interfaces.RoleClaimer, interfaces.StepTrustCheck)
	if err != nil {
		return ClaimerTrust{}, err
	}
	key, err := c.claimerKey(inv, cl)
	if err != nil {
		return ClaimerTrust{}, err
	}
	p, err := c.existing(cl, key)
	if err != nil {
		return ClaimerTrust{}, err
	}

	recovery := inv.Type == interfaces.InvitationTypeShamirRecovery
	cond := func(st *pairState) bool { return st.greeterTrusted }
	if recovery {
		cond = func(st *pairState) bool { return st.cursor[interfaces.RoleGreeter] >= interfaces.StepFinalize }
	}
	if err := c.await(ctx, p, interfaces.RoleClaimer, interfaces.StepTrustCheck, cond, func(*pairState) {}); err != nil {
		return ClaimerTrust{}, err
	}

	if !recovery {
		return ClaimerTrust{}, nil
	}
	return ClaimerTrust{Shamir: true, EnoughShares: cl.collector.EnoughShares()}, nil
}

// ClaimerFinalize completes the claimer side. For user and device invitations
// it parks until the greeter finalized too and the claimer was admitted. A
// recovering claimer finalizes alone once enough parts were handed over.
// A retry after a call that timed out before the admission reports it once.
func (c *Coordinator) ClaimerFinalize(ctx context.Context, token uuid.UUID, req DeviceRequest) error {
	err := c.claimerFinalize(ctx, token, req)
	if c.resumedAdmission(token, interfaces.RoleClaimer, "", err) {
		err = nil
	}
	return c.outcome(ctx, token, interfaces.RoleClaimer, interfaces.StepFinalize, err)
}

func (c *Coordinator) claimerFinalize(ctx context.Context, token uuid.UUID, req DeviceRequest) error {
	inv, cl, err := c.open(ctx, token, interfaces.RoleClaimer, interfaces.StepFinalize)
	if err != nil {
		return err
	}
	if req.Key == "" {
		return interfaces.NewBadDataError("key")
	}

	keyHash, err := cryptoutils.HashKey(req.Key)
	if err != nil {
		return err
	}
	device := interfaces.Device{Label: req.DeviceLabel, KeyHash: keyHash, CreatedOn: c.now().UTC()}
	if device.Label == "" {
		device.Label = DefaultDeviceLabel
	}

	if inv.Type == interfaces.InvitationTypeShamirRecovery {
		return c.recoverDevice(ctx, inv, cl, device)
	}

	p, err := c.existing(cl, pairKey{token: token})
	if err != nil {
		return err
	}
	return c.finalizePair(ctx, inv, p, interfaces.RoleClaimer, func(st *pairState) { st.device = &device })
}
