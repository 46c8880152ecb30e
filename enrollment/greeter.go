package enrollment

import (
	"context"

	"github.com/google/uuid"
	"github.com/ruteri/enrollment-gateway/cryptoutils"
	"github.com/ruteri/enrollment-gateway/interfaces"
)

// authorizeGreeter checks that greeter may run the greeter side of inv.
// Admins greet user invitations, owners greet their device invitation and
// recipients greet the recovery of a setup they hold parts of.
func authorizeGreeter(inv interfaces.Invitation, cl *claim, greeter interfaces.Member, joining bool) error {
	email := interfaces.NormalizeEmail(greeter.Email)
	switch inv.Type {
	case interfaces.InvitationTypeUser:
		if !greeter.IsAdmin() {
			return interfaces.ErrNotAllowed
		}
	case interfaces.InvitationTypeDevice:
		if email != inv.ClaimerEmail {
			return interfaces.ErrNotAllowed
		}
	case interfaces.InvitationTypeShamirRecovery:
		if _, ok := cl.collector.Setup().Recipient(email); !ok {
			return interfaces.ErrNotAllowed
		}
		if joining {
			return cl.collector.Check(email)
		}
	}
	return nil
}

// GreeterWaitPeerReady parks until a claimer joins the greeter's exchange and
// returns the code the greeter must read out to the claimer.
func (c *Coordinator) GreeterWaitPeerReady(ctx context.Context, token uuid.UUID, greeter interfaces.Member) (GreeterReady, error) {
	ready, err := c.greeterWaitPeerReady(ctx, token, greeter)
	return ready, c.outcome(ctx, token, interfaces.RoleGreeter, interfaces.StepWaitPeerReady, err)
}

func (c *Coordinator) greeterWaitPeerReady(ctx context.Context, token uuid.UUID, greeter interfaces.Member) (GreeterReady, error) {
	inv, cl, err := c.open(ctx, token, interfaces.RoleGreeter, interfaces.StepWaitPeerReady)
	if err != nil {
		return GreeterReady{}, err
	}
	if err := authorizeGreeter(inv, cl, greeter, true); err != nil {
		return GreeterReady{}, err
	}
	p, err := c.point(cl, greeterKey(inv, greeter))
	if err != nil {
		return GreeterReady{}, err
	}

	c.greeterParked(token, 1)
	defer c.greeterParked(token, -1)

	st, err := c.waitPeerReady(ctx, p, interfaces.RoleGreeter, interfaces.NormalizeEmail(greeter.Email))
	if err != nil {
		return GreeterReady{}, err
	}
	c.log.Info("Greeter paired with claimer", "token", interfaces.FormatToken(token), "type", inv.Type, "greeter", greeter.Email)
	return GreeterReady{Type: inv.Type, GreeterSAS: st.sas.Greeter}, nil
}

// GreeterWaitPeerTrust parks until the claimer confirmed the greeter's code and
// returns the candidates the greeter must pick the claimer's code from.
func (c *Coordinator) GreeterWaitPeerTrust(ctx context.Context, token uuid.UUID, greeter interfaces.Member) ([]cryptoutils.SASCode, error) {
	candidates, err := c.greeterWaitPeerTrust(ctx, token, greeter)
	return candidates, c.outcome(ctx, token, interfaces.RoleGreeter, interfaces.StepTrustWait, err)
}

func (c *Coordinator) greeterWaitPeerTrust(ctx context.Context, token uuid.UUID, greeter interfaces.Member) ([]cryptoutils.SASCode, error) {
	inv, cl, err := c.open(ctx, token, interfaces.RoleGreeter, interfaces.StepTrustWait)
	if err != nil {
		return nil, err
	}
	if err := authorizeGreeter(inv, cl, greeter, false); err != nil {
		return nil, err
	}
	p, err := c.existing(cl, greeterKey(inv, greeter))
	if err != nil {
		return nil, err
	}

	var candidates []cryptoutils.SASCode
	err = c.await(ctx, p, interfaces.RoleGreeter, interfaces.StepTrustWait,
		func(st *pairState) bool { return st.claimerTrusted },
		func(st *pairState) { candidates = append([]cryptoutils.SASCode(nil), st.claimerCandidates...) },
	)
	return candidates, err
}

// GreeterCheckTrust confirms the claimer's code. A wrong code leaves the
// exchange untouched and may be retried.
func (c *Coordinator) GreeterCheckTrust(ctx context.Context, token uuid.UUID, greeter interfaces.Member, claimerSAS cryptoutils.SASCode) error {
	err := c.greeterCheckTrust(ctx, token, greeter, claimerSAS)
	return c.outcome(ctx, token, interfaces.RoleGreeter, interfaces.StepTrustCheck, err)
}

func (c *Coordinator) greeterCheckTrust(ctx context.Context, token uuid.UUID, greeter interfaces.Member, claimerSAS cryptoutils.SASCode) error {
	inv, cl, err := c.open(ctx, token, interfaces.RoleGreeter, interfaces.StepTrustCheck)
	if err != nil {
		return err
	}
	if err := authorizeGreeter(inv, cl, greeter, false); err != nil {
		return err
	}
	if err := claimerSAS.Validate(); err != nil {
		return interfaces.NewBadDataError("claimer_sas")
	}
	p, err := c.existing(cl, greeterKey(inv, greeter))
	if err != nil {
		return err
	}

	return c.advance(p, interfaces.RoleGreeter, interfaces.StepTrustCheck, func(st *pairState) error {
		if !st.sas.Claimer.Equal(claimerSAS) {
			return interfaces.ErrBadClaimerSAS
		}
		st.greeterTrusted = true
		return nil
	})
}

// GreeterFinalize completes the greeter side. For user and device invitations
// it parks until the claimer finalized as well and the claimer was admitted.
// For recoveries it hands the greeter's parts over to the claimer. A retry
// after a call that timed out before the admission reports it once.
func (c *Coordinator) GreeterFinalize(ctx context.Context, token uuid.UUID, greeter interfaces.Member, grant Grant) error {
	err := c.greeterFinalize(ctx, token, greeter, grant)
	if c.resumedAdmission(token, interfaces.RoleGreeter, greeter.Email, err) {
		err = nil
	}
	return c.outcome(ctx, token, interfaces.RoleGreeter, interfaces.StepFinalize, err)
}

func (c *Coordinator) greeterFinalize(ctx context.Context, token uuid.UUID, greeter interfaces.Member, grant Grant) error {
	inv, cl, err := c.open(ctx, token, interfaces.RoleGreeter, interfaces.StepFinalize)
	if err != nil {
		return err
	}
	if err := authorizeGreeter(inv, cl, greeter, false); err != nil {
		return err
	}
	p, err := c.existing(cl, greeterKey(inv, greeter))
	if err != nil {
		return err
	}

	switch inv.Type {
	case interfaces.InvitationTypeShamirRecovery:
		email := interfaces.NormalizeEmail(greeter.Email)
		return c.advance(p, interfaces.RoleGreeter, interfaces.StepFinalize, func(st *pairState) error {
			if st.cursor[interfaces.RoleGreeter] >= interfaces.StepFinalize {
				return nil
			}
			weight, err := cl.collector.RegisterContribution(email)
			if err != nil {
				return err
			}
			c.log.Info("Recovery parts handed over", "token", interfaces.FormatToken(token), "recipient", email, "retrievedWeight", weight)
			return nil
		})

	case interfaces.InvitationTypeUser:
		grant.ClaimerEmail = interfaces.NormalizeEmail(grant.ClaimerEmail)
		if grant.ClaimerEmail == "" {
			grant.ClaimerEmail = inv.ClaimerEmail
		}
		if grant.Profile == "" {
			grant.Profile = interfaces.ProfileStandard
		}

	default:
		grant = Grant{ClaimerEmail: inv.ClaimerEmail}
	}

	greeterEmail := interfaces.NormalizeEmail(greeter.Email)
	return c.finalizePair(ctx, inv, p, interfaces.RoleGreeter, func(st *pairState) {
		st.grant = &grant
		st.grantedBy = greeterEmail
	})
}
