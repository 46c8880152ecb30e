/*
Package clients provides a Go client for the enrollment gateway's HTTP API.

A Client covers both sides of an enrollment. The greeter, an authenticated
member, logs in with one of its device keys and drives the greeter steps. The
claimer needs nothing but the invitation token.

# Example Usage

	greeter := clients.NewClient("https://gateway.example.com")
	if err := greeter.Login(ctx, "admin@example.com", adminKey); err != nil {
	    return err
	}
	token, err := greeter.CreateInvitation(ctx, interfaces.InvitationTypeUser, "bob@example.com")

	// on the claimer's machine
	claimer := clients.NewClient("https://gateway.example.com")
	candidates, err := claimer.ClaimerWaitPeerReady(ctx, token, "")

Errors answered by the gateway are returned as *interfaces.APIError and match
the interfaces sentinels with errors.Is:

	if errors.Is(err, interfaces.ErrInvalidState) {
	    // the peer restarted, start over from 1-wait-peer-ready
	}
*/
package clients
