// Package main (cmd/enrollctl) is a command line client for the enrollment
// gateway.
//
// Members log in with their email and device key and manage invitations and
// their Shamir recovery setup. The greet and claim commands run the two halves
// of the handshake interactively: each side reads its SAS code aloud to the
// other and picks the code it hears from a list of candidates.
//
// Example session admitting bob@example.com:
//
//	# alice, an admin
//	enrollctl --email alice@example.com --key ... invitations create --type user --claimer-email bob@example.com
//	enrollctl --email alice@example.com --key ... greet --profile STANDARD <token>
//
//	# bob, on another machine
//	enrollctl claim --new-key ... --device-label laptop <token>
package main
