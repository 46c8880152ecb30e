// Package main (cmd/gateway) runs the enrollment gateway.
//
// The gateway coordinates the greeter/claimer handshake through which an
// existing member admits a new member, adds a device to their own account or
// helps a member recover access from Shamir shares. It serves the invitation,
// step, recovery setup and session endpoints over HTTP, keeping members,
// invitations and setups in one or more storage backends.
//
// Members are added out of band with --members-file; the first admin is
// typically bootstrapped this way:
//
//	members:
//	  - email: admin@example.com
//	    profile: ADMIN
//	    key: change-me
//
// Every flag can also be set from the environment with the ENROLL_ prefix.
// The server shuts down gracefully on SIGINT/SIGTERM and exposes /livez,
// /readyz, /drain and Prometheus metrics.
//
// Example usage:
//
//	enrollment-gateway --listen-addr=0.0.0.0:8080 \
//	    --storage=sqlite:///var/lib/enroll/state.db \
//	    --storage=s3://enroll-backup/state/?region=eu-west-1 \
//	    --members-file=./members.yaml \
//	    --jwt-secret=$(cat /run/secrets/jwt)
package main
