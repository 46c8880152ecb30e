/*
Package api holds what the HTTP surface of the enrollment gateway shares
between its handlers and clients: the server configuration, the error envelope
and the request and response bodies.

The surface is split into subpackages:

1. server - HTTP server lifecycle, health endpoints and middleware
2. invitations - invitation management and the greeter/claimer step routes
3. recovery - Shamir recovery setup management
4. authhandler - member authentication and the member listing
5. clients - Go clients for the routes above

# Errors

Every failure is answered with the envelope

	{"error": "<code>"}

optionally carrying "fields" (bad_data), "emails" (users_not_found) or
"detail". The HTTP status is fixed per code.

# Waiting steps

The wait-peer-ready and wait-peer-trust steps, and the finalize steps of user
and device invitations, hold the request until the peer acts. The server
bounds every such wait with HTTPServerConfig.PeerWaitTimeout and answers 504
timeout when it elapses; the session stays resumable.
*/
package api
