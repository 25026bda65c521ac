// Package sso serves the browser-facing login surface behind the load
// balancer's OIDC authentication.
//
// # Routes
//
//	GET  /api/login               run a gateway login, redirect with ?token= or ?error=
//	GET  /api/logout              clear the gateway session cookies, redirect to end-session
//	GET  /api/login/me            describe the caller's session
//	POST /api/login/impersonate   admin: mint a session for another user
//	POST /api/token/resource      admin: mint a scoped resource token
//	GET  /api/credential          the caller's client certificate and its state
//
// A disabled gateway login answers 404. Every other login failure redirects
// to the login page with an opaque error code.
//
// # Logout
//
// The load balancer splits its session cookie into numbered shards. Logout
// expires {name}-0 through {name}-N and {name}, then sends the browser to the
// configured end-session URL, the end_session_endpoint discovered from the
// issuer, or the login page, in that order.
package sso
