// Package cli implements takctl, the operator's command-line tool for the
// gateway.
//
// # Overview
//
// Every command reads the same TAKGATE_* environment variables as the
// server (see pkg/config), so an operator shell configured for the gateway
// needs no extra flags. Results are written to stdout; progress is logged to
// stderr.
//
// # Commands
//
// mint-resource: Mint a token scoped to one resource
//
//	takctl mint-resource -kind layer -id 42 -ttl 720h
//
// inspect: Verify a token and print its claims
//
//	takctl inspect etl.eyJhbGciOi...
//
// cred-status: Show a user's stored client certificate state
//
//	takctl cred-status -user operator@example.org
//
// whois: Show a user's identity provider record and derived access level
//
//	takctl whois -user operator@example.org
//
// service-account: Manage identity provider service accounts
//
//	takctl service-account create -name ingest-bot
//	takctl service-account list
//
// audit: Print recent audit events, across rotated files
//
//	takctl audit -user operator@example.org -since 24h
//	takctl audit -type auth.login_failed -n 20
//
// # Related Packages
//
//   - pkg/auth: Token minting and parsing
//   - pkg/profile: Stored credentials
//   - pkg/idp: Identity provider API client
//   - pkg/audit: Audit log files
package cli
