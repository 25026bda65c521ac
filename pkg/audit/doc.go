// Package audit records security-relevant gateway events: logins and their
// failures, impersonation, credential enrollment, logout, resource token
// issuance and access denials.
//
// FileLogger appends JSON lines under a directory and rotates by size;
// ReadEvents reads them back across rotations. LogLogger mirrors events into
// the service log. MultiLogger fans an event out to several sinks in the
// background, and NoOpLogger drops everything when auditing is off.
//
//	logger := audit.FromContext(ctx)
//	event := audit.NewEvent(r, audit.EventTypeLogin, audit.EventStatusSuccess)
//	event.Username = identity.Email
//	logger.Log(ctx, event)
package audit
