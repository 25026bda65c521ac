// Package contextkeys holds request context values written by one package
// and read by another.
//
// Keys that belong to a single package (the request id and loggers in
// observability, the audit logger in audit) live with that package.
package contextkeys

import "context"

type key int

const (
	principalKey key = iota
	bearerKindKey
)

// BearerKind tells which kind of bearer token authenticated the request
type BearerKind string

const (
	BearerSession  BearerKind = "session"
	BearerResource BearerKind = "resource"
)

// WithPrincipal stores the authenticated caller. The value is an
// auth.Principal; this package cannot name the type without an import cycle.
func WithPrincipal(ctx context.Context, principal interface{}, kind BearerKind) context.Context {
	ctx = context.WithValue(ctx, principalKey, principal)
	return context.WithValue(ctx, bearerKindKey, kind)
}

// Principal returns the value stored by WithPrincipal, or nil
func Principal(ctx context.Context) interface{} {
	return ctx.Value(principalKey)
}

// Bearer returns how the request authenticated, "" when it did not
func Bearer(ctx context.Context) BearerKind {
	kind, _ := ctx.Value(bearerKindKey).(BearerKind)
	return kind
}
