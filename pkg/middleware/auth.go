package middleware

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/takgate/pkg/audit"
	"github.com/platinummonkey/takgate/pkg/auth"
	"github.com/platinummonkey/takgate/pkg/contextkeys"
	"github.com/platinummonkey/takgate/pkg/httputil"
	"github.com/platinummonkey/takgate/pkg/observability"
)

// AuthMiddleware provides authentication middleware
type AuthMiddleware struct {
	authenticator *auth.Authenticator
	optional      bool // If true, allow requests without auth
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(authenticator *auth.Authenticator, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		authenticator: authenticator,
		optional:      optional,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := httputil.BearerToken(r)
		if token == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w)
			return
		}

		principal, err := m.authenticator.Authenticate(r.Context(), token)
		if err != nil {
			httputil.WriteUnauthorized(w)
			return
		}

		kind := contextkeys.BearerSession
		if auth.IsResourceToken(token) {
			kind = contextkeys.BearerResource
		}
		ctx := contextkeys.WithPrincipal(r.Context(), principal, kind)
		ctx = observability.WithUsername(ctx, principal.Identity())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PrincipalFrom retrieves the authenticated principal from the request
func PrincipalFrom(r *http.Request) auth.Principal {
	if p, ok := contextkeys.Principal(r.Context()).(auth.Principal); ok {
		return p
	}
	return nil
}

// UserFrom returns the principal if it is a human session
func UserFrom(r *http.Request) (*auth.AuthUser, bool) {
	user, ok := PrincipalFrom(r).(*auth.AuthUser)
	return user, ok
}

// RequireAccess creates middleware that requires a user session of at least
// the given access level. Resource tokens are forbidden.
func RequireAccess(min auth.AccessLevel) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFrom(r)
			if principal == nil {
				httputil.WriteUnauthorized(w)
				return
			}

			if err := auth.RequireAccess(principal, min); err != nil {
				logDenied(r, principal, "access level below "+string(min))
				httputil.WriteForbidden(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireResource creates middleware for routes reachable by resource
// tokens. User sessions always pass; a resource token must match one of
// kinds and the route variable idParam. A mismatch is answered exactly like
// an invalid token.
func RequireResource(idParam string, kinds ...auth.ResourceKind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFrom(r)

			id := ""
			if idParam != "" {
				id = mux.Vars(r)[idParam]
			}

			if err := auth.AllowResource(principal, kinds, id); err != nil {
				if principal != nil {
					logDenied(r, principal, "resource scope mismatch")
				}
				httputil.WriteUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WriteAuthError maps an auth error to its HTTP response
func WriteAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrForbidden):
		httputil.WriteForbidden(w)
	case errors.Is(err, auth.ErrNotFound):
		httputil.WriteNotFound(w, "profile not found")
	case errors.Is(err, auth.ErrUnauthorized):
		httputil.WriteUnauthorized(w)
	default:
		httputil.WriteInternalError(w)
	}
}

func logDenied(r *http.Request, principal auth.Principal, reason string) {
	event := audit.NewEvent(r, audit.EventTypeAccessDenied, audit.EventStatusDenied)
	event.Username = principal.Identity()
	if user, ok := principal.(*auth.AuthUser); ok {
		event.Impersonator = user.ImpersonatorEmail
	}
	event.Message = reason
	event.Metadata["bearer"] = string(contextkeys.Bearer(r.Context()))
	_ = audit.FromContext(r.Context()).Log(r.Context(), event)
}
