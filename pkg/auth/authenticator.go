package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Authenticator turns bearer tokens into principals
type Authenticator struct {
	tokens   *TokenService
	profiles ProfileLookup
}

// NewAuthenticator creates an authenticator. profiles resolves PROFILE
// resource tokens and impersonation targets.
func NewAuthenticator(tokens *TokenService, profiles ProfileLookup) *Authenticator {
	return &Authenticator{tokens: tokens, profiles: profiles}
}

// Tokens returns the underlying token service
func (a *Authenticator) Tokens() *TokenService {
	return a.tokens
}

// Authenticate resolves raw to an *AuthUser or an *AuthResource. A PROFILE
// resource token resolves to the referenced user's session.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrUnauthorized
	}

	if !IsResourceToken(raw) {
		return a.tokens.ParseSession(raw)
	}

	resource, err := a.tokens.ParseResource(raw)
	if err != nil {
		return nil, err
	}
	if resource.Kind != ResourceProfile {
		return resource, nil
	}

	if a.profiles == nil {
		return nil, ErrUnauthorized
	}
	access, err := a.profiles.LookupAccess(ctx, resource.ID)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return &AuthUser{Access: access, Email: resource.ID}, nil
}

// Impersonate mints a session for email on behalf of admin. The session is
// that user's own access level, tagged with the admin's email.
func (a *Authenticator) Impersonate(ctx context.Context, admin Principal, email string) (string, *AuthUser, time.Time, error) {
	if err := RequireAccess(admin, AccessAdmin); err != nil {
		return "", nil, time.Time{}, err
	}
	caller := admin.(*AuthUser)

	email = strings.TrimSpace(email)
	if email == "" || a.profiles == nil {
		return "", nil, time.Time{}, ErrNotFound
	}

	access, err := a.profiles.LookupAccess(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil, time.Time{}, ErrNotFound
		}
		return "", nil, time.Time{}, err
	}

	impersonator := caller.Email
	if caller.ImpersonatorEmail != "" {
		impersonator = caller.ImpersonatorEmail
	}

	user := &AuthUser{Access: access, Email: email, ImpersonatorEmail: impersonator}
	token, expires, err := a.tokens.IssueSession(*user)
	if err != nil {
		return "", nil, time.Time{}, err
	}
	return token, user, expires, nil
}
