// Package auth is the gateway's internal authorization model.
//
// # Principals
//
// Every verified caller is one of two variants of Principal:
//
//	*AuthUser      a human session: access level, email, optional impersonator
//	*AuthResource  a scoped grant for one resource: kind, id, internal flag
//
// Access levels are derived from profile roles with AccessLevelFor: ADMIN for
// system administrators, AGENCY for agency administrators, USER otherwise.
//
// # Tokens
//
// Session tokens are HS256 JWTs valid for 16 hours carrying the access level
// and email. They are stateless; nothing is stored server side.
//
//	tokens, _ := auth.NewTokenService(auth.TokenConfig{Secret: secret})
//	raw, expires, _ := tokens.IssueSession(auth.AuthUser{Access: auth.AccessUser, Email: "a@example.org"})
//
// Resource tokens are minted out of band and always start with
// ResourceTokenPrefix, so the two families never parse as each other:
//
//	raw, _ := tokens.IssueResource(auth.ResourceLayer, "42", false, 0)
//	// etl.eyJhbGciOi...
//
// A PROFILE resource token resolves to the referenced user's session through
// a ProfileLookup. Other resource tokens only pass AllowResource for the
// exact kind and id they were minted for; a mismatch is ErrUnauthorized, the
// same error a forged token produces.
//
// # Impersonation
//
// Authenticator.Impersonate lets an ADMIN obtain a session for another
// existing profile. The session carries the admin's email in
// ImpersonatorEmail for auditing and is otherwise the user's own.
package auth
