package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnauthorized is the single error returned for any unusable token so
	// callers cannot tell why a token was refused
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when an authenticated caller lacks access
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is returned when a referenced profile does not exist
	ErrNotFound = errors.New("profile not found")
)

// AccessLevel is the privilege of a human session
type AccessLevel string

const (
	AccessAdmin  AccessLevel = "admin"  // system administrator
	AccessAgency AccessLevel = "agency" // administers one or more agencies
	AccessUser   AccessLevel = "user"
)

var accessRank = map[AccessLevel]int{
	AccessUser:   1,
	AccessAgency: 2,
	AccessAdmin:  3,
}

// Valid reports whether a is a known access level
func (a AccessLevel) Valid() bool {
	_, ok := accessRank[a]
	return ok
}

// AtLeast reports whether a grants everything min grants
func (a AccessLevel) AtLeast(min AccessLevel) bool {
	return a.Valid() && accessRank[a] >= accessRank[min]
}

// AccessLevelFor derives the access level of a profile's roles
func AccessLevelFor(systemAdmin bool, agencies []int) AccessLevel {
	switch {
	case systemAdmin:
		return AccessAdmin
	case len(agencies) > 0:
		return AccessAgency
	default:
		return AccessUser
	}
}

// ResourceKind is the kind of object a resource token is scoped to
type ResourceKind string

const (
	ResourceData       ResourceKind = "data"
	ResourceLayer      ResourceKind = "layer"
	ResourceImport     ResourceKind = "import"
	ResourceLease      ResourceKind = "lease"
	ResourceBasemap    ResourceKind = "basemap"
	ResourceConnection ResourceKind = "connection"
	ResourceMedia      ResourceKind = "media"
	ResourceProfile    ResourceKind = "profile"
)

var resourceKinds = map[ResourceKind]bool{
	ResourceData: true, ResourceLayer: true, ResourceImport: true, ResourceLease: true,
	ResourceBasemap: true, ResourceConnection: true, ResourceMedia: true, ResourceProfile: true,
}

// ParseResourceKind parses a kind case-insensitively
func ParseResourceKind(s string) (ResourceKind, error) {
	kind := ResourceKind(strings.ToLower(strings.TrimSpace(s)))
	if !resourceKinds[kind] {
		return "", fmt.Errorf("unknown resource kind %q", s)
	}
	return kind, nil
}

// Principal is a verified caller
type Principal interface {
	// Identity is the user's email, or kind:id for a resource token
	Identity() string
	// Allows reports whether the principal may act on the given resource
	Allows(kind ResourceKind, id string) bool
}

// AuthUser is a human session
type AuthUser struct {
	Access            AccessLevel `json:"access"`
	Email             string      `json:"email"`
	ImpersonatorEmail string      `json:"impersonator,omitempty"`
}

// Identity implements Principal
func (u *AuthUser) Identity() string { return u.Email }

// Allows implements Principal. Users are limited by route access levels, not
// by resource scope.
func (u *AuthUser) Allows(ResourceKind, string) bool { return true }

// IsImpersonated reports whether an admin is acting as this user
func (u *AuthUser) IsImpersonated() bool { return u.ImpersonatorEmail != "" }

// AuthResource is a scoped, non-human capability grant
type AuthResource struct {
	Kind     ResourceKind `json:"kind"`
	ID       string       `json:"id"`
	Token    string       `json:"-"`
	Internal bool         `json:"internal"`
}

// Identity implements Principal
func (r *AuthResource) Identity() string { return string(r.Kind) + ":" + r.ID }

// Allows implements Principal. A resource token only reaches the exact
// resource it was minted for.
func (r *AuthResource) Allows(kind ResourceKind, id string) bool {
	return r.Kind == kind && (id == "" || r.ID == id)
}

// ProfileLookup resolves the access level of a stored profile. It returns an
// error matching ErrNotFound for unknown users.
type ProfileLookup interface {
	LookupAccess(ctx context.Context, username string) (AccessLevel, error)
}

// RequireAccess returns nil if p is a user session with at least min access
func RequireAccess(p Principal, min AccessLevel) error {
	user, ok := p.(*AuthUser)
	if !ok {
		return ErrForbidden
	}
	if !user.Access.AtLeast(min) {
		return ErrForbidden
	}
	return nil
}

// AllowResource checks a caller against the resource a route declares. Any
// mismatch is reported as ErrUnauthorized, the same as a bad token.
func AllowResource(p Principal, kinds []ResourceKind, id string) error {
	if p == nil {
		return ErrUnauthorized
	}
	for _, kind := range kinds {
		if p.Allows(kind, id) {
			return nil
		}
	}
	return ErrUnauthorized
}
