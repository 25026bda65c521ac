package idp

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when the identity provider has no such object
	ErrNotFound = errors.New("not found in identity provider")
	// ErrUserNotFound is returned by user lookups; it matches ErrNotFound
	ErrUserNotFound = fmt.Errorf("user %w", ErrNotFound)
)

// ExternalUser is a user record held by the identity provider
type ExternalUser struct {
	PK         int                    `json:"pk"`
	Username   string                 `json:"username"`
	Name       string                 `json:"name"`
	Email      string                 `json:"email"`
	Active     bool                   `json:"is_active"`
	Type       string                 `json:"type,omitempty"`
	Attributes map[string]interface{} `json:"attributes"`
	GroupIDs   []string               `json:"groups"`
	GroupsObj  []Group                `json:"groups_obj,omitempty"`
}

// Group is an identity provider group
type Group struct {
	PK         string                 `json:"pk"`
	Name       string                 `json:"name"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Attributes are the extended profile attributes kept in the identity provider
type Attributes struct {
	Callsign string
	Color    string
}

// DelegatedCredential is a short-lived secret usable in place of the user's
// password for a single enrollment
type DelegatedCredential struct {
	Identifier string
	Username   string
	Secret     string
	Expires    time.Time
}

// ServiceAccount is a non-human identity provider account
type ServiceAccount struct {
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
	UserUID  string `json:"user_uid,omitempty"`
	UserPK   int    `json:"user_pk,omitempty"`
	GroupPK  string `json:"group_pk,omitempty"`
}

type paginatedUsers struct {
	Pagination struct {
		Next  int `json:"next"`
		Count int `json:"count"`
	} `json:"pagination"`
	Results []ExternalUser `json:"results"`
}

type tokenRequest struct {
	Identifier  string    `json:"identifier"`
	Intent      string    `json:"intent"`
	User        int       `json:"user"`
	Description string    `json:"description"`
	Expires     time.Time `json:"expires"`
	Expiring    bool      `json:"expiring"`
}

type tokenKey struct {
	Key string `json:"key"`
}

type serviceAccountRequest struct {
	Name        string `json:"name"`
	CreateGroup bool   `json:"create_group"`
	Expiring    bool   `json:"expiring"`
}
