// Package profile stores user profiles and applies each login's changes as
// one atomic merge.
package profile

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/platinummonkey/takgate/pkg/auth"
	"github.com/platinummonkey/takgate/pkg/credential"
)

// ErrNotFound is returned when no profile exists for a username
var ErrNotFound = errors.New("profile not found")

// Profile is a user's stored record. Username is the user's email.
type Profile struct {
	Username    string                `json:"username"`
	SystemAdmin bool                  `json:"system_admin"`
	AgencyAdmin []int                 `json:"agency_admin"`
	TAKCallsign string                `json:"tak_callsign"`
	TAKGroup    string                `json:"tak_group"`
	Credential  credential.Credential `json:"-"`
	LastLogin   *time.Time            `json:"last_login,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// AccessLevel derives the session access level from the profile's roles
func (p *Profile) AccessLevel() auth.AccessLevel {
	return auth.AccessLevelFor(p.SystemAdmin, p.AgencyAdmin)
}

// Roles are the role fields synchronized from group membership
type Roles struct {
	SystemAdmin bool
	AgencyAdmin []int
}

// Update is the set of changes produced by one login. Nil fields are left
// untouched when merged.
type Update struct {
	Username   string
	Roles      *Roles
	Callsign   *string
	Group      *string
	Credential *credential.Credential
	LastLogin  *time.Time
}

// NewUpdate starts an empty update for username
func NewUpdate(username string) *Update {
	return &Update{Username: username}
}

// SetRoles replaces both role fields
func (u *Update) SetRoles(systemAdmin bool, agencies []int) {
	ids := append([]int{}, agencies...)
	sort.Ints(ids)
	u.Roles = &Roles{SystemAdmin: systemAdmin, AgencyAdmin: ids}
}

// SetCallsign sets the TAK callsign
func (u *Update) SetCallsign(callsign string) { u.Callsign = &callsign }

// SetGroup sets the TAK group (team color)
func (u *Update) SetGroup(group string) { u.Group = &group }

// SetCredential replaces the stored credential
func (u *Update) SetCredential(c *credential.Credential) { u.Credential = c }

// Touch records a login at t
func (u *Update) Touch(t time.Time) { u.LastLogin = &t }

// Fields lists the fields this update touches
func (u *Update) Fields() []string {
	var fields []string
	if u.Roles != nil {
		fields = append(fields, "system_admin", "agency_admin")
	}
	if u.Callsign != nil {
		fields = append(fields, "tak_callsign")
	}
	if u.Group != nil {
		fields = append(fields, "tak_group")
	}
	if u.Credential != nil {
		fields = append(fields, "credential")
	}
	if u.LastLogin != nil {
		fields = append(fields, "last_login")
	}
	return fields
}

// Apply merges u into p
func (u *Update) Apply(p *Profile) {
	if u.Roles != nil {
		p.SystemAdmin = u.Roles.SystemAdmin
		p.AgencyAdmin = append([]int{}, u.Roles.AgencyAdmin...)
	}
	if u.Callsign != nil {
		p.TAKCallsign = *u.Callsign
	}
	if u.Group != nil {
		p.TAKGroup = *u.Group
	}
	if u.Credential != nil {
		p.Credential = *u.Credential
	}
	if u.LastLogin != nil {
		t := *u.LastLogin
		p.LastLogin = &t
	}
}

// Store is the profile storage contract: key lookup and a single atomic
// merge-and-write per call
type Store interface {
	Get(ctx context.Context, username string) (*Profile, error)
	Commit(ctx context.Context, update *Update) (*Profile, error)
}
