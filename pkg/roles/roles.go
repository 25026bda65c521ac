// Package roles derives internal roles and profile attributes from the
// identity provider's group membership.
package roles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/platinummonkey/takgate/pkg/assertion"
	"github.com/platinummonkey/takgate/pkg/idp"
	"github.com/platinummonkey/takgate/pkg/observability"
	"github.com/platinummonkey/takgate/pkg/profile"
)

const (
	DefaultAdminGroup   = "CloudTAKSystemAdmin"
	DefaultAgencyPrefix = "CloudTAKAgencyAdmin"
)

// AttributeSource provides extended profile attributes and, when the
// assertion carries no groups claim, the user's group names
type AttributeSource interface {
	Groups(ctx context.Context, username string) ([]string, error)
	Attributes(ctx context.Context, username string) (*idp.Attributes, error)
}

// Config controls role mapping
type Config struct {
	AdminGroup   string
	AgencyPrefix string
	// AttributeSync fetches attributes on every login instead of only the first
	AttributeSync bool
	// GroupFallback asks the source for groups when the assertion has none
	GroupFallback bool
}

// Synchronizer maps a verified identity onto profile changes
type Synchronizer struct {
	cfg    Config
	source AttributeSource
	logger *observability.Logger
}

// NewSynchronizer creates a synchronizer. source may be nil, in which case
// only group-derived roles are produced.
func NewSynchronizer(cfg Config, source AttributeSource, logger *observability.Logger) *Synchronizer {
	if cfg.AdminGroup == "" {
		cfg.AdminGroup = DefaultAdminGroup
	}
	if cfg.AgencyPrefix == "" {
		cfg.AgencyPrefix = DefaultAgencyPrefix
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return &Synchronizer{cfg: cfg, source: source, logger: logger}
}

// Sync computes the role and attribute changes for one login. existing is
// nil on first login. The returned update is always usable; a non-nil error
// reports a skipped upstream step and never replaces the update.
func (s *Synchronizer) Sync(ctx context.Context, identity *assertion.VerifiedIdentity, existing *profile.Profile) (*profile.Update, error) {
	update := profile.NewUpdate(identity.Email)

	var errs []error

	groups := identity.Groups
	if len(groups) == 0 && s.cfg.GroupFallback && s.source != nil {
		fetched, err := s.source.Groups(ctx, identity.Email)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to fetch groups: %w", err))
		} else {
			groups = fetched
		}
	}

	// a failed group lookup keeps the stored roles
	if len(groups) > 0 || len(errs) == 0 {
		update.SetRoles(IsSystemAdmin(groups, s.cfg.AdminGroup), AgencyIDs(groups, s.cfg.AgencyPrefix))
	}

	if s.source != nil && (s.cfg.AttributeSync || existing == nil) {
		attrs, err := s.source.Attributes(ctx, identity.Email)
		switch {
		case errors.Is(err, idp.ErrNotFound):
			s.logger.WithField("username", identity.Email).Debug("No identity provider record for attribute sync")
		case err != nil:
			errs = append(errs, fmt.Errorf("failed to fetch attributes: %w", err))
		default:
			if attrs.Callsign != "" {
				update.SetCallsign(attrs.Callsign)
			}
			if attrs.Color != "" {
				update.SetGroup(attrs.Color)
			}
		}
	}

	return update, errors.Join(errs...)
}

// IsSystemAdmin reports whether adminGroup is among groups
func IsSystemAdmin(groups []string, adminGroup string) bool {
	for _, g := range groups {
		if g == adminGroup {
			return true
		}
	}
	return false
}

// AgencyIDs returns the sorted, de-duplicated agency ids named by groups of
// the form {prefix}{N}. Groups with a non-numeric suffix are ignored.
func AgencyIDs(groups []string, prefix string) []int {
	seen := make(map[int]struct{})
	ids := []int{}
	for _, g := range groups {
		if !strings.HasPrefix(g, prefix) {
			continue
		}
		suffix := strings.TrimPrefix(g, prefix)
		if suffix == "" || strings.TrimLeft(suffix, "0123456789") != "" {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		ids = append(ids, n)
	}
	sort.Ints(ids)
	return ids
}
