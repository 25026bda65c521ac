package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/platinummonkey/takgate/pkg/idp"
	"github.com/platinummonkey/takgate/pkg/observability"
)

// DefaultDelegatedTTL bounds how long an enrollment secret stays usable
const DefaultDelegatedTTL = 30 * time.Minute

// Actions reported to ManagerConfig.OnAction
const (
	ActionEnroll = "enroll"
	ActionRenew  = "renew"
	ActionRepair = "repair"
)

// ErrNotConfigured is returned when enrollment has no identity provider or
// certificate authority to talk to
var ErrNotConfigured = errors.New("credential enrollment is not configured")

// DelegatedIssuer issues short-lived secrets on behalf of a user
type DelegatedIssuer interface {
	CreateDelegatedCredential(ctx context.Context, username string, ttl time.Duration) (*idp.DelegatedCredential, error)
	RevokeDelegatedCredential(ctx context.Context, identifier string) error
}

// Enroller exchanges a user's secret for a fresh credential
type Enroller interface {
	Enroll(ctx context.Context, username, secret string) (*Credential, error)
}

// ManagerConfig holds lifecycle manager dependencies
type ManagerConfig struct {
	Issuer           DelegatedIssuer
	Authority        Enroller
	RenewalThreshold time.Duration
	DelegatedTTL     time.Duration
	Logger           *observability.Logger
	OnAction         func(action, result string)
}

// Manager keeps a user's credential usable. It never writes; callers merge
// the returned credential into their own profile update.
type Manager struct {
	issuer       DelegatedIssuer
	authority    Enroller
	threshold    time.Duration
	delegatedTTL time.Duration
	logger       *observability.Logger
	onAction     func(string, string)
	now          func() time.Time
}

// NewManager creates a lifecycle manager
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.RenewalThreshold <= 0 {
		cfg.RenewalThreshold = DefaultRenewalThreshold
	}
	if cfg.DelegatedTTL <= 0 {
		cfg.DelegatedTTL = DefaultDelegatedTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	if cfg.OnAction == nil {
		cfg.OnAction = func(string, string) {}
	}

	return &Manager{
		issuer:       cfg.Issuer,
		authority:    cfg.Authority,
		threshold:    cfg.RenewalThreshold,
		delegatedTTL: cfg.DelegatedTTL,
		logger:       cfg.Logger,
		onAction:     cfg.OnAction,
		now:          time.Now,
	}
}

// Outcome describes one reconciliation
type Outcome struct {
	Prior  State
	Action string
	// Credential is the newly issued credential, nil when nothing changed
	Credential *Credential
}

// State classifies current against the manager's renewal threshold
func (m *Manager) State(current *Credential) State {
	return Evaluate(current, m.now(), m.threshold)
}

// Reconcile issues a new credential for username when current is absent,
// invalid or expiring. A valid credential costs no network calls. On error
// the returned outcome still carries the prior state and attempted action.
func (m *Manager) Reconcile(ctx context.Context, username string, current *Credential) (*Outcome, error) {
	out := &Outcome{Prior: m.State(current)}
	if !out.Prior.NeedsAction() {
		return out, nil
	}

	switch out.Prior {
	case Absent:
		out.Action = ActionEnroll
	case Invalid:
		out.Action = ActionRepair
	default:
		out.Action = ActionRenew
	}

	logger := m.logger.WithFields(map[string]interface{}{
		"username": username,
		"state":    out.Prior.String(),
		"action":   out.Action,
	})

	if m.issuer == nil || m.authority == nil {
		m.onAction(out.Action, "skipped")
		return out, ErrNotConfigured
	}

	cred, err := m.issue(ctx, username)
	if err != nil {
		m.onAction(out.Action, "error")
		return out, err
	}

	m.onAction(out.Action, "success")
	logger.Info("Issued client certificate")
	out.Credential = cred
	return out, nil
}

func (m *Manager) issue(ctx context.Context, username string) (*Credential, error) {
	delegated, err := m.issuer.CreateDelegatedCredential(ctx, username, m.delegatedTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create delegated credential: %w", err)
	}

	defer func() {
		if err := m.issuer.RevokeDelegatedCredential(context.WithoutCancel(ctx), delegated.Identifier); err != nil {
			m.logger.WithError(err).WithField("identifier", delegated.Identifier).Warn("Failed to revoke delegated credential")
		}
	}()

	enrollAs := delegated.Username
	if enrollAs == "" {
		enrollAs = username
	}

	cred, err := m.authority.Enroll(ctx, enrollAs, delegated.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to enroll certificate: %w", err)
	}

	if state := Evaluate(cred, m.now(), 0); state != Valid {
		return nil, fmt.Errorf("certificate authority returned an unusable credential (%s)", state)
	}
	return cred, nil
}
