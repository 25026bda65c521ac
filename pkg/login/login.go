// Package login runs the login pipeline: verify the gateway assertion, sync
// roles and attributes, keep the client certificate usable, write the
// profile once and issue a session token.
//
// Failures of the identity API or certificate authority after verification
// never fail a login. They are logged and counted here, and retried by the
// user's next login.
package login

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/takgate/pkg/assertion"
	"github.com/platinummonkey/takgate/pkg/audit"
	"github.com/platinummonkey/takgate/pkg/auth"
	"github.com/platinummonkey/takgate/pkg/credential"
	"github.com/platinummonkey/takgate/pkg/faults"
	"github.com/platinummonkey/takgate/pkg/observability"
	"github.com/platinummonkey/takgate/pkg/profile"
)

// Opaque failure codes handed back to the login page
const (
	ErrorUnauthorized = "unauthorized"
	ErrorServer       = "server_error"
)

// Login steps, used as span names and metric attributes
const (
	StepVerify     = "verify"
	StepLoad       = "load"
	StepSync       = "sync"
	StepCredential = "credential"
	StepCommit     = "commit"
	StepToken      = "token"
)

// Verifier checks the gateway assertion on a request
type Verifier interface {
	Verify(ctx context.Context, r *http.Request) (*assertion.VerifiedIdentity, error)
}

// RoleSyncer computes role and attribute changes for a login
type RoleSyncer interface {
	Sync(ctx context.Context, identity *assertion.VerifiedIdentity, existing *profile.Profile) (*profile.Update, error)
}

// CredentialReconciler keeps a user's client certificate usable
type CredentialReconciler interface {
	Reconcile(ctx context.Context, username string, current *credential.Credential) (*credential.Outcome, error)
}

// SessionIssuer mints session tokens
type SessionIssuer interface {
	IssueSession(user auth.AuthUser) (string, time.Time, error)
}

// Config holds the login pipeline's collaborators. Metrics and OTel are optional.
type Config struct {
	Verifier    Verifier
	Roles       RoleSyncer
	Credentials CredentialReconciler
	Store       profile.Store
	Tokens      SessionIssuer
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	OTel        *observability.OTelMetrics
}

// Service runs logins
type Service struct {
	verifier    Verifier
	roles       RoleSyncer
	credentials CredentialReconciler
	store       profile.Store
	tokens      SessionIssuer
	logger      *observability.Logger
	metrics     *observability.Metrics
	otel        *observability.OTelMetrics
	tracer      trace.Tracer
	now         func() time.Time
}

// Result is a completed login
type Result struct {
	Token      string
	Expires    time.Time
	User       auth.AuthUser
	Profile    *profile.Profile
	FirstLogin bool
	// Credential is the state of the stored credential before this login
	Credential credential.State
	// Degraded lists the steps whose upstream calls were skipped
	Degraded []string
}

// NewService creates a login service
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Verifier == nil:
		return nil, errors.New("login: verifier is required")
	case cfg.Roles == nil:
		return nil, errors.New("login: role synchronizer is required")
	case cfg.Credentials == nil:
		return nil, errors.New("login: credential manager is required")
	case cfg.Store == nil:
		return nil, errors.New("login: profile store is required")
	case cfg.Tokens == nil:
		return nil, errors.New("login: token issuer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}

	return &Service{
		verifier:    cfg.Verifier,
		roles:       cfg.Roles,
		credentials: cfg.Credentials,
		store:       cfg.Store,
		tokens:      cfg.Tokens,
		logger:      cfg.Logger.WithComponent("login"),
		metrics:     cfg.Metrics,
		otel:        cfg.OTel,
		tracer:      observability.Tracer(),
		now:         time.Now,
	}, nil
}

// Login authenticates r and returns a session. Errors are terminal: an
// assertion failure (see assertion.CodeOf) or a storage or signing failure.
func (s *Service) Login(ctx context.Context, r *http.Request) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "login")
	defer span.End()

	start := s.now()
	result, err := s.login(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, FailureCode(err))
		s.recordLogin(loginResult(err), start)
		s.auditFailure(ctx, r, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("takgate.access", string(result.User.Access)),
		attribute.Bool("takgate.first_login", result.FirstLogin),
	)
	s.recordLogin("success", start)
	s.auditSuccess(ctx, r, result)
	return result, nil
}

func (s *Service) login(ctx context.Context, r *http.Request) (*Result, error) {
	var identity *assertion.VerifiedIdentity
	err := s.step(ctx, StepVerify, func(ctx context.Context) error {
		var err error
		identity, err = s.verifier.Verify(ctx, r)
		return err
	})
	if err != nil {
		s.rejected(ctx, err)
		return nil, err
	}

	logger := s.logger.WithField("username", identity.Email)
	result := &Result{}

	var existing *profile.Profile
	err = s.step(ctx, StepLoad, func(ctx context.Context) error {
		var err error
		existing, err = s.store.Get(ctx, identity.Email)
		if errors.Is(err, profile.ErrNotFound) {
			existing, err = nil, nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	result.FirstLogin = existing == nil

	var update *profile.Update
	_ = s.step(ctx, StepSync, func(ctx context.Context) error {
		var err error
		update, err = s.roles.Sync(ctx, identity, existing)
		if err != nil {
			s.degrade(ctx, StepSync, identity.Email, err)
			result.Degraded = append(result.Degraded, StepSync)
		}
		return err
	})
	if update == nil {
		update = profile.NewUpdate(identity.Email)
	}

	var current *credential.Credential
	if existing != nil {
		c := existing.Credential
		current = &c
	}
	_ = s.step(ctx, StepCredential, func(ctx context.Context) error {
		outcome, err := s.credentials.Reconcile(ctx, identity.Email, current)
		if outcome != nil {
			result.Credential = outcome.Prior
		}
		switch {
		case errors.Is(err, credential.ErrNotConfigured):
			logger.Debug("Credential enrollment not configured")
			return nil
		case err != nil:
			s.degrade(ctx, StepCredential, identity.Email, err)
			result.Degraded = append(result.Degraded, StepCredential)
			s.recordCredential(ctx, r, identity.Email, outcome, err)
			return err
		case outcome != nil && outcome.Credential != nil:
			update.SetCredential(outcome.Credential)
			s.recordCredential(ctx, r, identity.Email, outcome, nil)
		}
		return nil
	})

	// An abandoned request must not write anything.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	update.Touch(s.now().UTC())

	var merged *profile.Profile
	err = s.step(ctx, StepCommit, func(ctx context.Context) error {
		var err error
		merged, err = s.store.Commit(ctx, update)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	result.Profile = merged
	result.User = auth.AuthUser{Access: merged.AccessLevel(), Email: merged.Username}

	err = s.step(ctx, StepToken, func(ctx context.Context) error {
		var err error
		result.Token, result.Expires, err = s.tokens.IssueSession(result.User)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenIssued("session")
	}

	logger.WithFields(map[string]interface{}{
		"access":      string(result.User.Access),
		"first_login": result.FirstLogin,
		"fields":      update.Fields(),
	}).Info("Login complete")
	return result, nil
}

// step runs fn in its own span and records its duration
func (s *Service) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "login."+name)
	defer span.End()

	start := s.now()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}
	if s.otel != nil {
		s.otel.RecordLoginStep(ctx, name, s.now().Sub(start), err)
	}
	return err
}

// degrade is the policy for upstream failures after verification: log at
// WARN, count, and carry on with what is already stored.
func (s *Service) degrade(ctx context.Context, step, username string, err error) {
	if faults.IsUpstream(err) && s.metrics != nil {
		s.metrics.RecordUpstreamError(faults.ServiceOf(err))
	}

	logger := observability.UpdateLoggerWithTraceContext(ctx, s.logger)
	logger.WithError(err).WithFields(map[string]interface{}{
		"step":     step,
		"username": username,
		"category": faults.CategoryOf(err).String(),
		"service":  faults.ServiceOf(err),
	}).Warn("Login step skipped")
}

func (s *Service) rejected(ctx context.Context, err error) {
	code := assertion.CodeOf(err)
	if s.metrics != nil {
		if code != "" {
			s.metrics.RecordAssertionFailure(string(code))
		}
		if faults.IsUpstream(err) {
			s.metrics.RecordUpstreamError(faults.ServiceOf(err))
		}
	}

	fields := map[string]interface{}{"code": string(code)}
	if faults.IsUpstream(err) {
		fields["service"] = faults.ServiceOf(err)
	}
	observability.UpdateLoggerWithTraceContext(ctx, s.logger).WithFields(fields).Info("Assertion rejected")
}

func (s *Service) recordLogin(result string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordLogin(result, s.now().Sub(start))
	}
}

func (s *Service) recordCredential(ctx context.Context, r *http.Request, username string, outcome *credential.Outcome, err error) {
	if outcome == nil || outcome.Action == "" {
		return
	}

	result := "success"
	eventType := audit.EventTypeCredentialEnroll
	status := audit.EventStatusSuccess
	if err != nil {
		result = "error"
		eventType = audit.EventTypeCredentialRenewFailed
		status = audit.EventStatusFailure
	}
	if s.otel != nil {
		s.otel.RecordCredentialAction(ctx, outcome.Action, result)
	}

	event := audit.NewEvent(r, eventType, status)
	event.Username = username
	event.Message = "client certificate " + outcome.Action
	event.Metadata["prior_state"] = outcome.Prior.String()
	if err != nil {
		event.ErrorMessage = faults.CategoryOf(err).String()
	}
	s.audit(ctx, event)
}

func (s *Service) auditSuccess(ctx context.Context, r *http.Request, result *Result) {
	event := audit.NewEvent(r, audit.EventTypeLogin, audit.EventStatusSuccess)
	event.Username = result.User.Email
	event.Message = "login"
	event.Metadata["access"] = string(result.User.Access)
	event.Metadata["first_login"] = result.FirstLogin
	if len(result.Degraded) > 0 {
		event.Metadata["degraded"] = result.Degraded
	}
	s.audit(ctx, event)
}

func (s *Service) auditFailure(ctx context.Context, r *http.Request, err error) {
	if faults.CategoryOf(err) == faults.Disabled {
		return
	}
	event := audit.NewEvent(r, audit.EventTypeLoginFailed, audit.EventStatusFailure)
	event.Message = "login failed"
	event.ErrorMessage = FailureCode(err)
	if code := assertion.CodeOf(err); code != "" {
		event.Metadata["code"] = string(code)
	}
	s.audit(ctx, event)
}

func (s *Service) audit(ctx context.Context, event *audit.AuditEvent) {
	if err := audit.FromContext(ctx).Log(ctx, event); err != nil {
		s.logger.WithError(err).Warn("Failed to write audit event")
	}
}

// FailureCode maps a Login error to the opaque code shown on the login page
func FailureCode(err error) string {
	if assertion.CodeOf(err) != "" {
		return ErrorUnauthorized
	}
	return ErrorServer
}

// IsDisabled reports whether err means gateway login is switched off
func IsDisabled(err error) bool {
	return faults.CategoryOf(err) == faults.Disabled
}

func loginResult(err error) string {
	switch {
	case IsDisabled(err):
		return "disabled"
	case assertion.CodeOf(err) != "":
		return "rejected"
	default:
		return "error"
	}
}
