package sso

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/takgate/pkg/audit"
	"github.com/platinummonkey/takgate/pkg/auth"
	"github.com/platinummonkey/takgate/pkg/credential"
	"github.com/platinummonkey/takgate/pkg/httputil"
	"github.com/platinummonkey/takgate/pkg/login"
	"github.com/platinummonkey/takgate/pkg/middleware"
	"github.com/platinummonkey/takgate/pkg/observability"
	"github.com/platinummonkey/takgate/pkg/profile"
)

// LoginService runs a gateway login
type LoginService interface {
	Login(ctx context.Context, r *http.Request) (*login.Result, error)
}

// Config holds the browser-facing login settings
type Config struct {
	// SuccessRedirect receives ?token= after a login
	SuccessRedirect string
	// LoginPage receives ?error= after a failed login
	LoginPage string
	// RenewalThreshold classifies credentials on /api/credential
	RenewalThreshold time.Duration
	// MaxResourceTTL caps minted resource tokens; zero allows non-expiring tokens
	MaxResourceTTL time.Duration
}

// Handlers serves the login, logout and token routes
type Handlers struct {
	cfg           Config
	login         LoginService
	authenticator *auth.Authenticator
	profiles      profile.Store
	endSession    *EndSession
	metrics       *observability.Metrics
	logger        *observability.Logger
	now           func() time.Time
}

// NewHandlers creates the SSO handlers. metrics may be nil.
func NewHandlers(cfg Config, svc LoginService, authenticator *auth.Authenticator, profiles profile.Store, endSession *EndSession, metrics *observability.Metrics, logger *observability.Logger) *Handlers {
	if cfg.SuccessRedirect == "" {
		cfg.SuccessRedirect = "/"
	}
	if cfg.LoginPage == "" {
		cfg.LoginPage = "/login"
	}
	if cfg.RenewalThreshold <= 0 {
		cfg.RenewalThreshold = credential.DefaultRenewalThreshold
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return &Handlers{
		cfg:           cfg,
		login:         svc,
		authenticator: authenticator,
		profiles:      profiles,
		endSession:    endSession,
		metrics:       metrics,
		logger:        logger.WithComponent("sso"),
		now:           time.Now,
	}
}

// RegisterRoutes registers the SSO routes. loginLimit, when non-nil, wraps
// the unauthenticated login route.
func (h *Handlers) RegisterRoutes(router *mux.Router, loginLimit func(http.Handler) http.Handler) {
	loginHandler := http.Handler(http.HandlerFunc(h.handleLogin))
	if loginLimit != nil {
		loginHandler = loginLimit(loginHandler)
	}
	router.Handle("/api/login", loginHandler).Methods(http.MethodGet)

	optional := middleware.NewAuthMiddleware(h.authenticator, true)
	router.Handle("/api/logout", optional.Handler(http.HandlerFunc(h.handleLogout))).Methods(http.MethodGet, http.MethodPost)

	required := middleware.NewAuthMiddleware(h.authenticator, false)
	user := httputil.Chain(required.Handler, middleware.RequireAccess(auth.AccessUser))
	admin := httputil.Chain(required.Handler, middleware.RequireAccess(auth.AccessAdmin))

	router.Handle("/api/login/me", user(http.HandlerFunc(h.handleMe))).Methods(http.MethodGet)
	router.Handle("/api/credential", user(http.HandlerFunc(h.handleCredential))).Methods(http.MethodGet)
	router.Handle("/api/login/impersonate", admin(http.HandlerFunc(h.handleImpersonate))).Methods(http.MethodPost)
	router.Handle("/api/token/resource", admin(http.HandlerFunc(h.handleResourceToken))).Methods(http.MethodPost)
}

// handleLogin handles GET /api/login
func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	result, err := h.login.Login(r.Context(), r)
	if err != nil {
		if login.IsDisabled(err) {
			httputil.WriteNotFound(w, "not found")
			return
		}
		http.Redirect(w, r, withQuery(h.cfg.LoginPage, "error", login.FailureCode(err)), http.StatusFound)
		return
	}

	http.Redirect(w, r, withQuery(h.cfg.SuccessRedirect, "token", result.Token), http.StatusFound)
}

// handleLogout handles GET/POST /api/logout
func (h *Handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.endSession.ClearCookies(w)

	event := audit.NewEvent(r, audit.EventTypeLogout, audit.EventStatusSuccess)
	if principal := middleware.PrincipalFrom(r); principal != nil {
		event.Username = principal.Identity()
	}
	event.Message = "logout"
	h.audit(r, event)

	http.Redirect(w, r, h.endSession.URL(r.Context()), http.StatusFound)
}

// MeResponse describes the caller's session
type MeResponse struct {
	Email        string           `json:"email"`
	Access       auth.AccessLevel `json:"access"`
	Impersonator string           `json:"impersonator,omitempty"`
}

// handleMe handles GET /api/login/me
func (h *Handlers) handleMe(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFrom(r)
	httputil.WriteSuccess(w, MeResponse{
		Email:        user.Email,
		Access:       user.Access,
		Impersonator: user.ImpersonatorEmail,
	})
}

// ImpersonateRequest asks for a session as another user
type ImpersonateRequest struct {
	Email string `json:"email"`
}

// SessionResponse carries a newly minted session
type SessionResponse struct {
	Token        string           `json:"token"`
	Email        string           `json:"email"`
	Access       auth.AccessLevel `json:"access"`
	Impersonator string           `json:"impersonator,omitempty"`
	Expires      time.Time        `json:"expires"`
}

// handleImpersonate handles POST /api/login/impersonate
func (h *Handlers) handleImpersonate(w http.ResponseWriter, r *http.Request) {
	var req ImpersonateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.PrincipalFrom(r)
	token, user, expires, err := h.authenticator.Impersonate(r.Context(), caller, req.Email)
	if err != nil {
		if !errors.Is(err, auth.ErrNotFound) && !errors.Is(err, auth.ErrForbidden) {
			h.logger.WithError(err).Error("Failed to impersonate user")
		}
		middleware.WriteAuthError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordTokenIssued("session")
	}

	event := audit.NewEvent(r, audit.EventTypeImpersonate, audit.EventStatusSuccess)
	event.Username = user.Email
	event.Impersonator = user.ImpersonatorEmail
	event.Message = "impersonation session issued"
	h.audit(r, event)

	httputil.WriteCreated(w, SessionResponse{
		Token:        token,
		Email:        user.Email,
		Access:       user.Access,
		Impersonator: user.ImpersonatorEmail,
		Expires:      expires,
	})
}

// ResourceTokenRequest asks for a resource token
type ResourceTokenRequest struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	Internal bool   `json:"internal"`
	// TTL is a Go duration string; empty means no expiry
	TTL string `json:"ttl,omitempty"`
}

// ResourceTokenResponse carries a minted resource token
type ResourceTokenResponse struct {
	Token   string            `json:"token"`
	Kind    auth.ResourceKind `json:"kind"`
	ID      string            `json:"id"`
	Expires *time.Time        `json:"expires,omitempty"`
}

// handleResourceToken handles POST /api/token/resource
func (h *Handlers) handleResourceToken(w http.ResponseWriter, r *http.Request) {
	var req ResourceTokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	kind, err := auth.ParseResourceKind(req.Kind)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		httputil.WriteBadRequest(w, "id is required")
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			httputil.WriteBadRequest(w, "ttl must be a positive duration")
			return
		}
	}
	if h.cfg.MaxResourceTTL > 0 && (ttl == 0 || ttl > h.cfg.MaxResourceTTL) {
		ttl = h.cfg.MaxResourceTTL
	}

	token, err := h.authenticator.Tokens().IssueResource(kind, req.ID, req.Internal, ttl)
	if err != nil {
		h.logger.WithError(err).Error("Failed to issue resource token")
		httputil.WriteInternalError(w)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordTokenIssued("resource")
	}

	event := audit.NewEvent(r, audit.EventTypeResourceTokenIssued, audit.EventStatusSuccess)
	event.Username = middleware.PrincipalFrom(r).Identity()
	event.ResourceType = string(kind)
	event.ResourceID = req.ID
	event.Metadata["internal"] = req.Internal
	h.audit(r, event)

	resp := ResourceTokenResponse{Token: token, Kind: kind, ID: req.ID}
	if ttl > 0 {
		expires := h.now().Add(ttl)
		resp.Expires = &expires
	}
	httputil.WriteCreated(w, resp)
}

// CredentialResponse describes the caller's client certificate
type CredentialResponse struct {
	State       string     `json:"state"`
	NotAfter    *time.Time `json:"not_after,omitempty"`
	Certificate string     `json:"certificate,omitempty"`
	PrivateKey  string     `json:"private_key,omitempty"`
}

// handleCredential handles GET /api/credential. Impersonated sessions see the
// state but never the key material.
func (h *Handlers) handleCredential(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFrom(r)

	p, err := h.profiles.Get(r.Context(), user.Email)
	if errors.Is(err, profile.ErrNotFound) {
		httputil.WriteNotFound(w, "profile not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("username", user.Email).Error("Failed to load profile")
		httputil.WriteInternalError(w)
		return
	}

	state := credential.Evaluate(&p.Credential, h.now(), h.cfg.RenewalThreshold)
	resp := CredentialResponse{State: state.String()}
	if state == credential.Valid || state == credential.Expiring {
		if leaf, err := p.Credential.Leaf(); err == nil {
			notAfter := leaf.NotAfter
			resp.NotAfter = &notAfter
		}
		if !user.IsImpersonated() {
			resp.Certificate = p.Credential.Certificate
			resp.PrivateKey = p.Credential.PrivateKey
		}
	}
	httputil.WriteSuccess(w, resp)
}

func (h *Handlers) audit(r *http.Request, event *audit.AuditEvent) {
	if err := audit.FromContext(r.Context()).Log(r.Context(), event); err != nil {
		h.logger.WithError(err).Warn("Failed to write audit event")
	}
}

// withQuery appends key=value to target, keeping any existing query
func withQuery(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
