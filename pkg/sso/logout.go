package sso

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/platinummonkey/takgate/pkg/observability"
)

// Defaults for the load balancer's session cookie
const (
	DefaultCookieName   = "AWSELBAuthSessionCookie"
	DefaultCookieShards = 5
)

// LogoutConfig controls how a session is torn down
type LogoutConfig struct {
	// CookieName is the base name of the gateway's session cookie
	CookieName string
	// CookieShards is the highest shard suffix to clear
	CookieShards int
	// EndSessionURL, when set, is where the browser is sent after logout
	EndSessionURL string
	// IssuerURL is used to discover end_session_endpoint when EndSessionURL is empty
	IssuerURL string
	// LoginPage is the fallback destination
	LoginPage string
	// Client is used for discovery; nil means http.DefaultClient
	Client *http.Client
}

// EndSession resolves the identity provider's end-session endpoint. A
// successful discovery is kept for the process lifetime; a failed one is
// retried on the next logout.
type EndSession struct {
	cfg    LogoutConfig
	logger *observability.Logger

	mu         sync.Mutex
	discovered string
}

// NewEndSession creates an end-session resolver
func NewEndSession(cfg LogoutConfig, logger *observability.Logger) *EndSession {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.CookieShards <= 0 {
		cfg.CookieShards = DefaultCookieShards
	}
	if cfg.LoginPage == "" {
		cfg.LoginPage = "/login"
	}
	return &EndSession{cfg: cfg, logger: logger.WithComponent("logout")}
}

// URL returns where to send the browser: the configured URL, else the
// discovered endpoint, else the login page
func (e *EndSession) URL(ctx context.Context) string {
	if e.cfg.EndSessionURL != "" {
		return e.cfg.EndSessionURL
	}
	if e.cfg.IssuerURL == "" {
		return e.cfg.LoginPage
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.discovered != "" {
		return e.discovered
	}

	if e.cfg.Client != nil {
		ctx = oidc.ClientContext(ctx, e.cfg.Client)
	}
	endpoint, err := discoverEndSession(ctx, e.cfg.IssuerURL)
	if err != nil {
		e.logger.WithError(err).WithField("issuer", e.cfg.IssuerURL).Warn("End-session discovery failed")
		return e.cfg.LoginPage
	}
	if endpoint == "" {
		return e.cfg.LoginPage
	}
	e.discovered = endpoint
	return endpoint
}

func discoverEndSession(ctx context.Context, issuer string) (string, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	var claims struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&claims); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	return claims.EndSessionEndpoint, nil
}

// ClearCookies expires every shard of the gateway session cookie plus the
// unsharded name
func (e *EndSession) ClearCookies(w http.ResponseWriter) {
	for i := 0; i <= e.cfg.CookieShards; i++ {
		expireCookie(w, fmt.Sprintf("%s-%d", e.cfg.CookieName, i))
	}
	expireCookie(w, e.cfg.CookieName)
}

func expireCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
	})
}
