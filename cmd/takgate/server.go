package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/takgate/pkg/assertion"
	"github.com/platinummonkey/takgate/pkg/audit"
	"github.com/platinummonkey/takgate/pkg/auth"
	"github.com/platinummonkey/takgate/pkg/certauth"
	"github.com/platinummonkey/takgate/pkg/config"
	"github.com/platinummonkey/takgate/pkg/credential"
	"github.com/platinummonkey/takgate/pkg/httputil"
	"github.com/platinummonkey/takgate/pkg/idp"
	"github.com/platinummonkey/takgate/pkg/keys"
	"github.com/platinummonkey/takgate/pkg/login"
	"github.com/platinummonkey/takgate/pkg/middleware"
	"github.com/platinummonkey/takgate/pkg/observability"
	"github.com/platinummonkey/takgate/pkg/profile"
	"github.com/platinummonkey/takgate/pkg/roles"
	"github.com/platinummonkey/takgate/pkg/sso"
)

// gateway is the assembled service
type gateway struct {
	handler  http.Handler
	registry *prometheus.Registry
	cleanup  []cleanup
}

type cleanup struct {
	name string
	fn   observability.ShutdownFunc
}

func (g *gateway) onShutdown(name string, fn observability.ShutdownFunc) {
	g.cleanup = append(g.cleanup, cleanup{name: name, fn: fn})
}

// close runs every cleanup in reverse order; used when startup fails
func (g *gateway) close(ctx context.Context) {
	for i := len(g.cleanup) - 1; i >= 0; i-- {
		_ = g.cleanup[i].fn(ctx)
	}
}

// newGateway wires every component from cfg
func newGateway(ctx context.Context, cfg *config.Config, logger *observability.Logger) (_ *gateway, err error) {
	g := &gateway{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			g.close(context.Background())
		}
	}()

	// Metrics
	g.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(g.registry)

	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenTelemetry metrics: %w", err)
	}

	// Storage
	db, dialect, err := profile.Open(ctx, profile.ConnectionConfig{
		Driver:      cfg.Storage.Driver,
		DSN:         cfg.Storage.DSN,
		MaxConns:    cfg.Storage.MaxConns,
		MinConns:    cfg.Storage.MinConns,
		Timeout:     cfg.Storage.Timeout,
		MaxLifetime: cfg.Storage.MaxLifetime,
		MaxIdleTime: cfg.Storage.MaxIdleTime,
	})
	if err != nil {
		return nil, err
	}
	g.onShutdown("database", func(context.Context) error { return db.Close() })
	g.registry.MustRegister(collectors.NewDBStatsCollector(db, "profiles"))

	if cfg.Storage.AutoMigrate {
		if err := profile.Migrate(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to migrate profile database: %w", err)
		}
	}
	store := profile.NewSQLStore(db, dialect)

	var redisClient *redis.Client
	if cfg.Cache.RedisURL != "" {
		redisClient, err = keys.NewRedisClient(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return nil, err
		}
		g.onShutdown("redis", func(context.Context) error { return redisClient.Close() })
	}

	// Audit
	auditLogger, err := newAuditLogger(cfg.Audit, logger)
	if err != nil {
		return nil, err
	}
	g.onShutdown("audit", func(context.Context) error { return auditLogger.Close() })

	// Tokens
	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Secret:     []byte(cfg.Tokens.Secret),
		Issuer:     cfg.Tokens.Issuer,
		SessionTTL: cfg.Tokens.SessionTTL,
	})
	if err != nil {
		return nil, err
	}
	authenticator := auth.NewAuthenticator(tokens, store)

	// Assertion verification
	cache, err := keys.NewCache(cfg.Cache.KeyCacheSize)
	if err != nil {
		return nil, err
	}
	keyConfig := keys.Config{
		URLTemplate:  cfg.Gateway.KeyURLTemplate,
		HTTPClient:   tracedClient(cfg.Gateway.KeyFetchTimeout),
		Cache:        cache,
		Logger:       logger.WithComponent("keys"),
		OnLookup:     metrics.RecordKeyLookup,
		FetchTimeout: cfg.Gateway.KeyFetchTimeout,
	}
	if redisClient != nil {
		keyConfig.Shared = keys.NewRedisStore(redisClient)
	}
	resolver, err := keys.NewResolver(keyConfig)
	if err != nil {
		return nil, err
	}
	g.onShutdown("key_publish", func(context.Context) error {
		resolver.Wait()
		return nil
	})
	verifier := assertion.NewVerifier(assertion.Config{
		Enabled:          cfg.Gateway.Enabled,
		AssertionHeader:  cfg.Gateway.AssertionHeader,
		ProofHeader:      cfg.Gateway.ProofHeader,
		TrustedIssuer:    cfg.Gateway.TrustedIssuer,
		TrustedSigner:    cfg.Gateway.TrustedSigner,
		DefaultAuthority: cfg.Gateway.DefaultAuthority,
		EmailClaim:       cfg.Gateway.EmailClaim,
		GroupsClaim:      cfg.Gateway.GroupsClaim,
	}, resolver)
	if cfg.Gateway.Enabled && cfg.Gateway.TrustedSigner == "" {
		logger.WithField("key_url_template", cfg.Gateway.KeyURLTemplate).
			Warn("No trusted signer configured; any load balancer whose keys the key service serves can sign assertions")
	}

	// Upstreams
	probes := []observability.Probe{observability.DatabaseProbe(db)}
	if redisClient != nil {
		probes = append(probes, observability.RedisProbe(redisClient))
	}
	var (
		source roles.AttributeSource
		issuer credential.DelegatedIssuer
		ca     credential.Enroller
	)
	if cfg.IdP.Enabled() {
		client, err := idp.NewClient(ctx, idp.Config{
			BaseURL:           cfg.IdP.URL,
			Token:             cfg.IdP.Token,
			ClientID:          cfg.IdP.ClientID,
			ClientSecret:      cfg.IdP.ClientSecret,
			TokenURL:          cfg.IdP.TokenURL,
			CallsignAttribute: cfg.IdP.CallsignAttribute,
			ColorAttribute:    cfg.IdP.ColorAttribute,
			HTTPClient:        tracedClient(cfg.IdP.Timeout),
			Logger:            logger.WithComponent("idp"),
		})
		if err != nil {
			return nil, err
		}
		source, issuer = client, client
		probes = append(probes, observability.HTTPProbe("idp", strings.TrimRight(cfg.IdP.URL, "/")+"/-/health/live/", tracedClient(cfg.IdP.Timeout)))
	} else {
		logger.Warn("No identity provider configured; attribute sync and certificate enrollment are disabled")
	}
	if cfg.CA.Enabled() {
		client, err := certauth.NewClient(certauth.Config{
			BaseURL:            cfg.CA.URL,
			CAFile:             cfg.CA.CAFile,
			Organization:       cfg.CA.Organization,
			OrganizationalUnit: cfg.CA.OrganizationalUnit,
			KeyBits:            cfg.CA.KeyBits,
			ClientVersion:      "takgate/" + version,
			Timeout:            cfg.CA.Timeout,
			Transport: func(rt http.RoundTripper) http.RoundTripper {
				return otelhttp.NewTransport(rt)
			},
			Logger: logger.WithComponent("certauth"),
		})
		if err != nil {
			return nil, err
		}
		ca = client
	}

	synchronizer := roles.NewSynchronizer(roles.Config{
		AdminGroup:    cfg.Roles.AdminGroup,
		AgencyPrefix:  cfg.Roles.AgencyPrefix,
		AttributeSync: cfg.Roles.AttributeSync,
		GroupFallback: cfg.Roles.GroupFallback,
	}, source, logger.WithComponent("roles"))

	credentials := credential.NewManager(credential.ManagerConfig{
		Issuer:           issuer,
		Authority:        ca,
		RenewalThreshold: cfg.CA.RenewalThreshold,
		DelegatedTTL:     cfg.IdP.DelegatedTTL,
		Logger:           logger.WithComponent("credential"),
		OnAction:         metrics.RecordCredentialAction,
	})

	loginService, err := login.NewService(login.Config{
		Verifier:    verifier,
		Roles:       synchronizer,
		Credentials: credentials,
		Store:       store,
		Tokens:      tokens,
		Logger:      logger,
		Metrics:     metrics,
		OTel:        otelMetrics,
	})
	if err != nil {
		return nil, err
	}

	// Routes
	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(metrics))

	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(version, probes...))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(router, g.registry)
	}

	endSession := sso.NewEndSession(sso.LogoutConfig{
		CookieName:    cfg.Logout.CookieName,
		CookieShards:  cfg.Logout.CookieShards,
		EndSessionURL: cfg.Logout.EndSessionURL,
		IssuerURL:     cfg.Logout.IssuerURL,
		LoginPage:     cfg.Gateway.LoginPage,
		Client:        tracedClient(10 * time.Second),
	}, logger)

	handlers := sso.NewHandlers(sso.Config{
		SuccessRedirect:  cfg.Gateway.SuccessRedirect,
		LoginPage:        cfg.Gateway.LoginPage,
		RenewalThreshold: cfg.CA.RenewalThreshold,
		MaxResourceTTL:   cfg.Tokens.MaxResourceTTL,
	}, loginService, authenticator, store, endSession, metrics, logger)
	handlers.RegisterRoutes(router, loginLimiter(cfg.Server, redisClient, metrics, logger))

	g.handler = otelhttp.NewHandler(httputil.Chain(
		httputil.RecoveryMiddleware,
		httputil.RequestIDMiddleware(logger),
		httputil.LoggingMiddleware,
		httputil.CORSMiddleware(cfg.Server.CORSOrigins),
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
		audit.Middleware(auditLogger),
	)(router), "takgate")

	return g, nil
}

// newAuditLogger builds the audit sinks named by cfg
func newAuditLogger(cfg config.AuditConfig, logger *observability.Logger) (audit.Logger, error) {
	if !cfg.Enabled {
		return audit.NoOpLogger{}, nil
	}

	var sinks []audit.Logger
	if cfg.Path != "" {
		fileLogger, err := audit.NewFileLogger(audit.FileLoggerConfig{
			Dir:      cfg.Path,
			MaxSize:  cfg.MaxSize,
			MaxFiles: cfg.MaxFiles,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		sinks = append(sinks, fileLogger)
	}
	if cfg.ToLog {
		sinks = append(sinks, audit.NewLogLogger(logger))
	}
	return audit.NewMultiLogger(logger, sinks...), nil
}

// loginLimiter throttles GET /api/login per client IP. Redis-backed when a
// redis URL is configured so replicas share the budget.
func loginLimiter(cfg config.ServerConfig, client *redis.Client, metrics *observability.Metrics, logger *observability.Logger) func(http.Handler) http.Handler {
	if cfg.LoginRateLimit <= 0 {
		return nil
	}
	limits := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.LoginRateLimit,
		WindowDuration:    time.Minute,
		BurstSize:         cfg.LoginBurst,
	}

	var limiter middleware.Limiter
	if client != nil {
		limiter = middleware.NewDistributedRateLimiter(client, limits, "takgate:login")
	} else {
		limiter = middleware.NewRateLimiter(limits)
	}
	return middleware.NewRateLimitMiddleware(limiter, logger).
		OnLimit(metrics.RecordLoginThrottled).
		TrustProxyHops(cfg.TrustedProxyHops).
		Handler
}

func tracedClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
