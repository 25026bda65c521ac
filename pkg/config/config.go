package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names an optional YAML file read before the environment
const EnvConfigFile = "TAKGATE_CONFIG_FILE"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Roles         RolesConfig         `yaml:"roles"`
	IdP           IdPConfig           `yaml:"idp"`
	CA            CAConfig            `yaml:"ca"`
	Tokens        TokensConfig        `yaml:"tokens"`
	Logout        LogoutConfig        `yaml:"logout"`
	Storage       StorageConfig       `yaml:"storage"`
	Cache         CacheConfig         `yaml:"cache"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORSOrigins     []string      `yaml:"cors_origins"`

	// LoginRateLimit is logins per minute per client IP; 0 disables throttling
	LoginRateLimit int `yaml:"login_rate_limit"`
	LoginBurst     int `yaml:"login_burst"`
	// TrustedProxyHops is how many proxies append to X-Forwarded-For in
	// front of the gateway; 0 keys clients by peer address
	TrustedProxyHops int `yaml:"trusted_proxy_hops"`
}

// GatewayConfig holds load balancer assertion settings
type GatewayConfig struct {
	Enabled          bool          `yaml:"enabled"`
	AssertionHeader  string        `yaml:"assertion_header"`
	ProofHeader      string        `yaml:"proof_header"`
	TrustedIssuer    string        `yaml:"trusted_issuer"`
	TrustedSigner    string        `yaml:"trusted_signer"`
	DefaultAuthority string        `yaml:"default_authority"`
	KeyURLTemplate   string        `yaml:"key_url_template"`
	KeyFetchTimeout  time.Duration `yaml:"key_fetch_timeout"`
	EmailClaim       string        `yaml:"email_claim"`
	GroupsClaim      string        `yaml:"groups_claim"`

	// SuccessRedirect receives ?token= after a login
	SuccessRedirect string `yaml:"success_redirect"`
	// LoginPage receives ?error= after a failed login
	LoginPage string `yaml:"login_page"`
}

// RolesConfig holds group to role mapping
type RolesConfig struct {
	AdminGroup    string `yaml:"admin_group"`
	AgencyPrefix  string `yaml:"agency_prefix"`
	AttributeSync bool   `yaml:"attribute_sync"`
	GroupFallback bool   `yaml:"group_fallback"`
}

// IdPConfig holds identity provider admin API settings
type IdPConfig struct {
	URL               string        `yaml:"url"`
	Token             string        `yaml:"token"`
	ClientID          string        `yaml:"client_id"`
	ClientSecret      string        `yaml:"client_secret"`
	TokenURL          string        `yaml:"token_url"`
	CallsignAttribute string        `yaml:"callsign_attribute"`
	ColorAttribute    string        `yaml:"color_attribute"`
	DelegatedTTL      time.Duration `yaml:"delegated_ttl"`
	Timeout           time.Duration `yaml:"timeout"`
}

// Enabled reports whether an identity provider is configured
func (c IdPConfig) Enabled() bool { return c.URL != "" }

// CAConfig holds certificate authority settings
type CAConfig struct {
	URL                string        `yaml:"url"`
	CAFile             string        `yaml:"ca_file"`
	Organization       string        `yaml:"organization"`
	OrganizationalUnit string        `yaml:"organizational_unit"`
	KeyBits            int           `yaml:"key_bits"`
	RenewalThreshold   time.Duration `yaml:"renewal_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
}

// Enabled reports whether a certificate authority is configured
func (c CAConfig) Enabled() bool { return c.URL != "" }

// TokensConfig holds internal token signing settings
type TokensConfig struct {
	Secret         string        `yaml:"secret"`
	Issuer         string        `yaml:"issuer"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	MaxResourceTTL time.Duration `yaml:"max_resource_ttl"`
}

// LogoutConfig holds gateway session teardown settings
type LogoutConfig struct {
	CookieName    string `yaml:"cookie_name"`
	CookieShards  int    `yaml:"cookie_shards"`
	EndSessionURL string `yaml:"end_session_url"`
	IssuerURL     string `yaml:"issuer_url"`
}

// StorageConfig holds profile database settings
type StorageConfig struct {
	Driver      string        `yaml:"driver"`
	DSN         string        `yaml:"dsn"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	AutoMigrate bool          `yaml:"auto_migrate"`
}

// CacheConfig holds key cache and redis settings
type CacheConfig struct {
	KeyCacheSize int `yaml:"key_cache_size"`
	// RedisURL enables the shared key cache and distributed login throttling
	RedisURL string `yaml:"redis_url"`
}

// AuditConfig holds audit trail settings
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	MaxSize int64  `yaml:"max_size"`
	// MaxFiles is the number of rotated files kept
	MaxFiles int `yaml:"max_files"`
	// ToLog mirrors audit events into the service log
	ToLog bool `yaml:"to_log"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			LoginRateLimit:  30,
			LoginBurst:      5,

			TrustedProxyHops: 1,
		},
		Gateway: GatewayConfig{
			Enabled:         true,
			AssertionHeader: "x-amzn-oidc-data",
			ProofHeader:     "x-amzn-oidc-accesstoken",
			KeyURLTemplate:  "https://public-keys.auth.elb.{authority}.amazonaws.com",
			KeyFetchTimeout: 5 * time.Second,
			EmailClaim:      "email",
			GroupsClaim:     "groups",
			SuccessRedirect: "/",
			LoginPage:       "/login",
		},
		Roles: RolesConfig{
			AdminGroup:   "CloudTAKSystemAdmin",
			AgencyPrefix: "CloudTAKAgencyAdmin",
		},
		IdP: IdPConfig{
			CallsignAttribute: "takCallsign",
			ColorAttribute:    "takColor",
			DelegatedTTL:      30 * time.Minute,
			Timeout:           15 * time.Second,
		},
		CA: CAConfig{
			Organization:       "TAK",
			OrganizationalUnit: "takgate",
			KeyBits:            2048,
			RenewalThreshold:   7 * 24 * time.Hour,
			Timeout:            30 * time.Second,
		},
		Tokens: TokensConfig{
			Issuer:     "takgate",
			SessionTTL: 16 * time.Hour,
		},
		Logout: LogoutConfig{
			CookieName:   "AWSELBAuthSessionCookie",
			CookieShards: 5,
		},
		Storage: StorageConfig{
			Driver:      "postgres",
			MaxConns:    20,
			MinConns:    2,
			Timeout:     10 * time.Second,
			MaxLifetime: 30 * time.Minute,
			MaxIdleTime: 5 * time.Minute,
			AutoMigrate: true,
		},
		Cache: CacheConfig{
			KeyCacheSize: 4096,
		},
		Audit: AuditConfig{
			Enabled:  false,
			Path:     "/var/log/takgate/audit",
			MaxSize:  100 * 1024 * 1024,
			MaxFiles: 10,
			ToLog:    true,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "takgate",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1.0,
		},
	}
}

// LoadConfig loads defaults, then the YAML file named by TAKGATE_CONFIG_FILE,
// then TAKGATE_* environment variables, and validates the result
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides c with any TAKGATE_* environment variables that are set
func (c *Config) ApplyEnv() {
	s := &c.Server
	s.Host = getEnv("TAKGATE_HOST", s.Host)
	s.Port = getEnv("TAKGATE_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("TAKGATE_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("TAKGATE_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("TAKGATE_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("TAKGATE_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxBodyBytes = getEnvInt64("TAKGATE_MAX_BODY_BYTES", s.MaxBodyBytes)
	s.CORSOrigins = getEnvList("TAKGATE_CORS_ORIGINS", s.CORSOrigins)
	s.LoginRateLimit = getEnvInt("TAKGATE_LOGIN_RATE_LIMIT", s.LoginRateLimit)
	s.LoginBurst = getEnvInt("TAKGATE_LOGIN_BURST", s.LoginBurst)
	s.TrustedProxyHops = getEnvInt("TAKGATE_TRUSTED_PROXY_HOPS", s.TrustedProxyHops)

	g := &c.Gateway
	g.Enabled = getEnvBool("TAKGATE_GATEWAY_ENABLED", g.Enabled)
	g.AssertionHeader = getEnv("TAKGATE_GATEWAY_ASSERTION_HEADER", g.AssertionHeader)
	g.ProofHeader = getEnv("TAKGATE_GATEWAY_PROOF_HEADER", g.ProofHeader)
	g.TrustedIssuer = getEnv("TAKGATE_GATEWAY_TRUSTED_ISSUER", g.TrustedIssuer)
	g.TrustedSigner = getEnv("TAKGATE_GATEWAY_TRUSTED_SIGNER", g.TrustedSigner)
	g.DefaultAuthority = getEnv("TAKGATE_GATEWAY_DEFAULT_AUTHORITY", g.DefaultAuthority)
	g.KeyURLTemplate = getEnv("TAKGATE_GATEWAY_KEY_URL_TEMPLATE", g.KeyURLTemplate)
	g.KeyFetchTimeout = getEnvDuration("TAKGATE_GATEWAY_KEY_FETCH_TIMEOUT", g.KeyFetchTimeout)
	g.EmailClaim = getEnv("TAKGATE_GATEWAY_EMAIL_CLAIM", g.EmailClaim)
	g.GroupsClaim = getEnv("TAKGATE_GATEWAY_GROUPS_CLAIM", g.GroupsClaim)
	g.SuccessRedirect = getEnv("TAKGATE_SUCCESS_REDIRECT", g.SuccessRedirect)
	g.LoginPage = getEnv("TAKGATE_LOGIN_PAGE", g.LoginPage)

	r := &c.Roles
	r.AdminGroup = getEnv("TAKGATE_ADMIN_GROUP", r.AdminGroup)
	r.AgencyPrefix = getEnv("TAKGATE_AGENCY_PREFIX", r.AgencyPrefix)
	r.AttributeSync = getEnvBool("TAKGATE_ATTRIBUTE_SYNC", r.AttributeSync)
	r.GroupFallback = getEnvBool("TAKGATE_GROUP_FALLBACK", r.GroupFallback)

	i := &c.IdP
	i.URL = getEnv("TAKGATE_IDP_URL", i.URL)
	i.Token = getEnv("TAKGATE_IDP_TOKEN", i.Token)
	i.ClientID = getEnv("TAKGATE_IDP_CLIENT_ID", i.ClientID)
	i.ClientSecret = getEnv("TAKGATE_IDP_CLIENT_SECRET", i.ClientSecret)
	i.TokenURL = getEnv("TAKGATE_IDP_TOKEN_URL", i.TokenURL)
	i.CallsignAttribute = getEnv("TAKGATE_IDP_CALLSIGN_ATTRIBUTE", i.CallsignAttribute)
	i.ColorAttribute = getEnv("TAKGATE_IDP_COLOR_ATTRIBUTE", i.ColorAttribute)
	i.DelegatedTTL = getEnvDuration("TAKGATE_IDP_DELEGATED_TTL", i.DelegatedTTL)
	i.Timeout = getEnvDuration("TAKGATE_IDP_TIMEOUT", i.Timeout)

	ca := &c.CA
	ca.URL = getEnv("TAKGATE_CA_URL", ca.URL)
	ca.CAFile = getEnv("TAKGATE_CA_FILE", ca.CAFile)
	ca.Organization = getEnv("TAKGATE_CA_ORGANIZATION", ca.Organization)
	ca.OrganizationalUnit = getEnv("TAKGATE_CA_ORGANIZATIONAL_UNIT", ca.OrganizationalUnit)
	ca.KeyBits = getEnvInt("TAKGATE_CA_KEY_BITS", ca.KeyBits)
	ca.RenewalThreshold = getEnvDuration("TAKGATE_RENEWAL_THRESHOLD", ca.RenewalThreshold)
	ca.Timeout = getEnvDuration("TAKGATE_CA_TIMEOUT", ca.Timeout)

	t := &c.Tokens
	t.Secret = getEnv("TAKGATE_SIGNING_SECRET", t.Secret)
	t.Issuer = getEnv("TAKGATE_TOKEN_ISSUER", t.Issuer)
	t.SessionTTL = getEnvDuration("TAKGATE_SESSION_TTL", t.SessionTTL)
	t.MaxResourceTTL = getEnvDuration("TAKGATE_MAX_RESOURCE_TTL", t.MaxResourceTTL)

	l := &c.Logout
	l.CookieName = getEnv("TAKGATE_LOGOUT_COOKIE_NAME", l.CookieName)
	l.CookieShards = getEnvInt("TAKGATE_LOGOUT_COOKIE_SHARDS", l.CookieShards)
	l.EndSessionURL = getEnv("TAKGATE_LOGOUT_END_SESSION_URL", l.EndSessionURL)
	l.IssuerURL = getEnv("TAKGATE_LOGOUT_ISSUER_URL", l.IssuerURL)

	st := &c.Storage
	st.Driver = getEnv("TAKGATE_DB_DRIVER", st.Driver)
	st.DSN = getEnv("TAKGATE_DB_DSN", st.DSN)
	st.MaxConns = getEnvInt("TAKGATE_DB_MAX_CONNS", st.MaxConns)
	st.MinConns = getEnvInt("TAKGATE_DB_MIN_CONNS", st.MinConns)
	st.Timeout = getEnvDuration("TAKGATE_DB_TIMEOUT", st.Timeout)
	st.MaxLifetime = getEnvDuration("TAKGATE_DB_MAX_LIFETIME", st.MaxLifetime)
	st.MaxIdleTime = getEnvDuration("TAKGATE_DB_MAX_IDLE_TIME", st.MaxIdleTime)
	st.AutoMigrate = getEnvBool("TAKGATE_DB_AUTO_MIGRATE", st.AutoMigrate)

	c.Cache.KeyCacheSize = getEnvInt("TAKGATE_KEY_CACHE_SIZE", c.Cache.KeyCacheSize)
	c.Cache.RedisURL = getEnv("TAKGATE_REDIS_URL", c.Cache.RedisURL)

	a := &c.Audit
	a.Enabled = getEnvBool("TAKGATE_AUDIT_ENABLED", a.Enabled)
	a.Path = getEnv("TAKGATE_AUDIT_PATH", a.Path)
	a.MaxSize = getEnvInt64("TAKGATE_AUDIT_MAX_SIZE", a.MaxSize)
	a.MaxFiles = getEnvInt("TAKGATE_AUDIT_MAX_FILES", a.MaxFiles)
	a.ToLog = getEnvBool("TAKGATE_AUDIT_TO_LOG", a.ToLog)

	o := &c.Observability
	o.LogLevel = getEnv("TAKGATE_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("TAKGATE_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("TAKGATE_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("TAKGATE_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("TAKGATE_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("TAKGATE_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("TAKGATE_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("TAKGATE_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}

	if len(c.Tokens.Secret) < 32 {
		errs = append(errs, errors.New("signing secret must be at least 32 bytes"))
	}
	if c.Server.TrustedProxyHops < 0 {
		errs = append(errs, errors.New("trusted proxy hops must not be negative"))
	}
	if c.Tokens.SessionTTL <= 0 {
		errs = append(errs, errors.New("session TTL must be positive"))
	}

	if c.Gateway.Enabled {
		if c.Gateway.TrustedIssuer == "" {
			errs = append(errs, errors.New("trusted issuer is required when gateway login is enabled"))
		}
		// Any load balancer in any account publishes keys on the AWS key
		// service, so a valid signature alone does not identify ours.
		if c.Gateway.TrustedSigner == "" && strings.Contains(c.Gateway.KeyURLTemplate, "public-keys.auth.elb.") {
			errs = append(errs, errors.New("trusted signer is required when keys come from the AWS key service"))
		}
		if !strings.Contains(c.Gateway.KeyURLTemplate, "{authority}") && c.Gateway.DefaultAuthority == "" {
			errs = append(errs, errors.New("key URL template must contain {authority} or a default authority must be set"))
		}
	}

	if c.IdP.Enabled() && c.IdP.Token == "" && (c.IdP.ClientID == "" || c.IdP.ClientSecret == "" || c.IdP.TokenURL == "") {
		errs = append(errs, errors.New("identity provider needs a token or client credentials"))
	}
	if c.IdP.DelegatedTTL <= 0 || c.IdP.DelegatedTTL > time.Hour {
		errs = append(errs, errors.New("delegated credential TTL must be between 0 and 1h"))
	}
	if c.CA.RenewalThreshold <= 0 {
		errs = append(errs, errors.New("renewal threshold must be positive"))
	}

	if c.Logout.CookieShards < 0 {
		errs = append(errs, errors.New("cookie shards must not be negative"))
	}

	switch c.Storage.Driver {
	case "postgres", "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("invalid storage driver: %s (must be postgres or sqlite3)", c.Storage.Driver))
	}
	if c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage DSN is required"))
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			errs = append(errs, errors.New("OpenTelemetry endpoint is required when OTel is enabled"))
		}
		if c.Observability.OTelServiceName == "" {
			errs = append(errs, errors.New("OpenTelemetry service name is required when OTel is enabled"))
		}
	}

	return errors.Join(errs...)
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
