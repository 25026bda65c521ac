package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/takgate/pkg/httputil"
	"github.com/platinummonkey/takgate/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the sustained number of requests per window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
	// MaxClients bounds the in-memory limiter; the least recently seen
	// clients are forgotten first
	MaxClients int
}

// DefaultRateLimitConfig returns the login throttle: each login fans out to
// the key service, the identity API and the certificate authority, so the
// budget per client is small.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 30,
		WindowDuration:    time.Minute,
		BurstSize:         5,
		MaxClients:        10000,
	}
}

func (c *RateLimitConfig) limit() int {
	return c.RequestsPerWindow + c.BurstSize
}

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is set when the request was refused
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Config() *RateLimitConfig
}

// RateLimiter is a per-key token bucket local to the process
type RateLimiter struct {
	config  *RateLimitConfig
	clients *lru.Cache[string, *rate.Limiter]
	every   rate.Limit
	mu      sync.Mutex
	now     func() time.Time
}

// NewRateLimiter creates an in-memory limiter. Buckets refill at
// RequestsPerWindow per WindowDuration and hold RequestsPerWindow+BurstSize.
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	size := config.MaxClients
	if size <= 0 {
		size = DefaultRateLimitConfig().MaxClients
	}
	clients, _ := lru.New[string, *rate.Limiter](size)

	return &RateLimiter{
		config:  config,
		clients: clients,
		every:   rate.Limit(float64(config.RequestsPerWindow) / config.WindowDuration.Seconds()),
		now:     time.Now,
	}
}

// Config implements Limiter
func (rl *RateLimiter) Config() *RateLimitConfig { return rl.config }

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if l, ok := rl.clients.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(rl.every, rl.config.limit())
	rl.clients.Add(key, l)
	return l
}

// Allow takes one token from key's bucket
func (rl *RateLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l := rl.bucket(key)
	now := rl.now()

	if l.AllowN(now, 1) {
		return Decision{Allowed: true, Remaining: int(l.TokensAt(now))}, nil
	}

	r := l.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	if !r.OK() || delay <= 0 {
		delay = rl.config.WindowDuration
	}
	return Decision{RetryAfter: delay}, nil
}

// Clients returns how many clients currently have a bucket
func (rl *RateLimiter) Clients() int {
	return rl.clients.Len()
}

// RateLimitMiddleware throttles requests per client IP
type RateLimitMiddleware struct {
	limiter   Limiter
	logger    *observability.Logger
	failOpen  bool
	onLimit   func()
	proxyHops int
}

// NewRateLimitMiddleware creates a new rate limit middleware. Limiter errors
// let the request through unless SetFailOpen(false) is called.
func NewRateLimitMiddleware(limiter Limiter, logger *observability.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter:   limiter,
		logger:    logger.WithComponent("ratelimit"),
		failOpen:  true,
		onLimit:   func() {},
		proxyHops: 1,
	}
}

// SetFailOpen controls whether limiter errors allow (true) or reject (false) requests
func (m *RateLimitMiddleware) SetFailOpen(enabled bool) {
	m.failOpen = enabled
}

// OnLimit registers fn to run for every refused request
func (m *RateLimitMiddleware) OnLimit(fn func()) *RateLimitMiddleware {
	m.onLimit = fn
	return m
}

// TrustProxyHops sets how many proxies in front of the gateway append to
// X-Forwarded-For; the default is one load balancer
func (m *RateLimitMiddleware) TrustProxyHops(n int) *RateLimitMiddleware {
	m.proxyHops = n
	return m
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httputil.ClientIPBehind(r, m.proxyHops)

		d, err := m.limiter.Allow(r.Context(), "ip:"+ip)
		if err != nil {
			m.logger.WithError(err).Warn("Rate limiter unavailable")
			if !m.failOpen {
				httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "service temporarily unavailable")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limiter.Config().limit()))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			m.onLimit()
			observability.FromContext(r.Context()).WithField("client_ip", ip).Info("Login throttled")
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
