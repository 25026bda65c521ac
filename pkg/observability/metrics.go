package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Login pipeline metrics
	LoginsTotal            *prometheus.CounterVec
	LoginDuration          prometheus.Histogram
	LoginsThrottledTotal   prometheus.Counter
	AssertionFailuresTotal *prometheus.CounterVec
	KeyCacheTotal          *prometheus.CounterVec
	CredentialActionsTotal *prometheus.CounterVec
	UpstreamErrorsTotal    *prometheus.CounterVec

	// Token metrics
	TokensIssuedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "takgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "takgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "takgate_logins_total",
				Help: "Total number of login attempts by result",
			},
			[]string{"result"},
		),
		LoginDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "takgate_login_duration_seconds",
				Help:    "Login duration in seconds, including upstream calls",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		LoginsThrottledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "takgate_logins_throttled_total",
				Help: "Login requests refused by the per-client rate limit",
			},
		),
		AssertionFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "takgate_assertion_failures_total",
				Help: "Total number of rejected gateway assertions by code",
			},
			[]string{"code"},
		),
		KeyCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "takgate_key_cache_total",
				Help: "Verification key lookups by result",
			},
			[]string{"result"},
		),
		CredentialActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "takgate_credential_actions_total",
				Help: "Client certificate enroll/renew/repair attempts by result",
			},
			[]string{"action", "result"},
		),
		UpstreamErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "takgate_upstream_errors_total",
				Help: "Non-fatal upstream failures by service",
			},
			[]string{"service"},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "takgate_tokens_issued_total",
				Help: "Issued tokens by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginsTotal,
		m.LoginDuration,
		m.LoginsThrottledTotal,
		m.AssertionFailuresTotal,
		m.KeyCacheTotal,
		m.CredentialActionsTotal,
		m.UpstreamErrorsTotal,
		m.TokensIssuedTotal,
	)

	return m
}

// RecordLoginThrottled counts a login refused by the rate limit
func (m *Metrics) RecordLoginThrottled() {
	m.LoginsThrottledTotal.Inc()
}

// RecordLogin counts a finished login
func (m *Metrics) RecordLogin(result string, duration time.Duration) {
	m.LoginsTotal.WithLabelValues(result).Inc()
	m.LoginDuration.Observe(duration.Seconds())
}

// RecordAssertionFailure counts a rejected assertion
func (m *Metrics) RecordAssertionFailure(code string) {
	m.AssertionFailuresTotal.WithLabelValues(code).Inc()
}

// RecordKeyLookup counts a key resolver lookup
func (m *Metrics) RecordKeyLookup(result string) {
	m.KeyCacheTotal.WithLabelValues(result).Inc()
}

// RecordCredentialAction counts a credential lifecycle attempt
func (m *Metrics) RecordCredentialAction(action, result string) {
	m.CredentialActionsTotal.WithLabelValues(action, result).Inc()
}

// RecordUpstreamError counts a downgraded upstream failure
func (m *Metrics) RecordUpstreamError(service string) {
	if service == "" {
		service = "unknown"
	}
	m.UpstreamErrorsTotal.WithLabelValues(service).Inc()
}

// RecordTokenIssued counts an issued session or resource token
func (m *Metrics) RecordTokenIssued(kind string) {
	m.TokensIssuedTotal.WithLabelValues(kind).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled with the matched route template to bound cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, gatherer prometheus.Gatherer) {
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
