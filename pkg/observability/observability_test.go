package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestMetrics_Record(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordLogin("success", 120*time.Millisecond)
	m.RecordLogin("success", 80*time.Millisecond)
	m.RecordLogin("unauthorized", time.Millisecond)
	m.RecordAssertionFailure("expired")
	m.RecordKeyLookup("hit")
	m.RecordCredentialAction("renew", "error")
	m.RecordUpstreamError("")
	m.RecordTokenIssued("session")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.LoginsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LoginsTotal.WithLabelValues("unauthorized")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AssertionFailuresTotal.WithLabelValues("expired")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.KeyCacheTotal.WithLabelValues("hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CredentialActionsTotal.WithLabelValues("renew", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UpstreamErrorsTotal.WithLabelValues("unknown")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TokensIssuedTotal.WithLabelValues("session")))
}

func TestHTTPMetricsMiddleware_RouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/api/token/{kind}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	RegisterMetricsEndpoint(router, registry)

	for _, kind := range []string{"data", "layer"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/token/"+kind, nil))
		assert.Equal(t, http.StatusCreated, rec.Code)
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/token/{kind}", "201")))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "takgate_http_requests_total")
}

func TestOTelMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewOTelMetricsWithProvider(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordLoginStep(ctx, "verify", 5*time.Millisecond, nil)
	m.RecordLoginStep(ctx, "credential", time.Second, errors.New("down"))
	m.RecordCredentialAction(ctx, "enroll", "success")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := map[string]bool{}
	for _, metric := range rm.ScopeMetrics[0].Metrics {
		names[metric.Name] = true
	}
	assert.True(t, names["takgate.login.step.duration"])
	assert.True(t, names["takgate.login.steps"])
	assert.True(t, names["takgate.credential.actions"])
}

func TestHealth_Liveness(t *testing.T) {
	checker := NewHealthChecker("test", Probe{Name: "down", Critical: true, Check: func(context.Context) error {
		return errors.New("unreachable")
	}})
	rec := httptest.NewRecorder()
	checker.Liveness(rec, httptest.NewRequest("GET", "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), StatusHealthy)
}

func TestHealth_Readiness(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	router := mux.NewRouter()
	RegisterHealthRoutes(router, NewHealthChecker("1.2.3", DatabaseProbe(db), RedisProbe(client)))

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, StatusHealthy, status.Dependencies["redis"].Status)
	assert.True(t, status.Dependencies["database"].Critical)

	// lost shared cache only degrades
	mr.Close()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	status = HealthStatus{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusUnhealthy, status.Dependencies["redis"].Status)

	// database down is fatal
	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealth_HTTPProbe(t *testing.T) {
	code := http.StatusOK
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	defer upstream.Close()

	checker := NewHealthChecker("test", HTTPProbe("idp", upstream.URL, upstream.Client()))
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	code = http.StatusNotFound
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	code = http.StatusBadGateway
	status := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, "status 502", status.Dependencies["idp"].Message)
}

func TestHealth_DegradedProbe(t *testing.T) {
	checker := NewHealthChecker("test", Probe{Name: "pool", Critical: true, Check: func(context.Context) error {
		return ErrDegraded
	}})
	status := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusDegraded, status.Dependencies["pool"].Status)
}

func TestShutdownManager_ReverseOrder(t *testing.T) {
	var buf bytes.Buffer
	sm := NewShutdownManager(NewLogger(InfoLevel, &buf), nil, time.Second)

	var order []string
	sm.RegisterShutdownFunc("database", func(context.Context) error {
		order = append(order, "database")
		return nil
	})
	sm.RegisterShutdownFunc("audit", func(context.Context) error {
		order = append(order, "audit")
		return errors.New("flush failed")
	})

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit: flush failed")
	assert.Equal(t, []string{"audit", "database"}, order)
}

func TestShutdownManager_WaitForShutdownOnCancel(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), server.Config, time.Second)
	called := false
	sm.RegisterShutdownFunc("redis", func(context.Context) error {
		called = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sm.WaitForShutdown(ctx))
	assert.True(t, called)
}

func TestPanicError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	var err *PanicError
	func() {
		defer func() { err = NewPanicError(recover()) }()
		panic("boom")
	}()

	assert.EqualError(t, err, "panic: boom")
	assert.Contains(t, string(err.Stack), "TestPanicError")

	LogPanic(logger, "login", err)
	assert.Contains(t, buf.String(), `"msg":"Recovered panic"`)
	assert.Contains(t, buf.String(), `"where":"login"`)
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
}

func TestUpdateLoggerWithTraceContext_NoSpan(t *testing.T) {
	logger := NewLogger(InfoLevel, nil)
	assert.Same(t, logger, UpdateLoggerWithTraceContext(context.Background(), logger))
}

func TestUpdateLoggerWithTraceContext_RecordingSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "login")
	defer span.End()

	var buf bytes.Buffer
	UpdateLoggerWithTraceContext(ctx, NewLogger(InfoLevel, &buf)).Info("traced")
	assert.Contains(t, buf.String(), span.SpanContext().TraceID().String())
	assert.Contains(t, buf.String(), `"span_id"`)
}

func TestStartTelemetry_Disabled(t *testing.T) {
	telemetry, err := StartTelemetry(context.Background(), OTelConfig{}, NewLogger(InfoLevel, &bytes.Buffer{}))
	require.NoError(t, err)
	assert.Nil(t, telemetry)
	assert.NoError(t, telemetry.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
