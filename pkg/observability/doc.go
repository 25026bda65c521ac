// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown for takgate.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithComponent("login").WithField("username", email).Info("Login succeeded")
//
// Request-scoped loggers carry the request id and username:
//
//	observability.FromContext(r.Context()).Warn("Attribute sync skipped")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordLogin("success", time.Since(start))
//	metrics.RecordCredentialAction("renew", "error")
//
// # Health Checks
//
// Readiness fails only when a critical probe fails; optional upstreams such as
// redis or the identity provider degrade it.
//
//	checker := observability.NewHealthChecker(version,
//		observability.DatabaseProbe(db),
//		observability.RedisProbe(redisClient),
//	)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	telemetry, err := observability.StartTelemetry(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "takgate",
//	}, logger)
//	defer telemetry.Shutdown(ctx)
package observability
