package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName identifies takgate's tracers and meters
const InstrumentationName = "github.com/platinummonkey/takgate"

// OTelMetrics holds OpenTelemetry metric instruments for the login pipeline
type OTelMetrics struct {
	loginStepDuration metric.Float64Histogram
	loginSteps        metric.Int64Counter
	credentialActions metric.Int64Counter
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsWithProvider(otel.GetMeterProvider())
}

// NewOTelMetricsWithProvider creates instruments on provider
func NewOTelMetricsWithProvider(provider metric.MeterProvider) (*OTelMetrics, error) {
	meter := provider.Meter(InstrumentationName)

	m := &OTelMetrics{}
	var err error

	m.loginStepDuration, err = meter.Float64Histogram(
		"takgate.login.step.duration",
		metric.WithDescription("Duration of each login step in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login step duration histogram: %w", err)
	}

	m.loginSteps, err = meter.Int64Counter(
		"takgate.login.steps",
		metric.WithDescription("Login steps by outcome"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login steps counter: %w", err)
	}

	m.credentialActions, err = meter.Int64Counter(
		"takgate.credential.actions",
		metric.WithDescription("Client certificate lifecycle actions"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential actions counter: %w", err)
	}

	return m, nil
}

// RecordLoginStep records one step of a login: verify, sync, credential, commit or token
func (m *OTelMetrics) RecordLoginStep(ctx context.Context, step string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("login.step", step),
		attribute.Bool("error", err != nil),
	}

	m.loginSteps.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.loginStepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCredentialAction records an enroll, renew or repair attempt
func (m *OTelMetrics) RecordCredentialAction(ctx context.Context, action, result string) {
	m.credentialActions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("credential.action", action),
		attribute.String("result", result),
	))
}
