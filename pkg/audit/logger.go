package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/platinummonkey/takgate/pkg/httputil"
	"github.com/platinummonkey/takgate/pkg/observability"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close closes the logger and flushes any buffered logs
	Close() error
}

// contextKey is the type for context keys
type contextKey string

// AuditLoggerKey is the context key for the audit logger
const AuditLoggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NoOpLogger{}
}

// Middleware makes logger available to handlers through FromContext
func Middleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithLogger(r.Context(), logger)))
		})
	}
}

// NoOpLogger drops every event
type NoOpLogger struct{}

func (NoOpLogger) Log(ctx context.Context, event *AuditEvent) error { return nil }

func (NoOpLogger) Close() error { return nil }

// NewEvent creates an event stamped with the request's client address,
// method, path and request id. r may be nil.
func NewEvent(r *http.Request, eventType EventType, status EventStatus) *AuditEvent {
	event := &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		Metadata:  make(map[string]interface{}),
	}

	if r != nil {
		event.IPAddress = httputil.ClientIP(r)
		event.UserAgent = r.UserAgent()
		event.Method = r.Method
		event.Path = r.URL.Path
		event.RequestID = observability.GetRequestID(r.Context())
	}
	return event
}

// LogLogger mirrors audit events into the structured service log
type LogLogger struct {
	logger *observability.Logger
}

// NewLogLogger creates a LogLogger writing through logger
func NewLogLogger(logger *observability.Logger) *LogLogger {
	return &LogLogger{logger: logger.WithField("component", "audit")}
}

// Log writes event at INFO, or WARN for failures and denials
func (l *LogLogger) Log(ctx context.Context, event *AuditEvent) error {
	fields := map[string]interface{}{
		"event_type": string(event.EventType),
		"status":     string(event.Status),
	}
	if event.Username != "" {
		fields["username"] = event.Username
	}
	if event.Impersonator != "" {
		fields["impersonator"] = event.Impersonator
	}
	if event.ResourceID != "" {
		fields["resource"] = event.ResourceType + ":" + event.ResourceID
	}
	if event.IPAddress != "" {
		fields["ip_address"] = event.IPAddress
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.ErrorMessage != "" {
		fields["error"] = event.ErrorMessage
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	logger := l.logger.WithFields(fields)
	if event.Status == EventStatusSuccess {
		logger.Info(event.Message)
	} else {
		logger.Warn(event.Message)
	}
	return nil
}

// Close implements Logger
func (l *LogLogger) Close() error { return nil }
