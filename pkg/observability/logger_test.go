package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.Debug("debug message")
	assert.Zero(t, buf.Len(), "debug should be suppressed at info level")

	logger.Info("info message")
	entry := decodeEntry(t, &buf)
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "info message", entry["msg"])

	buf.Reset()
	logger.Warnf("warn %d", 7)
	entry = decodeEntry(t, &buf)
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "warn 7", entry["msg"])
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithComponent("login").
		WithFields(map[string]interface{}{"username": "a@example.org", "attempt": 2}).
		WithError(errors.New("boom")).
		Debug("step sync")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "login", entry["component"])
	assert.Equal(t, "a@example.org", entry["username"])
	assert.Equal(t, float64(2), entry["attempt"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "step sync", entry["msg"])
}

func TestLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithFields(map[string]interface{}{
		"Token":    "etl.eyJhbGciOiJIUzI1NiJ9",
		"password": "hunter2",
		"secret":   []byte("raw"),
		"kid":      "kid-1",
	}).WithField("assertion", "eyJ0eXAiOiJKV1QifQ").Info("Checked")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, Redacted, entry["Token"])
	assert.Equal(t, Redacted, entry["password"])
	assert.Equal(t, Redacted, entry["secret"])
	assert.Equal(t, Redacted, entry["assertion"])
	assert.Equal(t, "kid-1", entry["kid"])
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestLogger_WithNilError(t *testing.T) {
	logger := NewLogger(InfoLevel, nil)
	assert.Same(t, logger, logger.WithError(nil))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		" error ": ErrorLevel,
		"":        InfoLevel,
		"verbose": InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewLogger(InfoLevel, &buf))
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithUsername(ctx, "alpha@example.org")

	assert.Equal(t, "req-123", GetRequestID(ctx))
	assert.Equal(t, "alpha@example.org", GetUsername(ctx))

	FromContext(ctx).Info("test message")
	entry := decodeEntry(t, &buf)
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, "alpha@example.org", entry["username"])
}

func TestGetLogger_Default(t *testing.T) {
	assert.NotNil(t, GetLogger(context.Background()))
	assert.Empty(t, GetRequestID(context.Background()))
}

func TestLogLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", DebugLevel.String())
	assert.Equal(t, "INFO", InfoLevel.String())
	assert.Equal(t, "WARN", WarnLevel.String())
	assert.Equal(t, "ERROR", ErrorLevel.String())
}
