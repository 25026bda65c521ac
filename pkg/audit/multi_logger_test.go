package audit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/takgate/pkg/observability"
)

type mockLogger struct {
	mu     sync.Mutex
	events []*AuditEvent
	err    error
	closed bool
}

func (m *mockLogger) Log(ctx context.Context, event *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.err
}

func (m *mockLogger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockLogger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestMultiLogger_Blocking(t *testing.T) {
	sink1 := &mockLogger{}
	sink2 := &mockLogger{}

	multi := NewMultiLogger(nil, sink1, sink2).Blocking()
	require.NoError(t, multi.Log(context.Background(), NewEvent(nil, EventTypeLogin, EventStatusSuccess)))

	assert.Equal(t, 1, sink1.count())
	assert.Equal(t, 1, sink2.count())
	assert.Zero(t, multi.Failures())
}

func TestMultiLogger_BlockingJoinsErrors(t *testing.T) {
	diskFull := errors.New("disk full")
	failing := &mockLogger{err: diskFull}
	healthy := &mockLogger{}

	multi := NewMultiLogger(nil, failing, healthy).Blocking()
	err := multi.Log(context.Background(), NewEvent(nil, EventTypeLogout, EventStatusSuccess))

	assert.ErrorIs(t, err, diskFull)
	assert.Equal(t, 1, healthy.count())
	assert.Equal(t, uint64(1), multi.Failures())
}

func TestMultiLogger_Background(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &buf)

	healthy := &mockLogger{}
	failing := &mockLogger{err: errors.New("unavailable")}

	multi := NewMultiLogger(logger, healthy, failing)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, multi.Log(ctx, NewEvent(nil, EventTypeImpersonate, EventStatusSuccess)))
	cancel()

	multi.Flush()
	assert.Equal(t, 1, healthy.count())
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, uint64(1), multi.Failures())
	assert.Contains(t, buf.String(), "audit_write")
	assert.Contains(t, buf.String(), "unavailable")
}

func TestMultiLogger_Close(t *testing.T) {
	sink1 := &mockLogger{}
	sink2 := &mockLogger{}

	multi := NewMultiLogger(nil, sink1, sink2)
	require.NoError(t, multi.Log(context.Background(), NewEvent(nil, EventTypeLogin, EventStatusSuccess)))
	require.NoError(t, multi.Close())

	assert.Equal(t, 1, sink1.count())
	assert.True(t, sink1.closed)
	assert.True(t, sink2.closed)
}

func TestMultiLogger_Empty(t *testing.T) {
	multi := NewMultiLogger(nil)
	assert.NoError(t, multi.Log(context.Background(), NewEvent(nil, EventTypeLogin, EventStatusSuccess)))
	assert.NoError(t, multi.Close())
}
