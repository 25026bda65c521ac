package audit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/takgate/pkg/async"
	"github.com/platinummonkey/takgate/pkg/observability"
)

// sinkTimeout bounds a single background write
const sinkTimeout = 5 * time.Second

// MultiLogger fans each event out to several sinks. By default every sink is
// written in the background so a slow disk never holds up a login; failures
// are logged and counted instead of being returned.
type MultiLogger struct {
	sinks    []Logger
	tasks    *async.Group
	blocking bool
	failures atomic.Uint64
}

// NewMultiLogger creates a fan-out over sinks. logger receives background
// write failures and may be nil.
func NewMultiLogger(logger *observability.Logger, sinks ...Logger) *MultiLogger {
	if logger != nil {
		logger = logger.WithComponent("audit")
	}
	return &MultiLogger{
		sinks: sinks,
		tasks: async.NewGroup(sinkTimeout, logger),
	}
}

// Blocking makes Log write every sink before returning and report the joined
// sink errors. Used where the caller must know the event reached disk.
func (m *MultiLogger) Blocking() *MultiLogger {
	m.blocking = true
	return m
}

// Log implements Logger
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	if m.blocking {
		var errs []error
		for _, sink := range m.sinks {
			if err := sink.Log(ctx, event); err != nil {
				m.failures.Add(1)
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	for _, sink := range m.sinks {
		sink := sink
		m.tasks.Go(ctx, "audit_write", func(ctx context.Context) error {
			return sink.Log(ctx, event)
		}, func(error) { m.failures.Add(1) })
	}
	return nil
}

// Failures returns how many sink writes have failed
func (m *MultiLogger) Failures() uint64 {
	return m.failures.Load()
}

// Flush waits for pending background writes
func (m *MultiLogger) Flush() {
	m.tasks.Wait()
}

// Close flushes pending writes and closes every sink
func (m *MultiLogger) Close() error {
	m.Flush()

	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit sink: %w", err))
		}
	}
	return errors.Join(errs...)
}
