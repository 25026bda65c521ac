package async

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/platinummonkey/takgate/pkg/observability"
)

// Group runs background tasks that outlive the request that started them.
// Tasks keep the caller's context values but not its cancellation, and get
// their own timeout. Wait blocks until every started task has returned.
type Group struct {
	timeout time.Duration
	logger  *observability.Logger
	wg      sync.WaitGroup
}

// NewGroup creates a task group. A nil logger discards task errors.
func NewGroup(timeout time.Duration, logger *observability.Logger) *Group {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return &Group{timeout: timeout, logger: logger}
}

// Go runs fn in a goroutine with panic recovery. A returned error or a
// recovered panic is logged and passed to onErr when it is non-nil.
func (g *Group) Go(parent context.Context, taskName string, fn func(context.Context) error, onErr func(error)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), g.timeout)
		defer cancel()

		if err := run(ctx, fn); err != nil {
			g.logger.WithError(err).WithField("task", taskName).Warn("Background task failed")
			if onErr != nil {
				onErr(err)
			}
		}
	}()
}

// Wait blocks until all tasks started with Go have returned
func (g *Group) Wait() {
	g.wg.Wait()
}

// run calls fn, turning a panic into an error
func run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = observability.NewPanicError(r)
		}
	}()
	return fn(ctx)
}
