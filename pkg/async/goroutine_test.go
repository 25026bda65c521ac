package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/takgate/pkg/observability"
)

func TestGroup_RunsAndWaits(t *testing.T) {
	group := NewGroup(time.Second, nil)
	var count atomic.Int32

	for i := 0; i < 10; i++ {
		group.Go(context.Background(), "count", func(context.Context) error {
			count.Add(1)
			return nil
		}, nil)
	}
	group.Wait()

	assert.Equal(t, int32(10), count.Load())
}

func TestGroup_ReportsErrors(t *testing.T) {
	group := NewGroup(time.Second, nil)

	var mu sync.Mutex
	var got []error
	onErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, err)
	}

	group.Go(context.Background(), "fails", func(context.Context) error {
		return errors.New("sink unavailable")
	}, onErr)
	group.Go(context.Background(), "ok", func(context.Context) error { return nil }, onErr)
	group.Wait()

	require.Len(t, got, 1)
	assert.EqualError(t, got[0], "sink unavailable")
}

func TestGroup_RecoversPanic(t *testing.T) {
	group := NewGroup(time.Second, nil)

	var got error
	group.Go(context.Background(), "panics", func(context.Context) error {
		panic("boom")
	}, func(err error) { got = err })
	group.Wait()

	require.Error(t, got)
	assert.Contains(t, got.Error(), "panic: boom")

	var perr *observability.PanicError
	require.ErrorAs(t, got, &perr)
	assert.Equal(t, "boom", perr.Value)
}

func TestGroup_DetachesFromCancellation(t *testing.T) {
	type key struct{}
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "req-1"))
	cancel()

	group := NewGroup(time.Second, nil)
	var ctxErr error
	var value interface{}
	group.Go(parent, "detached", func(ctx context.Context) error {
		ctxErr = ctx.Err()
		value = ctx.Value(key{})
		return nil
	}, nil)
	group.Wait()

	assert.NoError(t, ctxErr)
	assert.Equal(t, "req-1", value)
}

func TestGroup_Timeout(t *testing.T) {
	group := NewGroup(20*time.Millisecond, nil)

	var got error
	group.Go(context.Background(), "slow", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, func(err error) { got = err })
	group.Wait()

	assert.ErrorIs(t, got, context.DeadlineExceeded)
}
