// Package async runs background work that must not be tied to the lifetime
// of an HTTP request.
//
// # Overview
//
// Audit fan-out and shared key cache publishing run after the response may already
// be written. Their goroutines detach from request cancellation, keep
// request-scoped values such as the request id, recover from panics, and are
// bounded by a timeout.
//
//	group := async.NewGroup(5*time.Second, logger)
//	group.Go(r.Context(), "audit", func(ctx context.Context) error {
//		return sink.Log(ctx, event)
//	}, nil)
//	...
//	group.Wait() // on shutdown
package async
