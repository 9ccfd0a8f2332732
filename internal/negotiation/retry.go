package negotiation

import (
	"context"
	"time"

	"github.com/example/ride-negotiation/internal/observability"
	"github.com/example/ride-negotiation/internal/storage"
)

// retry runs fn until it succeeds, returns a storage outcome, or runs out of
// attempts. Transient failures back off with a doubling delay. Callers only
// pass idempotent operations.
func retry[T any](ctx context.Context, e *Engine, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := e.Config.StoreRetries
	if attempts <= 0 {
		attempts = 1
	}
	delay := e.Config.StoreRetryDelay
	var (
		v   T
		err error
	)
	for i := 0; i < attempts; i++ {
		v, err = fn(ctx)
		if err == nil || storage.IsOutcome(err) {
			return v, err
		}
		if i == attempts-1 || ctx.Err() != nil {
			break
		}
		observability.StoreRetries.WithLabelValues(op).Inc()
		e.Logger.Warn("store call failed, retrying", "op", op, "attempt", i+1, "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return v, &Error{Kind: KindUnavailable, Op: op, Err: ctx.Err()}
		}
		delay *= 2
	}
	return v, &Error{Kind: KindUnavailable, Op: op, Err: err}
}

// retryErr is retry for calls that only return an error.
func retryErr(ctx context.Context, e *Engine, op string, fn func(ctx context.Context) error) error {
	_, err := retry(ctx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
