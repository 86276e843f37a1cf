package x402guard

import (
	"context"
	"time"

	"github.com/vitwit/x402guard/metrics"
	"github.com/vitwit/x402guard/types"
)

// retry runs fn, retrying StorageUnavailable failures up to RetryCount times
// with doubling backoff. Any other error is returned at once.
func retry[T any](ctx context.Context, g *Guard, op string, fn func(context.Context) (T, error)) (T, error) {
	backoff := g.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		out, err := fn(ctx)
		if err == nil || attempt >= g.cfg.RetryCount || !types.IsKind(err, types.KindStorageUnavailable) {
			return out, err
		}

		g.metrics.IncCounter(metrics.StorageRetry, map[string]string{"outcome": op})
		g.logger.Warn("retrying after storage error", map[string]any{
			"operation": op,
			"attempt":   attempt + 1,
			"backoff":   backoff,
			"error":     err,
		})

		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return out, ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}
	}
}

func retryErr(ctx context.Context, g *Guard, op string, fn func(context.Context) error) error {
	_, err := retry(ctx, g, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
