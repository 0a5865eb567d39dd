package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/callsight-ai/callsight/internal/broker"
)

// RetryOnRateLimit runs op, retrying after budget-window resets when it fails
// with a [broker.RateLimitError]. The broker is authoritative about when the
// window rolls, so on each rate-limit failure the wrapper asks it for the
// remaining window time and sleeps that long plus one second. All workers
// share the same window, which is why no jitter is added here.
//
// Any other error propagates immediately without consulting the broker.
// After maxRetries rate-limited attempts the last error is returned.
func RetryOnRateLimit[T any](ctx context.Context, client broker.Client, maxRetries int, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !broker.IsRateLimit(err) {
			return zero, err
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}

		st, statusErr := client.Status(ctx)
		if statusErr != nil {
			return zero, fmt.Errorf("resilience: fetch broker status: %w", statusErr)
		}
		wait := time.Duration(st.ResetSeconds+1) * time.Second

		slog.Info("rate limited, waiting for budget window reset",
			"attempt", attempt+1,
			"max_retries", maxRetries,
			"wait", wait,
		)
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("resilience: wait for window reset: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return zero, lastErr
}

// RetryTransient runs op up to attempts times with a fixed delay between
// tries. Used for shrugging off short-lived network failures against remote
// backends; permanent errors should not be routed through this.
func RetryTransient[T any](ctx context.Context, attempts int, delay time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		slog.Debug("transient failure, retrying",
			"attempt", attempt,
			"attempts", attempts,
			"err", err,
		)
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("resilience: retry wait: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}
