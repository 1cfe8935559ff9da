package llm

import (
	"context"
	"fmt"
	"time"
)

// WithRetry invokes op, retrying only when the failure is a throttling signal
// (RateLimitError) from the generation service. The wait before retry n is
// initialDelay * 2^(n-1). maxRetries counts retries, so op is invoked at most
// maxRetries+1 times. Any non-throttle error propagates immediately; exhausting
// the retries returns the last throttle error wrapped.
func WithRetry[T any](ctx context.Context, maxRetries int, initialDelay time.Duration, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := initialDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		result, err := op()
		if err == nil {
			return result, nil
		}
		if !IsRateLimit(err) {
			return zero, err
		}
		lastErr = err
	}

	return zero, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}
