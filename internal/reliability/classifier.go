package reliability

import (
	"context"
	"time"
)

// IsRetryableRealtimeCode classifies retryable upstream realtime error
// codes. Anything else is treated as terminal for the current attempt.
func IsRetryableRealtimeCode(code string) bool {
	switch code {
	case "rate_limit_exceeded", "server_error", "overloaded", "session_expired":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retry runs fn up to attempts times with capped exponential backoff
// between tries. It is the opt-in connect policy layered outside the
// upstream client, which itself never reconnects.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ExponentialBackoff(attempt-1, base, cap)):
			}
		}
		if err := fn(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
