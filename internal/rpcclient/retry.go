package rpcclient

import (
	"context"
	"time"
)

// DefaultMaxBackoff is the retry ceiling named in spec §4.1/§7: 120 seconds.
const DefaultMaxBackoff = 120 * time.Second

// WithRetry retries fn on transient error with exponential backoff 2^n
// seconds, capped at maxBackoff. It gives up and returns the last error once
// the backoff delay itself would exceed maxBackoff, surfacing it as fatal to
// the caller (spec §4.1, §7).
func WithRetry(ctx context.Context, maxBackoff time.Duration, fn func() error) error {
	var attempt uint
	for {
		err := fn()
		if err == nil {
			return nil
		}

		delay := backoffDelay(attempt)
		if delay > maxBackoff {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

func backoffDelay(attempt uint) time.Duration {
	if attempt > 6 {
		// 2^7 = 128s already exceeds the 120s cap; avoid overflow on
		// larger shifts for pathological retry counts.
		return time.Hour
	}
	return (1 << attempt) * time.Second
}
