// Package retry provides bounded retries with quadratic backoff for
// transient infrastructure errors (Kafka publishes, Redis round trips).
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls how Do retries.
type Config struct {
	// MaxAttempts bounds the total number of calls, the first included.
	MaxAttempts int
	// BaseDelay scales the backoff: the wait after attempt n is
	// BaseDelay * n².
	BaseDelay time.Duration
	// OnRetry runs after each failed attempt except the last, before
	// the backoff wait. attempt counts from 1.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds or MaxAttempts is spent, waiting
// BaseDelay*n² between attempts (1s base: 1s, 4s, 9s, ...). It returns
// nil on the first success, the last error once attempts run out, or a
// wrapped ctx error if the context ends mid-wait.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			return lastErr
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		select {
		case <-time.After(cfg.BaseDelay * time.Duration(attempt*attempt)):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
}
