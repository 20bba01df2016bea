package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tasklane/tasklane/pkg/telemetry"
)

const (
	// maxConsecutiveFailures ends a resolver loop when a whole polling
	// cycle keeps failing; a supervisor restarts the process.
	maxConsecutiveFailures = 7

	// resolverIdleSleep is the pause after a cycle that found nothing.
	resolverIdleSleep = 5 * time.Second

	// resolverFailureSleep is the backoff after a failed cycle.
	resolverFailureSleep = 10 * time.Second
)

// runPollingLoop drives one resolver until ctx is cancelled or too many
// cycles in a row fail. pollOnce returns how many messages it handled.
func runPollingLoop(ctx context.Context, name string, logger *slog.Logger, pollOnce func(context.Context) (int, error)) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		handled, err := pollOnce(ctx)
		if err != nil {
			failures++
			telemetry.ResolverFailures.WithLabelValues(name).Inc()
			logger.Error("polling cycle failed",
				slog.String("resolver", name),
				slog.Int("consecutive_failures", failures),
				slog.String("error", err.Error()),
			)
			if failures >= maxConsecutiveFailures {
				return fmt.Errorf("%s resolver: %d consecutive polling failures: %w", name, failures, err)
			}
			if !sleepCtx(ctx, resolverFailureSleep) {
				return ctx.Err()
			}
			continue
		}

		failures = 0
		if handled == 0 {
			if !sleepCtx(ctx, resolverIdleSleep) {
				return ctx.Err()
			}
		}
	}
}

// sleepCtx sleeps unless ctx ends first; false means ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
