// Package retry wraps database dials with exponential backoff. Both stores
// are hard dependencies, so startup keeps trying while the connect context
// allows instead of failing on the first refused connection.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Config bounds the backoff schedule. Attempts counts the first try.
type Config struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultConfig suits connection establishment: quick early retries, capped
// well under the connect context's deadline.
func DefaultConfig() Config {
	return Config{
		Attempts:  8,
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
	}
}

// WithBackoff runs fn until it succeeds, the attempts are spent or ctx ends.
func WithBackoff(ctx context.Context, cfg Config, logger *zap.Logger, operation string, fn func() error) error {
	delay := cfg.BaseDelay

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s aborted: %w", operation, err)
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info("Connected after retries",
					zap.String("operation", operation),
					zap.Int("attempts", attempt))
			}
			return nil
		}
		if attempt >= cfg.Attempts {
			return fmt.Errorf("%s failed after %d attempts: %w", operation, attempt, err)
		}

		wait := jitter(delay)
		logger.Warn("Connection attempt failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s aborted: %w", operation, ctx.Err())
		case <-time.After(wait):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

// jitter spreads a wait over [0.85, 1.15] of the nominal delay.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.85 + rand.Float64()*0.3))
}
