package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdhe/chart-signal/pkg/metrics"
)

// RetryConfig holds configuration for the key-rotating retry loop.
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of keyed calls
	SafetyMargin time.Duration // Added to a pool-wide cooldown wait

	// Sleep waits for d or until ctx is done. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
	// Logger receives retry diagnostics. Defaults to a no-op logger.
	Logger *zerolog.Logger
}

// DefaultRetryConfig returns sensible defaults for retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		SafetyMargin: 250 * time.Millisecond,
	}
}

// KeyedFunc is a call made with a leased key.
type KeyedFunc func(ctx context.Context, lease *Lease) error

// Retry runs fn with keys leased from pool until it succeeds, fails with an error that
// is not key-related, or MaxAttempts calls were throttled.
//
// When no key is eligible but some are cooling down, Retry sleeps until the earliest
// one is released (plus SafetyMargin) without consuming an attempt. When no key is
// eligible and none is cooling down it returns ErrPoolExhausted.
func Retry(ctx context.Context, pool *KeyPool, cfg RetryConfig, fn KeyedFunc) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; {
		// Check context before each attempt
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: context cancelled: %w", err)
		}

		lease, ok := pool.Next()
		if !ok {
			wait, cooling := pool.NextRelease()
			if !cooling {
				return ErrPoolExhausted
			}
			wait += cfg.SafetyMargin
			metrics.PoolWaitsTotal.WithLabelValues(pool.Name()).Inc()
			log.Info().Dur("wait", wait).Int("attempt", attempt+1).Msg("all keys cooling down, waiting")
			if err := cfg.Sleep(ctx, wait); err != nil {
				return fmt.Errorf("retry: context cancelled during cooldown wait: %w", err)
			}
			continue
		}

		attempt++
		err := fn(ctx, lease)
		outcome := OutcomeOf(err)
		if err == nil {
			pool.Mark(lease.Key, OutcomeSuccess)
			return nil
		}
		if !IsRecoverable(err) {
			pool.Mark(lease.Key, OutcomeFailed)
			return err
		}

		pool.Mark(lease.Key, outcome)
		lastErr = err
		log.Warn().
			Err(err).
			Str("key", lease.Masked).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Msg("keyed call throttled, rotating key")
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, cfg.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
