// Package resilience keeps flaky counterparty endpoints from stalling
// ingestion. Feed pulls retry with exponential backoff, the interline REST
// endpoint sits behind a circuit breaker, and records that will never parse
// land on the dead letter queue instead of being retried forever.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig tunes the backoff schedule for one feed operation.
type RetryConfig struct {
	// MaxAttempts counts the first try. 1 disables retries.
	MaxAttempts int

	// InitialBackoff is the sleep before the second attempt; each further
	// attempt multiplies it by Multiplier up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// JitterFraction spreads each sleep by +/- this fraction so parallel
	// channels do not hammer a recovering endpoint in lockstep.
	JitterFraction float64

	// ShouldRetry decides whether an error is worth another attempt.
	// Nil means IsTransient.
	ShouldRetry func(err error) bool

	// OnRetry runs before each sleep with the attempt number just failed.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig is the schedule feed pulls start from: three attempts
// with a half-second backoff doubling up to a 30s ceiling, jittered by 25%.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.25,
	}
}

// FromRetryConfig builds a RetryConfig from raw config-file values, keeping
// the defaults for anything unset.
func FromRetryConfig(maxAttempts, initialBackoffMs, maxBackoffMs int, multiplier, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}

// DoVal runs fn until it succeeds, the error stops being retryable, the
// attempts run out, or ctx is cancelled. The zero T comes back with the last
// error on failure.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	retryable := cfg.ShouldRetry
	if retryable == nil {
		retryable = IsTransient
	}

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || !retryable(err) || attempt == cfg.MaxAttempts {
			return zero, err
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if !sleep(ctx, cfg.delayFor(attempt)) {
			return zero, err
		}
	}
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

// delayFor returns the sleep after the given 1-based attempt.
func (cfg RetryConfig) delayFor(attempt int) time.Duration {
	d := cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * cfg.Multiplier)
		if d >= cfg.MaxBackoff {
			d = cfg.MaxBackoff
			break
		}
	}
	if d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	if cfg.JitterFraction > 0 {
		spread := (rand.Float64()*2 - 1) * cfg.JitterFraction
		d = time.Duration(float64(d) * (1 + spread))
	}
	if d < 0 {
		d = 0
	}
	return d
}

// sleep waits for d and reports false when ctx ended the wait early.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RetryLogger returns an OnRetry hook that logs which channel is limping.
func RetryLogger(feed, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("feed operation failed, backing off",
			zap.String("feed", feed),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}
