package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quickRetry keeps test sleeps in the microsecond range.
func quickRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Microsecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     2,
	}
}

func TestDoValReturnsFirstSuccess(t *testing.T) {
	calls := 0
	got, err := DoVal(context.Background(), quickRetry(3), func(ctx context.Context) (string, error) {
		calls++
		return "pss_drop.csv", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "pss_drop.csv", got)
	assert.Equal(t, 1, calls)
}

func TestDoValRetriesTransientFailures(t *testing.T) {
	calls := 0
	got, err := DoVal(context.Background(), quickRetry(3), func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, NewTransientError(errors.New("gateway busy"), 503)
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDoValStopsOnPermanentError(t *testing.T) {
	calls := 0
	boom := errors.New("credentials rejected")
	_, err := DoVal(context.Background(), quickRetry(5), func(ctx context.Context) ([]byte, error) {
		calls++
		return nil, boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "a permanent error must not burn retry attempts")
}

func TestDoValExhaustsAttempts(t *testing.T) {
	calls := 0
	got, err := DoVal(context.Background(), quickRetry(3), func(ctx context.Context) (int, error) {
		calls++
		return 7, NewTransientError(errors.New("still down"), 502)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Zero(t, got, "a failed run must not leak a partial value")
}

func TestDoValStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: 10 * time.Second, Multiplier: 2}

	calls := 0
	start := time.Now()
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, NewTransientError(errors.New("reset"), 0)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second, "cancellation must cut the backoff sleep short")
}

func TestDoValCustomShouldRetry(t *testing.T) {
	flaky := errors.New("partner returned malformed page")
	cfg := quickRetry(3)
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, flaky) }

	calls := 0
	got, err := DoVal(context.Background(), cfg, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", flaky
		}
		return "claims", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "claims", got)
	assert.Equal(t, 2, calls)
}

func TestDoValOnRetryHook(t *testing.T) {
	var attempts []int
	cfg := quickRetry(3)
	cfg.OnRetry = func(attempt int, err error) { attempts = append(attempts, attempt) }

	_, err := DoVal(context.Background(), cfg, func(ctx context.Context) (int, error) {
		return 0, NewTransientError(errors.New("flap"), 0)
	})

	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, attempts, "no hook fires after the final attempt")
}

func TestDoValAppliesDefaults(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), RetryConfig{InitialBackoff: time.Microsecond}, func(ctx context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("flap"), 0)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "zero MaxAttempts falls back to the default of 3")
}

func TestDelayForGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     1500 * time.Millisecond,
		Multiplier:     2,
	}

	assert.Equal(t, 500*time.Millisecond, cfg.delayFor(1))
	assert.Equal(t, time.Second, cfg.delayFor(2))
	assert.Equal(t, 1500*time.Millisecond, cfg.delayFor(3), "growth stops at MaxBackoff")
	assert.Equal(t, 1500*time.Millisecond, cfg.delayFor(10))
}

func TestDelayForJitterStaysBounded(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
		JitterFraction: 0.5,
	}

	for i := 0; i < 200; i++ {
		d := cfg.delayFor(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(5, 200, 10000, 3, 0.1)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 10*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 3.0, cfg.Multiplier)
	assert.Equal(t, 0.1, cfg.JitterFraction)

	def := FromRetryConfig(0, 0, 0, 0, -1)
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, def.MaxAttempts)
	assert.Equal(t, DefaultRetryConfig().InitialBackoff, def.InitialBackoff)
	assert.Equal(t, DefaultRetryConfig().JitterFraction, def.JitterFraction)

	quiet := FromRetryConfig(0, 0, 0, 0, 0)
	assert.Zero(t, quiet.JitterFraction, "an explicit zero turns jitter off")
}

func TestRetryLoggerBuildsHook(t *testing.T) {
	hook := RetryLogger("gds_agent_settlement", "fetch")
	require.NotNil(t, hook)
	hook(1, errors.New("503 from clearing house"))
}
