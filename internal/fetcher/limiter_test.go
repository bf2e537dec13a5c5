package fetcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdaptiveLimiter_SuccessSpeedsUp(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 10)

	lim.OnSuccess()
	assert.InDelta(t, 12.0, float64(lim.Limit()), 0.1)

	lim.OnSuccess()
	assert.InDelta(t, 14.4, float64(lim.Limit()), 0.1)
}

func TestAdaptiveLimiter_RateLimitHalves(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 10)

	lim.OnRateLimit()
	assert.InDelta(t, 5.0, float64(lim.Limit()), 0.1)

	lim.OnRateLimit()
	assert.InDelta(t, 2.5, float64(lim.Limit()), 0.1)
}

func TestAdaptiveLimiter_CeilingAtDouble(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 10)
	for range 25 {
		lim.OnSuccess()
	}
	assert.InDelta(t, 20.0, float64(lim.Limit()), 0.1)
}

func TestAdaptiveLimiter_FloorAtQuarter(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 10)
	for range 10 {
		lim.OnRateLimit()
	}
	assert.InDelta(t, 2.5, float64(lim.Limit()), 0.1)
}

func TestAdaptiveLimiter_RecoversAfterBackoff(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 10)
	for range 10 {
		lim.OnRateLimit()
	}
	for range 40 {
		lim.OnSuccess()
	}
	// Climbs all the way back to the ceiling, not just the starting rate.
	assert.InDelta(t, 20.0, float64(lim.Limit()), 0.1)
}

func TestAdaptiveLimiter_Wait(t *testing.T) {
	lim := NewAdaptiveLimiter(1000, 10)
	require.NoError(t, lim.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	starved := NewAdaptiveLimiter(0.001, 0)
	require.Error(t, starved.Wait(ctx))
}
