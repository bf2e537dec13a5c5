package fetcher

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter throttles pulls against one partner endpoint and retunes
// itself from response feedback. Successes nudge the rate up 20% until it
// reaches twice the configured rate; each 429 halves it, never dropping below
// a quarter of the configured rate.
type AdaptiveLimiter struct {
	mu      sync.Mutex
	lim     *rate.Limiter
	initial rate.Limit
	current rate.Limit
}

// NewAdaptiveLimiter starts the limiter at initial requests per second.
func NewAdaptiveLimiter(initial rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		lim:     rate.NewLimiter(initial, burst),
		initial: initial,
		current: initial,
	}
}

// Wait blocks until the next pull may go out.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.lim.Wait(ctx)
}

// OnSuccess speeds the schedule up a notch.
func (a *AdaptiveLimiter) OnSuccess() {
	a.retune(1.2)
}

// OnRateLimit backs the schedule off after the endpoint pushed back.
func (a *AdaptiveLimiter) OnRateLimit() {
	slowed := a.retune(0.5)
	zap.L().Warn("endpoint rate limited the pull, slowing down",
		zap.Float64("requests_per_sec", float64(slowed)))
}

// Limit reports the current schedule.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *AdaptiveLimiter) retune(factor rate.Limit) rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.current * factor
	if ceiling := a.initial * 2; next > ceiling {
		next = ceiling
	}
	if floor := a.initial / 4; next < floor {
		next = floor
	}
	a.current = next
	a.lim.SetLimit(next)
	return next
}
