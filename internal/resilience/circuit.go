package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is where a breaker currently stands.
type CircuitState int

const (
	// CircuitClosed admits every call.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the reset timeout has passed.
	CircuitOpen
	// CircuitHalfOpen has one probe call in flight and rejects the rest.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen rejects a call while the guarded endpoint is cooling off.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig tunes when a breaker trips and when it probes again.
type CircuitBreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// failures. Default 5.
	FailureThreshold int

	// ResetTimeout is the cool-off before an open circuit lets one probe
	// through. Default 30s.
	ResetTimeout time.Duration
}

// FromCircuitConfig builds a CircuitBreakerConfig from raw config-file
// values, keeping the defaults for anything unset.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := CircuitBreakerConfig{}
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}

// CircuitBreaker guards one upstream endpoint. After FailureThreshold
// consecutive failures it rejects calls outright; after ResetTimeout it
// admits a single probe, closing again on success and reopening on failure.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time

	clock func() time.Time
}

// NewCircuitBreaker builds a breaker for the named endpoint.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		clock: time.Now,
	}
}

// ExecuteVal runs fn through the breaker, returning ErrCircuitOpen without
// calling fn when the endpoint is cooling off.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.admit(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.observe(err)
	if err != nil {
		return zero, err
	}
	return val, nil
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.clock().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return eris.Wrapf(ErrCircuitOpen, "%s", cb.name)
		}
		cb.setState(CircuitHalfOpen)
		return nil
	case CircuitHalfOpen:
		// The probe already in flight decides; nothing else gets through.
		return eris.Wrapf(ErrCircuitOpen, "%s: probe in flight", cb.name)
	default:
		return nil
	}
}

func (cb *CircuitBreaker) observe(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		if cb.state == CircuitHalfOpen {
			cb.setState(CircuitClosed)
		}
		return
	}

	cb.failures++
	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.clock()
			cb.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.openedAt = cb.clock()
		cb.setState(CircuitOpen)
	}
}

func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.state
	cb.state = to
	if from == to {
		return
	}
	log := zap.L().With(
		zap.String("endpoint", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	if to == CircuitOpen {
		log.Warn("circuit opened", zap.Int("consecutive_failures", cb.failures))
		return
	}
	log.Info("circuit state changed")
}
