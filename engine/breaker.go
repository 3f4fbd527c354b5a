package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/cogcore/orchestrator/types"
)

// breakerState is the circuit breaker's position in the standard
// Closed/Open/HalfOpen machine, tripping on ProviderError.Kind rather
// than a generic client-error string match.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type breakerConfig struct {
	threshold        int
	resetTimeout     time.Duration
	halfOpenMaxCalls int
}

func defaultBreakerConfig() breakerConfig {
	return breakerConfig{threshold: 5, resetTimeout: 60 * time.Second, halfOpenMaxCalls: 3}
}

// providerBreaker guards one provider's traffic. One instance lives per
// provider ID inside Engine.
type providerBreaker struct {
	cfg breakerConfig

	mu                sync.Mutex
	state             breakerState
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCallCount int
}

func newProviderBreaker(cfg breakerConfig) *providerBreaker {
	return &providerBreaker{cfg: cfg, state: breakerClosed}
}

var errBreakerOpen = &types.ProviderError{Kind: types.ErrKindServer, Retryable: true, Message: "circuit breaker open"}

// allow reports whether a call may proceed, transitioning Open->HalfOpen
// once resetTimeout has elapsed.
func (b *providerBreaker) allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if now.Sub(b.lastFailureTime) >= b.cfg.resetTimeout {
			b.state = breakerHalfOpen
			b.halfOpenCallCount = 0
			return nil
		}
		return errBreakerOpen
	case breakerHalfOpen:
		if b.halfOpenCallCount >= b.cfg.halfOpenMaxCalls {
			return errBreakerOpen
		}
		b.halfOpenCallCount++
		return nil
	}
	return nil
}

// record updates the breaker after a call. Client errors (bad input, auth)
// never count toward the failure threshold — a malformed request isn't
// evidence the provider itself is unhealthy.
func (b *providerBreaker) record(now time.Time, err error) {
	countsAsFailure := err != nil && !isClientError(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	if !countsAsFailure {
		if b.state == breakerHalfOpen && err == nil {
			b.state = breakerClosed
			b.failureCount = 0
		}
		return
	}

	b.failureCount++
	b.lastFailureTime = now
	if b.state == breakerHalfOpen || b.failureCount >= b.cfg.threshold {
		b.state = breakerOpen
	}
}

func isClientError(err error) bool {
	var pe *types.ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == types.ErrKindAuth || pe.Kind == types.ErrKindBadInput
	}
	return false
}
