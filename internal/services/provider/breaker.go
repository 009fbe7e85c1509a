package provider

import (
	stderrors "errors"
	"sync"
	"time"

	"nordapi-gateway/internal/config"
	"nordapi-gateway/pkg/errors"
)

// ErrCircuitOpen marks calls shed by the breaker so the sender can fail
// fast instead of burning retry attempts against an open circuit.
var ErrCircuitOpen = stderrors.New("provider circuit open")

// breakerState is the circuit breaker state for the provider endpoint.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker sheds outbound calls while the provider is persistently failing.
// Only operational failures (transient, unavailable, unexpected) count
// against the threshold; auth, validation and conflict responses prove the
// provider is up and reset the streak. A nil *Breaker is disabled.
type Breaker struct {
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration

	mu           sync.Mutex
	state        breakerState
	failureCount int
	successCount int
	lastFailure  time.Time
}

func NewBreaker(cfg config.BreakerConfig) *Breaker {
	if !cfg.Enabled {
		return nil
	}
	return &Breaker{
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
	}
}

// allow reports whether a call may proceed, transitioning open to half-open
// once the open timeout has elapsed.
func (b *Breaker) allow() error {
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen {
		if time.Since(b.lastFailure) < b.openTimeout {
			return errors.WrapAPIError(ErrCircuitOpen, errors.CategoryTransient,
				"provider circuit open", "shedding calls until the provider recovers")
		}
		b.state = breakerHalfOpen
		b.successCount = 0
	}
	return nil
}

// observe records the outcome of a completed call.
func (b *Breaker) observe(err error) {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && countsAsOutage(err) {
		b.failureCount++
		b.lastFailure = time.Now()
		if b.state == breakerHalfOpen || b.failureCount >= b.failureThreshold {
			b.state = breakerOpen
		}
		return
	}

	b.failureCount = 0
	if b.state == breakerHalfOpen {
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = breakerClosed
			b.successCount = 0
		}
	}
}

// State returns the current breaker state, mostly for tests and diagnostics.
func (b *Breaker) State() string {
	if b == nil {
		return "disabled"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

func countsAsOutage(err error) bool {
	switch errors.GetCategory(err) {
	case errors.CategoryTransient, errors.CategoryUnavailable, errors.CategoryUnexpected:
		return true
	default:
		return false
	}
}
