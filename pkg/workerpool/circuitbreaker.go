package workerpool

import (
	"sync"
	"time"
)

// CircuitState is one of the three states in spec.md §4.3's breaker model.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitBreakerConfig is the per-class breaker policy.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures that trip to open
	ResetTimeout     time.Duration `yaml:"reset_timeout"`     // time in open before moving to half-open
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

// CircuitBreaker is a single per-class closed/open/half-open state machine.
// State transitions are serialized behind one mutex per spec.md §5's shared
// resource policy ("circuit-breaker state transitions are serialized per
// class").
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    bool
}

// NewCircuitBreaker returns a breaker starting in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), state: CircuitClosed}
}

// State returns the current state, first promoting open → half-open if the
// reset timeout has elapsed.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybePromoteToHalfOpenLocked()
	return b.state
}

func (b *CircuitBreaker) maybePromoteToHalfOpenLocked() {
	if b.state == CircuitOpen && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = CircuitHalfOpen
		b.halfOpenInFlight = false
	}
}

// Allow reports whether a new call may proceed, and claims the single trial
// slot if the breaker is half-open (only one job is admitted as a trial —
// further callers are refused until that trial resolves).
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybePromoteToHalfOpenLocked()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default: // open
		return false
	}
}

// RecordSuccess closes the breaker (from any state) and resets the failure
// count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.consecutiveFailures = 0
	b.halfOpenInFlight = false
}

// RecordFailure increments the consecutive-failure count and trips the
// breaker open once the threshold is reached, or immediately reopens a
// half-open trial that failed.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.state = CircuitOpen
		b.openedAt = time.Now()
		b.halfOpenInFlight = false
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = time.Now()
	}
}
