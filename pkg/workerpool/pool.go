// Package workerpool implements the process-wide worker pool manager:
// a global in-flight cap, per-class concurrency with circuit breakers and
// optional rate limits, and a sustained-load scaler — spec.md §4.3.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors for control-flow signals, matching the teacher's
// ErrNoSessionsAvailable/ErrAtCapacity pattern rather than a typed error
// hierarchy.
var (
	ErrCircuitOpen  = errors.New("workerpool: circuit open")
	ErrUnknownClass = errors.New("workerpool: unknown worker class")
)

// ClassConfig bundles one worker class's concurrency, breaker, and
// rate-limit policy.
type ClassConfig struct {
	Scaler         ScalerConfig         `yaml:"scaler"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimiter    RateLimiterConfig    `yaml:"rate_limiter"`
}

// Config is the process-wide pool manager configuration, mirroring
// spec.md §6's configuration surface.
type Config struct {
	GlobalInFlightCap int                    `yaml:"global_in_flight_cap"`
	Classes           map[string]ClassConfig `yaml:"classes"`
	AdaptiveInterval  time.Duration          `yaml:"adaptive_interval"`
}

func (c Config) withDefaults() Config {
	if c.GlobalInFlightCap <= 0 {
		c.GlobalInFlightCap = 100
	}
	return c
}

type classState struct {
	scaler  *Scaler
	breaker *CircuitBreaker
	limiter *rateLimiter
	inFlight int
	mu      sync.Mutex
}

// Slot is returned by RequestSlot and must be released exactly once via
// ReleaseSlot.
type Slot struct {
	class     string
	acquired  time.Time
}

// Manager is the process-wide singleton enforcing the global in-flight cap,
// per-class concurrency, circuit breakers, and rate limits.
type Manager struct {
	cfg Config

	mu         sync.Mutex
	globalInFlight int
	classes    map[string]*classState

	sampler *Sampler
}

// New constructs a Manager and its per-class scalers/breakers/limiters.
func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	classes := make(map[string]*classState, len(cfg.Classes))
	var scalers []*Scaler
	for name, cc := range cfg.Classes {
		scaler := NewScaler(name, cc.Scaler)
		classes[name] = &classState{
			scaler:  scaler,
			breaker: NewCircuitBreaker(cc.CircuitBreaker),
			limiter: newRateLimiter(cc.RateLimiter),
		}
		scalers = append(scalers, scaler)
	}

	m := &Manager{cfg: cfg, classes: classes}
	m.sampler = NewSampler(cfg.AdaptiveInterval, scalers...)
	return m
}

// Start begins the background CPU/memory sampler feeding every class's
// scaler.
func (m *Manager) Start(ctx context.Context) {
	m.sampler.Start(ctx)
}

// Stop halts the sampler.
func (m *Manager) Stop() {
	m.sampler.Stop()
}

// RequestSlot blocks until a slot is available for class, the circuit is
// not open, and the rate budget allows it, or until ctx is done. Fails fast
// with ErrCircuitOpen if the breaker is open (never waits one out).
func (m *Manager) RequestSlot(ctx context.Context, class string) (*Slot, error) {
	state, err := m.classStateFor(class)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !state.breaker.Allow() {
			return nil, ErrCircuitOpen
		}

		if slot, ok := m.tryAcquire(class, state); ok {
			return slot, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) tryAcquire(class string, state *classState) (*Slot, bool) {
	if !state.limiter.Allow() {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.globalInFlight >= m.cfg.GlobalInFlightCap {
		return nil, false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.inFlight >= state.scaler.Current() {
		return nil, false
	}

	m.globalInFlight++
	state.inFlight++
	return &Slot{class: class, acquired: time.Now()}, true
}

// ReleaseSlot records the outcome for scaling and circuit-breaker
// accounting, and returns the slot's token to its class and the pool.
func (m *Manager) ReleaseSlot(token *Slot, success bool, elapsed time.Duration) {
	state, err := m.classStateFor(token.class)
	if err != nil {
		slog.Error("release slot for unknown class", "class", token.class)
		return
	}

	m.mu.Lock()
	m.globalInFlight--
	m.mu.Unlock()

	state.mu.Lock()
	state.inFlight--
	state.mu.Unlock()

	if success {
		state.breaker.RecordSuccess()
	} else {
		state.breaker.RecordFailure()
	}
}

// ExecuteWithManagement is the convenience wrapper combining RequestSlot and
// ReleaseSlot with a per-call timeout.
func (m *Manager) ExecuteWithManagement(ctx context.Context, class string, timeout time.Duration, fn func(context.Context) error) error {
	slot, err := m.RequestSlot(ctx, class)
	if err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err = fn(callCtx)
	m.ReleaseSlot(slot, err == nil, time.Since(start))
	return err
}

// ClassTarget returns a class's current scaled target concurrency.
func (m *Manager) ClassTarget(class string) (int, error) {
	state, err := m.classStateFor(class)
	if err != nil {
		return 0, err
	}
	return state.scaler.Current(), nil
}

// Rescale applies the scaling decision for every class on demand. The
// Sampler applies the same decision to each scaler after every sample it
// records.
func (m *Manager) Rescale() {
	for name, state := range m.classes {
		if target, changed := state.scaler.Decide(); changed {
			slog.Info("worker pool rescaled class", "class", name, "target", target)
		}
	}
}

// ClassHealth reports one class's current load and breaker state.
type ClassHealth struct {
	InFlight     int
	Target       int
	CircuitOpen  bool
}

// Health is the pool-wide snapshot exposed to the HTTP health endpoint and
// the run summary emitter, mirroring the teacher's WorkerPool.Health.
type Health struct {
	IsHealthy      bool
	GlobalInFlight int
	GlobalCap      int
	Classes        map[string]ClassHealth
}

// Health reports the manager's current load and per-class breaker state.
// The pool is unhealthy once any class's circuit is open.
func (m *Manager) Health() Health {
	m.mu.Lock()
	inFlight := m.globalInFlight
	m.mu.Unlock()

	h := Health{
		IsHealthy:      true,
		GlobalInFlight: inFlight,
		GlobalCap:      m.cfg.GlobalInFlightCap,
		Classes:        make(map[string]ClassHealth, len(m.classes)),
	}
	for name, state := range m.classes {
		state.mu.Lock()
		classInFlight := state.inFlight
		state.mu.Unlock()

		open := state.breaker.State() == CircuitOpen
		if open {
			h.IsHealthy = false
		}
		h.Classes[name] = ClassHealth{
			InFlight:    classInFlight,
			Target:      state.scaler.Current(),
			CircuitOpen: open,
		}
	}
	return h
}

func (m *Manager) classStateFor(class string) (*classState, error) {
	state, ok := m.classes[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	return state, nil
}
