// Package worker implements the managed worker runtime: it wraps a
// queuebus.Handler with pool-manager slot acquisition, a per-class timeout,
// and rolling metrics, the way the teacher's Worker.pollAndProcess wraps
// session execution with slot acquisition → timeout → invoke → metrics.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/triangulate-io/core/internal/model"
	"github.com/triangulate-io/core/pkg/queuebus"
	"github.com/triangulate-io/core/pkg/workerpool"
)

// Heartbeater keeps a claimed job's liveness fresh while a handler is
// still running it, the way the teacher's Worker.runHeartbeat keeps
// AlertSession.last_interaction_at fresh for long-running sessions.
// *queuebus.Bus satisfies this directly.
type Heartbeater interface {
	Heartbeat(ctx context.Context, jobID int64) error
}

// Config is the per-class runtime policy.
type Config struct {
	Class   string        `yaml:"class"`
	Timeout time.Duration `yaml:"job_timeout"`

	// HeartbeatInterval is how often an in-flight job's liveness is
	// refreshed. Defaults to a quarter of Timeout (capped at 30s) so a
	// long-running handler never goes more than a small fraction of its
	// own timeout without updating claimed_at, keeping the orphan
	// detector's threshold scan from reclaiming live work.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.Timeout / 4
		if c.HeartbeatInterval > 30*time.Second {
			c.HeartbeatInterval = 30 * time.Second
		}
	}
	return c
}

// Metrics are the per-class counters spec.md §4.4 requires: totals, active
// count, and a rolling average built from the last 100 processing samples
// (shared with the sustained-load scaler and health probes).
type Metrics struct {
	Total     int
	Completed int
	Failed    int
	Active    int

	samples    [100]time.Duration
	sampleIdx  int
	sampleSize int
}

func (m *Metrics) record(d time.Duration) {
	m.samples[m.sampleIdx%len(m.samples)] = d
	m.sampleIdx++
	if m.sampleSize < len(m.samples) {
		m.sampleSize++
	}
}

// RollingAverage returns the average processing time over the last (up to)
// 100 recorded samples.
func (m *Metrics) RollingAverage() time.Duration {
	if m.sampleSize == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < m.sampleSize; i++ {
		sum += m.samples[i]
	}
	return sum / time.Duration(m.sampleSize)
}

// Runtime wraps a handler for one worker class with pool-manager slot
// acquisition, a timeout, and metrics. It plugs into queuebus.Consumer as a
// Handler.
type Runtime struct {
	cfg     Config
	manager *workerpool.Manager
	bus     Heartbeater
	inner   func(ctx context.Context, job model.QueueJob) error

	mu      sync.Mutex
	metrics Metrics
}

// New wraps inner with slot acquisition against manager for class, under
// cfg's timeout. bus may be nil, which disables heartbeating (used by
// tests that don't need liveness refresh).
func New(manager *workerpool.Manager, bus Heartbeater, cfg Config, inner func(ctx context.Context, job model.QueueJob) error) *Runtime {
	return &Runtime{cfg: cfg.withDefaults(), manager: manager, bus: bus, inner: inner}
}

// Handle satisfies queuebus.Handler: acquire a slot, start a timeout, invoke
// the wrapped handler, release the slot with the outcome, and update
// metrics. A refused slot (circuit open, cancellation) is surfaced as-is so
// the bus nacks and requeues with backoff rather than counting it as a
// handler failure.
func (r *Runtime) Handle(ctx context.Context, job model.QueueJob) error {
	slot, err := r.manager.RequestSlot(ctx, r.cfg.Class)
	if err != nil {
		return fmt.Errorf("acquire slot for class %q: %w", r.cfg.Class, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if r.bus != nil {
		heartbeatCtx, cancelHeartbeat := context.WithCancel(callCtx)
		defer cancelHeartbeat()
		go r.runHeartbeat(heartbeatCtx, job.ID)
	}

	r.mu.Lock()
	r.metrics.Total++
	r.metrics.Active++
	r.mu.Unlock()

	start := time.Now()
	err = r.inner(callCtx, job)
	elapsed := time.Since(start)

	r.mu.Lock()
	r.metrics.Active--
	r.metrics.record(elapsed)
	if err == nil {
		r.metrics.Completed++
	} else {
		r.metrics.Failed++
	}
	r.mu.Unlock()

	if err == nil {
		r.manager.ReleaseSlot(slot, true, elapsed)
		return nil
	}

	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job %d timed out after %v: %w", job.ID, r.cfg.Timeout, err)
	}
	r.manager.ReleaseSlot(slot, false, elapsed)
	return err
}

// runHeartbeat periodically refreshes jobID's claimed_at until ctx is
// cancelled (handler returned, or the call timed out).
func (r *Runtime) runHeartbeat(ctx context.Context, jobID int64) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.bus.Heartbeat(ctx, jobID); err != nil {
				slog.Warn("heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// AsHandler adapts Runtime to queuebus.Handler.
func (r *Runtime) AsHandler() queuebus.Handler {
	return r.Handle
}

// Snapshot returns a copy of the runtime's current metrics.
func (r *Runtime) Snapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}
