// Package summary implements the run summary emitter (spec.md §4.9): a
// single JSON document written on run exit aggregating checkpoint
// outcomes per stage, worker-class throughput, and the first failure
// observed per class, the way the teacher's healthHandler aggregates
// database and worker-pool state into one response.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/triangulate-io/core/pkg/checkpoint"
	"github.com/triangulate-io/core/pkg/worker"
	"github.com/triangulate-io/core/pkg/workerpool"
)

// ClassMetrics is one worker class's throughput snapshot plus the first
// failure observed, if any.
type ClassMetrics struct {
	Class            string  `json:"class"`
	Total            int     `json:"total"`
	Completed        int     `json:"completed"`
	Failed           int     `json:"failed"`
	RollingAverageMS float64 `json:"rolling_average_ms"`
	FirstFailure     string  `json:"first_failure,omitempty"`
}

// Summary is the document emitted for one run.
type Summary struct {
	RunID      string                   `json:"run_id"`
	EmittedAt  time.Time                `json:"emitted_at"`
	Stages     []checkpoint.StageSummary `json:"stages"`
	Workers    []ClassMetrics           `json:"workers"`
	PoolHealthy bool                    `json:"pool_healthy"`
}

// FailureTracker records the first error seen per worker class. A Runtime
// has no notion of "first failure" on its own (spec.md §4.4 only requires
// rolling counters), so cmd/triangulator wraps each class's handler to
// capture one and the Emitter only reads what was recorded.
type FailureTracker struct {
	mu     sync.Mutex
	first  map[string]string
}

// NewFailureTracker returns an empty tracker.
func NewFailureTracker() *FailureTracker {
	return &FailureTracker{first: make(map[string]string)}
}

// Record stores err as class's first failure if one isn't already recorded.
func (t *FailureTracker) Record(class string, err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.first[class]; !ok {
		t.first[class] = err.Error()
	}
}

func (t *FailureTracker) get(class string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.first[class]
}

// Emitter builds and writes the end-of-run summary document.
type Emitter struct {
	checkpoints *checkpoint.Manager
	pool        *workerpool.Manager
	runtimes    map[string]*worker.Runtime
	failures    *FailureTracker
}

// New constructs an Emitter. runtimes is keyed by worker class name.
func New(checkpoints *checkpoint.Manager, pool *workerpool.Manager, runtimes map[string]*worker.Runtime, failures *FailureTracker) *Emitter {
	return &Emitter{checkpoints: checkpoints, pool: pool, runtimes: runtimes, failures: failures}
}

// Build assembles the summary for runID without writing it anywhere.
func (e *Emitter) Build(ctx context.Context, runID string) (Summary, error) {
	runSummary, err := e.checkpoints.GetRunSummary(ctx, runID)
	if err != nil {
		return Summary{}, fmt.Errorf("aggregate run summary: %w", err)
	}

	s := Summary{
		RunID:     runID,
		EmittedAt: time.Now(),
		Stages:    runSummary.Stages,
	}

	if e.pool != nil {
		health := e.pool.Health()
		s.PoolHealthy = health.IsHealthy
	}

	for class, rt := range e.runtimes {
		m := rt.Snapshot()
		cm := ClassMetrics{
			Class:            class,
			Total:            m.Total,
			Completed:        m.Completed,
			Failed:           m.Failed,
			RollingAverageMS: float64(m.RollingAverage().Microseconds()) / 1000,
		}
		if e.failures != nil {
			cm.FirstFailure = e.failures.get(class)
		}
		s.Workers = append(s.Workers, cm)
	}

	return s, nil
}

// Emit builds the summary for runID and writes it as JSON to w.
func (e *Emitter) Emit(ctx context.Context, runID string, w io.Writer) error {
	s, err := e.Build(ctx, runID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode run summary: %w", err)
	}
	return nil
}
