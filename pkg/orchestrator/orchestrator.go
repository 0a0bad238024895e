// Package orchestrator implements the Run Orchestrator (spec.md §4.10):
// it starts a run, drives file discovery into the file-analysis queue,
// waits for every file's relationships to settle, triggers graph
// materialization, and finalizes the run.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/triangulate-io/core/internal/model"
	"github.com/triangulate-io/core/pkg/checkpoint"
	"github.com/triangulate-io/core/pkg/graph"
	"github.com/triangulate-io/core/pkg/outbox"
	"github.com/triangulate-io/core/pkg/queuebus"
)

// Config controls polling cadence and failure handling, per spec.md §6.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 30 * time.Minute
	}
	return c
}

// DiscoveredFile is one file discovery (an out-of-scope collaborator per
// spec.md §1 Non-goals) hands to StartRun.
type DiscoveredFile struct {
	Path string
	Dir  string
	Hash string
}

// Orchestrator drives one or more runs end to end.
type Orchestrator struct {
	db           *sql.DB
	bus          *queuebus.Bus
	checkpoints  *checkpoint.Manager
	materializer *graph.Materializer
	cfg          Config

	// Context-tree cancellation registry, modeled directly on the
	// teacher's WorkerPool.activeSessions / CancelSession pattern: one
	// cancel func per in-flight run, guarded by a mutex rather than an
	// external registry.
	mu      sync.RWMutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New constructs an Orchestrator.
func New(db *sql.DB, bus *queuebus.Bus, checkpoints *checkpoint.Manager, materializer *graph.Materializer, cfg Config) *Orchestrator {
	return &Orchestrator{
		db:           db,
		bus:          bus,
		checkpoints:  checkpoints,
		materializer: materializer,
		cfg:          cfg.withDefaults(),
		cancels:      make(map[string]context.CancelFunc),
	}
}

// StartRun creates a run, records file-loaded checkpoints, enqueues
// file-analysis jobs for every discovered file, and begins driving the
// run to completion in the background. Returns the new run id.
func (o *Orchestrator) StartRun(ctx context.Context, podID string, files []DiscoveredFile) (string, error) {
	runID := uuid.NewString()

	if _, err := o.db.ExecContext(ctx,
		`INSERT INTO runs (id, pod_id, status, started_at) VALUES ($1, $2, 'active', now())`,
		runID, podID,
	); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	var jobs []any
	for _, f := range files {
		if _, err := o.db.ExecContext(ctx,
			`INSERT INTO files (run_id, path, hash, status, dir) VALUES ($1, $2, $3, 'pending', $4)`,
			runID, f.Path, f.Hash, f.Dir,
		); err != nil {
			return "", fmt.Errorf("record file %s: %w", f.Path, err)
		}

		metadata, _ := json.Marshal(map[string]string{"hash": f.Hash})
		c, err := o.checkpoints.CreateCheckpoint(ctx, runID, model.StageFileLoaded, f.Path, metadata)
		if err != nil {
			return "", fmt.Errorf("checkpoint file-loaded for %s: %w", f.Path, err)
		}
		result, err := o.checkpoints.ValidateCheckpoint(ctx, c)
		if err != nil {
			return "", fmt.Errorf("validate file-loaded checkpoint for %s: %w", f.Path, err)
		}
		status := model.CheckpointCompleted
		if !result.Valid {
			status = model.CheckpointFailed
		}
		if err := o.checkpoints.UpdateCheckpoint(ctx, c.ID, status, result, ""); err != nil {
			return "", fmt.Errorf("update file-loaded checkpoint for %s: %w", f.Path, err)
		}

		jobs = append(jobs, struct {
			RunID string `json:"run_id"`
			Path  string `json:"path"`
		}{runID, f.Path})
	}

	if len(jobs) > 0 {
		if err := o.bus.AddBulk(ctx, outbox.QueueFileAnalysis, jobs, queuebus.AddOptions{}); err != nil {
			return "", fmt.Errorf("enqueue file-analysis jobs: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[runID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.unregister(runID)
		o.drive(runCtx, runID, len(files))
	}()

	return runID, nil
}

// CancelRun cancels an in-flight run's driving goroutine. Returns true if
// the run was found and running on this orchestrator instance.
func (o *Orchestrator) CancelRun(runID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if cancel, ok := o.cancels[runID]; ok {
		cancel()
		return true
	}
	return false
}

// Wait blocks until every in-flight run this orchestrator started has
// finished driving — used for graceful shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) unregister(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, runID)
}

// drive polls until every file has reached analyzed status, waits for the
// reconciliation backlog to quiesce (the cross-file pass is triggered
// automatically by the outbox publisher once all files are analyzed),
// materializes the graph, and finalizes the run. This is a no-progress
// watchdog, not a flat deadline: the clock resets every time the analyzed
// count moves, so a run that keeps making progress is never killed just for
// running long, while a run that genuinely stalls is caught within
// StageTimeout of its last observed change.
func (o *Orchestrator) drive(ctx context.Context, runID string, totalFiles int) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	lastProgress := time.Now()
	lastAnalyzed := -1

	for {
		select {
		case <-ctx.Done():
			o.markFailed(context.Background(), runID, "run cancelled")
			return
		case <-ticker.C:
		}

		analyzed, err := o.countAnalyzed(ctx, runID)
		if err != nil {
			slog.Error("poll analyzed file count failed", "run_id", runID, "error", err)
			continue
		}
		if analyzed != lastAnalyzed {
			lastAnalyzed = analyzed
			lastProgress = time.Now()
		}
		if analyzed >= totalFiles {
			break
		}
		if time.Since(lastProgress) > o.cfg.StageTimeout {
			o.markFailed(context.Background(), runID, "no progress analyzing files for longer than stage timeout")
			return
		}
	}

	if err := o.waitForQuiescence(ctx, runID); err != nil {
		o.markFailed(context.Background(), runID, err.Error())
		return
	}

	if err := o.finalize(ctx, runID); err != nil {
		slog.Error("finalize run failed", "run_id", runID, "error", err)
		o.markFailed(context.Background(), runID, err.Error())
	}
}

func (o *Orchestrator) countAnalyzed(ctx context.Context, runID string) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx, `SELECT count(*) FROM files WHERE run_id = $1 AND status = 'analyzed'`, runID).Scan(&n)
	return n, err
}

// pendingQueues are the queues a run's relationships pass through between
// "all files analyzed" and "ready to materialize" — relationship
// resolution, validation fan-out, reconciliation, and the cross-file
// pass.
var pendingQueues = []string{
	outbox.QueueRelationshipResolution,
	outbox.QueueAnalysisFindings,
	outbox.QueueReconciliation,
	outbox.QueueGlobalRelationship,
}

// waitForQuiescence polls the queue bus until none of pendingQueues has a
// waiting or active job carrying this run's id, debounced by one extra
// confirming poll so a job enqueued between two polls isn't missed. Like
// drive, the timeout tracks time since the pending count last changed, not
// time since the stage started, so a backlog that keeps shrinking is never
// killed just for taking a while to fully drain.
func (o *Orchestrator) waitForQuiescence(ctx context.Context, runID string) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	confirmations := 0
	const confirmationsNeeded = 2

	lastProgress := time.Now()
	lastPending := -1

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("run cancelled while waiting for relationships to settle")
		case <-ticker.C:
		}

		pending, err := o.pendingJobCount(ctx, runID)
		if err != nil {
			slog.Error("poll pending job count failed", "run_id", runID, "error", err)
			continue
		}
		if pending != lastPending {
			lastPending = pending
			lastProgress = time.Now()
		}
		if pending > 0 {
			confirmations = 0
		} else {
			confirmations++
			if confirmations >= confirmationsNeeded {
				return nil
			}
		}
		if time.Since(lastProgress) > o.cfg.StageTimeout {
			return fmt.Errorf("no progress reconciling relationships for longer than stage timeout")
		}
	}
}

func (o *Orchestrator) pendingJobCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx,
		`SELECT count(*) FROM queue_jobs
		 WHERE queue = ANY($1) AND status IN ('waiting', 'active')
		   AND payload->>'run_id' = $2`,
		pendingQueues, runID,
	).Scan(&n)
	return n, err
}

func (o *Orchestrator) finalize(ctx context.Context, runID string) error {
	metrics, err := o.materializer.Materialize(ctx, runID)
	if err != nil {
		return fmt.Errorf("materialize graph: %w", err)
	}

	var poiCount int
	if err := o.db.QueryRowContext(ctx, `SELECT count(*) FROM pois WHERE run_id = $1`, runID).Scan(&poiCount); err != nil {
		return fmt.Errorf("count pois: %w", err)
	}

	metadata, _ := json.Marshal(map[string]int{"node_count": poiCount, "relationship_count": metrics.Materialized})
	c, err := o.checkpoints.CreateCheckpoint(ctx, runID, model.StagePipelineComplete, runID, metadata)
	if err != nil {
		return fmt.Errorf("checkpoint pipeline-complete: %w", err)
	}
	result, err := o.checkpoints.ValidateCheckpoint(ctx, c)
	if err != nil {
		return fmt.Errorf("validate pipeline-complete checkpoint: %w", err)
	}
	status := model.CheckpointCompleted
	if !result.Valid {
		status = model.CheckpointFailed
	}
	if err := o.checkpoints.UpdateCheckpoint(ctx, c.ID, status, result, ""); err != nil {
		return fmt.Errorf("update pipeline-complete checkpoint: %w", err)
	}

	_, err = o.db.ExecContext(ctx,
		`UPDATE runs SET status = 'finalized', completed_at = now(), benchmark_met = $2 WHERE id = $1`,
		runID, result.Valid,
	)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, runID, reason string) {
	slog.Error("run failed", "run_id", runID, "reason", reason)
	if _, err := o.db.ExecContext(ctx,
		`UPDATE runs SET status = 'failed', completed_at = now() WHERE id = $1`, runID,
	); err != nil {
		slog.Error("failed to mark run failed", "run_id", runID, "error", err)
	}
}
