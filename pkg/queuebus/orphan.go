package queuebus

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// OrphanDetectorConfig controls the background scan for stale in-flight
// jobs — claimed but never heartbeat back to done/failed, typically
// because the coordinator that claimed them crashed.
type OrphanDetectorConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
	Threshold    time.Duration `yaml:"threshold"`
}

func (c OrphanDetectorConfig) withDefaults() OrphanDetectorConfig {
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Minute
	}
	if c.Threshold <= 0 {
		c.Threshold = 10 * time.Minute
	}
	return c
}

// orphanStats tracks recovery metrics, thread-safe for concurrent reads
// from a health endpoint while the scan loop writes.
type orphanStats struct {
	mu             sync.Mutex
	lastScan       time.Time
	orphansRequeued int
}

// OrphanDetector periodically requeues active queue_jobs whose claimed_at
// is older than Threshold — every coordinator instance runs its own
// detector independently, since FOR UPDATE SKIP LOCKED makes recovery
// idempotent across instances racing the same scan.
type OrphanDetector struct {
	db  *sql.DB
	cfg OrphanDetectorConfig

	stats orphanStats

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOrphanDetector constructs an OrphanDetector over db.
func NewOrphanDetector(db *sql.DB, cfg OrphanDetectorConfig) *OrphanDetector {
	return &OrphanDetector{db: db, cfg: cfg.withDefaults(), stopCh: make(chan struct{})}
}

// Start begins the scan loop in a goroutine.
func (d *OrphanDetector) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop signals the loop to exit and waits for it.
func (d *OrphanDetector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *OrphanDetector) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.scanOnce(ctx); err != nil {
				slog.Error("orphan detection failed", "error", err)
			}
		}
	}
}

// scanOnce requeues every active job claimed before the staleness
// threshold back to waiting, one FOR UPDATE SKIP LOCKED transaction per
// job so a crashed scan never double-recovers work another instance is
// mid-way through requeuing.
func (d *OrphanDetector) scanOnce(ctx context.Context) error {
	threshold := time.Now().Add(-d.cfg.Threshold)

	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM queue_jobs WHERE status = 'active' AND claimed_at < $1`, threshold,
	)
	if err != nil {
		return fmt.Errorf("query orphaned jobs: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan orphaned job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if len(ids) == 0 {
		d.stats.mu.Lock()
		d.stats.lastScan = time.Now()
		d.stats.mu.Unlock()
		return nil
	}

	slog.Warn("detected orphaned queue jobs", "count", len(ids))

	recovered := 0
	for _, id := range ids {
		if err := d.recoverOne(ctx, id); err != nil {
			slog.Error("failed to recover orphaned job", "job_id", id, "error", err)
			continue
		}
		recovered++
	}

	d.stats.mu.Lock()
	d.stats.lastScan = time.Now()
	d.stats.orphansRequeued += recovered
	d.stats.mu.Unlock()

	return nil
}

func (d *OrphanDetector) recoverOne(ctx context.Context, id int64) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin orphan recovery transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM queue_jobs WHERE id = $1 FOR UPDATE SKIP LOCKED`, id).Scan(&status)
	if err == sql.ErrNoRows {
		// Already recovered by another instance, or locked by a live claim.
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock orphaned job %d: %w", id, err)
	}
	if status != "active" {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_jobs SET status = 'waiting', claimed_at = NULL WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("requeue orphaned job %d: %w", id, err)
	}

	return tx.Commit()
}

// Stats reports the detector's scan/recovery counters.
type Stats struct {
	LastScan        time.Time
	OrphansRequeued int
}

// Stats returns a snapshot of the detector's metrics.
func (d *OrphanDetector) Stats() Stats {
	d.stats.mu.Lock()
	defer d.stats.mu.Unlock()
	return Stats{LastScan: d.stats.lastScan, OrphansRequeued: d.stats.orphansRequeued}
}
