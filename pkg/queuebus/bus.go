// Package queuebus implements the named durable FIFO queues backed by the
// same Postgres database as the rest of the coordination store — no
// external broker is assumed available (spec treats the bus as an external
// collaborator, but the reference system has no broker dependency in its
// own module graph, so this core follows its lead and polls a table the
// way the teacher's workers poll alert_sessions).
package queuebus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/triangulate-io/core/internal/model"
)

// FailedJobsQueue is the dead-letter destination named in spec.md §6.
const FailedJobsQueue = "failed-jobs"

// AddOptions controls delay and priority for a newly added job.
type AddOptions struct {
	Delay    time.Duration
	Priority int
}

// Bus is a Postgres-backed named FIFO queue set.
type Bus struct {
	db *sql.DB
}

// New returns a Bus backed by db.
func New(db *sql.DB) *Bus {
	return &Bus{db: db}
}

// Add enqueues one job onto queue.
func (b *Bus) Add(ctx context.Context, queue string, payload any, opts AddOptions) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal job payload: %w", err)
	}

	runAt := time.Now()
	if opts.Delay > 0 {
		runAt = runAt.Add(opts.Delay)
	}

	var id int64
	err = b.db.QueryRowContext(ctx,
		`INSERT INTO queue_jobs (queue, payload, priority, run_at, status)
		 VALUES ($1, $2, $3, $4, 'waiting') RETURNING id`,
		queue, body, opts.Priority, runAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue job on %q: %w", queue, err)
	}
	return id, nil
}

// AddBulk enqueues many jobs onto queue in one round trip, each with its own
// payload but shared options — used by handlers that fan one event out to N
// jobs (e.g. one relationship-resolution job per POI).
func (b *Bus) AddBulk(ctx context.Context, queue string, payloads []any, opts AddOptions) error {
	if len(payloads) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk-add transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	runAt := time.Now()
	if opts.Delay > 0 {
		runAt = runAt.Add(opts.Delay)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO queue_jobs (queue, payload, priority, run_at, status) VALUES ($1, $2, $3, $4, 'waiting')`)
	if err != nil {
		return fmt.Errorf("prepare bulk-add statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, payload := range payloads {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal bulk job payload: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, queue, body, opts.Priority, runAt); err != nil {
			return fmt.Errorf("bulk-add job on %q: %w", queue, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bulk-add transaction: %w", err)
	}
	return nil
}

// GetWaiting returns up to limit waiting jobs on queue, highest priority
// first and oldest first within a priority.
func (b *Bus) GetWaiting(ctx context.Context, queue string, limit int) ([]model.QueueJob, error) {
	return b.queryByStatus(ctx, queue, model.JobWaiting, limit)
}

// GetActive returns up to limit active (claimed, in-flight) jobs on queue.
func (b *Bus) GetActive(ctx context.Context, queue string, limit int) ([]model.QueueJob, error) {
	return b.queryByStatus(ctx, queue, model.JobActive, limit)
}

// GetFailed returns up to limit dead-lettered jobs on queue.
func (b *Bus) GetFailed(ctx context.Context, queue string, limit int) ([]model.QueueJob, error) {
	return b.queryByStatus(ctx, queue, model.JobFailed, limit)
}

func (b *Bus) queryByStatus(ctx context.Context, queue string, status model.QueueJobStatus, limit int) ([]model.QueueJob, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, queue, payload, attempt, priority, run_at, status, created_at
		 FROM queue_jobs WHERE queue = $1 AND status = $2
		 ORDER BY priority DESC, run_at ASC LIMIT $3`,
		queue, string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query %s jobs on %q: %w", status, queue, err)
	}
	defer rows.Close()

	var jobs []model.QueueJob
	for rows.Next() {
		var j model.QueueJob
		var statusStr string
		if err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &j.Attempt, &j.Priority, &j.RunAt, &statusStr, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan queue job: %w", err)
		}
		j.Status = model.QueueJobStatus(statusStr)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// claim atomically selects the next waiting, due job on queue using
// FOR UPDATE SKIP LOCKED — the same claim idiom the teacher's
// claimNextSession uses for alert sessions — and marks it active.
func (b *Bus) claim(ctx context.Context, queue string) (*model.QueueJob, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var j model.QueueJob
	var statusStr string
	err = tx.QueryRowContext(ctx,
		`SELECT id, queue, payload, attempt, priority, run_at, status, created_at
		 FROM queue_jobs
		 WHERE queue = $1 AND status = 'waiting' AND run_at <= now()
		 ORDER BY priority DESC, run_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		queue,
	).Scan(&j.ID, &j.Queue, &j.Payload, &j.Attempt, &j.Priority, &j.RunAt, &statusStr, &j.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("claim job on %q: %w", queue, err)
	}
	j.Status = model.JobActive

	if _, err := tx.ExecContext(ctx, `UPDATE queue_jobs SET status = 'active', claimed_at = now() WHERE id = $1`, j.ID); err != nil {
		return nil, fmt.Errorf("mark job active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim transaction: %w", err)
	}

	return &j, nil
}

// Heartbeat refreshes a claimed job's claimed_at timestamp so the orphan
// detector doesn't reclaim work a handler is still actively processing —
// the same purpose as the teacher's Worker.runHeartbeat refreshing
// AlertSession.last_interaction_at for long-running sessions. A no-op if
// the job is no longer active (already completed, failed, or reclaimed).
func (b *Bus) Heartbeat(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx, `UPDATE queue_jobs SET claimed_at = now() WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("heartbeat job %d: %w", id, err)
	}
	return nil
}

func (b *Bus) complete(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx, `UPDATE queue_jobs SET status = 'done', claimed_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	return nil
}

// fail retries the job (incrementing attempt with delay×attempt backoff) or
// dead-letters it onto FailedJobsQueue once retry-attempts is exhausted.
func (b *Bus) fail(ctx context.Context, j *model.QueueJob, retryAttempts int, retryDelay time.Duration) error {
	nextAttempt := j.Attempt + 1
	if nextAttempt >= retryAttempts {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dead-letter transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_jobs SET status = 'failed', claimed_at = NULL WHERE id = $1`, j.ID); err != nil {
			return fmt.Errorf("mark job failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_jobs (queue, payload, priority, run_at, status) VALUES ($1, $2, $3, now(), 'waiting')`,
			FailedJobsQueue, j.Payload, j.Priority); err != nil {
			return fmt.Errorf("dead-letter job: %w", err)
		}
		return tx.Commit()
	}

	backoff := time.Duration(nextAttempt) * retryDelay
	_, err := b.db.ExecContext(ctx,
		`UPDATE queue_jobs SET status = 'waiting', claimed_at = NULL, attempt = $2, run_at = $3 WHERE id = $1`,
		j.ID, nextAttempt, time.Now().Add(backoff),
	)
	if err != nil {
		return fmt.Errorf("requeue failed job: %w", err)
	}
	return nil
}
