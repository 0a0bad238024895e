// Package outbox implements the durable event log and its publisher: domain
// writes append pending events in the same local transaction that produced
// them, and a single background loop claims batches, fans them onto the
// queue bus, and performs the side-effect bulk writes that turn an event
// into POIs, relationships, and evidence.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/triangulate-io/core/internal/model"
)

// Execer is satisfied by *sql.DB and *sql.Tx, letting Append run inside a
// caller-supplied transaction or stand alone.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Append inserts a pending event in the same local transaction as the domain
// write that produced it. If exec is a *sql.Tx and the enclosing transaction
// later aborts, the event is rolled back with it — durability of the event
// is tied to durability of the domain write.
func Append(ctx context.Context, exec Execer, runID string, eventType model.EventType, payload any) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal outbox payload: %w", err)
	}

	var id int64
	err = exec.QueryRowContext(ctx,
		`INSERT INTO outbox_events (run_id, type, payload, status) VALUES ($1, $2, $3, 'pending') RETURNING id`,
		runID, string(eventType), body,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append outbox event: %w", err)
	}
	return id, nil
}

// ClaimedEvent is a pending event handed to the publisher for processing.
type ClaimedEvent struct {
	ID         int64
	RunID      string
	Type       model.EventType
	Payload    []byte
	RetryCount int
}

// ClaimBatch selects up to limit pending events ordered by id. It does not
// mark them in-flight: the rows keep status 'pending' until MarkPublished
// or MarkFailed, and the FOR UPDATE SKIP LOCKED row locks are released when
// the claim transaction commits, before the events are processed. Claims
// are serialized only by the Publisher running one claim loop per process;
// a second process claiming at the same time can receive the same rows.
func ClaimBatch(ctx context.Context, db *sql.DB, limit int) ([]ClaimedEvent, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, run_id, type, payload, retry_count FROM outbox_events
		 WHERE status = 'pending'
		 ORDER BY id ASC
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim batch query: %w", err)
	}

	var claimed []ClaimedEvent
	for rows.Next() {
		var e ClaimedEvent
		var eventType string
		if err := rows.Scan(&e.ID, &e.RunID, &eventType, &e.Payload, &e.RetryCount); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan claimed event: %w", err)
		}
		e.Type = model.EventType(eventType)
		claimed = append(claimed, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed events: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close claim rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim transaction: %w", err)
	}

	return claimed, nil
}

// MarkPublished performs the terminal pending → published transition.
func MarkPublished(ctx context.Context, db *sql.DB, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'published' WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("mark events published: %w", err)
	}
	return nil
}

// MarkFailed performs the terminal pending → failed transition, or — when
// the event still has retries remaining — leaves it pending with an
// incremented retry count so the next claim-batch picks it up again.
func MarkFailed(ctx context.Context, db *sql.DB, ids []int64, maxRetries int) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = CASE WHEN retry_count + 1 >= $2 THEN 'failed' ELSE 'pending' END,
		     retry_count = retry_count + 1
		 WHERE id = ANY($1)`,
		ids, maxRetries,
	)
	if err != nil {
		return fmt.Errorf("mark events failed: %w", err)
	}
	return nil
}
