package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/triangulate-io/core/internal/model"
)

// ErrRunNotFound is returned by GetRun when no run matches the given id.
var ErrRunNotFound = errors.New("run not found")

// RunQueries is the read side the HTTP ingress needs: run lookup and the
// relationship listing, kept separate from the write-side Orchestrator so
// the server can be tested against a bare *sql.DB without constructing a
// full orchestrator.
type RunQueries struct {
	db *sql.DB
}

// NewRunQueries constructs a RunQueries over db.
func NewRunQueries(db *sql.DB) *RunQueries {
	return &RunQueries{db: db}
}

// GetRun loads one run by id.
func (q *RunQueries) GetRun(ctx context.Context, id string) (model.Run, error) {
	var r model.Run
	var status string
	err := q.db.QueryRowContext(ctx,
		`SELECT id, pod_id, status, started_at, completed_at, benchmark_met FROM runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.PodID, &status, &r.StartedAt, &r.CompletedAt, &r.BenchmarkMet)
	if err == sql.ErrNoRows {
		return model.Run{}, ErrRunNotFound
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("load run %s: %w", id, err)
	}
	r.Status = model.RunStatus(status)
	return r, nil
}

// ListRelationships returns every relationship recorded for a run.
func (q *RunQueries) ListRelationships(ctx context.Context, runID string) ([]model.Relationship, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, run_id, source_id, target_id, type, confidence, status, file_path, cross_file, reason
		 FROM relationships WHERE run_id = $1 ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list relationships for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		var r model.Relationship
		var relType, status string
		if err := rows.Scan(&r.ID, &r.RunID, &r.SourceID, &r.TargetID, &relType, &r.Confidence, &status, &r.FilePath, &r.CrossFile, &r.Reason); err != nil {
			return nil, fmt.Errorf("scan relationship row: %w", err)
		}
		r.Type = model.RelationshipType(relType)
		r.Status = model.RelationshipStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
