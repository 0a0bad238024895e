// Package checkpoint implements the Checkpoint Manager (spec.md §4.8):
// recording and validating a run's progress through the five pipeline
// stages, and the aggregate run-summary query the run orchestrator and
// summary emitter both read from.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/triangulate-io/core/internal/model"
)

// BenchmarkConfig is the pipeline-complete validator's configurable
// threshold, named in spec.md §6.
type BenchmarkConfig struct {
	MinNodes         int `yaml:"min_nodes"`
	MinRelationships int `yaml:"min_relationships"`
}

// Manager is the Checkpoint Manager's public contract (spec.md §4.8).
type Manager struct {
	db        *sql.DB
	benchmark BenchmarkConfig
}

// New constructs a Manager.
func New(db *sql.DB, benchmark BenchmarkConfig) *Manager {
	return &Manager{db: db, benchmark: benchmark}
}

// ValidationResult is the outcome of validating a checkpoint against its
// stage-specific validator.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// CreateCheckpoint records an entity's arrival at stage, pending
// validation.
func (m *Manager) CreateCheckpoint(ctx context.Context, runID string, stage model.Stage, entityID string, metadata json.RawMessage) (model.Checkpoint, error) {
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	var c model.Checkpoint
	err := m.db.QueryRowContext(ctx,
		`INSERT INTO checkpoints (run_id, stage, entity_id, status, metadata)
		 VALUES ($1, $2, $3, 'pending', $4)
		 RETURNING id, run_id, stage, entity_id, status, metadata, created_at, updated_at`,
		runID, string(stage), entityID, []byte(metadata),
	).Scan(&c.ID, &c.RunID, &c.Stage, &c.EntityID, &c.Status, &c.Metadata, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("create checkpoint: %w", err)
	}
	return c, nil
}

// ValidateCheckpoint dispatches to the stage-specific validator named in
// spec.md §4.8 and returns the result without mutating the checkpoint —
// callers persist it through UpdateCheckpoint.
func (m *Manager) ValidateCheckpoint(ctx context.Context, c model.Checkpoint) (ValidationResult, error) {
	switch c.Stage {
	case model.StageFileLoaded:
		return m.validateFileLoaded(ctx, c)
	case model.StageEntitiesExtracted:
		return m.validateEntitiesExtracted(ctx, c)
	case model.StageRelationshipsBuilt:
		return m.validateRelationshipsBuilt(ctx, c)
	case model.StageNeo4jStored:
		return m.validateNeo4jStored(c)
	case model.StagePipelineComplete:
		return m.validatePipelineComplete(c)
	default:
		return ValidationResult{}, fmt.Errorf("no validator registered for stage %q", c.Stage)
	}
}

func (m *Manager) validateFileLoaded(ctx context.Context, c model.Checkpoint) (ValidationResult, error) {
	var hash string
	err := m.db.QueryRowContext(ctx, `SELECT hash FROM files WHERE run_id = $1 AND path = $2`, c.RunID, c.EntityID).Scan(&hash)
	if err == sql.ErrNoRows {
		return ValidationResult{Valid: false, Errors: []string{"file not found"}}, nil
	}
	if err != nil {
		return ValidationResult{}, err
	}
	if hash == "" {
		return ValidationResult{Valid: false, Errors: []string{"file hash not recorded"}}, nil
	}
	return ValidationResult{Valid: true}, nil
}

func (m *Manager) validateEntitiesExtracted(ctx context.Context, c model.Checkpoint) (ValidationResult, error) {
	var count int
	if err := m.db.QueryRowContext(ctx, `SELECT count(*) FROM pois WHERE run_id = $1 AND file_path = $2`, c.RunID, c.EntityID).Scan(&count); err != nil {
		return ValidationResult{}, err
	}
	if count == 0 {
		return ValidationResult{Valid: false, Errors: []string{"entity count is zero"}}, nil
	}
	return ValidationResult{Valid: true}, nil
}

// validateRelationshipsBuilt only requires that a count was recorded at
// all — spec.md §4.8 explicitly allows zero relationships for a file.
func (m *Manager) validateRelationshipsBuilt(ctx context.Context, c model.Checkpoint) (ValidationResult, error) {
	var metadata struct {
		RelationshipCount *int `json:"relationship_count"`
	}
	if err := json.Unmarshal(c.Metadata, &metadata); err != nil {
		return ValidationResult{Valid: false, Errors: []string{"malformed metadata"}}, nil
	}
	if metadata.RelationshipCount == nil {
		return ValidationResult{Valid: false, Errors: []string{"relationship count not recorded"}}, nil
	}
	return ValidationResult{Valid: true}, nil
}

func (m *Manager) validateNeo4jStored(c model.Checkpoint) (ValidationResult, error) {
	var metadata struct {
		NodeCount         *int `json:"node_count"`
		RelationshipCount *int `json:"relationship_count"`
	}
	if err := json.Unmarshal(c.Metadata, &metadata); err != nil {
		return ValidationResult{Valid: false, Errors: []string{"malformed metadata"}}, nil
	}
	var errs []string
	if metadata.NodeCount == nil {
		errs = append(errs, "node count not present")
	}
	if metadata.RelationshipCount == nil {
		errs = append(errs, "relationship count not present")
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}, nil
}

func (m *Manager) validatePipelineComplete(c model.Checkpoint) (ValidationResult, error) {
	var metadata struct {
		NodeCount         int `json:"node_count"`
		RelationshipCount int `json:"relationship_count"`
	}
	if err := json.Unmarshal(c.Metadata, &metadata); err != nil {
		return ValidationResult{Valid: false, Errors: []string{"malformed metadata"}}, nil
	}
	var errs []string
	if metadata.NodeCount < m.benchmark.MinNodes {
		errs = append(errs, fmt.Sprintf("node count %d below benchmark %d", metadata.NodeCount, m.benchmark.MinNodes))
	}
	if metadata.RelationshipCount < m.benchmark.MinRelationships {
		errs = append(errs, fmt.Sprintf("relationship count %d below benchmark %d", metadata.RelationshipCount, m.benchmark.MinRelationships))
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}, nil
}

// UpdateCheckpoint persists a checkpoint's post-validation status.
func (m *Manager) UpdateCheckpoint(ctx context.Context, id int64, status model.CheckpointStatus, result ValidationResult, validationErr string) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal validation result: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = $1, validation_result = $2, validation_error = $3, updated_at = now() WHERE id = $4`,
		string(status), resultJSON, validationErr, id,
	)
	if err != nil {
		return fmt.Errorf("update checkpoint %d: %w", id, err)
	}
	return nil
}

// StageSummary is one stage's aggregate counts for a run.
type StageSummary struct {
	Stage       model.Stage `json:"stage"`
	Total       int         `json:"total"`
	Completed   int         `json:"completed"`
	Failed      int         `json:"failed"`
	SuccessRate float64     `json:"success_rate"`
}

// RunSummary is the per-stage breakdown spec.md §4.8's get-run-summary
// returns.
type RunSummary struct {
	RunID  string         `json:"run_id"`
	Stages []StageSummary `json:"stages"`
}

// GetRunSummary aggregates checkpoint counts and success rates grouped by
// stage, the way the teacher's database Health aggregates connection pool
// stats in one query.
func (m *Manager) GetRunSummary(ctx context.Context, runID string) (RunSummary, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT stage,
		        count(*) AS total,
		        count(*) FILTER (WHERE status = 'completed') AS completed,
		        count(*) FILTER (WHERE status = 'failed') AS failed
		 FROM checkpoints WHERE run_id = $1 GROUP BY stage ORDER BY stage`,
		runID,
	)
	if err != nil {
		return RunSummary{}, fmt.Errorf("aggregate run summary: %w", err)
	}
	defer rows.Close()

	summary := RunSummary{RunID: runID}
	for rows.Next() {
		var s StageSummary
		var stage string
		if err := rows.Scan(&stage, &s.Total, &s.Completed, &s.Failed); err != nil {
			return RunSummary{}, err
		}
		s.Stage = model.Stage(stage)
		if s.Total > 0 {
			s.SuccessRate = float64(s.Completed) / float64(s.Total)
		}
		summary.Stages = append(summary.Stages, s)
	}
	return summary, rows.Err()
}

// RollbackResult reports what RollbackToCheckpoint invalidated.
type RollbackResult struct {
	InvalidatedIDs []int64     `json:"invalidated_ids"`
	NextStage      model.Stage `json:"next_stage"`
}

// stageOrder fixes the pipeline's stage sequence for rollback's
// next-stage computation.
var stageOrder = []model.Stage{
	model.StageFileLoaded,
	model.StageEntitiesExtracted,
	model.StageRelationshipsBuilt,
	model.StageNeo4jStored,
	model.StagePipelineComplete,
}

// RollbackToCheckpoint invalidates every checkpoint recorded after id for
// the same run and reports which stage work should resume from.
func (m *Manager) RollbackToCheckpoint(ctx context.Context, id int64, runID string) (RollbackResult, error) {
	var target model.Checkpoint
	err := m.db.QueryRowContext(ctx,
		`SELECT stage, created_at FROM checkpoints WHERE id = $1 AND run_id = $2`, id, runID,
	).Scan(&target.Stage, &target.CreatedAt)
	if err != nil {
		return RollbackResult{}, fmt.Errorf("load target checkpoint %d: %w", id, err)
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT id FROM checkpoints WHERE run_id = $1 AND created_at > $2`, runID, target.CreatedAt,
	)
	if err != nil {
		return RollbackResult{}, fmt.Errorf("list checkpoints after %d: %w", id, err)
	}
	defer rows.Close()

	var invalidated []int64
	for rows.Next() {
		var cid int64
		if err := rows.Scan(&cid); err != nil {
			return RollbackResult{}, err
		}
		invalidated = append(invalidated, cid)
	}
	if err := rows.Err(); err != nil {
		return RollbackResult{}, err
	}

	if len(invalidated) > 0 {
		if _, err := m.db.ExecContext(ctx,
			`UPDATE checkpoints SET status = 'failed', updated_at = now() WHERE id = ANY($1)`, invalidated,
		); err != nil {
			return RollbackResult{}, fmt.Errorf("invalidate checkpoints: %w", err)
		}
	}

	return RollbackResult{InvalidatedIDs: invalidated, NextStage: nextStage(target.Stage)}, nil
}

func nextStage(s model.Stage) model.Stage {
	for i, stage := range stageOrder {
		if stage == s && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return s
}
