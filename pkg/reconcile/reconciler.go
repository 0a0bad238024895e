// Package reconcile implements the consumer side of Evidence &
// Reconciliation (spec.md §4.6): it drains the reconciliation queue,
// reads every evidence row for a relationship-hash, resolves POI ids, runs
// the Confidence Scorer, and — for relationships landing in the
// ambiguous band — drives the Triangulation Orchestrator before writing
// the relationship's final status.
package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/triangulate-io/core/internal/model"
	"github.com/triangulate-io/core/pkg/confidence"
)

// Reconciler drains reconcile-relationship(hash) jobs.
type Reconciler struct {
	db           *sql.DB
	orchestrator *confidence.Orchestrator
}

// New constructs a Reconciler. orchestrator may be nil — relationships
// that land in the triangulate band are then written as escalated rather
// than panicking, since there is nothing to triangulate with.
func New(db *sql.DB, orchestrator *confidence.Orchestrator) *Reconciler {
	return &Reconciler{db: db, orchestrator: orchestrator}
}

type reconcilePayload struct {
	RunID string `json:"run_id"`
	Hash  string `json:"hash"`
}

type evidenceRow struct {
	SourceSemanticID string
	TargetSemanticID string
	RelType          model.RelationshipType
	FilePath         string
	Payload          []byte
}

// Handle satisfies queuebus.Handler.
func (r *Reconciler) Handle(ctx context.Context, job model.QueueJob) error {
	var p reconcilePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal reconcile job payload: %w", err)
	}

	rows, err := r.loadEvidence(ctx, p.RunID, p.Hash)
	if err != nil {
		return fmt.Errorf("load evidence for hash %s: %w", p.Hash, err)
	}
	if len(rows) == 0 {
		slog.Warn("reconcile job for hash with no evidence rows, skipping", "run_id", p.RunID, "hash", p.Hash)
		return nil
	}

	first := rows[0]

	sourceID, err := r.resolvePOI(ctx, p.RunID, first.SourceSemanticID)
	if err != nil {
		return fmt.Errorf("resolve source poi %s: %w", first.SourceSemanticID, err)
	}
	targetID, err := r.resolvePOI(ctx, p.RunID, first.TargetSemanticID)
	if err != nil {
		return fmt.Errorf("resolve target poi %s: %w", first.TargetSemanticID, err)
	}

	items := make([]confidence.EvidenceItem, len(rows))
	for i, row := range rows {
		items[i] = confidence.ParseEvidence(row.Payload)
	}

	score := confidence.Score(items)
	outcome := confidence.Decide(score)
	finalConfidence := score
	reason := ""
	triangulated := false

	if outcome == confidence.OutcomeTriangulate {
		if r.orchestrator == nil {
			slog.Warn("no triangulation orchestrator configured, escalating", "hash", p.Hash)
			outcome = confidence.OutcomeEscalate
		} else {
			result, err := r.orchestrator.Triangulate(ctx, confidence.RoleInput{
				RelationshipHash: p.Hash,
				SourceSemanticID: first.SourceSemanticID,
				TargetSemanticID: first.TargetSemanticID,
				Type:             string(first.RelType),
				Evidence:         items,
			})
			if err != nil {
				return fmt.Errorf("triangulate %s: %w", p.Hash, err)
			}
			finalConfidence = result.Confidence
			triangulated = result.Outcome == confidence.OutcomeAccept
			if triangulated {
				outcome = confidence.OutcomeAccept
				reason = "triangulated-validated"
			} else {
				outcome = confidence.OutcomeEscalate
				reason = "triangulation conflict"
			}
		}
	}

	status := statusFor(outcome, triangulated)
	return r.writeRelationship(ctx, p.RunID, sourceID, targetID, first.RelType, finalConfidence, status, first.FilePath, reason)
}

func statusFor(outcome confidence.Outcome, triangulated bool) model.RelationshipStatus {
	switch {
	case triangulated:
		return model.RelationshipTriangulatedValidated
	case outcome == confidence.OutcomeAccept:
		return model.RelationshipValidated
	default:
		return model.RelationshipEscalated
	}
}

func (r *Reconciler) loadEvidence(ctx context.Context, runID, hash string) ([]evidenceRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT source_semantic_id, target_semantic_id, rel_type, file_path, payload
		 FROM relationship_evidence WHERE run_id = $1 AND relationship_hash = $2 ORDER BY id`,
		runID, hash,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []evidenceRow
	for rows.Next() {
		var e evidenceRow
		var relType string
		if err := rows.Scan(&e.SourceSemanticID, &e.TargetSemanticID, &relType, &e.FilePath, &e.Payload); err != nil {
			return nil, err
		}
		e.RelType = model.RelationshipType(relType)
		out = append(out, e)
	}
	return out, rows.Err()
}

// resolvePOI resolves a semantic id to a numeric POI id. Per spec.md §9's
// flagged ambiguity, a (name, run) fallback is implemented but logged
// every time it fires — semantic ids are not guaranteed unique across
// every analyzer, and the fallback may pick the wrong POI when a name is
// reused across files.
func (r *Reconciler) resolvePOI(ctx context.Context, runID, semanticID string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM pois WHERE run_id = $1 AND semantic_id = $2`, runID, semanticID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	slog.Warn("semantic id not found, falling back to (name, run) resolution", "run_id", runID, "semantic_id", semanticID)

	name := nameFromSemanticID(semanticID)
	err = r.db.QueryRowContext(ctx,
		`SELECT id FROM pois WHERE run_id = $1 AND name = $2 ORDER BY id LIMIT 1`, runID, name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("no poi matches semantic id %q or fallback name %q: %w", semanticID, name, err)
	}
	return id, nil
}

// nameFromSemanticID returns the text after the last '_' of a
// "<file-or-module>_<kind>_<name>" semantic id, the format
// model.POI.SemanticID documents. A name that itself contains '_' yields
// only its last segment.
func nameFromSemanticID(semanticID string) string {
	for i := len(semanticID) - 1; i >= 0; i-- {
		if semanticID[i] == '_' {
			return semanticID[i+1:]
		}
	}
	return semanticID
}

func (r *Reconciler) writeRelationship(ctx context.Context, runID string, sourceID, targetID int64, relType model.RelationshipType, conf float64, status model.RelationshipStatus, filePath, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO relationships (run_id, source_id, target_id, type, confidence, status, file_path, cross_file, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)
		 ON CONFLICT (run_id, source_id, target_id, type) DO UPDATE
		 SET confidence = EXCLUDED.confidence, status = EXCLUDED.status, reason = EXCLUDED.reason`,
		runID, sourceID, targetID, string(relType), conf, string(status), filePath, reason,
	)
	if err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}
