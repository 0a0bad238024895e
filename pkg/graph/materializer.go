// Package graph implements the Graph Materializer (spec.md §4.9): reads
// validated relationships, joins their POIs, and performs batched
// idempotent upserts against the external graph store.
package graph

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/triangulate-io/core/internal/model"
	"github.com/triangulate-io/core/pkg/graphstore"
)

// defaultBatchSize matches spec.md §4.9's "default 500 per transaction".
const defaultBatchSize = 500

// GraphStore is the minimal surface the materializer needs, satisfied by
// graphstore.Client (and by a fake in tests).
type GraphStore interface {
	Upsert(ctx context.Context, batch graphstore.UpsertBatch) error
}

// materializedStatuses are the "*validated*" relationship statuses
// spec.md §4.9 names as eligible for materialization.
var materializedStatuses = []string{
	string(model.RelationshipValidated),
	string(model.RelationshipTriangulatedValidated),
	string(model.RelationshipCrossFileValidated),
}

// Metrics counts relationship types the materializer skipped because they
// fall outside the allowed vocabulary — spec.md §4.9's "ignored with a
// warning counted in metrics".
type Metrics struct {
	Materialized int
	Skipped      int
}

// Materializer batches validated relationships into graph-store upserts.
type Materializer struct {
	db        *sql.DB
	store     GraphStore
	batchSize int
}

// New constructs a Materializer. batchSize <= 0 uses the spec default.
func New(db *sql.DB, store GraphStore, batchSize int) *Materializer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Materializer{db: db, store: store, batchSize: batchSize}
}

type relationshipRow struct {
	SourceSemanticID string
	SourceFilePath   string
	SourceName       string
	TargetSemanticID string
	TargetFilePath   string
	TargetName       string
	Type             model.RelationshipType
	Confidence       float64
}

// Materialize upserts every validated relationship of a run in batches of
// m.batchSize, returning aggregate metrics. Relationships upserted by an
// earlier call are upserted again.
func (m *Materializer) Materialize(ctx context.Context, runID string) (Metrics, error) {
	var metrics Metrics

	rows, err := m.loadRelationships(ctx, runID)
	if err != nil {
		return metrics, fmt.Errorf("load relationships for run %s: %w", runID, err)
	}

	for start := 0; start < len(rows); start += m.batchSize {
		end := start + m.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		batch, skipped := buildBatch(chunk)
		metrics.Skipped += skipped

		if len(batch.Nodes) == 0 && len(batch.Edges) == 0 {
			continue
		}
		if err := m.store.Upsert(ctx, batch); err != nil {
			return metrics, fmt.Errorf("upsert batch [%d:%d]: %w", start, end, err)
		}
		metrics.Materialized += len(batch.Edges)
	}

	return metrics, nil
}

func (m *Materializer) loadRelationships(ctx context.Context, runID string) ([]relationshipRow, error) {
	query := `
		SELECT src.semantic_id, src.file_path, src.name,
		       tgt.semantic_id, tgt.file_path, tgt.name,
		       r.type, r.confidence
		FROM relationships r
		JOIN pois src ON src.id = r.source_id
		JOIN pois tgt ON tgt.id = r.target_id
		WHERE r.run_id = $1 AND r.status = ANY($2)
		ORDER BY r.id`

	rows, err := m.db.QueryContext(ctx, query, runID, materializedStatuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relationshipRow
	for rows.Next() {
		var r relationshipRow
		var relType string
		if err := rows.Scan(
			&r.SourceSemanticID, &r.SourceFilePath, &r.SourceName,
			&r.TargetSemanticID, &r.TargetFilePath, &r.TargetName,
			&relType, &r.Confidence,
		); err != nil {
			return nil, err
		}
		r.Type = model.RelationshipType(relType)
		out = append(out, r)
	}
	return out, rows.Err()
}

// buildBatch converts a chunk of relationship rows into node/edge
// upserts. Relationship types outside the closed vocabulary are skipped
// and counted rather than materialized — they should never reach here
// since ingestion already rejects them, but the guard matches spec.md
// §4.9's explicit requirement.
func buildBatch(rows []relationshipRow) (graphstore.UpsertBatch, int) {
	var batch graphstore.UpsertBatch
	nodeKeys := make(map[string]struct{})
	edgeKeys := make(map[string]int) // "source|target" -> index into batch.Edges
	var skipped int

	for _, r := range rows {
		if !model.IsValidRelationshipType(r.Type) {
			slog.Warn("skipping relationship with disallowed type during materialization", "type", r.Type)
			skipped++
			continue
		}

		sourceKey := nodeKey(r.SourceSemanticID, r.SourceFilePath, r.SourceName)
		targetKey := nodeKey(r.TargetSemanticID, r.TargetFilePath, r.TargetName)

		if _, ok := nodeKeys[sourceKey]; !ok {
			nodeKeys[sourceKey] = struct{}{}
			batch.Nodes = append(batch.Nodes, graphstore.NodeUpsert{Key: sourceKey, Labels: []string{"POI"}, Properties: map[string]any{"name": r.SourceName, "file_path": r.SourceFilePath}})
		}
		if _, ok := nodeKeys[targetKey]; !ok {
			nodeKeys[targetKey] = struct{}{}
			batch.Nodes = append(batch.Nodes, graphstore.NodeUpsert{Key: targetKey, Labels: []string{"POI"}, Properties: map[string]any{"name": r.TargetName, "file_path": r.TargetFilePath}})
		}

		pairKey := sourceKey + "|" + targetKey
		props := map[string]any{"type": string(r.Type), "confidence": r.Confidence}
		if idx, ok := edgeKeys[pairKey]; ok {
			// A single edge per (source, target) pair: later relationships
			// for the same pair overwrite its properties via match-set.
			batch.Edges[idx].Properties = props
			continue
		}
		edgeKeys[pairKey] = len(batch.Edges)
		batch.Edges = append(batch.Edges, graphstore.EdgeUpsert{SourceKey: sourceKey, TargetKey: targetKey, Properties: props})
	}

	return batch, skipped
}

// nodeKey prefers the semantic id; falls back to "<file>:<name>" when no
// semantic id was assigned (spec.md §4.9).
func nodeKey(semanticID, filePath, name string) string {
	if semanticID != "" {
		return semanticID
	}
	return fmt.Sprintf("%s:%s", filePath, name)
}
