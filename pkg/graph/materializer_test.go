package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/triangulate-io/core/internal/model"
)

func TestBuildBatch_DedupesNodesAndEdgesPerPair(t *testing.T) {
	rows := []relationshipRow{
		{SourceSemanticID: "a_func_foo", TargetSemanticID: "a_func_bar", Type: model.RelCalls, Confidence: 0.9},
		{SourceSemanticID: "a_func_foo", TargetSemanticID: "a_func_bar", Type: model.RelUses, Confidence: 0.7},
	}

	batch, skipped := buildBatch(rows)
	assert.Equal(t, 0, skipped)
	assert.Len(t, batch.Nodes, 2, "same two POIs across both rows should produce two nodes, not four")
	assert.Len(t, batch.Edges, 1, "one edge per (source, target) pair regardless of relationship count")
	assert.Equal(t, "USES", batch.Edges[0].Properties["type"], "later relationship for the same pair overwrites the edge's properties")
}

func TestBuildBatch_SkipsDisallowedType(t *testing.T) {
	rows := []relationshipRow{
		{SourceSemanticID: "a", TargetSemanticID: "b", Type: model.RelationshipType("NOT_REAL"), Confidence: 0.9},
	}

	batch, skipped := buildBatch(rows)
	assert.Equal(t, 1, skipped)
	assert.Empty(t, batch.Edges)
}

func TestNodeKey_PrefersSemanticIDOverFallback(t *testing.T) {
	assert.Equal(t, "a_func_foo", nodeKey("a_func_foo", "a.js", "foo"))
	assert.Equal(t, "a.js:foo", nodeKey("", "a.js", "foo"))
}
