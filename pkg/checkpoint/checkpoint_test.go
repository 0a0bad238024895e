package checkpoint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triangulate-io/core/internal/model"
)

func TestValidatePipelineComplete_MeetsBenchmark(t *testing.T) {
	m := New(nil, BenchmarkConfig{MinNodes: 10, MinRelationships: 5})
	metadata, err := json.Marshal(map[string]int{"node_count": 10, "relationship_count": 5})
	require.NoError(t, err)

	result, err := m.validatePipelineComplete(model.Checkpoint{Metadata: metadata})
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestValidatePipelineComplete_BelowBenchmark(t *testing.T) {
	m := New(nil, BenchmarkConfig{MinNodes: 10, MinRelationships: 5})
	metadata, err := json.Marshal(map[string]int{"node_count": 3, "relationship_count": 1})
	require.NoError(t, err)

	result, err := m.validatePipelineComplete(model.Checkpoint{Metadata: metadata})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Len(t, result.Errors, 2)
}

func TestValidateNeo4jStored_MissingCounts(t *testing.T) {
	m := New(nil, BenchmarkConfig{})
	result, err := m.validateNeo4jStored(model.Checkpoint{Metadata: []byte(`{}`)})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Len(t, result.Errors, 2)
}

func TestValidateRelationshipsBuilt_AllowsZeroCount(t *testing.T) {
	m := New(nil, BenchmarkConfig{})
	metadata := []byte(`{"relationship_count": 0}`)
	result, err := m.validateRelationshipsBuilt(nil, model.Checkpoint{Metadata: metadata})
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestNextStage(t *testing.T) {
	assert.Equal(t, model.StageEntitiesExtracted, nextStage(model.StageFileLoaded))
	assert.Equal(t, model.StagePipelineComplete, nextStage(model.StageNeo4jStored))
	assert.Equal(t, model.StagePipelineComplete, nextStage(model.StagePipelineComplete))
}
