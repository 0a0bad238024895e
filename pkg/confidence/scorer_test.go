package confidence_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/triangulate-io/core/pkg/confidence"
)

func TestScore_EmptyEvidenceEscalates(t *testing.T) {
	score := confidence.Score(nil)
	assert.Equal(t, 0.0, score)
	assert.Equal(t, confidence.OutcomeEscalate, confidence.Decide(score))
}

func TestScore_HighAgreementAccepts(t *testing.T) {
	items := []confidence.EvidenceItem{
		{LLMConfidence: 0.95, SyntacticCues: []string{"call-expr"}},
		{LLMConfidence: 0.93, SyntacticCues: []string{"call-expr"}},
		{LLMConfidence: 0.94, SyntacticCues: []string{"call-expr"}},
	}
	score := confidence.Score(items)
	assert.GreaterOrEqual(t, score, confidence.AcceptThreshold)
	assert.Equal(t, confidence.OutcomeAccept, confidence.Decide(score))
}

func TestScore_ThreeWayAgreementWithoutSyntacticCuesAccepts(t *testing.T) {
	// Three independent analyses of the same relationship at 0.6/0.7/0.8
	// confidence, none carrying a syntactic cue, should still accept:
	// corroborating evidence compounds even without AST-level corroboration.
	items := []confidence.EvidenceItem{
		{LLMConfidence: 0.6},
		{LLMConfidence: 0.7},
		{LLMConfidence: 0.8},
	}
	score := confidence.Score(items)
	assert.GreaterOrEqual(t, score, confidence.AcceptThreshold)
	assert.Equal(t, confidence.OutcomeAccept, confidence.Decide(score))
}

func TestScore_MidBandTriangulates(t *testing.T) {
	items := []confidence.EvidenceItem{
		{LLMConfidence: 0.6},
		{LLMConfidence: 0.55},
	}
	score := confidence.Score(items)
	assert.Equal(t, confidence.OutcomeTriangulate, confidence.Decide(score))
}

func TestScore_LowConfidenceEscalates(t *testing.T) {
	items := []confidence.EvidenceItem{
		{LLMConfidence: 0.1},
		{LLMConfidence: 0.2},
	}
	score := confidence.Score(items)
	assert.Less(t, score, confidence.TriangulateThreshold)
	assert.Equal(t, confidence.OutcomeEscalate, confidence.Decide(score))
}

func TestDecide_ThresholdBoundaries(t *testing.T) {
	assert.Equal(t, confidence.OutcomeAccept, confidence.Decide(confidence.AcceptThreshold))
	assert.Equal(t, confidence.OutcomeTriangulate, confidence.Decide(confidence.TriangulateThreshold))
	assert.Equal(t, confidence.OutcomeTriangulate, confidence.Decide(confidence.AcceptThreshold-0.0001))
	assert.Equal(t, confidence.OutcomeEscalate, confidence.Decide(confidence.TriangulateThreshold-0.0001))
}

func TestParseEvidence_MalformedPayloadDoesNotError(t *testing.T) {
	item := confidence.ParseEvidence([]byte("not json"))
	assert.Equal(t, confidence.EvidenceItem{}, item)
}
