package confidence

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildPrompt_IncludesRelationshipAndEvidence(t *testing.T) {
	input := RoleInput{
		RelationshipHash: "hash1",
		SourceSemanticID: "pkg/foo_function_Bar",
		TargetSemanticID: "pkg/baz_function_Qux",
		Type:             "CALLS",
		Evidence: []EvidenceItem{
			{LLMConfidence: 0.9, SyntacticCues: []string{"call-expr"}},
		},
	}

	prompt := BuildPrompt(RoleSyntactic, input)

	assert.Contains(t, prompt, "syntactic")
	assert.Contains(t, prompt, "pkg/foo_function_Bar")
	assert.Contains(t, prompt, "CALLS")
	assert.Contains(t, prompt, "pkg/baz_function_Qux")
	assert.Contains(t, prompt, "llm_confidence=0.90")
}

func TestBuildPrompt_IncludesPeerSummariesOnReviewRound(t *testing.T) {
	input := RoleInput{
		SourceSemanticID: "a",
		TargetSemanticID: "b",
		Type:             "USES",
		PeerSummaries: map[RoleName]string{
			RoleSemantic: "confident this is real",
		},
	}

	prompt := BuildPrompt(RoleArchitectural, input)

	assert.True(t, strings.Contains(prompt, "Other reviewers' prior verdicts"))
	assert.Contains(t, prompt, "confident this is real")
}
