package confidence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triangulate-io/core/pkg/confidence"
)

type fixedRole struct {
	name       confidence.RoleName
	confidence float64
	err        error
	delay      time.Duration
}

func (r fixedRole) Name() confidence.RoleName { return r.name }

func (r fixedRole) Analyze(ctx context.Context, _ confidence.RoleInput) (confidence.RoleResult, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return confidence.RoleResult{}, ctx.Err()
		}
	}
	if r.err != nil {
		return confidence.RoleResult{}, r.err
	}
	return confidence.RoleResult{Role: r.name, Confidence: r.confidence, Reasoning: "fixed"}, nil
}

func TestOrchestrator_HighAgreementAccepts(t *testing.T) {
	roles := []confidence.AnalyzerRole{
		fixedRole{name: "a", confidence: 0.9},
		fixedRole{name: "b", confidence: 0.92},
		fixedRole{name: "c", confidence: 0.88},
	}
	o := confidence.NewOrchestrator(confidence.OrchestratorConfig{}, roles)

	result, err := o.Triangulate(context.Background(), confidence.RoleInput{RelationshipHash: "h"})
	require.NoError(t, err)
	assert.Equal(t, confidence.OutcomeAccept, result.Outcome)
	assert.False(t, result.Conflict)
	assert.Len(t, result.RoleResults, 3)
}

func TestOrchestrator_HighVarianceEscalates(t *testing.T) {
	roles := []confidence.AnalyzerRole{
		fixedRole{name: "a", confidence: 0.9},
		fixedRole{name: "b", confidence: 0.9},
		fixedRole{name: "c", confidence: 0.1},
		fixedRole{name: "d", confidence: 0.1},
		fixedRole{name: "e", confidence: 0.9},
		fixedRole{name: "f", confidence: 0.1},
	}
	o := confidence.NewOrchestrator(confidence.OrchestratorConfig{ConflictThreshold: 0.4}, roles)

	result, err := o.Triangulate(context.Background(), confidence.RoleInput{RelationshipHash: "h"})
	require.NoError(t, err)
	assert.Equal(t, confidence.OutcomeEscalate, result.Outcome)
	assert.True(t, result.Conflict)
	assert.Len(t, result.RoleResults, 6)
}

func TestOrchestrator_FewerThanTwoSuccessfulRolesEscalates(t *testing.T) {
	roles := []confidence.AnalyzerRole{
		fixedRole{name: "a", confidence: 0.9},
		fixedRole{name: "b", err: errors.New("llm unavailable")},
		fixedRole{name: "c", err: errors.New("llm unavailable")},
	}
	o := confidence.NewOrchestrator(confidence.OrchestratorConfig{}, roles)

	result, err := o.Triangulate(context.Background(), confidence.RoleInput{RelationshipHash: "h"})
	require.NoError(t, err)
	assert.Equal(t, confidence.OutcomeEscalate, result.Outcome)
	assert.Len(t, result.FailedRoles, 2)
}

func TestOrchestrator_SlowRoleTimesOutButOthersProceed(t *testing.T) {
	roles := []confidence.AnalyzerRole{
		fixedRole{name: "a", confidence: 0.9},
		fixedRole{name: "b", confidence: 0.88},
		fixedRole{name: "slow", confidence: 0.9, delay: time.Second},
	}
	o := confidence.NewOrchestrator(confidence.OrchestratorConfig{RoleTimeout: 20 * time.Millisecond}, roles)

	result, err := o.Triangulate(context.Background(), confidence.RoleInput{RelationshipHash: "h"})
	require.NoError(t, err)
	assert.Equal(t, confidence.OutcomeAccept, result.Outcome)
	assert.Contains(t, result.FailedRoles, confidence.RoleName("slow"))
}

func TestOrchestrator_PeerReviewRoundRuns(t *testing.T) {
	roles := []confidence.AnalyzerRole{
		fixedRole{name: "a", confidence: 0.6},
		fixedRole{name: "b", confidence: 0.62},
	}
	o := confidence.NewOrchestrator(confidence.OrchestratorConfig{ExtraPeerReviewRounds: 1}, roles)

	result, err := o.Triangulate(context.Background(), confidence.RoleInput{RelationshipHash: "h"})
	require.NoError(t, err)
	assert.Equal(t, confidence.OutcomeAccept, result.Outcome)
}
