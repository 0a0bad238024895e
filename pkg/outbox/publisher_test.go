package outbox_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triangulate-io/core/internal/model"
	"github.com/triangulate-io/core/internal/testsupport"
	"github.com/triangulate-io/core/pkg/evidence"
	"github.com/triangulate-io/core/pkg/outbox"
	"github.com/triangulate-io/core/pkg/queuebus"
)

func TestPublisher_HandlesFileAnalysisFindingAndEnqueuesRelationshipResolution(t *testing.T) {
	client := testsupport.NewTestClient(t)
	db := client.DB()
	ctx := context.Background()

	const runID = "run-file-analysis"
	_, err := db.ExecContext(ctx, `INSERT INTO runs (id, pod_id, status) VALUES ($1, 'pod-1', 'active')`, runID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO files (run_id, path, hash, status, dir) VALUES ($1, 'a.go', 'h1', 'pending', '.')`, runID)
	require.NoError(t, err)

	payload := outbox.FileAnalysisFindingPayload{
		FilePath: "a.go",
		Dir:      ".",
		POIs: []outbox.POICandidate{
			{Kind: model.POIFunction, Name: "DoThing", StartLine: 1, EndLine: 10, SemanticID: "a.go_function_DoThing"},
		},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`INSERT INTO outbox_events (run_id, type, payload) VALUES ($1, 'file-analysis-finding', $2)`,
		runID, body,
	)
	require.NoError(t, err)

	bus := queuebus.New(db)
	counter := evidence.NewCounter()
	publisher := outbox.NewPublisher(db, bus, counter, outbox.Config{})

	require.NoError(t, publisher.Flush(ctx))

	var poiCount int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM pois WHERE run_id = $1`, runID).Scan(&poiCount))
	assert.Equal(t, 1, poiCount)

	var fileStatus string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status FROM files WHERE run_id = $1 AND path = 'a.go'`, runID).Scan(&fileStatus))
	assert.Equal(t, "analyzed", fileStatus)

	jobs, err := bus.GetWaiting(ctx, outbox.QueueRelationshipResolution, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	var eventStatus string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status FROM outbox_events WHERE run_id = $1`, runID).Scan(&eventStatus))
	assert.Equal(t, "published", eventStatus)
}

func TestPublisher_RelationshipAnalysisFindingReachesReconciliationWhenExpectedVotesMet(t *testing.T) {
	client := testsupport.NewTestClient(t)
	db := client.DB()
	ctx := context.Background()

	const runID = "run-relationship-finding"
	_, err := db.ExecContext(ctx, `INSERT INTO runs (id, pod_id, status) VALUES ($1, 'pod-1', 'active')`, runID)
	require.NoError(t, err)

	payload := outbox.RelationshipAnalysisFindingPayload{
		SourceSemanticID: "a.go_function_Foo",
		TargetSemanticID: "b.go_function_Bar",
		Type:             model.RelCalls,
		FilePath:         "a.go",
		ExpectedVotes:    1,
		Payload:          json.RawMessage(`{"llm_confidence":0.9,"syntactic_cues":["call-expr"]}`),
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`INSERT INTO outbox_events (run_id, type, payload) VALUES ($1, 'relationship-analysis-finding', $2)`,
		runID, body,
	)
	require.NoError(t, err)

	bus := queuebus.New(db)
	counter := evidence.NewCounter()
	publisher := outbox.NewPublisher(db, bus, counter, outbox.Config{})

	require.NoError(t, publisher.Flush(ctx))

	var evidenceCount int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM relationship_evidence WHERE run_id = $1`, runID).Scan(&evidenceCount))
	assert.Equal(t, 1, evidenceCount)

	reconcileJobs, err := bus.GetWaiting(ctx, outbox.QueueReconciliation, 10)
	require.NoError(t, err)
	assert.Len(t, reconcileJobs, 1)

	validationJobs, err := bus.GetWaiting(ctx, outbox.QueueAnalysisFindings, 10)
	require.NoError(t, err)
	assert.Len(t, validationJobs, 1)
}
