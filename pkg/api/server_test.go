package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/triangulate-io/core/pkg/api"
	"github.com/triangulate-io/core/pkg/checkpoint"
	"github.com/triangulate-io/core/pkg/database"
	"github.com/triangulate-io/core/pkg/graph"
	"github.com/triangulate-io/core/pkg/orchestrator"
	"github.com/triangulate-io/core/pkg/queuebus"
)

func TestServer_HealthAndRunLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("triangulator_test"),
		postgres.WithUsername("triangulator"),
		postgres.WithPassword("triangulator"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, testcontainers.TerminateContainer(pgContainer)) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	cfg, err := database.ParseDSN(connStr)
	require.NoError(t, err)

	dbClient, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbClient.Close() })

	bus := queuebus.New(dbClient.DB())
	checkpoints := checkpoint.New(dbClient.DB(), checkpoint.BenchmarkConfig{})
	materializer := graph.New(dbClient.DB(), nil, 0)
	orch := orchestrator.New(dbClient.DB(), bus, checkpoints, materializer, orchestrator.Config{PollInterval: 10 * time.Millisecond})

	srv := api.NewServer(orch, api.NewRunQueries(dbClient.DB()), checkpoints, nil, dbClient, nil, nil)

	t.Run("health reports healthy with no optional dependencies wired", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var body api.HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, "healthy", body.Status)
		require.Equal(t, "healthy", body.Checks["database"].Status)
	})

	t.Run("create then fetch a run", func(t *testing.T) {
		reqBody := api.CreateRunRequest{
			PodID: "pod-1",
			Files: []api.RequestFile{{Path: "a.go", Dir: ".", Hash: "h1"}},
		}
		b, err := json.Marshal(reqBody)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)

		var created api.CreateRunResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		require.NotEmpty(t, created.RunID)
		t.Cleanup(func() { orch.CancelRun(created.RunID) })

		req = httptest.NewRequest(http.MethodGet, "/runs/"+created.RunID, nil)
		rec = httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var run api.RunResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
		require.Equal(t, created.RunID, run.ID)
		require.Equal(t, "pod-1", run.PodID)
	})

	t.Run("unknown run returns 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/runs/does-not-exist", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}
