// Package testsupport provides shared test infrastructure: a
// testcontainers-backed Postgres instance for integration tests that need a
// real database to exercise FOR UPDATE SKIP LOCKED claiming, outbox
// publishing, and checkpoint reconciliation.
package testsupport

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/triangulate-io/core/pkg/database"
)

// NewTestClient returns a database.Client backed by a throwaway Postgres
// instance. In CI (when CI_DATABASE_URL is set) it connects to an external
// service container instead of spinning up testcontainers; either way the
// embedded migrations run before the client is returned, and the connection
// is torn down automatically at test end.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	if ciURL := os.Getenv("CI_DATABASE_URL"); ciURL != "" {
		t.Log("using external PostgreSQL from CI_DATABASE_URL")
		return connectAndMigrate(t, ctx, ciURL)
	}

	t.Log("using testcontainers for PostgreSQL")
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

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return connectAndMigrate(t, ctx, connStr)
}

func connectAndMigrate(t *testing.T, ctx context.Context, dsn string) *database.Client {
	t.Helper()

	cfg, err := database.ParseDSN(dsn)
	require.NoError(t, err)
	cfg.MaxOpenConns = 10
	cfg.MaxIdleConns = 5

	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}
