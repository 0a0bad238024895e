package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/triangulate-io/core/pkg/database"
)

func TestNewClient_AppliesMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

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
	t.Cleanup(func() {
		require.NoError(t, testcontainers.TerminateContainer(pgContainer))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg, err := database.ParseDSN(connStr)
	require.NoError(t, err)

	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var count int
	err = client.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_name = 'runs'`,
	).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	health, err := database.Health(ctx, client.DB())
	require.NoError(t, err)
	require.Equal(t, "healthy", health.Status)
}

func TestNewClient_AppliesMigrationsIdempotently(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

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
	t.Cleanup(func() {
		require.NoError(t, testcontainers.TerminateContainer(pgContainer))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg, err := database.ParseDSN(connStr)
	require.NoError(t, err)

	client1, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, client1.Close())

	// Re-applying migrations against the same database must be a no-op, not
	// an error (migrate.ErrNoChange must be swallowed).
	client2, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, client2.Close())
}
