package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triangulate-io/core/pkg/config"
	"github.com/triangulate-io/core/pkg/workerpool"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, config.Default().Validate())
}

func TestValidate_RejectsZeroGlobalCap(t *testing.T) {
	cfg := config.Default()
	cfg.WorkerPool.GlobalInFlightCap = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsMinExceedingMax(t *testing.T) {
	cfg := config.Default()
	cfg.Classes = map[string]config.ClassConfig{
		"file-analysis": {Pool: workerpool.ClassConfig{Scaler: workerpool.ScalerConfig{Min: 10, Max: 2}}},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsHeartbeatIntervalAtOrAboveOrphanThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.Orphans.Threshold = 5 * time.Minute
	cfg.Classes = map[string]config.ClassConfig{
		"file-analysis": {JobTimeout: time.Minute, HeartbeatInterval: 5 * time.Minute},
	}
	assert.Error(t, cfg.Validate())
}

func TestLoad_ExpandsEnvAndOverridesDefaults(t *testing.T) {
	t.Setenv("TEST_DB_DSN", "postgres://env-host/triangulator")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
database_dsn: "${TEST_DB_DSN}"
worker_pool:
  global_in_flight_cap: 42
orchestrator:
  poll_interval: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env-host/triangulator", cfg.DatabaseDSN)
	assert.Equal(t, 42, cfg.WorkerPool.GlobalInFlightCap)
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.PollInterval)
	// Unset fields keep their built-in default.
	assert.Equal(t, 30*time.Minute, cfg.Orchestrator.StageTimeout)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := config.Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
