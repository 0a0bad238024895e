// Package config loads the coordination core's configuration surface
// (spec.md §6) from a YAML file with environment-variable expansion and
// built-in defaults, following the teacher's pkg/config.Initialize
// layering: read → expand env → unmarshal → merge onto defaults →
// validate.
package config

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/triangulate-io/core/pkg/checkpoint"
	"github.com/triangulate-io/core/pkg/confidence"
	"github.com/triangulate-io/core/pkg/orchestrator"
	"github.com/triangulate-io/core/pkg/outbox"
	"github.com/triangulate-io/core/pkg/queuebus"
	"github.com/triangulate-io/core/pkg/worker"
	"github.com/triangulate-io/core/pkg/workerpool"
)

// Config is the complete process configuration: database connection,
// worker pool and per-class policy, triangulation, checkpoint benchmark,
// publisher, orphan detector, run orchestrator, HTTP ingress, and the
// external LLM/graph-store adapter addresses.
type Config struct {
	HTTPAddr       string `yaml:"http_addr"`
	DatabaseDSN    string `yaml:"database_dsn"`
	LLMAddr        string `yaml:"llm_addr"`
	GraphStoreAddr string `yaml:"graph_store_addr"`

	WorkerPool    workerpool.Config             `yaml:"worker_pool"`
	Classes       map[string]ClassConfig        `yaml:"classes"`
	Outbox        outbox.Config                 `yaml:"outbox"`
	Triangulation confidence.OrchestratorConfig `yaml:"triangulation"`
	Benchmark     checkpoint.BenchmarkConfig    `yaml:"benchmark"`
	Orchestrator  orchestrator.Config           `yaml:"orchestrator"`
	Orphans       queuebus.OrphanDetectorConfig `yaml:"orphans"`
}

// ClassConfig is one worker class's YAML-facing policy: its runtime
// timeout plus the pool manager's scaler/breaker/rate-limiter knobs.
// Kept separate from workerpool.ClassConfig so the YAML shape can name
// job-timeout alongside the pool's own per-class settings, matching
// spec.md §6's flat "per-class {min, max} concurrency ... job-timeout"
// listing rather than splitting it across two YAML sections.
type ClassConfig struct {
	JobTimeout time.Duration           `yaml:"job_timeout"`
	Consumer   queuebus.ConsumerConfig `yaml:"consumer"`
	Pool       workerpool.ClassConfig  `yaml:"pool"`

	// HeartbeatInterval is how often an in-flight job on this class refreshes
	// its liveness. Zero defers to worker.Config's own default (a quarter of
	// JobTimeout, capped at 30s).
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// RuntimeConfig returns the worker.Config for this class.
func (c ClassConfig) RuntimeConfig(class string) worker.Config {
	return worker.Config{Class: class, Timeout: c.JobTimeout, HeartbeatInterval: c.HeartbeatInterval}
}

// Default returns the built-in configuration: conservative defaults for
// every component, with no classes registered (the caller names its own
// worker classes).
func Default() Config {
	return Config{
		HTTPAddr:    ":8080",
		DatabaseDSN: "postgres://localhost:5432/triangulator?sslmode=disable",
		WorkerPool:  workerpool.Config{GlobalInFlightCap: 100},
		Classes:     map[string]ClassConfig{},
		Outbox:      outbox.Config{BatchSize: 100, FlushInterval: 2 * time.Second, MaxRetries: 5},
		Triangulation: confidence.OrchestratorConfig{
			ConflictThreshold: 0.4,
			RoleTimeout:       2 * time.Minute,
		},
		Benchmark: checkpoint.BenchmarkConfig{MinNodes: 1, MinRelationships: 0},
		Orchestrator: orchestrator.Config{
			PollInterval: 2 * time.Second,
			StageTimeout: 30 * time.Minute,
		},
		Orphans: queuebus.OrphanDetectorConfig{ScanInterval: time.Minute, Threshold: 10 * time.Minute},
	}
}

// Load reads the YAML file at path, expands environment variables, and
// merges it onto Default() (non-zero YAML values override the default;
// unset ones keep the default).
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	data = ExpandEnv(data)

	var fromFile Config
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := mergo.Merge(&cfg, fromFile, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("merge config onto defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration invariants a misconfigured process
// would otherwise discover only at runtime.
func (c Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database_dsn is required")
	}
	if c.WorkerPool.GlobalInFlightCap <= 0 {
		return fmt.Errorf("worker_pool.global_in_flight_cap must be positive")
	}
	for name, cc := range c.Classes {
		if cc.Pool.Scaler.Max > 0 && cc.Pool.Scaler.Min > cc.Pool.Scaler.Max {
			return fmt.Errorf("class %q: min concurrency exceeds max", name)
		}
		if cc.HeartbeatInterval < 0 {
			return fmt.Errorf("class %q: heartbeat_interval must not be negative", name)
		}
		if cc.HeartbeatInterval > 0 && c.Orphans.Threshold > 0 && cc.HeartbeatInterval >= c.Orphans.Threshold {
			return fmt.Errorf("class %q: heartbeat_interval must be less than orphans.threshold to prevent false orphan detection", name)
		}
	}
	return nil
}
