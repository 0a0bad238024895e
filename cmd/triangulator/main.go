// Command triangulator runs the coordination core: it serves the run
// ingress API and drives every background component (outbox publisher,
// worker pool, reconciliation consumer, orphan detector) for the
// process's lifetime, the way cmd/tarsy wires services around one Gin
// router and a database client.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/triangulate-io/core/internal/model"
	"github.com/triangulate-io/core/pkg/api"
	"github.com/triangulate-io/core/pkg/checkpoint"
	"github.com/triangulate-io/core/pkg/confidence"
	"github.com/triangulate-io/core/pkg/config"
	"github.com/triangulate-io/core/pkg/database"
	"github.com/triangulate-io/core/pkg/evidence"
	"github.com/triangulate-io/core/pkg/graph"
	"github.com/triangulate-io/core/pkg/graphstore"
	"github.com/triangulate-io/core/pkg/llm"
	"github.com/triangulate-io/core/pkg/orchestrator"
	"github.com/triangulate-io/core/pkg/outbox"
	"github.com/triangulate-io/core/pkg/queuebus"
	"github.com/triangulate-io/core/pkg/reconcile"
	"github.com/triangulate-io/core/pkg/summary"
	"github.com/triangulate-io/core/pkg/worker"
	"github.com/triangulate-io/core/pkg/workerpool"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", "./deploy/config.yaml"), "Path to the YAML configuration file")
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy"), "Directory to load a .env file from")
	runOncePodID := flag.String("run-once-pod-id", "", "If set, start a single run for this pod id, wait for it to finalize, print its summary, and exit")
	runOnceFiles := flag.String("run-once-files", "", "Path to a JSON array of {path,dir,hash} discovered files, required with -run-once-pod-id")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("no .env file at %s, continuing with process environment", envPath)
	}

	gin.SetMode(getEnv("GIN_MODE", "release"))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg, err := database.ParseDSN(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("parse database_dsn: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("close database client", "error", err)
		}
	}()
	db := dbClient.DB()
	slog.Info("connected to coordination database")

	bus := queuebus.New(db)
	counter := evidence.NewCounter()

	publisher := outbox.NewPublisher(db, bus, counter, cfg.Outbox)
	publisher.Start(ctx)
	defer publisher.Stop()

	pool := workerpool.New(buildPoolConfig(cfg))
	pool.Start(ctx)
	defer pool.Stop()

	var llmClient *llm.Client
	if cfg.LLMAddr != "" {
		llmClient, err = llm.NewClient(cfg.LLMAddr, cfg.Triangulation.RoleTimeout)
		if err != nil {
			log.Fatalf("connect to LLM service: %v", err)
		}
		defer func() { _ = llmClient.Close() }()
	} else {
		slog.Warn("no llm_addr configured, triangulation panel disabled")
	}

	var graphClient *graphstore.Client
	if cfg.GraphStoreAddr != "" {
		graphClient, err = graphstore.NewClient(cfg.GraphStoreAddr, 30*time.Second)
		if err != nil {
			log.Fatalf("connect to graph store: %v", err)
		}
		defer func() { _ = graphClient.Close() }()
	} else {
		slog.Warn("no graph_store_addr configured, graph materialization will fail for any finalizing run")
	}

	var triangulationOrch *confidence.Orchestrator
	if llmClient != nil {
		roles := make([]confidence.AnalyzerRole, 0, len(confidence.DefaultRoles))
		for _, name := range confidence.DefaultRoles {
			roles = append(roles, confidence.NewLLMRole(name, llmClient, confidence.BuildPrompt))
		}
		triangulationOrch = confidence.NewOrchestrator(cfg.Triangulation, roles)
	}

	reconciler := reconcile.New(db, triangulationOrch)
	checkpoints := checkpoint.New(db, cfg.Benchmark)

	failures := summary.NewFailureTracker()
	runtimes := make(map[string]*worker.Runtime, len(cfg.Classes))
	var consumers []*queuebus.Consumer
	for class, cc := range cfg.Classes {
		queueName, inner, ok := classHandler(class, reconciler)
		if !ok {
			slog.Warn("no handler registered for worker class, skipping", "class", class)
			continue
		}

		rt := worker.New(pool, bus, cc.RuntimeConfig(class), inner)
		runtimes[class] = rt

		handler := func(ctx context.Context, job model.QueueJob) error {
			err := rt.Handle(ctx, job)
			failures.Record(class, err)
			return err
		}
		consumer := queuebus.NewConsumer(bus, queueName, handler, cc.Consumer)
		consumer.Start(ctx)
		consumers = append(consumers, consumer)
	}
	defer func() {
		for _, c := range consumers {
			c.Stop()
		}
	}()

	var materializerStore graph.GraphStore
	if graphClient != nil {
		materializerStore = graphClient
	}
	materializer := graph.New(db, materializerStore, 0)

	runOrch := orchestrator.New(db, bus, checkpoints, materializer, cfg.Orchestrator)

	orphans := queuebus.NewOrphanDetector(db, cfg.Orphans)
	orphans.Start(ctx)
	defer orphans.Stop()

	emitter := summary.New(checkpoints, pool, runtimes, failures)

	if *runOncePodID != "" {
		os.Exit(runOnce(ctx, db, runOrch, emitter, *runOncePodID, *runOnceFiles))
	}

	server := api.NewServer(runOrch, api.NewRunQueries(db), checkpoints, pool, dbClient, llmClient, graphClient)

	slog.Info("starting triangulator", "http_addr", cfg.HTTPAddr)
	if err := server.Start(ctx, cfg.HTTPAddr); err != nil {
		log.Fatalf("http server: %v", err)
	}

	runOrch.Wait()
	slog.Info("triangulator shut down cleanly")
}

// buildPoolConfig projects the umbrella configuration's per-class pool
// policy into workerpool.Config, so operators write one class entry
// (job-timeout, consumer cadence, pool policy) instead of duplicating
// class names across two YAML sections.
func buildPoolConfig(cfg config.Config) workerpool.Config {
	classes := make(map[string]workerpool.ClassConfig, len(cfg.Classes))
	for name, cc := range cfg.Classes {
		classes[name] = cc.Pool
	}
	poolCfg := cfg.WorkerPool
	poolCfg.Classes = classes
	return poolCfg
}

// classHandler maps a configured worker class name to the queue it
// consumes and the inner handler that processes each job. Only classes
// this core itself owns are registered here — file discovery, file
// analysis, directory aggregation/resolution, relationship resolution,
// and global-relationship analysis are external analyzer collaborators
// per spec.md §1 Non-goals and are never consumed by this process.
func classHandler(class string, reconciler *reconcile.Reconciler) (queue string, handler func(ctx context.Context, job model.QueueJob) error, ok bool) {
	switch class {
	case "reconciliation":
		return outbox.QueueReconciliation, reconciler.Handle, true
	default:
		return "", nil, false
	}
}

// runOnce drives a single run to completion and prints its JSON summary to
// stdout, matching spec.md §6's exit-behavior contract: 0 on a benchmark-met
// finalize, 2 when the run finalizes below benchmark, 1 on any other
// failure. It exists alongside the HTTP ingress (C11) for operators who
// want a scriptable one-shot invocation instead of polling the API.
func runOnce(ctx context.Context, db *sql.DB, runOrch *orchestrator.Orchestrator, emitter *summary.Emitter, podID, filesPath string) int {
	if filesPath == "" {
		log.Println("-run-once-files is required with -run-once-pod-id")
		return 1
	}
	raw, err := os.ReadFile(filesPath)
	if err != nil {
		log.Printf("read discovered files: %v", err)
		return 1
	}
	var discovered []orchestrator.DiscoveredFile
	if err := json.Unmarshal(raw, &discovered); err != nil {
		log.Printf("parse discovered files: %v", err)
		return 1
	}

	runID, err := runOrch.StartRun(ctx, podID, discovered)
	if err != nil {
		log.Printf("start run: %v", err)
		return 1
	}

	status, benchmarkMet, err := pollRunStatus(ctx, db, runID)
	if err != nil {
		log.Printf("poll run status: %v", err)
		return 1
	}

	if err := emitter.Emit(ctx, runID, os.Stdout); err != nil {
		log.Printf("emit run summary: %v", err)
		return 1
	}

	switch {
	case status == model.RunFailed:
		return 1
	case !benchmarkMet:
		return 2
	default:
		return 0
	}
}

// pollRunStatus blocks until the run reaches a terminal status, relying on
// the orchestrator's own StageTimeout to bound the wait — this loop never
// imposes a second, independent deadline.
func pollRunStatus(ctx context.Context, db *sql.DB, runID string) (model.RunStatus, bool, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-ticker.C:
		}

		var status string
		var benchmarkMet bool
		err := db.QueryRowContext(ctx, `SELECT status, benchmark_met FROM runs WHERE id = $1`, runID).Scan(&status, &benchmarkMet)
		if err != nil {
			return "", false, err
		}
		rs := model.RunStatus(status)
		if rs == model.RunFinalized || rs == model.RunFailed {
			return rs, benchmarkMet, nil
		}
	}
}
