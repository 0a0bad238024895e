package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/triangulate-io/core/internal/model"
	"github.com/triangulate-io/core/pkg/evidence"
	"github.com/triangulate-io/core/pkg/queuebus"
)

// Queues named in spec.md §6 that the publisher fans events onto.
const (
	QueueFileAnalysis            = "file-analysis-queue"
	QueueDirectoryAggregation    = "directory-aggregation-queue"
	QueueDirectoryResolution     = "directory-resolution-queue"
	QueueRelationshipResolution  = "relationship-resolution-queue"
	QueueGlobalRelationship      = "global-relationship-analysis-queue"
	QueueAnalysisFindings        = "analysis-findings-queue"
	QueueReconciliation          = "reconciliation-queue"
)

// Config controls publisher batching per spec.md §6.
type Config struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

// FileAnalysisFindingPayload is the payload shape for file-analysis-finding
// events: the POIs an LLM call discovered in one file. It carries no
// relationships; those are resolved later by relationship-resolution jobs.
type FileAnalysisFindingPayload struct {
	FilePath string     `json:"file_path"`
	Dir      string     `json:"dir"`
	POIs     []POICandidate `json:"pois"`
}

// POICandidate is one LLM-reported point of interest awaiting numeric-id
// assignment by the publisher.
type POICandidate struct {
	Kind       model.POIKind `json:"kind"`
	Name       string        `json:"name"`
	StartLine  int           `json:"start_line"`
	EndLine    int           `json:"end_line"`
	IsExported bool          `json:"is_exported"`
	SemanticID string        `json:"semantic_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// RelationshipAnalysisFindingPayload is the payload shape for
// relationship-analysis-finding events.
type RelationshipAnalysisFindingPayload struct {
	SourceSemanticID string                  `json:"source_semantic_id"`
	TargetSemanticID string                  `json:"target_semantic_id"`
	Type             model.RelationshipType  `json:"type"`
	FilePath         string                  `json:"file_path"`
	ExpectedVotes    int                     `json:"expected_votes"`
	Payload          json.RawMessage         `json:"payload"`
}

// GlobalRelationshipFindingPayload is the payload shape for
// global-relationship-analysis-finding events: cross-file relationships
// produced by a privileged analyzer that already aggregated evidence, so
// they bypass per-hash counting entirely.
type GlobalRelationshipFindingPayload struct {
	SourceSemanticID string                 `json:"source_semantic_id"`
	TargetSemanticID string                 `json:"target_semantic_id"`
	Type             model.RelationshipType `json:"type"`
	Confidence       float64                `json:"confidence"`
	Reason           string                 `json:"reason"`
}

// Publisher is the single process-wide outbox-claiming loop. It is
// single-threaded per run by design (spec.md §5: "single-threaded per run
// ... to preserve per-type ordering") — one Publisher is started per
// coordinator process, serializing claim-batches.
type Publisher struct {
	db       *sql.DB
	bus      *queuebus.Bus
	counter  *evidence.Counter
	cfg      Config

	mu              sync.Mutex
	crossFileFired  map[string]bool // run id -> already enqueued

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPublisher constructs a Publisher. counter is the Publisher-owned
// expected-evidence-count map; only the Publisher reads and updates it, and
// the Reconciler does not consult it.
func NewPublisher(db *sql.DB, bus *queuebus.Bus, counter *evidence.Counter, cfg Config) *Publisher {
	return &Publisher{
		db:             db,
		bus:            bus,
		counter:        counter,
		cfg:            cfg.withDefaults(),
		crossFileFired: make(map[string]bool),
		stopCh:         make(chan struct{}),
	}
}

// Start begins the claim/flush loop in a goroutine.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop signals the loop to exit after its current flush and waits for it.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				slog.Error("outbox flush failed", "error", err)
			}
		}
	}
}

// Flush claims one batch of pending events and processes it to completion.
// Exposed directly so tests and graceful shutdown can force a pass without
// waiting for the next tick.
func (p *Publisher) Flush(ctx context.Context) error {
	batch, err := ClaimBatch(ctx, p.db, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	// Group by type, preserving ascending-id order within each group —
	// ClaimBatch already returns rows ordered by id.
	grouped := make(map[model.EventType][]ClaimedEvent)
	for _, e := range batch {
		grouped[e.Type] = append(grouped[e.Type], e)
	}

	var published, failed []int64
	for eventType, events := range grouped {
		handled, err := p.dispatch(ctx, eventType, events)
		if err != nil {
			slog.Error("outbox handler failed", "type", eventType, "error", err)
			for _, e := range events {
				failed = append(failed, e.ID)
			}
			continue
		}
		published = append(published, handled...)
	}

	if err := MarkPublished(ctx, p.db, published); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if err := MarkFailed(ctx, p.db, failed, p.cfg.MaxRetries); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	return nil
}

func (p *Publisher) dispatch(ctx context.Context, eventType model.EventType, events []ClaimedEvent) ([]int64, error) {
	switch eventType {
	case model.EventFileAnalysisFinding:
		return p.handleFileAnalysisFinding(ctx, events)
	case model.EventRelationshipAnalysisFinding:
		return p.handleRelationshipAnalysisFinding(ctx, events)
	case model.EventGlobalRelationshipFinding:
		return p.handleGlobalRelationshipFinding(ctx, events)
	default:
		return nil, fmt.Errorf("no handler registered for event type %q", eventType)
	}
}

// handleFileAnalysisFinding bulk-inserts POIs, assigns numeric ids, enqueues
// one relationship-resolution job per POI, marks the file analyzed, and
// checks the cross-file trigger.
func (p *Publisher) handleFileAnalysisFinding(ctx context.Context, events []ClaimedEvent) ([]int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin file-analysis-finding transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var handled []int64
	var runIDs = map[string]struct{}{}

	for _, e := range events {
		var payload FileAnalysisFindingPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			slog.Error("malformed file-analysis-finding payload", "event_id", e.ID, "error", err)
			continue
		}

		var poiIDs []int64
		for _, c := range payload.POIs {
			var id int64
			rawPayload := c.Payload
			if rawPayload == nil {
				rawPayload = json.RawMessage("{}")
			}
			err := tx.QueryRowContext(ctx,
				`INSERT INTO pois (run_id, file_path, kind, name, start_line, end_line, is_exported, semantic_id, payload)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9) RETURNING id`,
				e.RunID, payload.FilePath, string(c.Kind), c.Name, c.StartLine, c.EndLine, c.IsExported, c.SemanticID, []byte(rawPayload),
			).Scan(&id)
			if err != nil {
				return nil, fmt.Errorf("insert poi: %w", err)
			}
			poiIDs = append(poiIDs, id)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET status = 'analyzed' WHERE run_id = $1 AND path = $2`,
			e.RunID, payload.FilePath,
		); err != nil {
			return nil, fmt.Errorf("mark file analyzed: %w", err)
		}

		for _, id := range poiIDs {
			if _, err := p.bus.Add(ctx, QueueRelationshipResolution, struct {
				RunID string `json:"run_id"`
				POIID int64  `json:"poi_id"`
			}{e.RunID, id}, queuebus.AddOptions{}); err != nil {
				return nil, fmt.Errorf("enqueue relationship-resolution job: %w", err)
			}
		}

		runIDs[e.RunID] = struct{}{}
		handled = append(handled, e.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit file-analysis-finding transaction: %w", err)
	}

	for runID := range runIDs {
		if err := p.maybeTriggerCrossFile(ctx, runID); err != nil {
			slog.Warn("cross-file trigger check failed", "run_id", runID, "error", err)
		}
	}

	return handled, nil
}

// maybeTriggerCrossFile enqueues one global-relationship-analysis job per
// analyzed directory once every file in the run reaches status=analyzed.
// Guarded by a per-run in-memory flag so re-entrant flushes don't
// re-enqueue — spec.md §4.5's "idempotent" requirement.
func (p *Publisher) maybeTriggerCrossFile(ctx context.Context, runID string) error {
	p.mu.Lock()
	if p.crossFileFired[runID] {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	var pending int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM files WHERE run_id = $1 AND status != 'analyzed'`, runID,
	).Scan(&pending)
	if err != nil {
		return fmt.Errorf("count unanalyzed files: %w", err)
	}
	if pending > 0 {
		return nil
	}

	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT dir FROM files WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("list analyzed directories: %w", err)
	}
	defer rows.Close()

	var dirs []string
	for rows.Next() {
		var dir string
		if err := rows.Scan(&dir); err != nil {
			return fmt.Errorf("scan directory: %w", err)
		}
		dirs = append(dirs, dir)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, dir := range dirs {
		if _, err := p.bus.Add(ctx, QueueGlobalRelationship, struct {
			RunID string `json:"run_id"`
			Dir   string `json:"dir"`
		}{runID, dir}, queuebus.AddOptions{}); err != nil {
			return fmt.Errorf("enqueue global-relationship-analysis job: %w", err)
		}
	}

	p.mu.Lock()
	p.crossFileFired[runID] = true
	p.mu.Unlock()
	return nil
}

// handleRelationshipAnalysisFinding computes the relationship-hash for each
// finding, bulk-inserts evidence, and enqueues a validation batch carrying
// (hash, evidence-payload) tuples on the analysis-findings queue.
func (p *Publisher) handleRelationshipAnalysisFinding(ctx context.Context, events []ClaimedEvent) ([]int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin relationship-analysis-finding transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	type validationTuple struct {
		Hash    string          `json:"hash"`
		Payload json.RawMessage `json:"payload"`
	}

	var handled []int64
	var tuplesByRun = map[string][]validationTuple{}

	for _, e := range events {
		var payload RelationshipAnalysisFindingPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			slog.Error("malformed relationship-analysis-finding payload", "event_id", e.ID, "error", err)
			continue
		}
		if !model.IsValidRelationshipType(payload.Type) {
			slog.Error("rejected relationship-analysis-finding: unknown type", "event_id", e.ID, "type", payload.Type)
			continue
		}

		hash := evidence.RelationshipHash(payload.SourceSemanticID, payload.TargetSemanticID, payload.Type)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO relationship_evidence (run_id, relationship_hash, source_semantic_id, target_semantic_id, rel_type, file_path, payload)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.RunID, hash, payload.SourceSemanticID, payload.TargetSemanticID, string(payload.Type), payload.FilePath, []byte(payload.Payload),
		); err != nil {
			return nil, fmt.Errorf("insert evidence: %w", err)
		}

		if payload.ExpectedVotes > 0 {
			p.counter.SetExpected(hash, payload.ExpectedVotes)
		}

		tuplesByRun[e.RunID] = append(tuplesByRun[e.RunID], validationTuple{Hash: hash, Payload: payload.Payload})
		handled = append(handled, e.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit relationship-analysis-finding transaction: %w", err)
	}

	for runID, tuples := range tuplesByRun {
		var toAdd []any
		for _, t := range tuples {
			toAdd = append(toAdd, struct {
				RunID   string          `json:"run_id"`
				Hash    string          `json:"hash"`
				Payload json.RawMessage `json:"payload"`
			}{runID, t.Hash, t.Payload})
		}
		if err := p.bus.AddBulk(ctx, QueueAnalysisFindings, toAdd, queuebus.AddOptions{}); err != nil {
			return nil, fmt.Errorf("enqueue validation batch: %w", err)
		}

		for _, t := range tuples {
			if ready, known := p.counter.Increment(t.Hash); known && ready {
				if _, err := p.bus.Add(ctx, QueueReconciliation, struct {
					RunID string `json:"run_id"`
					Hash  string `json:"hash"`
				}{runID, t.Hash}, queuebus.AddOptions{}); err != nil {
					return nil, fmt.Errorf("enqueue reconcile job: %w", err)
				}
			} else if !known {
				// Degraded mode: no expected-count was ever recorded for this
				// hash (process restart mid-run, or the finding arrived before
				// its file-analysis-finding sibling). Reconcile immediately;
				// the relationship uniqueness constraint keeps this idempotent.
				if _, err := p.bus.Add(ctx, QueueReconciliation, struct {
					RunID string `json:"run_id"`
					Hash  string `json:"hash"`
				}{runID, t.Hash}, queuebus.AddOptions{}); err != nil {
					return nil, fmt.Errorf("enqueue degraded-mode reconcile job: %w", err)
				}
			}
		}
	}

	return handled, nil
}

// handleGlobalRelationshipFinding inserts cross-file relationships directly
// with status cross-file-validated, bypassing per-hash counting since the
// privileged analyzer already aggregated evidence.
func (p *Publisher) handleGlobalRelationshipFinding(ctx context.Context, events []ClaimedEvent) ([]int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin global-relationship-finding transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var handled []int64
	for _, e := range events {
		var payload GlobalRelationshipFindingPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			slog.Error("malformed global-relationship-analysis-finding payload", "event_id", e.ID, "error", err)
			continue
		}
		if !model.IsValidRelationshipType(payload.Type) {
			slog.Error("rejected global-relationship-analysis-finding: unknown type", "event_id", e.ID, "type", payload.Type)
			continue
		}

		var sourceID, targetID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM pois WHERE run_id = $1 AND semantic_id = $2`, e.RunID, payload.SourceSemanticID,
		).Scan(&sourceID); err != nil {
			slog.Warn("global relationship source POI not found, skipping", "event_id", e.ID, "semantic_id", payload.SourceSemanticID)
			continue
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM pois WHERE run_id = $1 AND semantic_id = $2`, e.RunID, payload.TargetSemanticID,
		).Scan(&targetID); err != nil {
			slog.Warn("global relationship target POI not found, skipping", "event_id", e.ID, "semantic_id", payload.TargetSemanticID)
			continue
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO relationships (run_id, source_id, target_id, type, confidence, status, cross_file, reason)
			 VALUES ($1, $2, $3, $4, $5, 'cross-file-validated', true, $6)
			 ON CONFLICT (run_id, source_id, target_id, type) DO UPDATE
			 SET confidence = EXCLUDED.confidence, status = EXCLUDED.status, reason = EXCLUDED.reason`,
			e.RunID, sourceID, targetID, string(payload.Type), payload.Confidence, payload.Reason,
		)
		if err != nil {
			return nil, fmt.Errorf("upsert cross-file relationship: %w", err)
		}
		handled = append(handled, e.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit global-relationship-finding transaction: %w", err)
	}
	return handled, nil
}
