// Package model defines the entities of the coordination core: runs, files,
// points of interest, relationships, evidence, outbox events, checkpoints,
// and queue jobs. These map directly onto Postgres tables managed by the
// migrations embedded in pkg/database.
package model

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunFinalized RunStatus = "finalized"
	RunFailed    RunStatus = "failed"
)

// Run is the top-level unit of work: one pipeline execution over a source tree.
type Run struct {
	ID           string
	PodID        string
	Status       RunStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	BenchmarkMet bool
}

// FileStatus is the lifecycle state of a File within a Run.
type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusProcessing FileStatus = "processing"
	FileStatusAnalyzed   FileStatus = "analyzed"
	FileStatusFailed     FileStatus = "failed"
)

// File is a source file discovered for a Run.
type File struct {
	RunID   string
	Path    string
	Hash    string
	Status  FileStatus
	Dir     string
}

// POIKind enumerates the kinds of Points of Interest the LLM can report.
type POIKind string

const (
	POIFunction  POIKind = "function"
	POIClass     POIKind = "class"
	POIMethod    POIKind = "method"
	POIVariable  POIKind = "variable"
	POIImport    POIKind = "import"
	POIExport    POIKind = "export"
	POIInterface POIKind = "interface"
	POIType      POIKind = "type"
	POIConstant  POIKind = "constant"
	POIModule    POIKind = "module"
)

// POI is a Point of Interest: a code entity extracted by LLM analysis.
type POI struct {
	ID         int64
	RunID      string
	FilePath   string
	Kind       POIKind
	Name       string
	StartLine  int
	EndLine    int
	IsExported bool
	SemanticID string // "<file-or-module>_<kind>_<name>", empty when not assigned
	Payload    []byte // opaque LLM payload, JSON
}

// RelationshipType is drawn from the closed vocabulary in spec.md §6.
// Unknown types must be rejected at ingress.
type RelationshipType string

const (
	RelCalls         RelationshipType = "CALLS"
	RelImplements    RelationshipType = "IMPLEMENTS"
	RelUses          RelationshipType = "USES"
	RelDependsOn     RelationshipType = "DEPENDS_ON"
	RelInherits      RelationshipType = "INHERITS"
	RelContains      RelationshipType = "CONTAINS"
	RelDefines       RelationshipType = "DEFINES"
	RelReferences    RelationshipType = "REFERENCES"
	RelExtends       RelationshipType = "EXTENDS"
	RelBelongsTo     RelationshipType = "BELONGS_TO"
	RelRelatedTo     RelationshipType = "RELATED_TO"
	RelPartOf        RelationshipType = "PART_OF"
	RelUsedBy        RelationshipType = "USED_BY"
	RelInstantiates  RelationshipType = "INSTANTIATES"
	RelRelated       RelationshipType = "RELATED"
	RelImports       RelationshipType = "IMPORTS"
	RelUsesConfig    RelationshipType = "USES_CONFIG"
)

// validRelationshipTypes is the closed set from spec.md §6.
var validRelationshipTypes = map[RelationshipType]struct{}{
	RelCalls: {}, RelImplements: {}, RelUses: {}, RelDependsOn: {},
	RelInherits: {}, RelContains: {}, RelDefines: {}, RelReferences: {},
	RelExtends: {}, RelBelongsTo: {}, RelRelatedTo: {}, RelPartOf: {},
	RelUsedBy: {}, RelInstantiates: {}, RelRelated: {}, RelImports: {},
	RelUsesConfig: {},
}

// IsValidRelationshipType reports whether t belongs to the closed vocabulary.
func IsValidRelationshipType(t RelationshipType) bool {
	_, ok := validRelationshipTypes[t]
	return ok
}

// RelationshipStatus is the lifecycle state of a Relationship.
type RelationshipStatus string

const (
	RelationshipPending                RelationshipStatus = "pending"
	RelationshipValidated              RelationshipStatus = "validated"
	RelationshipTriangulatedValidated  RelationshipStatus = "triangulated-validated"
	RelationshipCrossFileValidated     RelationshipStatus = "cross-file-validated"
	RelationshipRejected               RelationshipStatus = "rejected"
	RelationshipEscalated              RelationshipStatus = "escalated"
)

// Relationship links two POIs within a Run.
type Relationship struct {
	ID          int64
	RunID       string
	SourceID    int64
	TargetID    int64
	Type        RelationshipType
	Confidence  float64
	Status      RelationshipStatus
	FilePath    string // intra-file relationships
	CrossFile   bool
	Reason      string
}

// Evidence is one independent vote toward a relationship, keyed by its
// content hash over (source semantic id, target semantic id, type).
type Evidence struct {
	ID                 int64
	RunID              string
	RelationshipHash   string
	Payload            []byte
	RelationshipID     *int64
	CreatedAt          time.Time
}

// EventType enumerates the outbox event kinds from spec.md §6.
type EventType string

const (
	EventFileAnalysisFinding            EventType = "file-analysis-finding"
	EventRelationshipAnalysisFinding    EventType = "relationship-analysis-finding"
	EventGlobalRelationshipFinding      EventType = "global-relationship-analysis-finding"
	EventDirectorySummary               EventType = "directory-summary"
	EventFailedJob                      EventType = "failed-job"
)

// OutboxEventStatus is the lifecycle state of an OutboxEvent.
type OutboxEventStatus string

const (
	OutboxPending   OutboxEventStatus = "pending"
	OutboxPublished OutboxEventStatus = "published"
	OutboxFailed    OutboxEventStatus = "failed"
)

// OutboxEvent is a durable record co-committed with its originating write.
type OutboxEvent struct {
	ID         int64
	RunID      string
	Type       EventType
	Payload    []byte
	Status     OutboxEventStatus
	CreatedAt  time.Time
	RetryCount int
}

// Stage is a pipeline checkpoint stage from spec.md §3.
type Stage string

const (
	StageFileLoaded          Stage = "file-loaded"
	StageEntitiesExtracted   Stage = "entities-extracted"
	StageRelationshipsBuilt  Stage = "relationships-built"
	StageNeo4jStored         Stage = "neo4j-stored"
	StagePipelineComplete    Stage = "pipeline-complete"
)

// CheckpointStatus is the lifecycle state of a Checkpoint.
type CheckpointStatus string

const (
	CheckpointPending   CheckpointStatus = "pending"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointFailed    CheckpointStatus = "failed"
)

// Checkpoint records an entity's progress through a pipeline stage.
type Checkpoint struct {
	ID               int64
	RunID            string
	Stage            Stage
	EntityID         string
	Status           CheckpointStatus
	Metadata         []byte
	ValidationResult []byte
	ValidationError  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// QueueJobStatus mirrors the lifecycle owned by the Queue Bus (§4.2).
type QueueJobStatus string

const (
	JobWaiting QueueJobStatus = "waiting"
	JobActive  QueueJobStatus = "active"
	JobFailed  QueueJobStatus = "failed"
	JobDone    QueueJobStatus = "done"
)

// QueueJob is a logical record inside the Queue Bus.
type QueueJob struct {
	ID        int64
	Queue     string
	Payload   []byte
	Attempt   int
	Priority  int
	RunAt     time.Time
	Status    QueueJobStatus
	CreatedAt time.Time
}
