package api

import "time"

// CreateRunResponse is returned from POST /runs.
type CreateRunResponse struct {
	RunID string `json:"run_id"`
}

// RunResponse is the GET /runs/:id representation.
type RunResponse struct {
	ID           string     `json:"id"`
	PodID        string     `json:"pod_id"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	BenchmarkMet bool       `json:"benchmark_met"`
}

// RelationshipResponse is one row of GET /runs/:id/relationships.
type RelationshipResponse struct {
	ID         int64   `json:"id"`
	SourceID   int64   `json:"source_id"`
	TargetID   int64   `json:"target_id"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Status     string  `json:"status"`
	FilePath   string  `json:"file_path"`
	CrossFile  bool    `json:"cross_file"`
	Reason     string  `json:"reason,omitempty"`
}

// HealthCheck is one dependency's status within HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /healthz body, modeled on the teacher's
// healthHandler response shape.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}
