package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/triangulate-io/core/pkg/database"
	"github.com/triangulate-io/core/pkg/orchestrator"
)

// createRunHandler handles POST /runs.
func (s *Server) createRunHandler(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	files := make([]orchestrator.DiscoveredFile, 0, len(req.Files))
	for _, f := range req.Files {
		files = append(files, orchestrator.DiscoveredFile{Path: f.Path, Dir: f.Dir, Hash: f.Hash})
	}

	runID, err := s.orchestrator.StartRun(c.Request.Context(), req.PodID, files)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, CreateRunResponse{RunID: runID})
}

// getRunHandler handles GET /runs/:id.
func (s *Server) getRunHandler(c *gin.Context) {
	run, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := RunResponse{
		ID:           run.ID,
		PodID:        run.PodID,
		Status:       string(run.Status),
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		BenchmarkMet: run.BenchmarkMet,
	}
	c.JSON(http.StatusOK, resp)
}

// listRelationshipsHandler handles GET /runs/:id/relationships.
func (s *Server) listRelationshipsHandler(c *gin.Context) {
	rels, err := s.runs.ListRelationships(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]RelationshipResponse, 0, len(rels))
	for _, r := range rels {
		out = append(out, RelationshipResponse{
			ID:         r.ID,
			SourceID:   r.SourceID,
			TargetID:   r.TargetID,
			Type:       string(r.Type),
			Confidence: r.Confidence,
			Status:     string(r.Status),
			FilePath:   r.FilePath,
			CrossFile:  r.CrossFile,
			Reason:     r.Reason,
		})
	}
	c.JSON(http.StatusOK, out)
}

// getRunSummaryHandler handles GET /runs/:id/summary.
func (s *Server) getRunSummaryHandler(c *gin.Context) {
	summary, err := s.checkpoints.GetRunSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// cancelRunHandler handles POST /runs/:id/cancel.
func (s *Server) cancelRunHandler(c *gin.Context) {
	if !s.orchestrator.CancelRun(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found or not in-flight on this instance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

// healthHandler handles GET /healthz. Only this process's own components
// (database, worker pool) gate the overall status; the LLM and graph-store
// adapters are checked but degrade the response to "degraded" rather than
// "unhealthy" — an unreachable external collaborator shouldn't cause this
// process to be restarted, matching the teacher's healthHandler rationale.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := "healthy"

	dbHealth, err := database.Health(ctx, s.db.DB())
	if err != nil {
		status = "unhealthy"
		checks["database"] = HealthCheck{Status: "unhealthy", Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: dbHealth.Status}
	}

	if s.pool != nil {
		poolHealth := s.pool.Health()
		if !poolHealth.IsHealthy {
			if status == "healthy" {
				status = "degraded"
			}
			checks["worker_pool"] = HealthCheck{Status: "degraded", Message: "one or more circuits open"}
		} else {
			checks["worker_pool"] = HealthCheck{Status: "healthy"}
		}
	}

	if s.llmClient != nil {
		if err := s.llmClient.HealthCheck(ctx); err != nil {
			if status == "healthy" {
				status = "degraded"
			}
			checks["llm"] = HealthCheck{Status: "degraded", Message: err.Error()}
		} else {
			checks["llm"] = HealthCheck{Status: "healthy"}
		}
	}

	if s.graphClient != nil {
		if err := s.graphClient.HealthCheck(ctx); err != nil {
			if status == "healthy" {
				status = "degraded"
			}
			checks["graph_store"] = HealthCheck{Status: "degraded", Message: err.Error()}
		} else {
			checks["graph_store"] = HealthCheck{Status: "healthy"}
		}
	}

	httpStatus := http.StatusOK
	if status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{Status: status, Checks: checks})
}
