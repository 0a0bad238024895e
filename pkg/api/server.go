// Package api provides the HTTP ingress (spec.md §4.11 expansion, C11):
// run submission, run/relationship/checkpoint queries, and a health
// endpoint, following the teacher's Gin-based handler/server split.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/triangulate-io/core/pkg/checkpoint"
	"github.com/triangulate-io/core/pkg/database"
	"github.com/triangulate-io/core/pkg/graphstore"
	"github.com/triangulate-io/core/pkg/llm"
	"github.com/triangulate-io/core/pkg/orchestrator"
	"github.com/triangulate-io/core/pkg/workerpool"
)

const healthCheckTimeout = 5 * time.Second

// Server is the HTTP API server wrapping Gin's router, mirroring the
// teacher's pkg/api.Server composition of one router plus service
// dependencies.
type Server struct {
	engine       *gin.Engine
	httpServer   *http.Server
	orchestrator *orchestrator.Orchestrator
	runs         *RunQueries
	checkpoints  *checkpoint.Manager
	pool         *workerpool.Manager
	db           *database.Client
	llmClient    *llm.Client
	graphClient  *graphstore.Client
}

// NewServer constructs a Server and registers its routes. pool, llmClient,
// and graphClient are optional (nil skips that health check) so the server
// can run in tests without a live worker pool or external services wired.
func NewServer(
	orch *orchestrator.Orchestrator,
	runs *RunQueries,
	checkpoints *checkpoint.Manager,
	pool *workerpool.Manager,
	db *database.Client,
	llmClient *llm.Client,
	graphClient *graphstore.Client,
) *Server {
	engine := gin.Default()

	s := &Server{
		engine:       engine,
		orchestrator: orch,
		runs:         runs,
		checkpoints:  checkpoints,
		pool:         pool,
		db:           db,
		llmClient:    llmClient,
		graphClient:  graphClient,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.healthHandler)

	v1 := s.engine.Group("/runs")
	v1.POST("", s.createRunHandler)
	v1.GET("/:id", s.getRunHandler)
	v1.GET("/:id/relationships", s.listRelationshipsHandler)
	v1.GET("/:id/summary", s.getRunSummaryHandler)
	v1.POST("/:id/cancel", s.cancelRunHandler)
}

// ServeHTTP lets Server be exercised directly by httptest without binding a
// real listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Start runs the HTTP server on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
