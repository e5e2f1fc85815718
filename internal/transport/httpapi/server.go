// Package httpapi exposes workflow authoring and the ledger over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"workflowTrader/internal/analytics"
	"workflowTrader/internal/app"
	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"

	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 5 * time.Second

// WorkflowManager is the authoring side the API drives.
type WorkflowManager interface {
	Create(ctx context.Context, in app.WorkflowInput) (*domain.Workflow, error)
	Update(ctx context.Context, id string, in app.WorkflowInput) (*domain.Workflow, error)
	Delete(ctx context.Context, id string) error
	Toggle(ctx context.Context, id string) (*domain.Workflow, error)
	Get(ctx context.Context, id string) (*domain.Workflow, error)
	List(ctx context.Context, filter domain.WorkflowFilter, page domain.Page) ([]*domain.Workflow, int, error)
}

// LedgerReader lists ledger entries and positions.
type LedgerReader interface {
	ListExecutions(ctx context.Context, filter domain.ExecutionFilter, page domain.Page) ([]*domain.WorkflowExecution, int, error)
	ListPositions(ctx context.Context, walletID string, status domain.PositionStatus, page domain.Page) ([]*domain.Position, int, error)
}

// StatsProvider summarizes one workflow's ledger.
type StatsProvider interface {
	Stats(ctx context.Context, workflowID string) (*analytics.WorkflowStats, error)
}

// Config holds the dependencies of the Server.
type Config struct {
	Addr      string
	Workflows WorkflowManager
	Ledger    LedgerReader
	Stats     StatsProvider
	Logger    ports.Logger
	Checks    map[string]HealthCheck // readiness probes by name, optional
	Debug     bool                   // gin debug mode
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server is the HTTP query and authoring surface.
type Server struct {
	addr      string
	workflows WorkflowManager
	ledger    LedgerReader
	stats     StatsProvider
	logger    ports.Logger
	checks    map[string]HealthCheck
	router    *gin.Engine
}

// New creates the server and registers its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Workflows == nil || cfg.Ledger == nil || cfg.Stats == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for HTTP server")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		addr:      cfg.Addr,
		workflows: cfg.Workflows,
		ledger:    cfg.Ledger,
		stats:     cfg.Stats,
		logger:    cfg.Logger,
		checks:    cfg.Checks,
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.accessLog())
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.GET("/healthz", s.healthz)

	wf := r.Group("/workflows")
	wf.GET("", s.listWorkflows)
	wf.POST("", s.createWorkflow)
	wf.GET("/:id", s.getWorkflow)
	wf.PUT("/:id", s.updateWorkflow)
	wf.DELETE("/:id", s.deleteWorkflow)
	wf.POST("/:id/toggle", s.toggleWorkflow)
	wf.GET("/:id/stats", s.workflowStats)

	r.GET("/executions", s.listExecutions)
	r.GET("/positions", s.listPositions)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "HTTP API listening", ports.Fields{"addr": s.addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info(ctx, "HTTP API stopped")
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := ports.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Warn(c.Request.Context(), "HTTP request failed", fields)
			return
		}
		s.logger.Debug(c.Request.Context(), "HTTP request", fields)
	}
}

// fail maps err onto a status code and writes it.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ports.ErrInvalidWorkflow), errors.Is(err, ports.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ports.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ports.ErrDuplicateEntry):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(c.Request.Context(), err, "HTTP handler error", ports.Fields{"path": c.FullPath()})
	}
	c.AbortWithStatusJSON(status, errorView{Error: err.Error()})
}
