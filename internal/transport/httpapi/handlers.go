package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"workflowTrader/internal/app"
	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"

	"github.com/gin-gonic/gin"
)

func (s *Server) healthz(c *gin.Context) {
	failed := make(map[string]string)
	for name, check := range s.checks {
		if err := check(c.Request.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) listWorkflows(c *gin.Context) {
	page, err := pageFromQuery(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	filter := domain.WorkflowFilter{WalletID: c.Query("wallet")}
	if t := c.Query("type"); t != "" {
		filter.Type = domain.WorkflowType(strings.ToUpper(t))
		if !filter.Type.Valid() {
			s.fail(c, fmt.Errorf("%w: unknown type %q", ports.ErrInvalidRequest, t))
			return
		}
	}

	wfs, total, err := s.workflows.List(c.Request.Context(), filter, page)
	if err != nil {
		s.fail(c, err)
		return
	}
	items := make([]WorkflowView, 0, len(wfs))
	for _, wf := range wfs {
		v, err := newWorkflowView(wf)
		if err != nil {
			s.fail(c, err)
			return
		}
		items = append(items, v)
	}
	c.JSON(http.StatusOK, pageView[WorkflowView]{Items: items, Total: total, Page: page.Number, PageSize: page.Size})
}

func (s *Server) createWorkflow(c *gin.Context) {
	var in app.WorkflowInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", ports.ErrInvalidWorkflow, err))
		return
	}
	wf, err := s.workflows.Create(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeWorkflow(c, http.StatusCreated, wf)
}

func (s *Server) getWorkflow(c *gin.Context) {
	wf, err := s.workflows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeWorkflow(c, http.StatusOK, wf)
}

func (s *Server) updateWorkflow(c *gin.Context) {
	var in app.WorkflowInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", ports.ErrInvalidWorkflow, err))
		return
	}
	wf, err := s.workflows.Update(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeWorkflow(c, http.StatusOK, wf)
}

func (s *Server) deleteWorkflow(c *gin.Context) {
	if err := s.workflows.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) toggleWorkflow(c *gin.Context) {
	wf, err := s.workflows.Toggle(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeWorkflow(c, http.StatusOK, wf)
}

func (s *Server) workflowStats(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.workflows.Get(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	stats, err := s.stats.Stats(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) listExecutions(c *gin.Context) {
	page, err := pageFromQuery(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	filter := domain.ExecutionFilter{
		WorkflowID: c.Query("workflow_id"),
		WalletID:   c.Query("wallet"),
	}
	if r := c.Query("result"); r != "" {
		filter.Result = domain.ExecutionResult(strings.ToUpper(r))
		if !filter.Result.Valid() {
			s.fail(c, fmt.Errorf("%w: unknown result %q", ports.ErrInvalidRequest, r))
			return
		}
	}

	execs, total, err := s.ledger.ListExecutions(c.Request.Context(), filter, page)
	if err != nil {
		s.fail(c, err)
		return
	}
	items := make([]ExecutionView, 0, len(execs))
	for _, e := range execs {
		items = append(items, newExecutionView(e))
	}
	c.JSON(http.StatusOK, pageView[ExecutionView]{Items: items, Total: total, Page: page.Number, PageSize: page.Size})
}

func (s *Server) listPositions(c *gin.Context) {
	page, err := pageFromQuery(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	var status domain.PositionStatus
	if st := c.Query("status"); st != "" {
		status = domain.PositionStatus(strings.ToUpper(st))
		if status != domain.StatusOpen && status != domain.StatusClosed {
			s.fail(c, fmt.Errorf("%w: unknown status %q", ports.ErrInvalidRequest, st))
			return
		}
	}

	positions, total, err := s.ledger.ListPositions(c.Request.Context(), c.Query("wallet"), status, page)
	if err != nil {
		s.fail(c, err)
		return
	}
	items := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		items = append(items, newPositionView(p))
	}
	c.JSON(http.StatusOK, pageView[PositionView]{Items: items, Total: total, Page: page.Number, PageSize: page.Size})
}

func (s *Server) writeWorkflow(c *gin.Context, status int, wf *domain.Workflow) {
	v, err := newWorkflowView(wf)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(status, v)
}

func pageFromQuery(c *gin.Context) (domain.Page, error) {
	var page domain.Page
	for key, dst := range map[string]*int{"page": &page.Number, "page_size": &page.Size} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return domain.Page{}, fmt.Errorf("%w: %s must be a non-negative integer, got %q", ports.ErrInvalidRequest, key, raw)
		}
		*dst = n
	}
	return page.Normalize(), nil
}
