package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"

	"github.com/google/uuid"
)

// Invalidator is told about every workflow write.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// StateForgetter drops per-workflow state when a workflow is deleted.
type StateForgetter interface {
	Forget(workflowID string)
}

// WorkflowInput is the user-supplied definition of a workflow. Chain and
// amount arrive in their serialized form and are validated against Type.
type WorkflowInput struct {
	WalletID         string              `json:"wallet_id" yaml:"wallet_id"`
	Name             string              `json:"name" yaml:"name"`
	Type             domain.WorkflowType `json:"type" yaml:"type"`
	Active           *bool               `json:"active,omitempty" yaml:"active,omitempty"`
	Chain            domain.ChainDoc     `json:"chain" yaml:"chain"`
	Amount           domain.AmountDoc    `json:"amount" yaml:"amount"`
	CooldownSeconds  int                 `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	MaxOpenPositions int                 `json:"max_open_positions" yaml:"max_open_positions"`
}

// WorkflowServiceConfig holds the dependencies of the WorkflowService.
type WorkflowServiceConfig struct {
	Repo      ports.WorkflowRepository
	Catalog   Invalidator    // optional
	Admission StateForgetter // optional
	Logger    ports.Logger
	Now       func() time.Time
}

// WorkflowService is the authoring side: it validates definitions at write
// time, so the engine never sees a malformed chain, and keeps the engine's
// catalog in step with every write.
type WorkflowService struct {
	repo      ports.WorkflowRepository
	catalog   Invalidator
	admission StateForgetter
	logger    ports.Logger
	now       func() time.Time
}

// NewWorkflowService creates a new workflow service.
func NewWorkflowService(cfg WorkflowServiceConfig) (*WorkflowService, error) {
	if cfg.Repo == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for WorkflowService")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &WorkflowService{
		repo:      cfg.Repo,
		catalog:   cfg.Catalog,
		admission: cfg.Admission,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}, nil
}

// Build turns an input into a validated workflow without storing it.
func Build(in WorkflowInput) (*domain.Workflow, error) {
	typ := domain.WorkflowType(strings.ToUpper(strings.TrimSpace(string(in.Type))))
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ports.ErrInvalidWorkflow, in.Type)
	}
	chain, err := domain.FromDoc(typ, in.Chain)
	if err != nil {
		return nil, fmt.Errorf("%w: chain: %w", ports.ErrInvalidWorkflow, err)
	}
	amount, err := domain.AmountFromDoc(typ, in.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %w", ports.ErrInvalidWorkflow, err)
	}
	wf := &domain.Workflow{
		WalletID:         strings.TrimSpace(in.WalletID),
		Name:             strings.TrimSpace(in.Name),
		Type:             typ,
		Active:           in.Active == nil || *in.Active,
		Chain:            chain,
		Amount:           amount,
		CooldownSeconds:  in.CooldownSeconds,
		MaxOpenPositions: in.MaxOpenPositions,
	}
	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrInvalidWorkflow, err)
	}
	return wf, nil
}

// Create validates and stores a new workflow.
func (s *WorkflowService) Create(ctx context.Context, in WorkflowInput) (*domain.Workflow, error) {
	wf, err := Build(in)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	wf.ID = uuid.NewString()
	wf.CreatedAt, wf.UpdatedAt = now, now

	if err := s.repo.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("creating workflow: %w", err)
	}
	s.logger.Info(ctx, "Workflow created", ports.Fields{"workflowID": wf.ID, "walletID": wf.WalletID, "type": wf.Type})
	s.invalidate(ctx)
	return wf, nil
}

// Update replaces the definition of an existing workflow.
func (s *WorkflowService) Update(ctx context.Context, id string, in WorkflowInput) (*domain.Workflow, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	wf, err := Build(in)
	if err != nil {
		return nil, err
	}
	wf.ID = existing.ID
	wf.CreatedAt = existing.CreatedAt
	wf.UpdatedAt = s.now().UTC()
	if in.Active == nil {
		wf.Active = existing.Active
	}

	if err := s.repo.UpdateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("updating workflow %s: %w", id, err)
	}
	s.logger.Info(ctx, "Workflow updated", ports.Fields{"workflowID": id})
	s.invalidate(ctx)
	return wf, nil
}

// Delete removes a workflow. Its ledger entries stay.
func (s *WorkflowService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteWorkflow(ctx, id); err != nil {
		return fmt.Errorf("deleting workflow %s: %w", id, err)
	}
	if s.admission != nil {
		s.admission.Forget(id)
	}
	s.logger.Info(ctx, "Workflow deleted", ports.Fields{"workflowID": id})
	s.invalidate(ctx)
	return nil
}

// SetActive activates or deactivates a workflow. Attempts already admitted
// finish; only future dispatch is affected.
func (s *WorkflowService) SetActive(ctx context.Context, id string, active bool) (*domain.Workflow, error) {
	if err := s.repo.SetWorkflowActive(ctx, id, active); err != nil {
		return nil, fmt.Errorf("setting workflow %s active=%t: %w", id, active, err)
	}
	s.logger.Info(ctx, "Workflow toggled", ports.Fields{"workflowID": id, "active": active})
	s.invalidate(ctx)
	return s.Get(ctx, id)
}

// Toggle flips the active flag.
func (s *WorkflowService) Toggle(ctx context.Context, id string) (*domain.Workflow, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.SetActive(ctx, id, !wf.Active)
}

// Get returns a workflow or ports.ErrNotFound.
func (s *WorkflowService) Get(ctx context.Context, id string) (*domain.Workflow, error) {
	wf, err := s.repo.FindWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding workflow %s: %w", id, err)
	}
	if wf == nil {
		return nil, fmt.Errorf("workflow %s: %w", id, ports.ErrNotFound)
	}
	return wf, nil
}

// List returns one page of workflows and the total count.
func (s *WorkflowService) List(ctx context.Context, filter domain.WorkflowFilter, page domain.Page) ([]*domain.Workflow, int, error) {
	return s.repo.ListWorkflows(ctx, filter, page.Normalize())
}

// Import creates every input, collecting per-entry failures instead of
// stopping at the first.
func (s *WorkflowService) Import(ctx context.Context, inputs []WorkflowInput) ([]*domain.Workflow, error) {
	var created []*domain.Workflow
	var errs []error
	for i, in := range inputs {
		wf, err := s.Create(ctx, in)
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %d (%s): %w", i, in.Name, err))
			continue
		}
		created = append(created, wf)
	}
	return created, errors.Join(errs...)
}

func (s *WorkflowService) invalidate(ctx context.Context) {
	if s.catalog == nil {
		return
	}
	if err := s.catalog.Invalidate(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to refresh workflow catalog; the periodic refresh will retry")
	}
}
