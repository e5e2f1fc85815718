package ports

import (
	"context"
	"time"

	"workflowTrader/internal/domain"
)

// WorkflowRepository persists workflow definitions. Only the authoring side writes;
// the engine reads.
type WorkflowRepository interface {
	// CreateWorkflow saves a new, already validated workflow.
	CreateWorkflow(ctx context.Context, wf *domain.Workflow) error
	// UpdateWorkflow replaces an existing workflow. Returns ErrNotFound if absent.
	UpdateWorkflow(ctx context.Context, wf *domain.Workflow) error
	// DeleteWorkflow removes a workflow. Returns ErrNotFound if absent.
	DeleteWorkflow(ctx context.Context, id string) error
	// SetWorkflowActive flips the active flag. Returns ErrNotFound if absent.
	SetWorkflowActive(ctx context.Context, id string, active bool) error
	// FindWorkflow retrieves a workflow by id. Returns nil, nil if not found.
	FindWorkflow(ctx context.Context, id string) (*domain.Workflow, error)
	// ListWorkflows returns one page of matching workflows and the total match count.
	ListWorkflows(ctx context.Context, filter domain.WorkflowFilter, page domain.Page) ([]*domain.Workflow, int, error)
	// ListActiveWorkflows returns every active workflow; used to build the engine catalog.
	ListActiveWorkflows(ctx context.Context) ([]*domain.Workflow, error)
}

// PositionRepository stores positions.
type PositionRepository interface {
	// OpenPosition inserts an OPEN position if the wallet holds fewer than maxOpen
	// OPEN positions (maxOpen <= 0 disables the check) and none in the same asset.
	// The count and insert happen in one transaction. Returns ErrCapacityFull or
	// ErrDuplicateEntry when refused.
	OpenPosition(ctx context.Context, pos *domain.Position, maxOpen int) (int64, error)
	// ReducePosition applies a SELL fill: subtracts tokens, adds realized PnL and
	// closes the position when closePosition is true. Only OPEN positions are affected.
	ReducePosition(ctx context.Context, id int64, tokensSold, price, pnl float64, closePosition bool, at time.Time) error
	// UpdatePeak raises peak_price to price for every OPEN position in asset.
	// Returns the number of rows touched.
	UpdatePeak(ctx context.Context, asset string, price float64) (int64, error)
	// FindPosition retrieves a position by id. Returns nil, nil if not found.
	FindPosition(ctx context.Context, id int64) (*domain.Position, error)
	// FindOpenByWalletAsset returns the wallet's OPEN position in asset, or nil, nil.
	FindOpenByWalletAsset(ctx context.Context, walletID, asset string) (*domain.Position, error)
	// ListOpenByAsset returns every OPEN position in asset.
	ListOpenByAsset(ctx context.Context, asset string) ([]*domain.Position, error)
	// ListPositions returns positions for a wallet (all wallets when empty), newest first.
	ListPositions(ctx context.Context, walletID string, status domain.PositionStatus, page domain.Page) ([]*domain.Position, int, error)
	// CountOpenByWallet counts the wallet's OPEN positions.
	CountOpenByWallet(ctx context.Context, walletID string) (int, error)
	// ListClosedByWorkflow returns positions opened by the workflow that are CLOSED.
	ListClosedByWorkflow(ctx context.Context, workflowID string) ([]*domain.Position, error)
}

// OrderRepository stores order records produced by the order-execution adapter.
type OrderRepository interface {
	// CreateOrder saves an order record and returns its id.
	CreateOrder(ctx context.Context, order *domain.Order) (int64, error)
	// FindOrder retrieves an order by id. Returns nil, nil if not found.
	FindOrder(ctx context.Context, id int64) (*domain.Order, error)
}

// ExecutionLedger is the append-only audit trail. There is deliberately no
// update or delete method.
type ExecutionLedger interface {
	// AppendExecution writes one immutable entry and returns its id.
	// Returns ErrDuplicateEntry if the (workflow, event) pair was already recorded.
	AppendExecution(ctx context.Context, exec *domain.WorkflowExecution) (int64, error)
	// HasExecution reports whether the (workflow, event) pair was already recorded.
	HasExecution(ctx context.Context, workflowID, eventID string) (bool, error)
	// ListExecutions returns one page of entries, newest first, and the total count.
	ListExecutions(ctx context.Context, filter domain.ExecutionFilter, page domain.Page) ([]*domain.WorkflowExecution, int, error)
	// CountByResult tallies a workflow's entries per result.
	CountByResult(ctx context.Context, workflowID string) (map[domain.ExecutionResult]int, error)
	CooldownHistory
}

// CooldownHistory exposes the time of a workflow's last EXECUTED entry.
type CooldownHistory interface {
	// LastExecutedAt returns the zero time if the workflow never executed.
	LastExecutedAt(ctx context.Context, workflowID string) (time.Time, error)
}

// Store groups every repository the engine needs.
type Store interface {
	WorkflowRepository
	PositionRepository
	OrderRepository
	ExecutionLedger
}
