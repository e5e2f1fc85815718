package analytics

import (
	"context"
	"fmt"
	"time"

	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"
)

// LedgerReader is the read side of the store the analyzer needs.
type LedgerReader interface {
	CountByResult(ctx context.Context, workflowID string) (map[domain.ExecutionResult]int, error)
	LastExecutedAt(ctx context.Context, workflowID string) (time.Time, error)
	ListClosedByWorkflow(ctx context.Context, workflowID string) ([]*domain.Position, error)
}

// WorkflowStats is the ledger summary of one workflow.
type WorkflowStats struct {
	WorkflowID     string                         `json:"workflow_id"`
	Attempts       int                            `json:"attempts"`
	Counts         map[domain.ExecutionResult]int `json:"counts"`
	LastExecutedAt *time.Time                     `json:"last_executed_at,omitempty"`

	ClosedPositions int     `json:"closed_positions"`
	WinRate         float64 `json:"win_rate"`
	RealizedPNL     float64 `json:"realized_pnl"`
	AverageWin      float64 `json:"average_win"`
	AverageLoss     float64 `json:"average_loss"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	AverageHold     string  `json:"average_hold"`
}

// Analyzer computes WorkflowStats from the ledger and positions.
type Analyzer struct {
	reader LedgerReader
	logger ports.Logger
}

// NewAnalyzer creates a new analyzer.
func NewAnalyzer(reader LedgerReader, logger ports.Logger) (*Analyzer, error) {
	if reader == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Analyzer")
	}
	return &Analyzer{reader: reader, logger: logger}, nil
}

// Stats summarizes a workflow. Position metrics only cover BUY workflows,
// since positions belong to the workflow that opened them.
func (a *Analyzer) Stats(ctx context.Context, workflowID string) (*WorkflowStats, error) {
	counts, err := a.reader.CountByResult(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("counting executions for %s: %w", workflowID, err)
	}
	last, err := a.reader.LastExecutedAt(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("last execution for %s: %w", workflowID, err)
	}
	closed, err := a.reader.ListClosedByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("closed positions for %s: %w", workflowID, err)
	}

	stats := &WorkflowStats{
		WorkflowID: workflowID,
		Counts:     map[domain.ExecutionResult]int{domain.ResultExecuted: 0, domain.ResultRejected: 0, domain.ResultError: 0},
	}
	for result, n := range counts {
		stats.Counts[result] = n
		stats.Attempts += n
	}
	if !last.IsZero() {
		l := last.UTC()
		stats.LastExecutedAt = &l
	}

	m := AnalyzePositions(closed)
	stats.ClosedPositions = m.ClosedPositions
	stats.WinRate = m.WinRate
	stats.RealizedPNL = m.TotalPNL
	stats.AverageWin = m.AverageWin
	stats.AverageLoss = m.AverageLoss
	stats.MaxDrawdown = m.MaxDrawdown
	if m.ClosedPositions > 0 {
		stats.AverageHold = m.AverageHoldDuration.Round(time.Second).String()
	}

	a.logger.Debug(ctx, "Workflow stats computed", ports.Fields{"workflowID": workflowID, "attempts": stats.Attempts})
	return stats, nil
}
