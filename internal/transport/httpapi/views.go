package httpapi

import (
	"time"

	"workflowTrader/internal/domain"
)

// WorkflowView is the JSON form of a workflow.
type WorkflowView struct {
	ID               string              `json:"id"`
	WalletID         string              `json:"wallet_id"`
	Name             string              `json:"name"`
	Type             domain.WorkflowType `json:"type"`
	Active           bool                `json:"active"`
	Chain            domain.ChainDoc     `json:"chain"`
	Amount           domain.AmountDoc    `json:"amount"`
	CooldownSeconds  int                 `json:"cooldown_seconds"`
	MaxOpenPositions int                 `json:"max_open_positions"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func newWorkflowView(wf *domain.Workflow) (WorkflowView, error) {
	chain, err := domain.ToDoc(wf.Chain)
	if err != nil {
		return WorkflowView{}, err
	}
	return WorkflowView{
		ID:               wf.ID,
		WalletID:         wf.WalletID,
		Name:             wf.Name,
		Type:             wf.Type,
		Active:           wf.Active,
		Chain:            chain,
		Amount:           domain.ToAmountDoc(wf.Amount),
		CooldownSeconds:  wf.CooldownSeconds,
		MaxOpenPositions: wf.MaxOpenPositions,
		CreatedAt:        wf.CreatedAt,
		UpdatedAt:        wf.UpdatedAt,
	}, nil
}

// ExecutionView is the JSON form of a ledger entry.
type ExecutionView struct {
	ID           int64                  `json:"id"`
	WorkflowID   string                 `json:"workflow_id"`
	WalletID     string                 `json:"wallet_id"`
	WorkflowType domain.WorkflowType    `json:"workflow_type"`
	EventID      string                 `json:"event_id"`
	PositionID   int64                  `json:"position_id,omitempty"`
	Asset        string                 `json:"asset"`
	EventData    map[string]interface{} `json:"event_data"`
	Trace        []string               `json:"trace"`
	Result       domain.ExecutionResult `json:"result"`
	OrderID      int64                  `json:"order_id,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

func newExecutionView(e *domain.WorkflowExecution) ExecutionView {
	return ExecutionView{
		ID:           e.ID,
		WorkflowID:   e.WorkflowID,
		WalletID:     e.WalletID,
		WorkflowType: e.WorkflowType,
		EventID:      e.EventID,
		PositionID:   e.PositionID,
		Asset:        e.Asset,
		EventData:    e.EventData,
		Trace:        e.Trace,
		Result:       e.Result,
		OrderID:      e.OrderID,
		ErrorMessage: e.ErrorMessage,
		CreatedAt:    e.CreatedAt,
	}
}

// PositionView is the JSON form of a position.
type PositionView struct {
	ID          int64                 `json:"id"`
	WalletID    string                `json:"wallet_id"`
	WorkflowID  string                `json:"workflow_id"`
	Asset       string                `json:"asset"`
	Status      domain.PositionStatus `json:"status"`
	EntryPrice  float64               `json:"entry_price"`
	TokensHeld  float64               `json:"tokens_held"`
	InitialCost float64               `json:"initial_cost"`
	PeakPrice   *float64              `json:"peak_price"`
	CreatedAt   time.Time             `json:"created_at"`
	ClosedAt    *time.Time            `json:"closed_at,omitempty"`
	ExitPrice   float64               `json:"exit_price,omitempty"`
	RealizedPNL float64               `json:"realized_pnl"`
}

func newPositionView(p *domain.Position) PositionView {
	v := PositionView{
		ID:          p.ID,
		WalletID:    p.WalletID,
		WorkflowID:  p.WorkflowID,
		Asset:       p.Asset,
		Status:      p.Status,
		EntryPrice:  p.EntryPrice,
		TokensHeld:  p.TokensHeld,
		InitialCost: p.InitialCost,
		PeakPrice:   p.PeakPrice,
		CreatedAt:   p.CreatedAt,
		ExitPrice:   p.ExitPrice,
		RealizedPNL: p.RealizedPNL,
	}
	if !p.ClosedAt.IsZero() {
		closed := p.ClosedAt
		v.ClosedAt = &closed
	}
	return v
}

// pageView wraps one page of items.
type pageView[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

type errorView struct {
	Error string `json:"error"`
}
