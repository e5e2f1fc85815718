package domain

import (
	"math"
	"time"
)

// WorkflowExecution is one immutable ledger entry: the outcome of a matched
// and evaluated attempt.
type WorkflowExecution struct {
	ID           int64
	WorkflowID   string
	WalletID     string
	WorkflowType WorkflowType
	EventID      string
	PositionID   int64 // SELL attempts only; 0 otherwise
	Asset        string
	EventData    map[string]interface{} // snapshot of the triggering event
	Trace        []string               // ordered evaluation facts
	Result       ExecutionResult
	OrderID      int64  // 0 when no order was placed
	ErrorMessage string // rejection reason or execution error
	CreatedAt    time.Time
}

// ExecutionFilter selects ledger entries. Zero fields do not filter.
type ExecutionFilter struct {
	WorkflowID string
	WalletID   string
	Result     ExecutionResult
}

// WorkflowFilter selects workflows. Zero fields do not filter.
type WorkflowFilter struct {
	WalletID   string
	Type       WorkflowType
	ActiveOnly bool
}

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
	// MaxPageNumber keeps (Number-1)*Size within an int.
	MaxPageNumber = math.MaxInt / MaxPageSize
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Number > MaxPageNumber {
		p.Number = MaxPageNumber
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset returns the row offset for the page.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.Size
}
