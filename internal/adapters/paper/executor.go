// Package paper provides order executors that never touch an exchange: a
// simulated executor that fills at the intent's reference price, and a disabled
// executor for deployments where trading is switched off.
package paper

import (
	"context"
	"fmt"
	"sync/atomic"

	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"
)

// Config holds configuration for the paper executor.
type Config struct {
	Logger          ports.Logger
	SlippagePercent float64 // applied against the trader: buys fill higher, sells lower
}

// Executor simulates market orders.
type Executor struct {
	logger   ports.Logger
	slippage float64
	seq      atomic.Int64
}

var _ ports.OrderExecutor = (*Executor)(nil)

// NewExecutor creates a paper executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for paper executor")
	}
	if cfg.SlippagePercent < 0 || cfg.SlippagePercent >= 100 {
		return nil, fmt.Errorf("slippage percent must be in [0,100), got %v", cfg.SlippagePercent)
	}
	return &Executor{logger: cfg.Logger, slippage: cfg.SlippagePercent}, nil
}

// Execute fills the whole intent at its reference price.
func (e *Executor) Execute(ctx context.Context, intent domain.OrderIntent) (domain.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderResult{Status: domain.OrderFailed, Message: err.Error()}, err
	}
	if intent.ReferencePrice <= 0 {
		err := fmt.Errorf("paper fill for %s: %w", intent.Asset, ports.ErrNoReferencePrice)
		return domain.OrderResult{Status: domain.OrderFailed, Message: err.Error()}, err
	}

	price := intent.ReferencePrice
	var filled float64
	switch intent.Side {
	case domain.Buy:
		price *= 1 + e.slippage/100
		filled = intent.QuoteAmount / price
	case domain.Sell:
		price *= 1 - e.slippage/100
		filled = intent.TokenAmount
	default:
		err := fmt.Errorf("unknown order side %q: %w", intent.Side, ports.ErrInvalidRequest)
		return domain.OrderResult{Status: domain.OrderFailed, Message: err.Error()}, err
	}
	if filled <= 0 {
		err := fmt.Errorf("paper fill for %s has no size: %w", intent.Asset, ports.ErrInvalidRequest)
		return domain.OrderResult{Status: domain.OrderFailed, Message: err.Error()}, err
	}

	n := e.seq.Add(1)
	e.logger.Info(ctx, "Paper order filled", ports.Fields{
		"clientOrderID": intent.ClientOrderID,
		"asset":         intent.Asset,
		"side":          intent.Side,
		"filled":        filled,
		"price":         price,
	})
	return domain.OrderResult{
		Status:       domain.OrderSuccess,
		FilledAmount: filled,
		Price:        price,
		Message:      fmt.Sprintf("paper fill #%d", n),
	}, nil
}

// Disabled refuses every order with not_implemented.
type Disabled struct{}

var _ ports.OrderExecutor = Disabled{}

// Execute implements ports.OrderExecutor.
func (Disabled) Execute(ctx context.Context, intent domain.OrderIntent) (domain.OrderResult, error) {
	return domain.OrderResult{
		Status:  domain.OrderNotImplemented,
		Message: "order execution is disabled",
	}, nil
}
