package domain

import "time"

// Order is the record of one call to the order-execution adapter.
type Order struct {
	ID              int64       // Unique identifier for the order (usually from DB)
	WorkflowID      string      // Workflow whose admission produced the order
	WalletID        string      // Wallet the order trades for
	Asset           string      // Asset bought or sold
	Side            OrderSide   // BUY or SELL
	ClientOrderID   string      // Idempotency key sent to the adapter
	RequestedAmount float64     // Quote amount (BUY) or tokens (SELL) requested
	FilledAmount    float64     // Tokens filled as reported by the adapter
	Price           float64     // Average fill price
	Status          OrderStatus // Adapter status
	Message         string      // Adapter message, if any
	CreatedAt       time.Time
}

// OrderIntent is what the engine asks the order-execution adapter to do.
type OrderIntent struct {
	ClientOrderID  string
	WorkflowID     string
	WalletID       string
	Asset          string
	Side           OrderSide
	QuoteAmount    float64 // BUY: quote currency to spend
	QuoteCurrency  string  // BUY: e.g. "SOL"
	TokenAmount    float64 // SELL: tokens to sell
	ReferencePrice float64 // Last observed price, 0 if unknown
	PositionID     int64   // SELL: position being reduced
}

// OrderResult is the adapter's answer to an OrderIntent.
type OrderResult struct {
	Status       OrderStatus
	FilledAmount float64 // Tokens bought or sold
	Price        float64 // Average fill price
	Message      string
}

// Succeeded reports whether the adapter filled the order.
func (r OrderResult) Succeeded() bool {
	return r.Status == OrderSuccess
}
