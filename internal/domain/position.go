package domain

import "time"

// Position represents tokens a wallet holds in one asset after a BUY.
type Position struct {
	ID          int64          // Unique identifier for the position (usually from DB)
	WalletID    string         // Wallet holding the position
	WorkflowID  string         // BUY workflow that opened it
	Asset       string         // Asset identifier (e.g., "BONK")
	Status      PositionStatus // OPEN or CLOSED
	EntryPrice  float64        // Fill price of the opening BUY
	TokensHeld  float64        // Tokens currently held
	InitialCost float64        // Quote amount spent on entry
	PeakPrice   *float64       // Highest tick since entry; nil until the first post-entry tick
	CreatedAt   time.Time      // When the position was opened
	ClosedAt    time.Time      // Zero value while open
	ExitPrice   float64        // Fill price of the closing SELL (0 while open)
	RealizedPNL float64        // Quote PnL accumulated by SELL fills
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// ObservePrice raises the peak to price if price is higher. The peak never decreases.
func (p *Position) ObservePrice(price float64) {
	if p.PeakPrice == nil || price > *p.PeakPrice {
		v := price
		p.PeakPrice = &v
	}
}
