package app

import (
	"sync"
	"time"

	"workflowTrader/internal/domain"
)

type reading struct {
	value float64
	at    time.Time
}

// ProbabilityBook keeps the freshest probability per model. It is the only
// source the BUY evaluator reads probabilities from.
type ProbabilityBook struct {
	mu     sync.RWMutex
	latest map[string]reading
}

// NewProbabilityBook creates an empty book.
func NewProbabilityBook() *ProbabilityBook {
	return &ProbabilityBook{latest: make(map[string]reading)}
}

// Observe records ev unless the book already holds a strictly newer value for
// the model. It reports whether ev is now the model's latest value.
func (b *ProbabilityBook) Observe(ev domain.PredictionEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.latest[ev.ModelID]; ok && cur.at.After(ev.Timestamp) {
		return false
	}
	b.latest[ev.ModelID] = reading{value: ev.Probability, at: ev.Timestamp}
	return true
}

// Snapshot copies the latest values of the given models. Models without a
// value are absent from the result.
func (b *ProbabilityBook) Snapshot(modelIDs []string) map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64, len(modelIDs))
	for _, id := range modelIDs {
		if r, ok := b.latest[id]; ok {
			out[id] = r.value
		}
	}
	return out
}

// PriceBook keeps the last observed price per asset, used as the reference
// price of BUY orders.
type PriceBook struct {
	mu     sync.RWMutex
	latest map[string]reading
}

// NewPriceBook creates an empty book.
func NewPriceBook() *PriceBook {
	return &PriceBook{latest: make(map[string]reading)}
}

// Observe records tick unless a newer price for the asset is already known.
func (b *PriceBook) Observe(tick domain.PriceTick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.latest[tick.Asset]; ok && cur.at.After(tick.Timestamp) {
		return
	}
	b.latest[tick.Asset] = reading{value: tick.Price, at: tick.Timestamp}
}

// Last returns the last price for asset, or 0 if none was observed.
func (b *PriceBook) Last(asset string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest[asset].value
}
