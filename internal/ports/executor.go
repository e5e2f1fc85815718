package ports

import (
	"context"

	"workflowTrader/internal/domain"
)

// OrderExecutor submits trades on behalf of the engine. Any status other than
// success is recorded as ERROR; a returned error is treated the same way.
type OrderExecutor interface {
	Execute(ctx context.Context, intent domain.OrderIntent) (domain.OrderResult, error)
}

// EventSink receives events from sources. PublishPrediction blocks when the
// engine is saturated; PublishPrice never blocks and may drop stale ticks.
type EventSink interface {
	PublishPrediction(ctx context.Context, ev domain.PredictionEvent) error
	PublishPrice(tick domain.PriceTick) error
}

// EventSource delivers events into a sink until ctx is canceled. Push and poll
// sources both implement it, so dispatch never depends on the delivery mechanism.
type EventSource interface {
	Name() string
	Run(ctx context.Context, sink EventSink) error
}

// Locker provides mutual exclusion keyed by string. Acquire blocks until the lock
// is held or ctx ends; the returned release func must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
