// Package events is the single internal channel between event sources and the
// engine. Push and poll sources publish into the same Bus, so dispatch does
// not know how an event was delivered.
package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"workflowTrader/internal/domain"
)

var (
	// ErrBusClosed indicates the bus has been stopped.
	ErrBusClosed = errors.New("event bus is closed")
)

// Handler consumes events delivered by the bus.
type Handler interface {
	HandlePrediction(ctx context.Context, ev domain.PredictionEvent)
	HandlePrice(ctx context.Context, tick domain.PriceTick)
}

// Bus fans prediction events out to a worker pool and serializes price ticks
// per asset.
//
// Predictions sit in one bounded channel and PublishPrediction blocks while it
// is full. Ticks sit in a bounded queue per asset; when a queue overflows the
// oldest tick is discarded.
type Bus struct {
	handler     Handler
	workers     int
	priceBuffer int
	onDrop      func(tick domain.PriceTick)
	errHandler  func(err error)

	predictions chan domain.PredictionEvent
	quit        chan struct{}
	dropped     atomic.Int64

	closeMu sync.RWMutex
	closed  bool

	mu      sync.Mutex
	queues  map[string]*tickQueue
	baseCtx context.Context
	started bool
	wg      sync.WaitGroup
	stopped sync.Once
}

// Option configures a Bus.
type Option func(*Bus)

// WithWorkers sets how many goroutines evaluate prediction events.
func WithWorkers(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithPredictionBuffer sets the prediction channel capacity.
func WithPredictionBuffer(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.predictions = make(chan domain.PredictionEvent, size)
		}
	}
}

// WithPriceBuffer sets the per-asset tick queue capacity.
func WithPriceBuffer(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.priceBuffer = size
		}
	}
}

// WithDropHandler is called for every tick discarded on overflow.
func WithDropHandler(fn func(tick domain.PriceTick)) Option {
	return func(b *Bus) {
		b.onDrop = fn
	}
}

// WithErrorHandler receives panics recovered from the handler.
func WithErrorHandler(fn func(err error)) Option {
	return func(b *Bus) {
		b.errHandler = fn
	}
}

// NewBus creates a bus delivering to handler. Call Start before publishing.
func NewBus(handler Handler, options ...Option) *Bus {
	b := &Bus{
		handler:     handler,
		workers:     4,
		priceBuffer: 64,
		predictions: make(chan domain.PredictionEvent, 256),
		quit:        make(chan struct{}),
		queues:      make(map[string]*tickQueue),
		baseCtx:     context.Background(),
		errHandler:  defaultErrorHandler,
	}
	for _, option := range options {
		option(b)
	}
	return b
}

// Start launches the prediction workers. Handlers run on a context detached
// from ctx's cancellation so events drained during Stop still complete.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.baseCtx = context.WithoutCancel(ctx)
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.predictionWorker()
	}
	for _, q := range b.queues {
		b.startQueue(q)
	}
}

// Run starts the bus, blocks until ctx is done, then stops it.
func (b *Bus) Run(ctx context.Context) error {
	b.Start(ctx)
	<-ctx.Done()
	b.Stop()
	return nil
}

// PublishPrediction enqueues ev, blocking while the channel is full.
func (b *Bus) PublishPrediction(ctx context.Context, ev domain.PredictionEvent) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.predictions <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.quit:
		return ErrBusClosed
	}
}

// PublishPrice enqueues tick on its asset's queue. It never blocks.
func (b *Bus) PublishPrice(tick domain.PriceTick) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	q := b.queue(tick.Asset)
	if old, ok := q.push(tick); ok {
		b.dropped.Add(1)
		if b.onDrop != nil {
			b.onDrop(old)
		}
	}
	return nil
}

// Dropped returns how many ticks were discarded on overflow.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Stop refuses new events, drains what is queued and waits for the handlers.
func (b *Bus) Stop() {
	b.stopped.Do(func() {
		close(b.quit)

		b.closeMu.Lock()
		b.closed = true
		close(b.predictions)
		b.closeMu.Unlock()

		b.mu.Lock()
		if !b.started {
			// Nothing consumes the channels; discard.
			for range b.predictions {
			}
		}
		b.mu.Unlock()

		b.wg.Wait()
	})
}

func (b *Bus) queue(asset string) *tickQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[asset]
	if !ok {
		q = newTickQueue(b.priceBuffer)
		b.queues[asset] = q
		if b.started {
			b.startQueue(q)
		}
	}
	return q
}

// startQueue must be called with b.mu held.
func (b *Bus) startQueue(q *tickQueue) {
	b.wg.Add(1)
	go b.priceWorker(q)
}

func (b *Bus) predictionWorker() {
	defer b.wg.Done()
	for ev := range b.predictions {
		b.safely(func() { b.handler.HandlePrediction(b.baseCtx, ev) })
	}
}

func (b *Bus) priceWorker(q *tickQueue) {
	defer b.wg.Done()
	for {
		select {
		case <-q.signal:
		case <-b.quit:
			b.drain(q)
			return
		}
		b.drain(q)
	}
}

func (b *Bus) drain(q *tickQueue) {
	for {
		tick, ok := q.pop()
		if !ok {
			return
		}
		b.safely(func() { b.handler.HandlePrice(b.baseCtx, tick) })
	}
}

func (b *Bus) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.errHandler(fmt.Errorf("event handler panic: %v\n%s", r, debug.Stack()))
		}
	}()
	fn()
}

func defaultErrorHandler(err error) {
	fmt.Printf("Error handling event: %v\n", err)
}

// tickQueue is a bounded FIFO that discards its oldest entry on overflow.
type tickQueue struct {
	mu     sync.Mutex
	buf    []domain.PriceTick
	cap    int
	signal chan struct{}
}

func newTickQueue(capacity int) *tickQueue {
	return &tickQueue{
		buf:    make([]domain.PriceTick, 0, capacity),
		cap:    capacity,
		signal: make(chan struct{}, 1),
	}
}

// push appends tick and returns the discarded tick, if any.
func (q *tickQueue) push(tick domain.PriceTick) (domain.PriceTick, bool) {
	q.mu.Lock()
	var dropped domain.PriceTick
	overflow := len(q.buf) >= q.cap
	if overflow {
		dropped = q.buf[0]
		q.buf = append(q.buf[:0], q.buf[1:]...)
	}
	q.buf = append(q.buf, tick)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return dropped, overflow
}

func (q *tickQueue) pop() (domain.PriceTick, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return domain.PriceTick{}, false
	}
	tick := q.buf[0]
	q.buf = append(q.buf[:0], q.buf[1:]...)
	return tick, true
}

func (q *tickQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
