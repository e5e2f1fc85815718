package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"workflowTrader/internal/domain"
	"workflowTrader/internal/events"
	"workflowTrader/internal/ports"
	"workflowTrader/internal/risk"
	"workflowTrader/internal/rules"

	"github.com/shopspring/decimal"
	"github.com/songzhibin97/gkit/generator"
	"golang.org/x/sync/errgroup"
)

const (
	defaultOrderTimeout = 15 * time.Second
	persistTimeout      = 10 * time.Second
	closeTolerance      = 1e-9
)

var (
	snowflakeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hundred        = decimal.NewFromInt(100)
)

// Config holds the dependencies of the Engine.
type Config struct {
	Store     ports.Store
	Executor  ports.OrderExecutor
	Admission *risk.AdmissionController
	Catalog   *Catalog
	Logger    ports.Logger

	Locker          ports.Locker        // serializes SELLs on one position; defaults to a LocalLocker
	IDs             generator.Generator // client order ids; defaults to a snowflake
	OrderIDPrefix   string              // prepended to generated client order ids
	OrderTimeout    time.Duration
	RefreshInterval time.Duration // catalog refresh period; 0 relies on Invalidate only
	Now             func() time.Time
}

// Engine turns prediction events and price ticks into ledger entries and
// orders. It implements events.Handler.
//
// Per event it selects the interested workflows, evaluates each one
// independently, asks the AdmissionController, places the order, appends
// exactly one ledger entry per matched attempt and then updates positions.
type Engine struct {
	store           ports.Store
	executor        ports.OrderExecutor
	admission       *risk.AdmissionController
	catalog         *Catalog
	locker          ports.Locker
	ids             generator.Generator
	logger          ports.Logger
	orderIDPrefix   string
	orderTimeout    time.Duration
	refreshInterval time.Duration
	now             func() time.Time

	probabilities *ProbabilityBook
	prices        *PriceBook
}

var _ events.Handler = (*Engine)(nil)

// NewEngine creates a new engine instance.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Executor == nil || cfg.Admission == nil || cfg.Catalog == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Engine")
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = defaultOrderTimeout
	}
	if cfg.Locker == nil {
		cfg.Locker = risk.NewLocalLocker()
	}
	if cfg.IDs == nil {
		cfg.IDs = generator.NewSnowflake(snowflakeEpoch, 1)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:           cfg.Store,
		executor:        cfg.Executor,
		admission:       cfg.Admission,
		catalog:         cfg.Catalog,
		locker:          cfg.Locker,
		ids:             cfg.IDs,
		logger:          cfg.Logger,
		orderIDPrefix:   cfg.OrderIDPrefix,
		orderTimeout:    cfg.OrderTimeout,
		refreshInterval: cfg.RefreshInterval,
		now:             cfg.Now,
		probabilities:   NewProbabilityBook(),
		prices:          NewPriceBook(),
	}, nil
}

// Start runs the engine until SIGINT/SIGTERM or ctx cancellation.
func (e *Engine) Start(ctx context.Context, bus *events.Bus, sources []ports.EventSource, extra ...func(context.Context) error) error {
	e.logger.Info(ctx, "Starting workflow engine...")
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return e.Run(ctx, bus, sources, extra...)
}

// Run loads the catalog, then runs the bus, the catalog refresher, every
// source and any extra component until ctx is canceled or one of them fails.
func (e *Engine) Run(ctx context.Context, bus *events.Bus, sources []ports.EventSource, extra ...func(context.Context) error) error {
	if err := e.catalog.Refresh(ctx); err != nil {
		return fmt.Errorf("initial catalog load: %w", err)
	}
	e.logger.Info(ctx, "Workflow catalog loaded", ports.Fields{"workflows": e.catalog.Size()})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return e.catalog.Run(gctx, e.refreshInterval) })
	for _, src := range sources {
		src := src
		g.Go(func() error {
			e.logger.Info(gctx, "Event source started", ports.Fields{"source": src.Name()})
			if err := src.Run(gctx, bus); err != nil {
				return fmt.Errorf("event source %s: %w", src.Name(), err)
			}
			return nil
		})
	}
	for _, fn := range extra {
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}

	err := g.Wait()
	if err != nil {
		e.logger.Error(ctx, err, "Workflow engine stopped with error")
		return err
	}
	e.logger.Info(ctx, "Workflow engine stopped.", ports.Fields{"droppedTicks": bus.Dropped()})
	return nil
}

// HandlePrediction evaluates every active BUY workflow that references the
// event's model. Predictions older than the model's latest are ignored.
func (e *Engine) HandlePrediction(ctx context.Context, ev domain.PredictionEvent) {
	if !e.probabilities.Observe(ev) {
		e.logger.Debug(ctx, "Ignoring stale prediction", ports.Fields{"modelID": ev.ModelID, "timestamp": ev.Timestamp})
		return
	}
	ctx = ports.WithFields(ctx, ports.Fields{"eventID": ev.EventID()})
	for _, wf := range e.catalog.BuyWorkflowsFor(ev.ModelID) {
		e.evaluateBuy(ctx, wf, ev)
	}
}

// HandlePrice raises the peak of every OPEN position in the asset, then
// evaluates the SELL workflows of each wallet holding one.
func (e *Engine) HandlePrice(ctx context.Context, tick domain.PriceTick) {
	e.prices.Observe(tick)

	if _, err := e.store.UpdatePeak(ctx, tick.Asset, tick.Price); err != nil {
		e.logger.Error(ctx, err, "Failed to update peak prices", ports.Fields{"asset": tick.Asset})
	}

	positions, err := e.store.ListOpenByAsset(ctx, tick.Asset)
	if err != nil {
		e.logger.Error(ctx, err, "Failed to list open positions", ports.Fields{"asset": tick.Asset})
		return
	}
	ctx = ports.WithFields(ctx, ports.Fields{"eventID": tick.EventID()})
	for _, pos := range positions {
		for _, wf := range e.catalog.SellWorkflowsFor(pos.WalletID) {
			if pos = e.evaluateSell(ctx, wf, pos, tick); pos == nil {
				break
			}
		}
	}
}

// attempt accumulates one matched evaluation until it is written to the ledger.
type attempt struct {
	wf         *domain.Workflow
	eventID    string
	asset      string
	positionID int64
	data       map[string]interface{}
	trace      []string
}

func (a *attempt) step(format string, args ...interface{}) {
	a.trace = append(a.trace, fmt.Sprintf(format, args...))
}

func (e *Engine) evaluateBuy(ctx context.Context, wf *domain.Workflow, ev domain.PredictionEvent) {
	chain, ok := wf.BuyChain()
	if !ok {
		return
	}
	amount, ok := wf.Amount.(domain.BuyAmount)
	if !ok {
		return
	}

	matched, trace := rules.EvaluateBuy(chain, e.probabilities.Snapshot(chain.ModelIDs()))
	if !matched {
		e.logger.Debug(ctx, "BUY chain not matched", ports.Fields{"workflowID": wf.ID, "trace": trace})
		return
	}

	a := &attempt{
		wf:      wf,
		eventID: ev.EventID(),
		asset:   ev.Asset,
		trace:   trace,
		data: map[string]interface{}{
			"event_id":    ev.EventID(),
			"model_id":    ev.ModelID,
			"asset":       ev.Asset,
			"probability": ev.Probability,
			"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}
	if e.seen(ctx, a) {
		return
	}

	allowed, reason, err := e.admission.TryAdmit(ctx, wf)
	if err != nil {
		e.record(ctx, a, domain.ResultError, 0, "admission failed: "+err.Error())
		return
	}
	if !allowed {
		a.step("admission rejected: %s", reason)
		e.record(ctx, a, domain.ResultRejected, 0, reason)
		return
	}
	executed := false
	defer func() { e.admission.Record(wf.ID, executed) }()

	// A redelivered event may have waited on the lock while the first copy ran.
	if e.seen(ctx, a) {
		return
	}
	a.step("admitted")

	open, err := e.store.FindOpenByWalletAsset(ctx, wf.WalletID, ev.Asset)
	if err != nil {
		e.record(ctx, a, domain.ResultError, 0, "checking open position: "+err.Error())
		return
	}
	if open != nil {
		reason := fmt.Sprintf("position already open for asset %s (position %d)", ev.Asset, open.ID)
		a.step("rejected: %s", reason)
		e.record(ctx, a, domain.ResultRejected, 0, reason)
		return
	}

	intent := domain.OrderIntent{
		WorkflowID:     wf.ID,
		WalletID:       wf.WalletID,
		Asset:          ev.Asset,
		Side:           domain.Buy,
		QuoteAmount:    amount.Amount.InexactFloat64(),
		QuoteCurrency:  amount.Currency,
		ReferencePrice: e.prices.Last(ev.Asset),
	}
	res, orderID, err := e.placeOrder(ctx, a, intent)
	if err != nil {
		e.record(ctx, a, domain.ResultError, orderID, err.Error())
		return
	}
	executed = true

	pos := &domain.Position{
		WalletID:    wf.WalletID,
		WorkflowID:  wf.ID,
		Asset:       ev.Asset,
		Status:      domain.StatusOpen,
		EntryPrice:  res.Price,
		TokensHeld:  res.FilledAmount,
		InitialCost: intent.QuoteAmount,
		CreatedAt:   e.now().UTC(),
	}
	pctx, cancel := e.detached(ctx)
	id, err := e.store.OpenPosition(pctx, pos, wf.MaxOpenPositions)
	cancel()
	msg := ""
	if err != nil {
		// The order filled, so the attempt stays EXECUTED.
		msg = "position not recorded: " + err.Error()
		a.step("%s", msg)
		e.logger.Error(ctx, err, "Failed to record opened position", ports.Fields{"workflowID": wf.ID, "orderID": orderID})
	} else {
		a.positionID = id
		a.step("position %d opened: %g tokens at %g", id, res.FilledAmount, res.Price)
	}
	e.record(ctx, a, domain.ResultExecuted, orderID, msg)
}

// evaluateSell returns the position as it stands afterwards, or nil once it is closed.
func (e *Engine) evaluateSell(ctx context.Context, wf *domain.Workflow, pos *domain.Position, tick domain.PriceTick) *domain.Position {
	chain, ok := wf.SellChain()
	if !ok {
		return pos
	}
	amount, ok := wf.Amount.(domain.SellAmount)
	if !ok {
		return pos
	}

	matched, rule, trace := rules.EvaluateSell(chain, pos, tick.Price, e.now().UTC())
	if !matched {
		return pos
	}

	data := map[string]interface{}{
		"event_id":    tick.EventID(),
		"asset":       tick.Asset,
		"price":       tick.Price,
		"timestamp":   tick.Timestamp.UTC().Format(time.RFC3339Nano),
		"position_id": pos.ID,
		"entry_price": pos.EntryPrice,
		"rule":        rule.String(),
	}
	if pos.PeakPrice != nil {
		data["peak_price"] = *pos.PeakPrice
	}
	a := &attempt{
		wf:         wf,
		eventID:    fmt.Sprintf("%s:pos:%d", tick.EventID(), pos.ID),
		asset:      tick.Asset,
		positionID: pos.ID,
		trace:      trace,
		data:       data,
	}
	if e.seen(ctx, a) {
		return pos
	}

	allowed, reason, err := e.admission.TryAdmit(ctx, wf)
	if err != nil {
		e.record(ctx, a, domain.ResultError, 0, "admission failed: "+err.Error())
		return pos
	}
	if !allowed {
		a.step("admission rejected: %s", reason)
		e.record(ctx, a, domain.ResultRejected, 0, reason)
		return pos
	}
	executed := false
	defer func() { e.admission.Record(wf.ID, executed) }()

	if e.seen(ctx, a) {
		return pos
	}

	release, err := e.locker.Acquire(ctx, positionKey(pos.ID))
	if err != nil {
		e.record(ctx, a, domain.ResultError, 0, "acquiring position lock: "+err.Error())
		return pos
	}
	defer release()
	a.step("admitted")

	cur, err := e.store.FindPosition(ctx, pos.ID)
	if err != nil {
		e.record(ctx, a, domain.ResultError, 0, "loading position: "+err.Error())
		return pos
	}
	if cur == nil || !cur.IsOpen() {
		reason := fmt.Sprintf("position %d already closed", pos.ID)
		a.step("rejected: %s", reason)
		e.record(ctx, a, domain.ResultRejected, 0, reason)
		return nil
	}

	tokens := cur.TokensHeld
	if !amount.ClosesPosition() {
		tokens = decimal.NewFromFloat(cur.TokensHeld).Mul(amount.Percent).Div(hundred).InexactFloat64()
	}
	intent := domain.OrderIntent{
		WorkflowID:     wf.ID,
		WalletID:       wf.WalletID,
		Asset:          cur.Asset,
		Side:           domain.Sell,
		TokenAmount:    tokens,
		ReferencePrice: tick.Price,
		PositionID:     cur.ID,
	}
	res, orderID, err := e.placeOrder(ctx, a, intent)
	if err != nil {
		e.record(ctx, a, domain.ResultError, orderID, err.Error())
		return cur
	}
	executed = true

	sold := math.Min(res.FilledAmount, cur.TokensHeld)
	closing := cur.TokensHeld-sold <= cur.TokensHeld*closeTolerance
	pnl := (res.Price - cur.EntryPrice) * sold

	pctx, cancel := e.detached(ctx)
	err = e.store.ReducePosition(pctx, cur.ID, sold, res.Price, pnl, closing, e.now().UTC())
	cancel()
	msg := ""
	if err != nil {
		msg = "position not updated: " + err.Error()
		a.step("%s", msg)
		e.logger.Error(ctx, err, "Failed to record position reduction", ports.Fields{"workflowID": wf.ID, "positionID": cur.ID})
	} else if closing {
		a.step("position %d closed: sold %g at %g, pnl %g", cur.ID, sold, res.Price, pnl)
	} else {
		a.step("position %d reduced: sold %g at %g, pnl %g", cur.ID, sold, res.Price, pnl)
	}
	e.record(ctx, a, domain.ResultExecuted, orderID, msg)

	if closing && err == nil {
		return nil
	}
	next := *cur
	next.TokensHeld -= sold
	return &next
}

type orderOutcome struct {
	res domain.OrderResult
	err error
}

// placeOrder calls the executor on a context detached from engine shutdown and
// bounded by the order timeout, then stores the order record. Any outcome
// other than a successful fill is returned as an error.
func (e *Engine) placeOrder(ctx context.Context, a *attempt, intent domain.OrderIntent) (domain.OrderResult, int64, error) {
	seq, err := e.ids.NextID()
	if err != nil {
		return domain.OrderResult{}, 0, fmt.Errorf("generating client order id: %w", err)
	}
	intent.ClientOrderID = fmt.Sprintf("%s%d", e.orderIDPrefix, seq)
	a.step("order %s: %s %s", intent.ClientOrderID, intent.Side, intent.Asset)

	orderCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.orderTimeout)
	done := make(chan orderOutcome, 1)
	go func() {
		res, err := e.executor.Execute(orderCtx, intent)
		done <- orderOutcome{res, err}
	}()

	var res domain.OrderResult
	select {
	case out := <-done:
		res, err = out.res, out.err
	case <-orderCtx.Done():
		err = fmt.Errorf("order %s after %s: %w", intent.ClientOrderID, e.orderTimeout, ports.ErrTimeout)
	}
	if errors.Is(orderCtx.Err(), context.DeadlineExceeded) && err != nil && !errors.Is(err, ports.ErrTimeout) {
		err = fmt.Errorf("order %s after %s: %w: %w", intent.ClientOrderID, e.orderTimeout, ports.ErrTimeout, err)
	}
	cancel()

	if err == nil && !res.Succeeded() {
		err = fmt.Errorf("order %s returned %s: %s", intent.ClientOrderID, res.Status, res.Message)
	}
	if err != nil && res.Status == "" {
		res.Status = domain.OrderFailed
	}

	requested := intent.QuoteAmount
	if intent.Side == domain.Sell {
		requested = intent.TokenAmount
	}
	order := &domain.Order{
		WorkflowID:      intent.WorkflowID,
		WalletID:        intent.WalletID,
		Asset:           intent.Asset,
		Side:            intent.Side,
		ClientOrderID:   intent.ClientOrderID,
		RequestedAmount: requested,
		FilledAmount:    res.FilledAmount,
		Price:           res.Price,
		Status:          res.Status,
		Message:         res.Message,
		CreatedAt:       e.now().UTC(),
	}
	if err != nil && order.Message == "" {
		order.Message = err.Error()
	}
	pctx, pcancel := e.detached(ctx)
	orderID, oerr := e.store.CreateOrder(pctx, order)
	pcancel()
	if oerr != nil {
		e.logger.Error(ctx, oerr, "Failed to store order record", ports.Fields{"clientOrderID": intent.ClientOrderID})
		a.step("order record not stored: %v", oerr)
		orderID = 0
	}

	if err != nil {
		a.step("order failed: %v", err)
		e.logger.Warn(ctx, "Order failed", ports.Fields{"workflowID": intent.WorkflowID, "clientOrderID": intent.ClientOrderID, "error": err.Error()})
		return res, orderID, err
	}
	a.step("order filled: %g at %g", res.FilledAmount, res.Price)
	e.logger.Info(ctx, "Order filled", ports.Fields{
		"workflowID":    intent.WorkflowID,
		"clientOrderID": intent.ClientOrderID,
		"side":          intent.Side,
		"asset":         intent.Asset,
		"filled":        res.FilledAmount,
		"price":         res.Price,
	})
	return res, orderID, nil
}

// record appends the attempt's ledger entry. Storage failures are logged;
// nothing past the engine sees them.
func (e *Engine) record(ctx context.Context, a *attempt, result domain.ExecutionResult, orderID int64, msg string) {
	exec := &domain.WorkflowExecution{
		WorkflowID:   a.wf.ID,
		WalletID:     a.wf.WalletID,
		WorkflowType: a.wf.Type,
		EventID:      a.eventID,
		PositionID:   a.positionID,
		Asset:        a.asset,
		EventData:    a.data,
		Trace:        a.trace,
		Result:       result,
		OrderID:      orderID,
		ErrorMessage: msg,
		CreatedAt:    e.now().UTC(),
	}
	pctx, cancel := e.detached(ctx)
	defer cancel()
	id, err := e.store.AppendExecution(pctx, exec)
	fields := ports.Fields{"workflowID": a.wf.ID, "result": result, "asset": a.asset}
	switch {
	case errors.Is(err, ports.ErrDuplicateEntry):
		e.logger.Debug(ctx, "Execution already recorded", fields)
	case err != nil:
		e.logger.Error(ctx, err, "Failed to append execution", fields)
	default:
		fields["executionID"] = id
		if msg != "" {
			fields["message"] = msg
		}
		e.logger.Info(ctx, "Execution recorded", fields)
	}
}

// seen reports whether the attempt's (workflow, event) pair is already in the ledger.
func (e *Engine) seen(ctx context.Context, a *attempt) bool {
	dup, err := e.store.HasExecution(ctx, a.wf.ID, a.eventID)
	if err != nil {
		e.logger.Warn(ctx, "Idempotency check failed", ports.Fields{"workflowID": a.wf.ID, "error": err.Error()})
		return false
	}
	if dup {
		e.logger.Debug(ctx, "Skipping already recorded event", ports.Fields{"workflowID": a.wf.ID})
	}
	return dup
}

func (e *Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func positionKey(id int64) string {
	return fmt.Sprintf("engine:position:%d", id)
}
