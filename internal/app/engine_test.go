package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"workflowTrader/internal/adapters/memory"
	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"
	"workflowTrader/internal/risk"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

// mockExecutor fills every order at its reference price unless fn overrides it.
type mockExecutor struct {
	mu      sync.Mutex
	intents []domain.OrderIntent
	fn      func(ctx context.Context, intent domain.OrderIntent) (domain.OrderResult, error)
}

func (m *mockExecutor) Execute(ctx context.Context, intent domain.OrderIntent) (domain.OrderResult, error) {
	m.mu.Lock()
	m.intents = append(m.intents, intent)
	fn := m.fn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, intent)
	}
	price := intent.ReferencePrice
	if price <= 0 {
		price = 1
	}
	filled := intent.TokenAmount
	if intent.Side == domain.Buy {
		filled = intent.QuoteAmount / price
	}
	return domain.OrderResult{Status: domain.OrderSuccess, FilledAmount: filled, Price: price}, nil
}

func (m *mockExecutor) calls() []domain.OrderIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OrderIntent(nil), m.intents...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t         *testing.T
	store     *memory.Store
	executor  *mockExecutor
	admission *risk.AdmissionController
	catalog   *Catalog
	engine    *Engine
	clock     *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	clock := &fakeClock{now: t0}
	executor := &mockExecutor{}
	log := &mockLogger{}

	admission, err := risk.NewAdmissionController(risk.Config{
		Positions: store,
		History:   store,
		Logger:    log,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	catalog, err := NewCatalog(store, log)
	require.NoError(t, err)
	engine, err := NewEngine(Config{
		Store:         store,
		Executor:      executor,
		Admission:     admission,
		Catalog:       catalog,
		Logger:        log,
		IDs:           &MockGenerator{},
		OrderIDPrefix: "wt-",
		OrderTimeout:  time.Second,
		Now:           clock.Now,
	})
	require.NoError(t, err)

	return &harness{t: t, store: store, executor: executor, admission: admission, catalog: catalog, engine: engine, clock: clock}
}

func (h *harness) add(wf *domain.Workflow) *domain.Workflow {
	h.t.Helper()
	require.NoError(h.t, wf.Validate())
	require.NoError(h.t, h.store.CreateWorkflow(context.Background(), wf))
	require.NoError(h.t, h.catalog.Refresh(context.Background()))
	return wf
}

func (h *harness) openPosition(wallet, asset string, entry, tokens float64, at time.Time) *domain.Position {
	h.t.Helper()
	pos := &domain.Position{WalletID: wallet, WorkflowID: "seed", Asset: asset, EntryPrice: entry, TokensHeld: tokens, InitialCost: entry * tokens, CreatedAt: at}
	_, err := h.store.OpenPosition(context.Background(), pos, 0)
	require.NoError(h.t, err)
	return pos
}

func (h *harness) executions(workflowID string) []*domain.WorkflowExecution {
	h.t.Helper()
	list, _, err := h.store.ListExecutions(context.Background(), domain.ExecutionFilter{WorkflowID: workflowID}, domain.Page{Size: domain.MaxPageSize})
	require.NoError(h.t, err)
	return list
}

func countResults(execs []*domain.WorkflowExecution) map[domain.ExecutionResult]int {
	out := map[domain.ExecutionResult]int{}
	for _, e := range execs {
		out[e.Result]++
	}
	return out
}

func buyWorkflow(id, wallet, model string, min float64, cooldown, maxOpen int, conds ...domain.Condition) *domain.Workflow {
	return &domain.Workflow{
		ID:               id,
		WalletID:         wallet,
		Name:             "buy " + id,
		Type:             domain.WorkflowBuy,
		Active:           true,
		Chain:            domain.BuyChain{Trigger: domain.Trigger{ModelID: model, MinProbability: min}, Conditions: conds},
		Amount:           domain.BuyAmount{Amount: decimal.RequireFromString("0.05"), Currency: "SOL"},
		CooldownSeconds:  cooldown,
		MaxOpenPositions: maxOpen,
		CreatedAt:        t0,
		UpdatedAt:        t0,
	}
}

func sellWorkflow(id, wallet string, percent int64, cooldown int, rules ...domain.SellRule) *domain.Workflow {
	return &domain.Workflow{
		ID:              id,
		WalletID:        wallet,
		Name:            "sell " + id,
		Type:            domain.WorkflowSell,
		Active:          true,
		Chain:           domain.SellChain{Rules: rules},
		Amount:          domain.SellAmount{Percent: decimal.NewFromInt(percent)},
		CooldownSeconds: cooldown,
		CreatedAt:       t0,
		UpdatedAt:       t0,
	}
}

func prediction(model string, p float64, at time.Time) domain.PredictionEvent {
	return domain.PredictionEvent{ModelID: model, Asset: "BONK", Probability: p, Timestamp: at}
}

func tick(asset string, price float64, at time.Time) domain.PriceTick {
	return domain.PriceTick{Asset: asset, Price: price, Timestamp: at}
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(Config{Logger: &mockLogger{}})
	assert.Error(t, err)
}

func TestEngine_BuyEndToEnd(t *testing.T) {
	h := newHarness(t)
	wf := h.add(buyWorkflow("wf-buy", "wallet-1", "7", 0.70, 60, 0))
	ctx := context.Background()

	h.engine.HandlePrice(ctx, tick("BONK", 0.0001, t0))
	h.engine.HandlePrediction(ctx, prediction("7", 0.82, t0.Add(time.Second)))

	execs := h.executions(wf.ID)
	require.Len(t, execs, 1)
	exec := execs[0]
	assert.Equal(t, domain.ResultExecuted, exec.Result)
	assert.Equal(t, "BONK", exec.Asset)
	assert.NotZero(t, exec.OrderID)
	assert.NotZero(t, exec.PositionID)
	assert.Empty(t, exec.ErrorMessage)
	assert.Contains(t, exec.Trace, "trigger model 7: 0.8200 >= 0.7000 met")
	assert.Contains(t, exec.Trace, "admitted")
	assert.Equal(t, 0.82, exec.EventData["probability"])

	calls := h.executor.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "wt-1", calls[0].ClientOrderID)
	assert.Equal(t, domain.Buy, calls[0].Side)
	assert.Equal(t, 0.05, calls[0].QuoteAmount)
	assert.Equal(t, "SOL", calls[0].QuoteCurrency)
	assert.Equal(t, 0.0001, calls[0].ReferencePrice)

	pos, err := h.store.FindOpenByWalletAsset(ctx, "wallet-1", "BONK")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, exec.PositionID, pos.ID)
	assert.Equal(t, 0.0001, pos.EntryPrice)
	assert.InDelta(t, 500, pos.TokensHeld, 1e-6)
	assert.Equal(t, wf.ID, pos.WorkflowID)
	assert.Nil(t, pos.PeakPrice)

	order, err := h.store.FindOrder(ctx, exec.OrderID)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, domain.OrderSuccess, order.Status)
	assert.Equal(t, "wt-1", order.ClientOrderID)

	assert.Equal(t, t0, h.admission.LastExecutedAt(wf.ID))
}

func TestEngine_BuyBelowThresholdWritesNothing(t *testing.T) {
	h := newHarness(t)
	wf := h.add(buyWorkflow("wf-buy", "wallet-1", "7", 0.70, 0, 0))

	h.engine.HandlePrediction(context.Background(), prediction("7", 0.69, t0))
	h.engine.HandlePrediction(context.Background(), prediction("3", 0.99, t0))

	assert.Empty(t, h.executions(wf.ID))
	assert.Empty(t, h.executor.calls())
}

func TestEngine_BuyConditionsUseLatestProbabilityPerModel(t *testing.T) {
	h := newHarness(t)
	wf := h.add(buyWorkflow("wf-buy", "wallet-1", "7", 0.70, 0, 0,
		domain.Condition{ModelID: "3", Operator: domain.OpLT, Threshold: 0.4}))
	ctx := context.Background()

	// Condition model has no data yet: unmet.
	h.engine.HandlePrediction(ctx, prediction("7", 0.9, t0))
	assert.Empty(t, h.executions(wf.ID))

	// Condition arrives and the workflow is re-evaluated on its own event.
	h.engine.HandlePrediction(ctx, prediction("3", 0.2, t0.Add(time.Second)))
	execs := h.executions(wf.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ResultExecuted, execs[0].Result)
	assert.Contains(t, execs[0].Trace, "condition 1 model 3: 0.2000 lt 0.4000 met")
}

func TestEngine_StalePredictionIsIgnored(t *testing.T) {
	h := newHarness(t)
	wf := h.add(buyWorkflow("wf-buy", "wallet-1", "7", 0.70, 0, 0))
	ctx := context.Background()

	h.engine.HandlePrediction(ctx, prediction("7", 0.1, t0.Add(time.Minute)))
	h.engine.HandlePrediction(ctx, prediction("7", 0.9, t0))

	assert.Empty(t, h.executions(wf.ID))
}

func TestEngine_AdapterFailuresRecordError(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(ctx context.Context, intent domain.OrderIntent) (domain.OrderResult, error)
		wantMsg string
	}{
		{
			name: "rejected by exchange",
			fn: func(ctx context.Context, intent domain.OrderIntent) (domain.OrderResult, error) {
				return domain.OrderResult{Status: domain.OrderFailed, Message: "rejected"}, fmt.Errorf("new order: %w", ports.ErrOrderRejected)
			},
			wantMsg: ports.ErrOrderRejected.Error(),
		},
		{
			name: "not implemented",
			fn: func(ctx context.Context, intent domain.OrderIntent) (domain.OrderResult, error) {
				return domain.OrderResult{Status: domain.OrderNotImplemented, Message: "disabled"}, nil
			},
			wantMsg: "not_implemented",
		},
		{
			name: "timeout",
			fn: func(ctx context.Context, intent domain.OrderIntent) (domain.OrderResult, error) {
				<-ctx.Done()
				return domain.OrderResult{}, ctx.Err()
			},
			wantMsg: ports.ErrTimeout.Error(),
		},
		{
			name: "adapter ignores its deadline",
			fn: func(ctx context.Context, intent domain.OrderIntent) (domain.OrderResult, error) {
				time.Sleep(300 * time.Millisecond)
				return domain.OrderResult{Status: domain.OrderSuccess, FilledAmount: 1, Price: 1}, nil
			},
			wantMsg: ports.ErrTimeout.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.engine.orderTimeout = 50 * time.Millisecond
			h.executor.fn = tt.fn
			wf := h.add(buyWorkflow("wf-buy", "wallet-1", "7", 0.70, 60, 0))
			ctx := context.Background()

			h.engine.HandlePrediction(ctx, prediction("7", 0.9, t0))

			execs := h.executions(wf.ID)
			require.Len(t, execs, 1)
			assert.Equal(t, domain.ResultError, execs[0].Result)
			assert.Contains(t, execs[0].ErrorMessage, tt.wantMsg)
			assert.NotZero(t, execs[0].OrderID, "failed orders are still recorded")

			pos, err := h.store.FindOpenByWalletAsset(ctx, "wallet-1", "BONK")
			require.NoError(t, err)
			assert.Nil(t, pos)

			// No cooldown started; the workflow stays eligible.
			assert.True(t, h.admission.LastExecutedAt(wf.ID).IsZero())
			h.executor.fn = nil
			h.engine.HandlePrediction(ctx, prediction("7", 0.95, t0.Add(time.Second)))
			counts := countResults(h.executions(wf.ID))
			assert.Equal(t, 1, counts[domain.ResultExecuted])
			assert.Equal(t, 1, counts[domain.ResultError])
		})
	}
}

func TestEngine_RedeliveredEventIsRecordedOnce(t *testing.T) {
	h := newHarness(t)
	wf := h.add(buyWorkflow("wf-buy", "wallet-1", "7", 0.70, 0, 0))
	ev := prediction("7", 0.9, t0)
	ev.ID = "src-42"

	h.engine.HandlePrediction(context.Background(), ev)
	h.engine.HandlePrediction(context.Background(), ev)

	execs := h.executions(wf.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, "src-42", execs[0].EventID)
	assert.Len(t, h.executor.calls(), 1)
}

func TestEngine_ParallelTriggersInCooldownWindowExecuteOnce(t *testing.T) {
	for _, n := range []int{2, 16, 64} {
		t.Run(fmt.Sprintf("N=%d", n), func(t *testing.T) {
			h := newHarness(t)
			wf := h.add(buyWorkflow("wf-buy", "wallet-1", "7", 0.70, 300, 0))

			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < n; i++ {
				ev := prediction("7", 0.9, t0)
				ev.ID = fmt.Sprintf("spike-%d", i)
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					h.engine.HandlePrediction(context.Background(), ev)
				}()
			}
			close(start)
			wg.Wait()

			counts := countResults(h.executions(wf.ID))
			assert.Equal(t, 1, counts[domain.ResultExecuted])
			assert.Equal(t, n-1, counts[domain.ResultRejected])
			assert.Len(t, h.executor.calls(), 1)
		})
	}
}

func TestEngine_CapacityRejectsThenAllowsAfterClose(t *testing.T) {
	h := newHarness(t)
	wf := h.add(buyWorkflow("wf-buy", "wallet-1", "7", 0.70, 0, 2))
	ctx := context.Background()
	first := h.openPosition("wallet-1", "WIF", 1, 10, t0)
	h.openPosition("wallet-1", "PEPE", 1, 10, t0)

	h.engine.HandlePrediction(ctx, prediction("7", 0.9, t0))
	execs := h.executions(wf.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ResultRejected, execs[0].Result)
	assert.Equal(t, "wallet at capacity: 2/2 open positions", execs[0].ErrorMessage)
	assert.Empty(t, h.executor.calls())

	require.NoError(t, h.store.ReducePosition(ctx, first.ID, 10, 1, 0, true, t0))
	h.engine.HandlePrediction(ctx, prediction("7", 0.9, t0.Add(time.Second)))
	counts := countResults(h.executions(wf.ID))
	assert.Equal(t, 1, counts[domain.ResultExecuted])
}

func TestEngine_BuyForAlreadyOpenAssetIsRejected(t *testing.T) {
	h := newHarness(t)
	wf := h.add(buyWorkflow("wf-buy", "wallet-1", "7", 0.70, 0, 0))
	h.openPosition("wallet-1", "BONK", 1, 10, t0)

	h.engine.HandlePrediction(context.Background(), prediction("7", 0.9, t0))

	execs := h.executions(wf.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ResultRejected, execs[0].Result)
	assert.True(t, strings.HasPrefix(execs[0].ErrorMessage, "position already open for asset BONK"))
	assert.Empty(t, h.executor.calls())
	assert.True(t, h.admission.LastExecutedAt(wf.ID).IsZero())
}

func TestEngine_TrailingStopUsesPeak(t *testing.T) {
	h := newHarness(t)
	wf := h.add(sellWorkflow("wf-sell", "wallet-1", 100, 0, domain.TrailingStop{Percent: -10}))
	pos := h.openPosition("wallet-1", "BONK", 1.0, 100, t0)
	ctx := context.Background()

	h.engine.HandlePrice(ctx, tick("BONK", 1.0, t0.Add(1*time.Minute)))
	h.engine.HandlePrice(ctx, tick("BONK", 1.5, t0.Add(2*time.Minute)))
	assert.Empty(t, h.executions(wf.ID))

	h.clock.Advance(3 * time.Minute)
	h.engine.HandlePrice(ctx, tick("BONK", 1.2, t0.Add(3*time.Minute)))

	execs := h.executions(wf.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ResultExecuted, execs[0].Result)
	assert.Equal(t, pos.ID, execs[0].PositionID)
	assert.Equal(t, 1.5, execs[0].EventData["peak_price"])
	assert.Contains(t, execs[0].Trace, "acting on trailing_stop(-10%)")

	calls := h.executor.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.Sell, calls[0].Side)
	assert.Equal(t, 100.0, calls[0].TokenAmount)
	assert.Equal(t, pos.ID, calls[0].PositionID)

	closed, err := h.store.FindPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)
	assert.InDelta(t, 20, closed.RealizedPNL, 1e-9)
	assert.Equal(t, 1.2, closed.ExitPrice)
	assert.Equal(t, t0.Add(3*time.Minute), closed.ClosedAt)

	// Closed positions are not evaluated again.
	h.engine.HandlePrice(ctx, tick("BONK", 1.0, t0.Add(4*time.Minute)))
	assert.Len(t, h.executions(wf.ID), 1)
}

func TestEngine_PeakIsMaintainedWithoutSellWorkflows(t *testing.T) {
	h := newHarness(t)
	pos := h.openPosition("wallet-1", "BONK", 1.0, 100, t0)
	ctx := context.Background()

	for _, p := range []float64{1.1, 1.4, 1.2} {
		h.engine.HandlePrice(ctx, tick("BONK", p, t0.Add(time.Minute)))
	}
	got, err := h.store.FindPosition(ctx, pos.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PeakPrice)
	assert.Equal(t, 1.4, *got.PeakPrice)
}

func TestEngine_StopLossMatchesAtExactlyMinusFive(t *testing.T) {
	h := newHarness(t)
	wf := h.add(sellWorkflow("wf-sell", "wallet-1", 100, 0,
		domain.StopLoss{Percent: -5}, domain.TakeProfit{Percent: 20}))
	h.openPosition("wallet-1", "BONK", 2.0, 10, t0)

	h.engine.HandlePrice(context.Background(), tick("BONK", 1.9, t0.Add(time.Minute)))

	execs := h.executions(wf.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, "stop_loss(-5%)", execs[0].EventData["rule"])
}

func TestEngine_PartialSellKeepsPositionOpen(t *testing.T) {
	h := newHarness(t)
	wf := h.add(sellWorkflow("wf-sell", "wallet-1", 50, 600, domain.TakeProfit{Percent: 20}))
	pos := h.openPosition("wallet-1", "BONK", 1.0, 100, t0)
	ctx := context.Background()

	h.engine.HandlePrice(ctx, tick("BONK", 1.3, t0.Add(time.Minute)))
	got, err := h.store.FindPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
	assert.InDelta(t, 50, got.TokensHeld, 1e-9)
	assert.InDelta(t, 15, got.RealizedPNL, 1e-9)

	// Still matching, but the SELL cooldown holds.
	h.engine.HandlePrice(ctx, tick("BONK", 1.4, t0.Add(2*time.Minute)))
	counts := countResults(h.executions(wf.ID))
	assert.Equal(t, 1, counts[domain.ResultExecuted])
	assert.Equal(t, 1, counts[domain.ResultRejected])
	assert.Len(t, h.executor.calls(), 1)
}

func TestEngine_SecondSellWorkflowSkipsClosedPosition(t *testing.T) {
	h := newHarness(t)
	a := h.add(sellWorkflow("wf-a", "wallet-1", 100, 0, domain.TakeProfit{Percent: 10}))
	b := h.add(sellWorkflow("wf-b", "wallet-1", 100, 0, domain.TakeProfit{Percent: 5}))
	h.openPosition("wallet-1", "BONK", 1.0, 100, t0)

	h.engine.HandlePrice(context.Background(), tick("BONK", 1.5, t0.Add(time.Minute)))

	total := len(h.executions(a.ID)) + len(h.executions(b.ID))
	assert.Equal(t, 1, total)
	assert.Len(t, h.executor.calls(), 1)
}

func TestEngine_TimeoutRuleUsesEngineClock(t *testing.T) {
	h := newHarness(t)
	wf := h.add(sellWorkflow("wf-sell", "wallet-1", 100, 0, domain.Timeout{Minutes: 30}))
	h.openPosition("wallet-1", "BONK", 1.0, 100, t0)
	ctx := context.Background()

	// Tick timestamps come from the feed and do not age the position.
	h.clock.Advance(29*time.Minute + 59*time.Second)
	h.engine.HandlePrice(ctx, tick("BONK", 1.0, t0.Add(2*time.Hour)))
	assert.Empty(t, h.executions(wf.ID))

	h.clock.Advance(time.Second)
	h.engine.HandlePrice(ctx, tick("BONK", 1.0, t0))
	require.Len(t, h.executions(wf.ID), 1)
}

func TestEngine_PeakFollowsTicksStampedBeforeTheFill(t *testing.T) {
	h := newHarness(t)
	h.add(buyWorkflow("wf-buy", "wallet-1", "7", 0.70, 0, 0))
	sell := h.add(sellWorkflow("wf-sell", "wallet-1", 100, 0, domain.TrailingStop{Percent: -10}))
	ctx := context.Background()

	// The price feed's clock runs behind the prediction source.
	h.engine.HandlePrice(ctx, tick("BONK", 1.0, t0.Add(10*time.Second)))
	h.engine.HandlePrediction(ctx, prediction("7", 0.9, t0.Add(40*time.Second)))
	pos, err := h.store.FindOpenByWalletAsset(ctx, "wallet-1", "BONK")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, t0, pos.CreatedAt)

	h.clock.Advance(time.Minute)
	h.engine.HandlePrice(ctx, tick("BONK", 1.1, t0.Add(15*time.Second)))
	h.engine.HandlePrice(ctx, tick("BONK", 1.5, t0.Add(16*time.Second)))
	got, err := h.store.FindPosition(ctx, pos.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PeakPrice)
	assert.Equal(t, 1.5, *got.PeakPrice)
	assert.Empty(t, h.executions(sell.ID))

	h.engine.HandlePrice(ctx, tick("BONK", 1.2, t0.Add(17*time.Second)))
	execs := h.executions(sell.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ResultExecuted, execs[0].Result)
	assert.Equal(t, "trailing_stop(-10%)", execs[0].EventData["rule"])
	closed, err := h.store.FindPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)
}

func TestEngine_SellOrderFailureKeepsPositionOpen(t *testing.T) {
	h := newHarness(t)
	h.executor.fn = func(ctx context.Context, intent domain.OrderIntent) (domain.OrderResult, error) {
		return domain.OrderResult{}, errors.New("exchange down")
	}
	wf := h.add(sellWorkflow("wf-sell", "wallet-1", 100, 0, domain.StopLoss{Percent: -5}))
	pos := h.openPosition("wallet-1", "BONK", 1.0, 100, t0)
	ctx := context.Background()

	h.engine.HandlePrice(ctx, tick("BONK", 0.5, t0.Add(time.Minute)))

	execs := h.executions(wf.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ResultError, execs[0].Result)
	got, err := h.store.FindPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
}

func TestEngine_DeactivatedWorkflowIsNotDispatched(t *testing.T) {
	h := newHarness(t)
	wf := h.add(buyWorkflow("wf-buy", "wallet-1", "7", 0.70, 0, 0))
	ctx := context.Background()
	require.NoError(t, h.store.SetWorkflowActive(ctx, wf.ID, false))
	require.NoError(t, h.catalog.Invalidate(ctx))

	h.engine.HandlePrediction(ctx, prediction("7", 0.9, t0))
	assert.Empty(t, h.executions(wf.ID))
}
