package risk

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"workflowTrader/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// mockPositions is an in-memory open position count per wallet.
type mockPositions struct {
	mu   sync.Mutex
	open map[string]int
	err  error
}

func newMockPositions() *mockPositions {
	return &mockPositions{open: make(map[string]int)}
}

func (m *mockPositions) CountOpenByWallet(ctx context.Context, walletID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[walletID], m.err
}

func (m *mockPositions) add(walletID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[walletID] += n
}

type mockHistory struct {
	last  map[string]time.Time
	calls atomic.Int32
}

func (m *mockHistory) LastExecutedAt(ctx context.Context, workflowID string) (time.Time, error) {
	m.calls.Add(1)
	return m.last[workflowID], nil
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

func buyWorkflow(cooldown, maxOpen int) *domain.Workflow {
	return &domain.Workflow{
		ID:               "wf-buy",
		WalletID:         "wallet-1",
		Type:             domain.WorkflowBuy,
		Active:           true,
		CooldownSeconds:  cooldown,
		MaxOpenPositions: maxOpen,
	}
}

func newTestController(t *testing.T, positions PositionCounter, clock *fakeClock) *AdmissionController {
	t.Helper()
	ac, err := NewAdmissionController(Config{
		Positions: positions,
		Logger:    &mockLogger{},
		Now:       clock.Now,
	})
	require.NoError(t, err)
	return ac
}

func TestNewAdmissionController_RequiresDependencies(t *testing.T) {
	_, err := NewAdmissionController(Config{Logger: &mockLogger{}})
	assert.Error(t, err)

	_, err = NewAdmissionController(Config{Positions: newMockPositions()})
	assert.Error(t, err)

	_, err = NewAdmissionController(Config{Positions: newMockPositions(), Logger: &mockLogger{}, ReloadHistory: true})
	assert.Error(t, err)
}

func TestAdmission_Cooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ac := newTestController(t, newMockPositions(), clock)
	ctx := context.Background()
	wf := buyWorkflow(60, 0)

	ok, _, err := ac.TryAdmit(ctx, wf)
	require.NoError(t, err)
	require.True(t, ok)
	ac.Record(wf.ID, true)

	clock.Advance(30 * time.Second)
	ok, reason, err := ac.TryAdmit(ctx, wf)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "cooldown active: 30s remaining", reason)

	clock.Advance(30 * time.Second)
	ok, _, err = ac.TryAdmit(ctx, wf)
	require.NoError(t, err)
	assert.True(t, ok)
	ac.Record(wf.ID, true)
}

func TestAdmission_CooldownAnchorsAtAdmission(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	ac := newTestController(t, newMockPositions(), clock)
	ctx := context.Background()
	wf := buyWorkflow(60, 0)

	ok, _, err := ac.TryAdmit(ctx, wf)
	require.NoError(t, err)
	require.True(t, ok)
	// The order round trip takes a while before the result is recorded.
	clock.Advance(20 * time.Second)
	ac.Record(wf.ID, true)
	assert.Equal(t, start, ac.LastExecutedAt(wf.ID))

	clock.Advance(39 * time.Second)
	ok, reason, err := ac.TryAdmit(ctx, wf)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "cooldown active: 1s remaining", reason)

	clock.Advance(time.Second)
	ok, _, err = ac.TryAdmit(ctx, wf)
	require.NoError(t, err)
	assert.True(t, ok)
	ac.Record(wf.ID, false)
}

func TestAdmission_FailedAttemptDoesNotStartCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ac := newTestController(t, newMockPositions(), clock)
	ctx := context.Background()
	wf := buyWorkflow(60, 0)

	ok, _, err := ac.TryAdmit(ctx, wf)
	require.NoError(t, err)
	require.True(t, ok)
	ac.Record(wf.ID, false)

	clock.Advance(time.Second)
	ok, _, err = ac.TryAdmit(ctx, wf)
	require.NoError(t, err)
	assert.True(t, ok)
	ac.Record(wf.ID, false)
	assert.True(t, ac.LastExecutedAt(wf.ID).IsZero())
}

func TestAdmission_ParallelAttemptsExecuteOnce(t *testing.T) {
	for _, n := range []int{2, 8, 64} {
		clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		ac := newTestController(t, newMockPositions(), clock)
		wf := buyWorkflow(60, 0)

		var executed, rejected atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ok, _, err := ac.TryAdmit(context.Background(), wf)
				if err != nil {
					t.Error(err)
					return
				}
				if !ok {
					rejected.Add(1)
					return
				}
				executed.Add(1)
				ac.Record(wf.ID, true)
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), executed.Load(), "n=%d", n)
		assert.Equal(t, int32(n-1), rejected.Load(), "n=%d", n)
	}
}

func TestAdmission_Capacity(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	positions := newMockPositions()
	positions.add("wallet-1", 2)
	ac := newTestController(t, positions, clock)
	ctx := context.Background()
	wf := buyWorkflow(0, 2)

	ok, reason, err := ac.TryAdmit(ctx, wf)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "wallet at capacity: 2/2 open positions", reason)

	positions.add("wallet-1", -1)
	ok, _, err = ac.TryAdmit(ctx, wf)
	require.NoError(t, err)
	assert.True(t, ok)
	ac.Record(wf.ID, true)
}

func TestAdmission_ParallelBuysShareWalletCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	positions := newMockPositions()
	positions.add("wallet-1", 1)
	ac := newTestController(t, positions, clock)

	// Distinct workflows on one wallet: only the wallet lock orders them.
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wf := buyWorkflow(0, 2)
		wf.ID = string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := ac.TryAdmit(context.Background(), wf)
			if err != nil || !ok {
				return
			}
			admitted.Add(1)
			positions.add(wf.WalletID, 1)
			ac.Record(wf.ID, true)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

func TestAdmission_SellIgnoresCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	positions := newMockPositions()
	positions.add("wallet-1", 5)
	ac := newTestController(t, positions, clock)
	wf := buyWorkflow(10, 1)
	wf.Type = domain.WorkflowSell

	ok, _, err := ac.TryAdmit(context.Background(), wf)
	require.NoError(t, err)
	assert.True(t, ok)
	ac.Record(wf.ID, true)

	ok, reason, err := ac.TryAdmit(context.Background(), wf)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "cooldown")
}

func TestAdmission_CounterErrorReleasesLocks(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	positions := newMockPositions()
	positions.err = errors.New("db down")
	ac := newTestController(t, positions, clock)
	wf := buyWorkflow(0, 1)

	_, _, err := ac.TryAdmit(context.Background(), wf)
	require.Error(t, err)

	positions.err = nil
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, _, err := ac.TryAdmit(ctx, wf)
	require.NoError(t, err)
	assert.True(t, ok)
	ac.Record(wf.ID, false)
}

func TestAdmission_RehydratesFromHistory(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	history := &mockHistory{last: map[string]time.Time{"wf-buy": now.Add(-10 * time.Second)}}
	ac, err := NewAdmissionController(Config{
		Positions: newMockPositions(),
		History:   history,
		Logger:    &mockLogger{},
		Now:       clock.Now,
	})
	require.NoError(t, err)
	wf := buyWorkflow(60, 0)

	ok, reason, err := ac.TryAdmit(context.Background(), wf)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "cooldown active: 50s remaining", reason)

	_, _, _ = ac.TryAdmit(context.Background(), wf)
	assert.Equal(t, int32(1), history.calls.Load())

	ac.Forget(wf.ID)
	_, _, _ = ac.TryAdmit(context.Background(), wf)
	assert.Equal(t, int32(2), history.calls.Load())
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Acquire(context.Background(), "other")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	again()
}
