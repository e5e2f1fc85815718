package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"
)

// PositionCounter reports how many positions a wallet holds OPEN.
type PositionCounter interface {
	CountOpenByWallet(ctx context.Context, walletID string) (int, error)
}

// Config holds the dependencies of the AdmissionController.
type Config struct {
	Positions PositionCounter
	History   ports.CooldownHistory // optional; seeds cooldown state after a restart
	Locker    ports.Locker          // defaults to a LocalLocker
	Logger    ports.Logger
	// ReloadHistory re-reads the last executed time from History on every
	// admission. Needed when several engine instances share one store.
	ReloadHistory bool
	Now           func() time.Time
}

// workflowState is the explicit admission state kept per workflow.
type workflowState struct {
	lastExecutedAt time.Time
	loaded         bool
}

// AdmissionController gates matched workflows on cooldown and wallet capacity.
//
// TryAdmit serializes attempts for one workflow (and, for BUY workflows, for
// one wallet) by taking locks that stay held until the paired Record call, so
// the check and the resulting state change form one critical section.
type AdmissionController struct {
	positions PositionCounter
	history   ports.CooldownHistory
	locker    ports.Locker
	logger    ports.Logger
	reload    bool
	now       func() time.Time

	mu     sync.Mutex
	states map[string]*workflowState
	held   map[string]openAdmission
}

// openAdmission is the critical section opened by TryAdmit: its lock release
// and the admission time, which becomes the cooldown anchor.
type openAdmission struct {
	release func()
	at      time.Time
}

// NewAdmissionController creates a new admission controller.
func NewAdmissionController(cfg Config) (*AdmissionController, error) {
	if cfg.Positions == nil {
		return nil, errors.New("position counter is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.ReloadHistory && cfg.History == nil {
		return nil, errors.New("history is required when ReloadHistory is set")
	}
	if cfg.Locker == nil {
		cfg.Locker = NewLocalLocker()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &AdmissionController{
		positions: cfg.Positions,
		history:   cfg.History,
		locker:    cfg.Locker,
		logger:    cfg.Logger,
		reload:    cfg.ReloadHistory,
		now:       cfg.Now,
		states:    make(map[string]*workflowState),
		held:      make(map[string]openAdmission),
	}, nil
}

func workflowKey(id string) string { return "admission:workflow:" + id }
func walletKey(id string) string   { return "admission:wallet:" + id }

// TryAdmit decides whether wf may execute now. When allowed is true the caller
// holds the workflow's admission locks and must call Record exactly once.
// A rejection returns a human readable reason and releases everything.
func (a *AdmissionController) TryAdmit(ctx context.Context, wf *domain.Workflow) (bool, string, error) {
	release, err := a.acquire(ctx, wf)
	if err != nil {
		return false, "", err
	}

	now := a.now()
	reason, err := a.check(ctx, wf, now)
	if err != nil || reason != "" {
		release()
		if err != nil {
			return false, "", err
		}
		a.logger.Debug(ctx, "Admission rejected", ports.Fields{
			"workflowID": wf.ID,
			"walletID":   wf.WalletID,
			"reason":     reason,
		})
		return false, reason, nil
	}

	a.mu.Lock()
	a.held[wf.ID] = openAdmission{release: release, at: now}
	a.mu.Unlock()
	return true, "", nil
}

// Record closes the critical section opened by a successful TryAdmit. Only an
// executed attempt starts the cooldown clock, anchored at the admission time.
func (a *AdmissionController) Record(workflowID string, executed bool) {
	a.mu.Lock()
	held, ok := a.held[workflowID]
	delete(a.held, workflowID)
	if executed {
		at := held.at
		if !ok {
			at = a.now()
		}
		st := a.stateLocked(workflowID)
		st.lastExecutedAt = at
		st.loaded = true
	}
	a.mu.Unlock()

	if held.release != nil {
		held.release()
	}
}

// Forget drops the state of a deleted workflow.
func (a *AdmissionController) Forget(workflowID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.states, workflowID)
}

// LastExecutedAt returns the cached cooldown anchor for a workflow.
func (a *AdmissionController) LastExecutedAt(workflowID string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.states[workflowID]; ok {
		return st.lastExecutedAt
	}
	return time.Time{}
}

// acquire always takes the workflow lock before the wallet lock.
func (a *AdmissionController) acquire(ctx context.Context, wf *domain.Workflow) (func(), error) {
	releaseWorkflow, err := a.locker.Acquire(ctx, workflowKey(wf.ID))
	if err != nil {
		return nil, fmt.Errorf("acquiring workflow lock: %w", err)
	}
	if wf.Type != domain.WorkflowBuy {
		return releaseWorkflow, nil
	}
	releaseWallet, err := a.locker.Acquire(ctx, walletKey(wf.WalletID))
	if err != nil {
		releaseWorkflow()
		return nil, fmt.Errorf("acquiring wallet lock: %w", err)
	}
	return func() {
		releaseWallet()
		releaseWorkflow()
	}, nil
}

// check returns a non-empty reason when the workflow must be rejected.
func (a *AdmissionController) check(ctx context.Context, wf *domain.Workflow, now time.Time) (string, error) {
	last, err := a.lastExecuted(ctx, wf.ID)
	if err != nil {
		return "", err
	}
	if cooldown := wf.Cooldown(); cooldown > 0 && !last.IsZero() {
		if since := now.Sub(last); since < cooldown {
			return fmt.Sprintf("cooldown active: %s remaining", (cooldown - since).Round(time.Second)), nil
		}
	}

	if wf.Type != domain.WorkflowBuy || wf.MaxOpenPositions <= 0 {
		return "", nil
	}
	open, err := a.positions.CountOpenByWallet(ctx, wf.WalletID)
	if err != nil {
		return "", fmt.Errorf("counting open positions: %w", err)
	}
	if open >= wf.MaxOpenPositions {
		return fmt.Sprintf("wallet at capacity: %d/%d open positions", open, wf.MaxOpenPositions), nil
	}
	return "", nil
}

func (a *AdmissionController) lastExecuted(ctx context.Context, workflowID string) (time.Time, error) {
	a.mu.Lock()
	st := a.stateLocked(workflowID)
	loaded, cached := st.loaded, st.lastExecutedAt
	a.mu.Unlock()

	if (loaded && !a.reload) || a.history == nil {
		return cached, nil
	}

	last, err := a.history.LastExecutedAt(ctx, workflowID)
	if err != nil {
		return time.Time{}, fmt.Errorf("loading cooldown history: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	st = a.stateLocked(workflowID)
	if last.After(st.lastExecutedAt) {
		st.lastExecutedAt = last
	}
	st.loaded = true
	return st.lastExecutedAt, nil
}

func (a *AdmissionController) stateLocked(workflowID string) *workflowState {
	st, ok := a.states[workflowID]
	if !ok {
		st = &workflowState{}
		a.states[workflowID] = st
	}
	return st
}
