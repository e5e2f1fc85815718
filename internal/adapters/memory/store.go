// Package memory is an in-process ports.Store used by replays and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"
)

type execKey struct {
	workflowID string
	eventID    string
}

// Store keeps workflows, positions, orders and the ledger in maps guarded by
// one RWMutex. Values are copied in and out so callers never alias state.
type Store struct {
	mu         sync.RWMutex
	workflows  map[string]domain.Workflow
	positions  map[int64]domain.Position
	orders     map[int64]domain.Order
	executions []domain.WorkflowExecution
	execIndex  map[execKey]struct{}
	nextPos    int64
	nextOrder  int64
}

var _ ports.Store = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		workflows: make(map[string]domain.Workflow),
		positions: make(map[int64]domain.Position),
		orders:    make(map[int64]domain.Order),
		execIndex: make(map[execKey]struct{}),
	}
}

// withContext runs fn unless ctx is already done.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

func withContextError(ctx context.Context, fn func() error) error {
	_, err := withContext(ctx, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func paginate[T any](items []T, page domain.Page) []T {
	page = page.Normalize()
	start := page.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + page.Size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// --- Workflows ---

// CreateWorkflow implements ports.WorkflowRepository.
func (s *Store) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.workflows[wf.ID]; ok {
			return fmt.Errorf("workflow %s: %w", wf.ID, ports.ErrDuplicateEntry)
		}
		s.workflows[wf.ID] = *wf
		return nil
	})
}

// UpdateWorkflow implements ports.WorkflowRepository.
func (s *Store) UpdateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		old, ok := s.workflows[wf.ID]
		if !ok {
			return fmt.Errorf("workflow %s: %w", wf.ID, ports.ErrNotFound)
		}
		updated := *wf
		updated.CreatedAt = old.CreatedAt
		s.workflows[wf.ID] = updated
		return nil
	})
}

// DeleteWorkflow implements ports.WorkflowRepository.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.workflows[id]; !ok {
			return fmt.Errorf("workflow %s: %w", id, ports.ErrNotFound)
		}
		delete(s.workflows, id)
		return nil
	})
}

// SetWorkflowActive implements ports.WorkflowRepository.
func (s *Store) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		wf, ok := s.workflows[id]
		if !ok {
			return fmt.Errorf("workflow %s: %w", id, ports.ErrNotFound)
		}
		wf.Active = active
		wf.UpdatedAt = time.Now()
		s.workflows[id] = wf
		return nil
	})
}

// FindWorkflow implements ports.WorkflowRepository.
func (s *Store) FindWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	return withContext(ctx, func() (*domain.Workflow, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		wf, ok := s.workflows[id]
		if !ok {
			return nil, nil
		}
		return &wf, nil
	})
}

// ListWorkflows implements ports.WorkflowRepository.
func (s *Store) ListWorkflows(ctx context.Context, filter domain.WorkflowFilter, page domain.Page) ([]*domain.Workflow, int, error) {
	all, err := s.matchWorkflows(ctx, func(wf *domain.Workflow) bool {
		return (filter.WalletID == "" || wf.WalletID == filter.WalletID) &&
			(filter.Type == "" || wf.Type == filter.Type) &&
			(!filter.ActiveOnly || wf.Active)
	})
	if err != nil {
		return nil, 0, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return paginate(all, page), len(all), nil
}

// ListActiveWorkflows implements ports.WorkflowRepository.
func (s *Store) ListActiveWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	all, err := s.matchWorkflows(ctx, func(wf *domain.Workflow) bool { return wf.Active })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return all, nil
}

func (s *Store) matchWorkflows(ctx context.Context, keep func(*domain.Workflow) bool) ([]*domain.Workflow, error) {
	return withContext(ctx, func() ([]*domain.Workflow, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]*domain.Workflow, 0)
		for _, wf := range s.workflows {
			wf := wf
			if keep(&wf) {
				out = append(out, &wf)
			}
		}
		return out, nil
	})
}

// --- Positions ---

// OpenPosition implements ports.PositionRepository.
func (s *Store) OpenPosition(ctx context.Context, pos *domain.Position, maxOpen int) (int64, error) {
	return withContext(ctx, func() (int64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		open := 0
		for _, p := range s.positions {
			if p.WalletID != pos.WalletID || !p.IsOpen() {
				continue
			}
			if p.Asset == pos.Asset {
				return 0, fmt.Errorf("open position for wallet %s asset %s: %w", pos.WalletID, pos.Asset, ports.ErrDuplicateEntry)
			}
			open++
		}
		if maxOpen > 0 && open >= maxOpen {
			return 0, fmt.Errorf("wallet %s holds %d/%d: %w", pos.WalletID, open, maxOpen, ports.ErrCapacityFull)
		}
		s.nextPos++
		pos.ID = s.nextPos
		pos.Status = domain.StatusOpen
		s.positions[pos.ID] = clonePosition(*pos)
		return pos.ID, nil
	})
}

// ReducePosition implements ports.PositionRepository.
func (s *Store) ReducePosition(ctx context.Context, id int64, tokensSold, price, pnl float64, closePosition bool, at time.Time) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		p, ok := s.positions[id]
		if !ok || !p.IsOpen() {
			return fmt.Errorf("open position ID %d: %w", id, ports.ErrNotFound)
		}
		p.TokensHeld -= tokensSold
		if p.TokensHeld < 0 || closePosition {
			p.TokensHeld = 0
		}
		p.RealizedPNL += pnl
		p.ExitPrice = price
		if closePosition {
			p.Status = domain.StatusClosed
			p.ClosedAt = at
		}
		s.positions[id] = p
		return nil
	})
}

// UpdatePeak implements ports.PositionRepository.
func (s *Store) UpdatePeak(ctx context.Context, asset string, price float64) (int64, error) {
	return withContext(ctx, func() (int64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var n int64
		for id, p := range s.positions {
			if p.Asset != asset || !p.IsOpen() {
				continue
			}
			p.ObservePrice(price)
			s.positions[id] = p
			n++
		}
		return n, nil
	})
}

// FindPosition implements ports.PositionRepository.
func (s *Store) FindPosition(ctx context.Context, id int64) (*domain.Position, error) {
	return withContext(ctx, func() (*domain.Position, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		p, ok := s.positions[id]
		if !ok {
			return nil, nil
		}
		c := clonePosition(p)
		return &c, nil
	})
}

// FindOpenByWalletAsset implements ports.PositionRepository.
func (s *Store) FindOpenByWalletAsset(ctx context.Context, walletID, asset string) (*domain.Position, error) {
	found, err := s.matchPositions(ctx, func(p *domain.Position) bool {
		return p.IsOpen() && p.WalletID == walletID && p.Asset == asset
	})
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

// ListOpenByAsset implements ports.PositionRepository.
func (s *Store) ListOpenByAsset(ctx context.Context, asset string) ([]*domain.Position, error) {
	return s.matchPositions(ctx, func(p *domain.Position) bool { return p.IsOpen() && p.Asset == asset })
}

// ListClosedByWorkflow implements ports.PositionRepository.
func (s *Store) ListClosedByWorkflow(ctx context.Context, workflowID string) ([]*domain.Position, error) {
	return s.matchPositions(ctx, func(p *domain.Position) bool {
		return p.Status == domain.StatusClosed && p.WorkflowID == workflowID
	})
}

// ListPositions implements ports.PositionRepository. Newest first.
func (s *Store) ListPositions(ctx context.Context, walletID string, status domain.PositionStatus, page domain.Page) ([]*domain.Position, int, error) {
	all, err := s.matchPositions(ctx, func(p *domain.Position) bool {
		return (walletID == "" || p.WalletID == walletID) && (status == "" || p.Status == status)
	})
	if err != nil {
		return nil, 0, err
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return paginate(all, page), len(all), nil
}

// CountOpenByWallet implements ports.PositionRepository.
func (s *Store) CountOpenByWallet(ctx context.Context, walletID string) (int, error) {
	open, err := s.matchPositions(ctx, func(p *domain.Position) bool { return p.IsOpen() && p.WalletID == walletID })
	return len(open), err
}

// matchPositions returns copies of matching positions ordered by id.
func (s *Store) matchPositions(ctx context.Context, keep func(*domain.Position) bool) ([]*domain.Position, error) {
	return withContext(ctx, func() ([]*domain.Position, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]*domain.Position, 0)
		for _, p := range s.positions {
			if keep(&p) {
				c := clonePosition(p)
				out = append(out, &c)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

func clonePosition(p domain.Position) domain.Position {
	if p.PeakPrice != nil {
		v := *p.PeakPrice
		p.PeakPrice = &v
	}
	return p
}

// --- Orders ---

// CreateOrder implements ports.OrderRepository.
func (s *Store) CreateOrder(ctx context.Context, order *domain.Order) (int64, error) {
	return withContext(ctx, func() (int64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, o := range s.orders {
			if o.ClientOrderID == order.ClientOrderID {
				return 0, fmt.Errorf("order %s: %w", order.ClientOrderID, ports.ErrDuplicateEntry)
			}
		}
		s.nextOrder++
		order.ID = s.nextOrder
		s.orders[order.ID] = *order
		return order.ID, nil
	})
}

// FindOrder implements ports.OrderRepository.
func (s *Store) FindOrder(ctx context.Context, id int64) (*domain.Order, error) {
	return withContext(ctx, func() (*domain.Order, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		o, ok := s.orders[id]
		if !ok {
			return nil, nil
		}
		return &o, nil
	})
}

// --- Ledger ---

// AppendExecution implements ports.ExecutionLedger.
func (s *Store) AppendExecution(ctx context.Context, exec *domain.WorkflowExecution) (int64, error) {
	return withContext(ctx, func() (int64, error) {
		if !exec.Result.Valid() {
			return 0, fmt.Errorf("unknown execution result %q: %w", exec.Result, ports.ErrInvalidRequest)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		key := execKey{exec.WorkflowID, exec.EventID}
		if _, ok := s.execIndex[key]; ok {
			return 0, fmt.Errorf("execution for workflow %s event %s: %w", exec.WorkflowID, exec.EventID, ports.ErrDuplicateEntry)
		}
		if exec.CreatedAt.IsZero() {
			exec.CreatedAt = time.Now()
		}
		exec.ID = int64(len(s.executions) + 1)
		s.execIndex[key] = struct{}{}
		s.executions = append(s.executions, cloneExecution(*exec))
		return exec.ID, nil
	})
}

// HasExecution implements ports.ExecutionLedger.
func (s *Store) HasExecution(ctx context.Context, workflowID, eventID string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		_, ok := s.execIndex[execKey{workflowID, eventID}]
		return ok, nil
	})
}

// ListExecutions implements ports.ExecutionLedger. Newest first.
func (s *Store) ListExecutions(ctx context.Context, filter domain.ExecutionFilter, page domain.Page) ([]*domain.WorkflowExecution, int, error) {
	all, err := withContext(ctx, func() ([]*domain.WorkflowExecution, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]*domain.WorkflowExecution, 0)
		for i := len(s.executions) - 1; i >= 0; i-- {
			e := s.executions[i]
			if (filter.WorkflowID == "" || e.WorkflowID == filter.WorkflowID) &&
				(filter.WalletID == "" || e.WalletID == filter.WalletID) &&
				(filter.Result == "" || e.Result == filter.Result) {
				c := cloneExecution(e)
				out = append(out, &c)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return paginate(all, page), len(all), nil
}

// CountByResult implements ports.ExecutionLedger.
func (s *Store) CountByResult(ctx context.Context, workflowID string) (map[domain.ExecutionResult]int, error) {
	return withContext(ctx, func() (map[domain.ExecutionResult]int, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		counts := make(map[domain.ExecutionResult]int)
		for _, e := range s.executions {
			if e.WorkflowID == workflowID {
				counts[e.Result]++
			}
		}
		return counts, nil
	})
}

// LastExecutedAt implements ports.CooldownHistory.
func (s *Store) LastExecutedAt(ctx context.Context, workflowID string) (time.Time, error) {
	return withContext(ctx, func() (time.Time, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for i := len(s.executions) - 1; i >= 0; i-- {
			e := s.executions[i]
			if e.WorkflowID == workflowID && e.Result == domain.ResultExecuted {
				return e.CreatedAt, nil
			}
		}
		return time.Time{}, nil
	})
}

func cloneExecution(e domain.WorkflowExecution) domain.WorkflowExecution {
	e.Trace = append([]string(nil), e.Trace...)
	data := make(map[string]interface{}, len(e.EventData))
	for k, v := range e.EventData {
		data[k] = v
	}
	e.EventData = data
	return e
}
