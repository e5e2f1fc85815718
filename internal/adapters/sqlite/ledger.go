package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"
)

// --- OrderRepository Implementation ---

// CreateOrder saves an order record and returns its assigned ID.
func (r *Repository) CreateOrder(ctx context.Context, order *domain.Order) (int64, error) {
	const query = `
	INSERT INTO orders (workflow_id, wallet_id, asset, side, client_order_id, requested_amount,
	                    filled_amount, price, status, message, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		order.WorkflowID, order.WalletID, order.Asset, order.Side, order.ClientOrderID, order.RequestedAmount,
		order.FilledAmount, order.Price, order.Status, order.Message, order.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("order %s: %w", order.ClientOrderID, ports.ErrDuplicateEntry)
		}
		return 0, fmt.Errorf("failed to insert order %s: %w", order.ClientOrderID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for order %s: %w", order.ClientOrderID, err)
	}
	order.ID = id
	r.logger.Debug(ctx, "Order recorded", ports.Fields{"orderID": id, "clientOrderID": order.ClientOrderID, "status": order.Status})
	return id, nil
}

// FindOrder retrieves an order by its unique ID.
func (r *Repository) FindOrder(ctx context.Context, id int64) (*domain.Order, error) {
	const query = `
	SELECT id, workflow_id, wallet_id, asset, side, client_order_id, requested_amount,
	       filled_amount, price, status, message, created_at
	FROM orders WHERE id = ?`

	o := &domain.Order{}
	var side, status string
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&o.ID, &o.WorkflowID, &o.WalletID, &o.Asset, &side, &o.ClientOrderID, &o.RequestedAmount,
		&o.FilledAmount, &o.Price, &status, &o.Message, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query order by ID %d: %w", id, err)
	}
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

// --- ExecutionLedger Implementation ---

const executionColumns = `id, workflow_id, wallet_id, workflow_type, event_id, position_id, asset,
	event_data, trace, result, order_id, error_message, created_at`

// AppendExecution writes one immutable ledger entry.
func (r *Repository) AppendExecution(ctx context.Context, exec *domain.WorkflowExecution) (int64, error) {
	if !exec.Result.Valid() {
		return 0, fmt.Errorf("unknown execution result %q: %w", exec.Result, ports.ErrInvalidRequest)
	}
	eventData, err := json.Marshal(exec.EventData)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event data: %w", err)
	}
	trace, err := json.Marshal(exec.Trace)
	if err != nil {
		return 0, fmt.Errorf("failed to encode trace: %w", err)
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}

	const query = `INSERT INTO executions (workflow_id, wallet_id, workflow_type, event_id, position_id, asset,
	    event_data, trace, result, order_id, error_message, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := r.db.ExecContext(ctx, query,
		exec.WorkflowID, exec.WalletID, exec.WorkflowType, exec.EventID, nullInt64(exec.PositionID), exec.Asset,
		string(eventData), string(trace), exec.Result, nullInt64(exec.OrderID), exec.ErrorMessage, exec.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("execution for workflow %s event %s: %w", exec.WorkflowID, exec.EventID, ports.ErrDuplicateEntry)
		}
		return 0, fmt.Errorf("failed to append execution for workflow %s: %w", exec.WorkflowID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for execution: %w", err)
	}
	exec.ID = id
	return id, nil
}

// HasExecution reports whether the (workflow, event) pair is already recorded.
func (r *Repository) HasExecution(ctx context.Context, workflowID, eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM executions WHERE workflow_id = ? AND event_id = ?)`, workflowID, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check execution for workflow %s: %w", workflowID, err)
	}
	return exists, nil
}

// ListExecutions returns one page of ledger entries, newest first.
func (r *Repository) ListExecutions(ctx context.Context, filter domain.ExecutionFilter, page domain.Page) ([]*domain.WorkflowExecution, int, error) {
	var conds []string
	var args []interface{}
	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.WalletID != "" {
		conds = append(conds, "wallet_id = ?")
		args = append(args, filter.WalletID)
	}
	if filter.Result != "" {
		conds = append(conds, "result = ?")
		args = append(args, filter.Result)
	}
	where := whereClause(conds)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	page = page.Normalize()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions`+where+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(args, page.Size, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	executions := make([]*domain.WorkflowExecution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, exec)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating execution rows: %w", err)
	}
	return executions, total, nil
}

// CountByResult tallies a workflow's ledger entries per result.
func (r *Repository) CountByResult(ctx context.Context, workflowID string) (map[domain.ExecutionResult]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT result, COUNT(*) FROM executions WHERE workflow_id = ? GROUP BY result`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions for workflow %s: %w", workflowID, err)
	}
	defer rows.Close()

	counts := make(map[domain.ExecutionResult]int)
	for rows.Next() {
		var result string
		var n int
		if err := rows.Scan(&result, &n); err != nil {
			return nil, fmt.Errorf("failed to scan execution count: %w", err)
		}
		counts[domain.ExecutionResult(result)] = n
	}
	return counts, rows.Err()
}

// LastExecutedAt returns when the workflow last produced an EXECUTED entry.
func (r *Repository) LastExecutedAt(ctx context.Context, workflowID string) (time.Time, error) {
	var at time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT created_at FROM executions WHERE workflow_id = ? AND result = ? ORDER BY id DESC LIMIT 1`,
		workflowID, domain.ResultExecuted).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to query last execution for workflow %s: %w", workflowID, err)
	}
	return at, nil
}

// scanExecution scans a row into a domain.WorkflowExecution struct.
func scanExecution(s scanner) (*domain.WorkflowExecution, error) {
	e := &domain.WorkflowExecution{}
	var typ, result, eventData, trace string
	var positionID, orderID sql.NullInt64
	err := s.Scan(&e.ID, &e.WorkflowID, &e.WalletID, &typ, &e.EventID, &positionID, &e.Asset,
		&eventData, &trace, &result, &orderID, &e.ErrorMessage, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.WorkflowType = domain.WorkflowType(typ)
	e.Result = domain.ExecutionResult(result)
	e.PositionID = positionID.Int64
	e.OrderID = orderID.Int64
	if err := json.Unmarshal([]byte(eventData), &e.EventData); err != nil {
		return nil, fmt.Errorf("execution %d event data: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(trace), &e.Trace); err != nil {
		return nil, fmt.Errorf("execution %d trace: %w", e.ID, err)
	}
	return e, nil
}
