package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"
)

const workflowColumns = `id, wallet_id, name, type, active, chain, amount, cooldown_seconds,
	max_open_positions, created_at, updated_at`

// CreateWorkflow saves a new workflow.
func (r *Repository) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	chain, amount, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}

	const query = `INSERT INTO workflows (` + workflowColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		wf.ID, wf.WalletID, wf.Name, wf.Type, wf.Active, chain, amount, wf.CooldownSeconds,
		wf.MaxOpenPositions, wf.CreatedAt.UTC(), wf.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("workflow %s: %w", wf.ID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert workflow %s: %w", wf.ID, err)
	}
	r.logger.Debug(ctx, "Workflow created", ports.Fields{"workflowID": wf.ID, "type": wf.Type})
	return nil
}

// UpdateWorkflow replaces an existing workflow's definition. created_at is kept.
func (r *Repository) UpdateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	chain, amount, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}

	const query = `
	UPDATE workflows
	SET wallet_id = ?, name = ?, type = ?, active = ?, chain = ?, amount = ?,
	    cooldown_seconds = ?, max_open_positions = ?, updated_at = ?
	WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query,
		wf.WalletID, wf.Name, wf.Type, wf.Active, chain, amount,
		wf.CooldownSeconds, wf.MaxOpenPositions, wf.UpdatedAt.UTC(), wf.ID)
	if err != nil {
		return fmt.Errorf("failed to update workflow %s: %w", wf.ID, err)
	}
	return r.expectOne(result, "workflow", wf.ID)
}

// DeleteWorkflow removes a workflow. Its ledger entries are kept.
func (r *Repository) DeleteWorkflow(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}
	return r.expectOne(result, "workflow", id)
}

// SetWorkflowActive flips the active flag.
func (r *Repository) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET active = ?, updated_at = ? WHERE id = ?`, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to toggle workflow %s: %w", id, err)
	}
	return r.expectOne(result, "workflow", id)
}

// FindWorkflow retrieves a workflow by id.
func (r *Repository) FindWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query workflow %s: %w", id, err)
	}
	return wf, nil
}

// ListWorkflows returns one page of workflows matching filter, newest first.
func (r *Repository) ListWorkflows(ctx context.Context, filter domain.WorkflowFilter, page domain.Page) ([]*domain.Workflow, int, error) {
	var conds []string
	var args []interface{}
	if filter.WalletID != "" {
		conds = append(conds, "wallet_id = ?")
		args = append(args, filter.WalletID)
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.ActiveOnly {
		conds = append(conds, "active = 1")
	}
	where := whereClause(conds)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count workflows: %w", err)
	}

	page = page.Normalize()
	query := `SELECT ` + workflowColumns + ` FROM workflows` + where + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	workflows, err := r.queryWorkflows(ctx, query, append(args, page.Size, page.Offset())...)
	if err != nil {
		return nil, 0, err
	}
	return workflows, total, nil
}

// ListActiveWorkflows returns every active workflow.
func (r *Repository) ListActiveWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	return r.queryWorkflows(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE active = 1 ORDER BY created_at, id`)
}

func (r *Repository) queryWorkflows(ctx context.Context, query string, args ...interface{}) ([]*domain.Workflow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	workflows := make([]*domain.Workflow, 0)
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow rows: %w", err)
	}
	return workflows, nil
}

func (r *Repository) expectOne(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ports.ErrNotFound)
	}
	return nil
}

func encodeWorkflow(wf *domain.Workflow) (string, string, error) {
	chain, err := domain.MarshalChain(wf.Chain)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode chain of workflow %s: %w", wf.ID, err)
	}
	amount, err := domain.MarshalAmount(wf.Amount)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode amount of workflow %s: %w", wf.ID, err)
	}
	return string(chain), string(amount), nil
}

// scanWorkflow scans a row into a domain.Workflow, decoding chain and amount
// against the stored type.
func scanWorkflow(s scanner) (*domain.Workflow, error) {
	wf := &domain.Workflow{}
	var typ, chain, amount string
	err := s.Scan(&wf.ID, &wf.WalletID, &wf.Name, &typ, &wf.Active, &chain, &amount,
		&wf.CooldownSeconds, &wf.MaxOpenPositions, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.Type = domain.WorkflowType(typ)
	if wf.Chain, err = domain.UnmarshalChain(wf.Type, []byte(chain)); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", wf.ID, err)
	}
	if wf.Amount, err = domain.UnmarshalAmount(wf.Type, []byte(amount)); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", wf.ID, err)
	}
	return wf, nil
}
