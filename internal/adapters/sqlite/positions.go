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

const positionColumns = `id, wallet_id, workflow_id, asset, status, entry_price, tokens_held,
	initial_cost, peak_price, created_at, closed_at, COALESCE(exit_price, 0), realized_pnl`

// OpenPosition inserts an OPEN position after checking wallet capacity in the
// same transaction.
func (r *Repository) OpenPosition(ctx context.Context, pos *domain.Position, maxOpen int) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin position transaction: %w", err)
	}
	defer tx.Rollback()

	if maxOpen > 0 {
		var open int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM positions WHERE wallet_id = ? AND status = ?`, pos.WalletID, domain.StatusOpen).Scan(&open)
		if err != nil {
			return 0, fmt.Errorf("failed to count open positions for wallet %s: %w", pos.WalletID, err)
		}
		if open >= maxOpen {
			return 0, fmt.Errorf("wallet %s holds %d/%d: %w", pos.WalletID, open, maxOpen, ports.ErrCapacityFull)
		}
	}

	const query = `
	INSERT INTO positions (wallet_id, workflow_id, asset, status, entry_price, tokens_held,
	                       initial_cost, peak_price, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var peak sql.NullFloat64
	if pos.PeakPrice != nil {
		peak = sql.NullFloat64{Float64: *pos.PeakPrice, Valid: true}
	}
	result, err := tx.ExecContext(ctx, query,
		pos.WalletID, pos.WorkflowID, pos.Asset, domain.StatusOpen, pos.EntryPrice, pos.TokensHeld,
		pos.InitialCost, peak, pos.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("open position for wallet %s asset %s: %w", pos.WalletID, pos.Asset, ports.ErrDuplicateEntry)
		}
		return 0, fmt.Errorf("failed to insert position for asset %s: %w", pos.Asset, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Asset, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit position %s: %w", pos.Asset, err)
	}

	pos.ID = id
	pos.Status = domain.StatusOpen
	r.logger.Debug(ctx, "Position opened", ports.Fields{"positionID": id, "walletID": pos.WalletID, "asset": pos.Asset})
	return id, nil
}

// ReducePosition applies a SELL fill to an OPEN position.
func (r *Repository) ReducePosition(ctx context.Context, id int64, tokensSold, price, pnl float64, closePosition bool, at time.Time) error {
	const query = `
	UPDATE positions
	SET tokens_held = CASE WHEN ? THEN 0 ELSE MAX(tokens_held - ?, 0) END,
	    realized_pnl = realized_pnl + ?,
	    exit_price = ?,
	    status = CASE WHEN ? THEN ? ELSE status END,
	    closed_at = CASE WHEN ? THEN ? ELSE closed_at END
	WHERE id = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, query,
		closePosition, tokensSold, pnl, price, closePosition, domain.StatusClosed, closePosition, at.UTC(), id, domain.StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to reduce position ID %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for position ID %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("open position ID %d: %w", id, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position reduced", ports.Fields{"positionID": id, "tokensSold": tokensSold, "closed": closePosition})
	return nil
}

// UpdatePeak raises peak_price atomically; the max is computed inside SQLite so
// concurrent writers can never lower it.
func (r *Repository) UpdatePeak(ctx context.Context, asset string, price float64) (int64, error) {
	const query = `
	UPDATE positions
	SET peak_price = MAX(COALESCE(peak_price, ?), ?)
	WHERE asset = ? AND status = ?`
	result, err := r.db.ExecContext(ctx, query, price, price, asset, domain.StatusOpen)
	if err != nil {
		return 0, fmt.Errorf("failed to update peak for asset %s: %w", asset, err)
	}
	return result.RowsAffected()
}

// FindPosition retrieves a position by its unique ID.
func (r *Repository) FindPosition(ctx context.Context, id int64) (*domain.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query position by ID %d: %w", id, err)
	}
	return pos, nil
}

// FindOpenByWalletAsset retrieves the wallet's open position in asset, if any.
func (r *Repository) FindOpenByWalletAsset(ctx context.Context, walletID, asset string) (*domain.Position, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE wallet_id = ? AND asset = ? AND status = ?`,
		walletID, asset, domain.StatusOpen)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open position for wallet %s asset %s: %w", walletID, asset, err)
	}
	return pos, nil
}

// ListOpenByAsset returns every open position in asset.
func (r *Repository) ListOpenByAsset(ctx context.Context, asset string) ([]*domain.Position, error) {
	return r.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE asset = ? AND status = ? ORDER BY id`,
		asset, domain.StatusOpen)
}

// ListClosedByWorkflow returns the closed positions a workflow opened.
func (r *Repository) ListClosedByWorkflow(ctx context.Context, workflowID string) ([]*domain.Position, error) {
	return r.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE workflow_id = ? AND status = ? ORDER BY id`,
		workflowID, domain.StatusClosed)
}

// ListPositions returns one page of positions, newest first.
func (r *Repository) ListPositions(ctx context.Context, walletID string, status domain.PositionStatus, page domain.Page) ([]*domain.Position, int, error) {
	var conds []string
	var args []interface{}
	if walletID != "" {
		conds = append(conds, "wallet_id = ?")
		args = append(args, walletID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	where := whereClause(conds)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count positions: %w", err)
	}

	page = page.Normalize()
	positions, err := r.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions`+where+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(args, page.Size, page.Offset())...)
	if err != nil {
		return nil, 0, err
	}
	return positions, total, nil
}

// CountOpenByWallet counts the wallet's open positions.
func (r *Repository) CountOpenByWallet(ctx context.Context, walletID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE wallet_id = ? AND status = ?`, walletID, domain.StatusOpen).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open positions for wallet %s: %w", walletID, err)
	}
	return count, nil
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var peak sql.NullFloat64
	var closedAt sql.NullTime
	var status string
	err := s.Scan(
		&p.ID, &p.WalletID, &p.WorkflowID, &p.Asset, &status, &p.EntryPrice, &p.TokensHeld,
		&p.InitialCost, &peak, &p.CreatedAt, &closedAt, &p.ExitPrice, &p.RealizedPNL)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	if peak.Valid {
		v := peak.Float64
		p.PeakPrice = &v
	}
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}
