package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"workflowTrader/internal/ports"

	"github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.Store using SQLite: workflows, positions, orders
// and the append-only execution ledger.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

var _ ports.Store = (*Repository)(nil)

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/workflow_trader.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for concurrent readers; foreign keys are not used.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// A single connection serializes writers, which also makes the
	// count-then-insert in OpenPosition atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", ports.Fields{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('BUY', 'SELL')),
		active INTEGER NOT NULL DEFAULT 1,
		chain TEXT NOT NULL,
		amount TEXT NOT NULL,
		cooldown_seconds INTEGER NOT NULL DEFAULT 0,
		max_open_positions INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wallet_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		asset TEXT NOT NULL,
		status TEXT NOT NULL,
		entry_price REAL NOT NULL,
		tokens_held REAL NOT NULL,
		initial_cost REAL NOT NULL,
		peak_price REAL DEFAULT NULL,
		created_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL,
		exit_price REAL DEFAULT NULL,
		realized_pnl REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		asset TEXT NOT NULL,
		side TEXT NOT NULL,
		client_order_id TEXT NOT NULL UNIQUE,
		requested_amount REAL NOT NULL,
		filled_amount REAL NOT NULL DEFAULT 0,
		price REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		workflow_type TEXT NOT NULL,
		event_id TEXT NOT NULL,
		position_id INTEGER NULL,
		asset TEXT NOT NULL,
		event_data TEXT NOT NULL,
		trace TEXT NOT NULL,
		result TEXT NOT NULL CHECK (result IN ('EXECUTED', 'REJECTED', 'ERROR')),
		order_id INTEGER NULL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE (workflow_id, event_id)
	);

	-- At most one OPEN position per (wallet, asset).
	CREATE UNIQUE INDEX IF NOT EXISTS ux_positions_wallet_asset_open ON positions (wallet_id, asset) WHERE status = 'OPEN';
	CREATE INDEX IF NOT EXISTS idx_positions_asset_status ON positions (asset, status);
	CREATE INDEX IF NOT EXISTS idx_positions_workflow ON positions (workflow_id, status);
	CREATE INDEX IF NOT EXISTS idx_workflows_wallet_type ON workflows (wallet_id, type);
	CREATE INDEX IF NOT EXISTS idx_executions_workflow_result ON executions (workflow_id, result);
	CREATE INDEX IF NOT EXISTS idx_executions_wallet ON executions (wallet_id);

	-- The ledger is append-only.
	CREATE TRIGGER IF NOT EXISTS executions_no_update BEFORE UPDATE ON executions
	BEGIN
		SELECT RAISE(ABORT, 'executions are append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS executions_no_delete BEFORE DELETE ON executions
	BEGIN
		SELECT RAISE(ABORT, 'executions are append-only');
	END;
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// --- Helpers ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// whereClause joins conditions with AND; empty input yields an empty string.
func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}
