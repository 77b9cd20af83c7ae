/*
Package sqlite provides a SQLite-backed implementation of catalog.DurableStore.

PURPOSE:
  Implements the source of truth for configurations and transactions, plus
  the reconcile-run history (catalog.RunRecorder). In production the same
  patterns apply to PostgreSQL with minor dialect differences.

INTERFACES IMPLEMENTED:
  catalog.DurableStore: configurations + transactions
  catalog.RunRecorder:  reconcile run bookkeeping

KEY TABLES:
  product_configs:  configurations (validity window stored as unix nanos)
  transactions:     orders, written by an external system
  reconcile_runs:   one row per Reconcile pass

INDEXES:
  - idx_configs_product:       Stage B product push-down (hot path)
  - idx_configs_eligibility:   enabled + window range scans
  - idx_transactions_status:   Stage A status filter, covering product_id

SCANS:
  Scans page through rows by primary key. Each page is read and the cursor
  closed before the callback runs, so callbacks may call back into the
  store and a cancelled context stops the scan between pages.

WAL MODE:
  Opened with WAL so readers don't block the single writer.

USAGE:
  store, err := sqlite.New("./productview.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - catalog/store.go: Interface definitions
  - catalog/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/productview/catalog"
)

const (
	// pageSize bounds rows held in memory per scan step.
	pageSize = 500

	// maxInParams keeps IN lists under SQLite's bound-parameter limit.
	maxInParams = 500
)

// Store implements catalog.DurableStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Configurations (source of truth)
	CREATE TABLE IF NOT EXISTS product_configs (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		enabled INTEGER NOT NULL,
		valid_from TEXT NOT NULL,
		valid_to TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_configs_product
		ON product_configs(product_id);
	CREATE INDEX IF NOT EXISTS idx_configs_eligibility
		ON product_configs(enabled, valid_from, valid_to);

	-- Transactions (written by the order system)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		status TEXT NOT NULL,
		amount TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_status
		ON transactions(status, product_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_product
		ON transactions(product_id);

	-- Reconcile runs
	CREATE TABLE IF NOT EXISTS reconcile_runs (
		id TEXT PRIMARY KEY,
		strategy TEXT NOT NULL,
		status TEXT NOT NULL,
		synced INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		pruned INTEGER DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconcile_runs_started
		ON reconcile_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CONFIGURATION STORE (catalog.ConfigStore interface)
// =============================================================================

const configColumns = `id, product_id, enabled, valid_from, valid_to`

// GetConfig returns a configuration by id.
func (s *Store) GetConfig(ctx context.Context, id catalog.ConfigID) (catalog.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM product_configs WHERE id = ?`, id)
	cfg, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return catalog.Configuration{}, catalog.ErrConfigNotFound
	}
	if err != nil {
		return catalog.Configuration{}, fmt.Errorf("failed to get configuration: %w", err)
	}
	return cfg, nil
}

// PutConfig inserts or replaces a configuration. Validity bounds are stored
// as catalog.InstantLayout text so range predicates compare them as strings.
func (s *Store) PutConfig(ctx context.Context, cfg catalog.Configuration) error {
	if err := storable(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO product_configs (id, product_id, enabled, valid_from, valid_to, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			product_id = excluded.product_id,
			enabled = excluded.enabled,
			valid_from = excluded.valid_from,
			valid_to = excluded.valid_to,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		cfg.ID,
		cfg.ProductID,
		cfg.Enabled,
		catalog.FormatInstant(cfg.ValidFrom),
		catalog.FormatInstant(cfg.ValidTo),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	return nil
}

// DeleteConfig removes a configuration.
func (s *Store) DeleteConfig(ctx context.Context, id catalog.ConfigID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM product_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete configuration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete configuration: %w", err)
	}
	if n == 0 {
		return catalog.ErrConfigNotFound
	}
	return nil
}

// ScanConfigs pages through configurations matching filter in id order.
func (s *Store) ScanConfigs(ctx context.Context, filter catalog.ConfigFilter, fn func(catalog.Configuration) error) error {
	for _, where := range configPredicates(filter) {
		err := s.pageConfigs(ctx, where, fn)
		if err != nil {
			return err
		}
	}
	return nil
}

// CountConfigs counts configurations matching filter.
func (s *Store) CountConfigs(ctx context.Context, filter catalog.ConfigFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, where := range configPredicates(filter) {
		var n int
		query := `SELECT COUNT(*) FROM product_configs` + where.sql()
		if err := s.db.QueryRowContext(ctx, query, where.args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count configurations: %w", err)
		}
		total += n
	}
	return total, nil
}

func (s *Store) pageConfigs(ctx context.Context, where predicate, fn func(catalog.Configuration) error) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.configPage(ctx, where, after)
		if err != nil {
			return err
		}
		for _, cfg := range page {
			if err := fn(cfg); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		after = string(page[len(page)-1].ID)
	}
}

func (s *Store) configPage(ctx context.Context, where predicate, after string) ([]catalog.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := where.and("id > ?", after)
	query := `SELECT ` + configColumns + ` FROM product_configs` + p.sql() + ` ORDER BY id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, append(p.args, pageSize)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query configurations: %w", err)
	}
	defer rows.Close()

	var page []catalog.Configuration
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan configuration: %w", err)
		}
		page = append(page, cfg)
	}
	return page, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (catalog.Configuration, error) {
	var (
		cfg       catalog.Configuration
		validFrom string
		validTo   string
		err       error
	)
	if err = row.Scan(&cfg.ID, &cfg.ProductID, &cfg.Enabled, &validFrom, &validTo); err != nil {
		return cfg, err
	}
	if cfg.ValidFrom, err = catalog.ParseInstant(validFrom); err != nil {
		return cfg, fmt.Errorf("valid_from of %s: %w", cfg.ID, err)
	}
	if cfg.ValidTo, err = catalog.ParseInstant(validTo); err != nil {
		return cfg, fmt.Errorf("valid_to of %s: %w", cfg.ID, err)
	}
	return cfg, nil
}

func storable(cfg catalog.Configuration) error {
	if !catalog.InRange(cfg.ValidFrom) {
		return &catalog.ValidationError{Field: "validFrom", Reason: "must be between years 0001 and 9999"}
	}
	if !catalog.InRange(cfg.ValidTo) {
		return &catalog.ValidationError{Field: "validTo", Reason: "must be between years 0001 and 9999"}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// PutTransaction inserts or replaces a transaction.
func (s *Store) PutTransaction(ctx context.Context, tx catalog.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO transactions (id, product_id, status, amount, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			product_id = excluded.product_id,
			status = excluded.status,
			amount = excluded.amount
	`
	_, err := s.db.ExecContext(ctx, query, tx.ID, tx.ProductID, tx.Status, tx.Amount.String(), catalog.FormatInstant(catalog.ClampInstant(createdAt)))
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

// ScanTransactions pages through transactions matching filter in id order.
func (s *Store) ScanTransactions(ctx context.Context, filter catalog.TransactionFilter, fn func(catalog.Transaction) error) error {
	for _, where := range transactionPredicates(filter) {
		after := ""
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			page, err := s.transactionPage(ctx, where, after)
			if err != nil {
				return err
			}
			for _, tx := range page {
				if err := fn(tx); err != nil {
					return err
				}
			}
			if len(page) < pageSize {
				break
			}
			after = string(page[len(page)-1].ID)
		}
	}
	return nil
}

func (s *Store) transactionPage(ctx context.Context, where predicate, after string) ([]catalog.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := where.and("id > ?", after)
	query := `SELECT id, product_id, status, amount, created_at FROM transactions` + p.sql() + ` ORDER BY id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, append(p.args, pageSize)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var page []catalog.Transaction
	for rows.Next() {
		var (
			tx        catalog.Transaction
			amount    string
			createdAt string
		)
		if err := rows.Scan(&tx.ID, &tx.ProductID, &tx.Status, &amount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse amount of transaction %s: %w", tx.ID, err)
		}
		tx.CreatedAt, err = catalog.ParseInstant(createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at of transaction %s: %w", tx.ID, err)
		}
		page = append(page, tx)
	}
	return page, rows.Err()
}

// =============================================================================
// RECONCILE RUNS (catalog.RunRecorder interface)
// =============================================================================

// SaveReconcileRun inserts or updates a reconcile run.
func (s *Store) SaveReconcileRun(ctx context.Context, r catalog.ReconcileRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO reconcile_runs (id, strategy, status, synced, failed, pruned, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			synced = excluded.synced,
			failed = excluded.failed,
			pruned = excluded.pruned,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var completedAt *string
	if r.CompletedAt != nil {
		s := r.CompletedAt.UTC().Format(time.RFC3339Nano)
		completedAt = &s
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Strategy, r.Status, r.Synced, r.Failed, r.Pruned, nullString(r.Error),
		r.StartedAt.UTC().Format(time.RFC3339Nano), completedAt,
	)
	return err
}

// ListReconcileRuns returns the most recent runs first.
func (s *Store) ListReconcileRuns(ctx context.Context, limit int) ([]catalog.ReconcileRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, strategy, status, synced, failed, pruned, error, started_at, completed_at
		FROM reconcile_runs
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []catalog.ReconcileRun
	for rows.Next() {
		var (
			r           catalog.ReconcileRun
			errText     sql.NullString
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.Strategy, &r.Status, &r.Synced, &r.Failed, &r.Pruned,
			&errText, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		r.Error = errText.String
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"product_configs", "transactions", "reconcile_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
