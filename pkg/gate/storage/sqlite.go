package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // SQLite driver

	"budgetgate/pkg/gate"
)

// SQLiteStore implements gate.Store using SQLite for persistence.
// It is suitable for single-process deployments where spend history
// must survive restarts. Live reservations are persisted too, so a
// restart does not forget pending claims.
//
// SQLiteStore uses a write-ahead log (WAL) for better concurrent
// performance. Amounts are stored as decimal strings and summed in
// Go, keeping the arithmetic exact.
type SQLiteStore struct {
	db        *sql.DB
	dbPath    string
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// SQLiteStoreConfig configures the SQLite store.
type SQLiteStoreConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a SQLite store with default settings.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteStoreConfig{DBPath: dbPath})
}

// NewSQLiteStoreWithConfig creates a SQLite store with custom
// configuration.
func NewSQLiteStoreWithConfig(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.DBPath, int(cfg.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{db: db, dbPath: cfg.DBPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS spend_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ledger_key TEXT NOT NULL,
		ts INTEGER NOT NULL,
		amount TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_spend_events_ledger_ts ON spend_events(ledger_key, ts);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		ledger_key TEXT NOT NULL,
		ts INTEGER NOT NULL,
		amount TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_ledger ON reservations(ledger_key);
	`

	_, err := s.db.Exec(schema)
	return err
}

// cutoffNanos returns the inclusive lower bound for in-window rows.
// A zero window admits all history.
func cutoffNanos(now time.Time, window time.Duration) int64 {
	if window == 0 {
		return math.MinInt64
	}
	return now.Add(-window).UnixNano()
}

// sumRows sums decimal amount strings from a query.
func sumRows(rows *sql.Rows) (decimal.Decimal, error) {
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan amount: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt amount %q: %w", raw, err)
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

// currentSpendTx computes committed-plus-reserved spend for a ledger
// inside an open transaction.
func (s *SQLiteStore) currentSpendTx(tx *sql.Tx, key string, cutoff int64) (decimal.Decimal, error) {
	rows, err := tx.Query(`SELECT amount FROM spend_events WHERE ledger_key = ? AND ts >= ?`, key, cutoff)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query spend events: %w", err)
	}
	committed, err := sumRows(rows)
	if err != nil {
		return decimal.Zero, err
	}

	rows, err = tx.Query(`SELECT amount FROM reservations WHERE ledger_key = ? AND ts >= ?`, key, cutoff)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query reservations: %w", err)
	}
	reserved, err := sumRows(rows)
	if err != nil {
		return decimal.Zero, err
	}

	return committed.Add(reserved), nil
}

// admit runs the shared admission test and, when allowed, invokes
// record inside the same transaction.
func (s *SQLiteStore) admit(ledger gate.Ledger, now time.Time, amount decimal.Decimal, budget gate.Budget, record func(tx *sql.Tx) error) (decimal.Decimal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.currentSpendTx(tx, ledger.Key(), cutoffNanos(now, budget.Window))
	if err != nil {
		return decimal.Zero, false, err
	}

	if !budget.Unlimited && current.Add(amount).Cmp(budget.MaxSpend) > 0 {
		return current, false, nil
	}

	if err := record(tx); err != nil {
		return decimal.Zero, false, err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return current.Add(amount), true, nil
}

// CheckAndReserve implements gate.Store.
func (s *SQLiteStore) CheckAndReserve(ledger gate.Ledger, now time.Time, amount decimal.Decimal, budget gate.Budget) (decimal.Decimal, bool, error) {
	return s.admit(ledger, now, amount, budget, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO spend_events (ledger_key, ts, amount) VALUES (?, ?, ?)`,
			ledger.Key(), now.UnixNano(), amount.String())
		if err != nil {
			return fmt.Errorf("failed to insert spend event: %w", err)
		}
		return nil
	})
}

// Reserve implements gate.Store.
func (s *SQLiteStore) Reserve(ledger gate.Ledger, now time.Time, amount decimal.Decimal, budget gate.Budget) (string, decimal.Decimal, error) {
	id := uuid.NewString()
	total, allowed, err := s.admit(ledger, now, amount, budget, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO reservations (id, ledger_key, ts, amount) VALUES (?, ?, ?, ?)`,
			id, ledger.Key(), now.UnixNano(), amount.String())
		if err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", decimal.Zero, err
	}
	if !allowed {
		return "", total, nil
	}
	return id, total, nil
}

// Commit implements gate.Store. The committed event keeps the
// reservation's original timestamp.
func (s *SQLiteStore) Commit(id string, actual decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		key string
		ts  int64
	)
	err = tx.QueryRow(`SELECT ledger_key, ts FROM reservations WHERE id = ?`, id).Scan(&key, &ts)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", gate.ErrReservationNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load reservation: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM reservations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete reservation: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO spend_events (ledger_key, ts, amount) VALUES (?, ?, ?)`,
		key, ts, actual.String()); err != nil {
		return fmt.Errorf("failed to insert spend event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Release implements gate.Store.
func (s *SQLiteStore) Release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM reservations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete reservation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", gate.ErrReservationNotFound, id)
	}
	return nil
}

// GetSpend implements gate.Store.
func (s *SQLiteStore) GetSpend(ledger gate.Ledger, now time.Time, window time.Duration) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	return s.currentSpendTx(tx, ledger.Key(), cutoffNanos(now, window))
}

// Clear implements gate.Store.
func (s *SQLiteStore) Clear(ledger gate.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM spend_events WHERE ledger_key = ?`, ledger.Key()); err != nil {
		return fmt.Errorf("failed to clear spend events: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM reservations WHERE ledger_key = ?`, ledger.Key()); err != nil {
		return fmt.Errorf("failed to clear reservations: %w", err)
	}
	return tx.Commit()
}

// ClearAll implements gate.Store.
func (s *SQLiteStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM spend_events`); err != nil {
		return fmt.Errorf("failed to clear spend events: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM reservations`); err != nil {
		return fmt.Errorf("failed to clear reservations: %w", err)
	}
	return tx.Commit()
}

// PruneBefore deletes committed spend events older than the given
// time across all ledgers and returns the number of rows deleted.
// Live reservations are never pruned. Callers must keep the cutoff at
// least one full window in the past for every budget in use; reads
// are window-filtered, so retention that honors this never changes
// query results.
func (s *SQLiteStore) PruneBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM spend_events WHERE ts < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune spend events: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// Close releases the database handle. Close is idempotent and safe to
// call multiple times.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}
