/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements screentime.TxStore, budget.Store and family.Writer on one
  SQLite database. The same statements run inside and outside WithTx
  through the dbtx interface.

CONDITIONAL WRITES:
  - balances:    UPDATE ... WHERE member_id = ? AND allowance_type_id = ? AND version = ?
  - grace_logs:  UPDATE ... WHERE id = ? AND resolution = ?   (workflow)
                 UPDATE ... WHERE id = ? AND repayment = ?    (repayment)
  Zero affected rows is reported as ErrConflict / TransitionError.

APPEND-ONLY:
  consumption_events and audit_log have no UPDATE or DELETE statements.

KEY TABLES:
  balances:           one row per (member, allowance type), versioned
  consumption_events: logged sessions
  grace_logs:         borrow requests and their resolution/repayment
  budget_periods:     spend per (budget, period key), upserted

INDEXES:
  - idx_grace_logs_member_requested: daily/weekly quota counts (hot path)
  - idx_consumption_member_type_at:  history queries
  - idx_grace_logs_resolution:       expiry scan

CONCURRENCY:
  The pool is limited to one connection, so SQLite sees a single writer and
  ":memory:" databases are shared by every caller. While WithTx runs, other
  callers wait for the connection. fn must therefore only use the Store it
  is handed; calling the outer Store from inside fn blocks forever.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so that string comparison in
  SQL matches time order.

USAGE:
  store, err := sqlite.New("./data/allowance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - screentime/store.go, budget/budget.go: interface definitions
  - store/memory: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/allowance-engine/budget"
	"github.com/warp/allowance-engine/family"
	"github.com/warp/allowance-engine/screentime"
)

var (
	_ screentime.TxStore = (*Store)(nil)
	_ screentime.Store   = (*txView)(nil)
	_ budget.Store       = (*Store)(nil)
	_ family.Writer      = (*Store)(nil)
)

// timeLayout is RFC3339 with fixed nanosecond width, always in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement. It runs against the pool or a transaction.
type queries struct {
	db dbtx
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

// txView is the store handed to WithTx callbacks.
type txView struct {
	*queries
}

// New opens (creating if needed) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{queries: &queries{db: db}, db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection (readiness probe).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the schema. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS families (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		family_id TEXT NOT NULL REFERENCES families(id),
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_members_family
		ON members(family_id);

	CREATE TABLE IF NOT EXISTS allowance_types (
		id TEXT PRIMARY KEY,
		family_id TEXT NOT NULL REFERENCES families(id),
		name TEXT NOT NULL,
		daily_minutes INTEGER NOT NULL,
		reset_period TEXT NOT NULL DEFAULT 'daily',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allowance_types_family
		ON allowance_types(family_id, created_at);

	-- Balances: the only mutable shared rows, written by compare-and-set on version
	CREATE TABLE IF NOT EXISTS balances (
		member_id TEXT NOT NULL,
		allowance_type_id TEXT NOT NULL,
		current INTEGER NOT NULL,
		last_reset_at TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (member_id, allowance_type_id)
	);

	-- Consumption events (append-only)
	CREATE TABLE IF NOT EXISTS consumption_events (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		allowance_type_id TEXT NOT NULL,
		minutes INTEGER NOT NULL,
		device TEXT,
		metadata_json TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_consumption_member_type_at
		ON consumption_events(member_id, allowance_type_id, at);

	CREATE TABLE IF NOT EXISTS grace_settings (
		member_id TEXT PRIMARY KEY,
		max_grace_minutes INTEGER NOT NULL,
		default_grant_minutes INTEGER NOT NULL,
		max_requests_per_day INTEGER NOT NULL,
		max_requests_per_week INTEGER NOT NULL,
		low_balance_warning_minutes INTEGER NOT NULL,
		auto_approve BOOLEAN NOT NULL,
		auto_approve_max_minutes INTEGER NOT NULL,
		require_guardian_approval BOOLEAN NOT NULL,
		updated_by TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Grace logs: resolution changes once, repayment changes once
	CREATE TABLE IF NOT EXISTS grace_logs (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL REFERENCES members(id),
		allowance_type_id TEXT NOT NULL,
		minutes_requested INTEGER NOT NULL,
		reason TEXT,
		resolution TEXT NOT NULL,
		repayment TEXT NOT NULL,
		approver_id TEXT,
		requested_at TEXT NOT NULL,
		resolved_at TEXT,
		repayment_updated_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_grace_logs_member_requested
		ON grace_logs(member_id, requested_at);
	CREATE INDEX IF NOT EXISTS idx_grace_logs_resolution
		ON grace_logs(resolution);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		subject_kind TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		from_state TEXT,
		to_state TEXT,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_subject
		ON audit_log(subject_kind, subject_id, at);

	CREATE TABLE IF NOT EXISTS budgets (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL REFERENCES members(id),
		category TEXT NOT NULL,
		period_type TEXT NOT NULL,
		limit_amount TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_budgets_member
		ON budgets(member_id);

	-- Budget periods: one accumulator per (budget, period key)
	CREATE TABLE IF NOT EXISTS budget_periods (
		budget_id TEXT NOT NULL REFERENCES budgets(id),
		period_key TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		spent TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (budget_id, period_key)
	);
`

// =============================================================================
// TRANSACTIONAL STORE (screentime.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(screentime.Store) error) error {
	return s.inTx(ctx, func(q *queries) error {
		return fn(&txView{queries: q})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*queries) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	return t, nil
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func marshalMap(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMap(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("malformed json column: %w", err)
	}
	return m, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
