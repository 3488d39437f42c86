/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements contravention.Repo (and through it points.Repo) on SQLite.
  Every operation runs inside Store.WithTx; the Repo handed to the callback
  is bound to that one transaction.

INTERFACES IMPLEMENTED:
  contravention.TxStore:  Store.WithTx
  points.TxStore:         via contravention.PointsStore(store)

KEY TABLES:
  employees:            Employee records
  ledgers:              One row per employee: total, level, sticky flag
  ledger_entries:       Append-only typed history (no UPDATE, no DELETE)
  contraventions:       Logged violations, unique reference number
  reference_sequences:  Per-year reference counter
  approval_requests:    Unique per (contravention, approver)
  escalations:          Level crossings with copied action lists
  courses / training_records: Mandatory training, unique per (employee, course)
  reset_runs:           Fiscal reset audit, unique per fiscal label

CONCURRENCY:
  The database is opened with _txlock=immediate, so BEGIN takes the write
  lock and a ledger read-modify-write cannot interleave with another one,
  in this process or any other sharing the file. There is no process
  mutex. Busy writers wait up to _busy_timeout before failing.

  In-memory databases live on a single connection, so callers must not
  start a transaction from inside another one.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order is time order.

USAGE:
  store, err := sqlite.New("./data/contraventions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine, err := points.New(contravention.PointsStore(store))

SEE ALSO:
  - points/store.go: Repo contract for the ledger
  - contravention/store.go: Repo contract for the workflow
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/contravention-engine/contravention"
	"github.com/warp/contravention-engine/points"
)

// Store implements contravention.TxStore using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	params := "_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"
	inMemory := dbPath == ":memory:"
	if !inMemory {
		params += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dbPath+"?"+params)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if inMemory {
		// Every new connection would open a fresh, empty database.
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

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- One row per employee, created on the first points event
	CREATE TABLE IF NOT EXISTS ledgers (
		employee_id TEXT PRIMARY KEY REFERENCES employees(id),
		total_points INTEGER NOT NULL CHECK (total_points >= 0),
		level TEXT NOT NULL DEFAULT '',
		performance_impact INTEGER NOT NULL DEFAULT 0,
		last_reset_label TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	-- Append-only. seq gives a stable order within equal timestamps.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		employee_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		delta INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		contravention_ref TEXT NOT NULL DEFAULT '',
		training_id TEXT NOT NULL DEFAULT '',
		fiscal_label TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_employee
		ON ledger_entries(employee_id, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_employee_kind
		ON ledger_entries(employee_id, kind, seq);

	CREATE TABLE IF NOT EXISTS contravention_types (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		default_severity TEXT NOT NULL,
		default_points INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contraventions (
		id TEXT PRIMARY KEY,
		reference_number TEXT NOT NULL UNIQUE,
		employee_id TEXT NOT NULL REFERENCES employees(id),
		type_id TEXT NOT NULL REFERENCES contravention_types(id),
		severity TEXT NOT NULL,
		points INTEGER NOT NULL CHECK (points >= 0),
		incident_date TEXT NOT NULL,
		monetary_value TEXT,
		approver_email TEXT NOT NULL DEFAULT '',
		document_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		justification TEXT NOT NULL DEFAULT '',
		mitigation TEXT NOT NULL DEFAULT '',
		submitted_by TEXT NOT NULL,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TEXT,
		resolution_notes TEXT NOT NULL DEFAULT '',
		void_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Reconciliation hot path
	CREATE INDEX IF NOT EXISTS idx_contraventions_employee
		ON contraventions(employee_id, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_contraventions_status
		ON contraventions(status);

	CREATE TABLE IF NOT EXISTS reference_sequences (
		year INTEGER PRIMARY KEY,
		last_seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		contravention_id TEXT NOT NULL REFERENCES contraventions(id) ON DELETE CASCADE,
		approver_email TEXT NOT NULL,
		status TEXT NOT NULL,
		reviewed_by TEXT NOT NULL DEFAULT '',
		reviewed_at TEXT,
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(contravention_id, approver_email)
	);

	CREATE INDEX IF NOT EXISTS idx_approval_requests_pending
		ON approval_requests(approver_email, status);

	CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL REFERENCES employees(id),
		level TEXT NOT NULL,
		trigger_points INTEGER NOT NULL,
		actions_json TEXT NOT NULL,
		completed_actions_json TEXT NOT NULL DEFAULT '[]',
		due_date TEXT NOT NULL,
		completed_at TEXT,
		archived INTEGER NOT NULL DEFAULT 0,
		archived_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_escalations_open
		ON escalations(employee_id, level) WHERE completed_at IS NULL AND archived = 0;

	CREATE TABLE IF NOT EXISTS courses (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		mandatory INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS training_records (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL REFERENCES employees(id),
		course_id TEXT NOT NULL REFERENCES courses(id),
		status TEXT NOT NULL,
		assigned_at TEXT NOT NULL,
		due_date TEXT NOT NULL,
		completed_at TEXT,
		credited INTEGER NOT NULL DEFAULT 0,
		credited_at TEXT,
		updated_at TEXT NOT NULL,
		UNIQUE(employee_id, course_id)
	);

	CREATE INDEX IF NOT EXISTS idx_training_records_status_due
		ON training_records(status, due_date);

	CREATE TABLE IF NOT EXISTS reset_runs (
		id TEXT PRIMARY KEY,
		fiscal_label TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		employees_processed INTEGER NOT NULL DEFAULT 0,
		points_removed INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (contravention.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. fn must only use the
// Repo it is given.
func (s *Store) WithTx(ctx context.Context, fn func(contravention.Repo) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements contravention.Repo on one transaction.
type queries struct {
	q querier
}

var _ contravention.Repo = (*queries)(nil)

// =============================================================================
// HELPERS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// wrap maps uniqueness violations to a conflict and adds context to the rest.
func wrap(err error, what string) error {
	if err == nil {
		return nil
	}
	if isUniqueConstraintError(err) {
		return points.Conflictf("%s already exists", what)
	}
	return fmt.Errorf("failed to save %s: %w", what, err)
}

// execOne runs an UPDATE or DELETE that must touch exactly one row.
func (r *queries) execOne(ctx context.Context, kind, id, query string, args ...any) error {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return wrap(err, kind)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return points.NotFound(kind, id)
	}
	return nil
}
