/*
Package sqlstore provides the relational implementation of generic.TxStore.

PURPOSE:
  Persists sessions, bookings, season tickets, credits, the append-only
  entitlement ledger and compensation records in SQLite or MySQL.

DIALECTS:
  sqlite3  default, single file or ":memory:" (tests, local runs)
  mysql    production, InnoDB row locks

ADMISSION LOCKING:
  The booking transaction must serialise per session.
  - MySQL: LockSession is SELECT ... FOR UPDATE on the session row.
    Two admissions for the same session queue on that row; different
    sessions proceed in parallel.
  - SQLite: transactions start with BEGIN IMMEDIATE (_txlock=immediate)
    on a single connection, so writers are serialised database-wide.

APPEND-ONLY ENFORCEMENT:
  entitlement_transactions and compensations are only ever inserted.
  Unique keys (idempotency_key, compensations.booking_id) turn a duplicate
  adjustment into generic.ErrDuplicateIdempotencyKey.

CONDITIONAL WRITES:
  Booking and credit status changes are UPDATE ... WHERE status = ?.
  Season-ticket usage is UPDATE ... WHERE version = ?. The CHECK
  constraint 0 <= used <= total is the last line of defence.

TIMESTAMPS:
  Stored as fixed-width UTC strings (timeLayout) so they sort
  lexically in both dialects.

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
  - schema.go: Tables per dialect
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/booking-engine/generic"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements generic.TxStore.
type Store struct {
	*conn
	db *sql.DB
}

// Open connects to the database and migrates the schema.
// driver is "sqlite3" or "mysql".
func Open(driver, dsn string) (*Store, error) {
	var (
		d   *dialect
		err error
	)
	switch driver {
	case "sqlite3":
		d = sqliteDialect
		dsn = sqliteDSN(dsn)
	case "mysql":
		d = mysqlDialect
		dsn, err = mysqlDSN(dsn)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{conn: &conn{q: db, d: d}, db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func sqliteDSN(dsn string) string {
	params := "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.MultiStatements = false
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.d.migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i > 0 {
		return stmt[:i]
	}
	return stmt
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. fn must only use the
// Store it is given: on SQLite the transaction holds the only connection.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx, d: s.d, inTx: true}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every generic.Store method against a queryer, so the same code
// serves plain calls and calls inside WithTx.
type conn struct {
	q    queryer
	d    *dialect
	inTx bool
}

// =============================================================================
// HELPERS
// =============================================================================

// classify maps driver errors onto generic errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique, se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return generic.ErrDuplicateIdempotencyKey
		case se.ExtendedCode == sqlite3.ErrConstraintCheck:
			return fmt.Errorf("%w: %v", generic.ErrConcurrentModification, err)
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", generic.ErrConcurrentModification, err)
		}
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1062: // ER_DUP_ENTRY
			return generic.ErrDuplicateIdempotencyKey
		case 1205, 1213, 3819: // lock wait timeout, deadlock, check constraint
			return fmt.Errorf("%w: %v", generic.ErrConcurrentModification, err)
		}
	}
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// expectOne checks that a conditional UPDATE hit a row.
func expectOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
