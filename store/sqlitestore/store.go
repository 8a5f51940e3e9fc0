// Package sqlitestore runs migrations against SQLite through database/sql and
// the pure-Go modernc.org/sqlite driver. It provides the store, the ledger
// and a lock-table based advisory lock.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/evolve/dialect"
	"github.com/GoCodeAlone/evolve/migration"

	_ "modernc.org/sqlite"
)

// Store implements migration.Store for SQLite.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database at dsn. Use ":memory:" for an in-memory
// database (useful for testing).
func Open(dsn string) (*Store, error) {
	// Append pragmas to the DSN so they apply to every connection in the pool.
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Limit to one open connection to serialize writes and avoid SQLITE_BUSY.
	// An in-memory database also lives only as long as its connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an open database. The caller should limit db to one open
// connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ledger returns a ledger kept in the same database.
func (s *Store) Ledger() *Ledger { return NewLedger(s.db) }

// Translator returns the SQLite translator.
func (s *Store) Translator() migration.Translator { return dialect.SQLite{} }

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (migration.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) ExecDDL(ctx context.Context, stmt string) error {
	_, err := t.tx.ExecContext(ctx, stmt)
	return err
}

func (t *sqliteTx) ExecDML(ctx context.Context, stmt string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, stmt, args...)
	return err
}

func (t *sqliteTx) Commit(context.Context) error { return t.tx.Commit() }

func (t *sqliteTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
