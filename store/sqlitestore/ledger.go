package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/GoCodeAlone/evolve/migration"
)

// Ledger implements migration.Ledger with the evolve_migrations table.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a Ledger. Call Init before use.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Init creates the ledger table if it does not exist.
func (l *Ledger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migration.LedgerTable+` (
		migration_id INTEGER PRIMARY KEY,
		name         TEXT NOT NULL,
		applied_at   TEXT NOT NULL,
		checksum     TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create %s table: %w", migration.LedgerTable, err)
	}
	return nil
}

// History returns all applied migrations ordered by ID.
func (l *Ledger) History(ctx context.Context) ([]migration.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT migration_id, name, applied_at, checksum FROM `+migration.LedgerTable+` ORDER BY migration_id`)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", migration.LedgerTable, err)
	}
	defer rows.Close()

	var result []migration.LedgerEntry
	for rows.Next() {
		var (
			e         migration.LedgerEntry
			id        int64
			appliedAt string
		)
		if err := rows.Scan(&id, &e.Name, &appliedAt, &e.Checksum); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		e.ID = migration.ID(id)
		if e.AppliedAt, err = time.Parse(time.RFC3339Nano, appliedAt); err != nil {
			return nil, fmt.Errorf("parse applied_at of migration %d: %w", id, err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// CurrentVersion returns the highest applied migration ID.
func (l *Ledger) CurrentVersion(ctx context.Context) (migration.ID, bool, error) {
	var id sql.NullInt64
	err := l.db.QueryRowContext(ctx, `SELECT MAX(migration_id) FROM `+migration.LedgerTable).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("query current version: %w", err)
	}
	return migration.ID(id.Int64), id.Valid, nil
}

// Record stores an applied migration within tx.
func (l *Ledger) Record(ctx context.Context, tx migration.Tx, e migration.LedgerEntry) error {
	err := tx.ExecDML(ctx,
		`INSERT INTO `+migration.LedgerTable+` (migration_id, name, applied_at, checksum) VALUES (?, ?, ?, ?)`,
		int64(e.ID), e.Name, e.AppliedAt.UTC().Format(time.RFC3339Nano), e.Checksum)
	if err != nil {
		return fmt.Errorf("insert %s: %w", migration.LedgerTable, err)
	}
	return nil
}

// Unrecord removes a rolled back migration within tx.
func (l *Ledger) Unrecord(ctx context.Context, tx migration.Tx, id migration.ID) error {
	if err := tx.ExecDML(ctx, `DELETE FROM `+migration.LedgerTable+` WHERE migration_id = ?`, int64(id)); err != nil {
		return fmt.Errorf("delete from %s: %w", migration.LedgerTable, err)
	}
	return nil
}
