package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoCodeAlone/evolve/migration"
)

// Ledger implements migration.Ledger with the evolve_migrations table.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger. Call Init before use.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Init creates the ledger table if it does not exist.
func (l *Ledger) Init(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+migration.LedgerTable+` (
			migration_id BIGINT PRIMARY KEY,
			name         TEXT NOT NULL,
			applied_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			checksum     TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create %s table: %w", migration.LedgerTable, err)
	}
	return nil
}

// History returns all applied migrations ordered by ID.
func (l *Ledger) History(ctx context.Context) ([]migration.LedgerEntry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT migration_id, name, applied_at, checksum FROM `+migration.LedgerTable+` ORDER BY migration_id`)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", migration.LedgerTable, err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByPos[migration.LedgerEntry])
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", migration.LedgerTable, err)
	}
	for i := range entries {
		entries[i].AppliedAt = entries[i].AppliedAt.UTC()
	}
	return entries, nil
}

// CurrentVersion returns the highest applied migration ID.
func (l *Ledger) CurrentVersion(ctx context.Context) (migration.ID, bool, error) {
	var id *int64
	if err := l.pool.QueryRow(ctx, `SELECT MAX(migration_id) FROM `+migration.LedgerTable).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("query current version: %w", err)
	}
	if id == nil {
		return 0, false, nil
	}
	return migration.ID(*id), true, nil
}

// Record stores an applied migration within tx.
func (l *Ledger) Record(ctx context.Context, tx migration.Tx, e migration.LedgerEntry) error {
	err := tx.ExecDML(ctx,
		`INSERT INTO `+migration.LedgerTable+` (migration_id, name, applied_at, checksum) VALUES ($1, $2, $3, $4)`,
		int64(e.ID), e.Name, e.AppliedAt, e.Checksum)
	if err != nil {
		return fmt.Errorf("insert %s: %w", migration.LedgerTable, err)
	}
	return nil
}

// Unrecord removes a rolled back migration within tx.
func (l *Ledger) Unrecord(ctx context.Context, tx migration.Tx, id migration.ID) error {
	if err := tx.ExecDML(ctx, `DELETE FROM `+migration.LedgerTable+` WHERE migration_id = $1`, int64(id)); err != nil {
		return fmt.Errorf("delete from %s: %w", migration.LedgerTable, err)
	}
	return nil
}
