package migration

import (
	"context"
	"time"
)

// LedgerTable is the name of the table that records applied migrations.
const LedgerTable = "evolve_migrations"

// LedgerEntry records one applied migration.
type LedgerEntry struct {
	ID        ID        `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	AppliedAt time.Time `json:"applied_at" yaml:"applied_at"`
	Checksum  string    `json:"checksum" yaml:"checksum"`
}

// Ledger persists which migrations have been applied. Writes go through the
// migration's Tx so that the ledger and the schema change commit together.
type Ledger interface {
	// Init creates the ledger table if it does not exist.
	Init(ctx context.Context) error
	// History returns applied entries ordered by ID.
	History(ctx context.Context) ([]LedgerEntry, error)
	// CurrentVersion returns the highest applied ID, or false when nothing
	// is applied.
	CurrentVersion(ctx context.Context) (ID, bool, error)
	Record(ctx context.Context, tx Tx, entry LedgerEntry) error
	Unrecord(ctx context.Context, tx Tx, id ID) error
}
