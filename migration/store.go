package migration

import "context"

// Statement is one SQL statement produced by a Translator.
type Statement struct {
	SQL  string
	Args []any
	// DML marks data statements; they are executed with Tx.ExecDML.
	DML bool
}

// Translator turns operations into statements for one SQL dialect.
type Translator interface {
	// Name returns the dialect name, for example "sqlite" or "postgres".
	Name() string
	// Translate returns the statements that apply op. before is the schema
	// as it is immediately before op runs.
	Translate(op Operation, before *Snapshot) ([]Statement, error)
	// NormalizeType returns the canonical spelling of a column type so that
	// declared and introspected types can be compared.
	NormalizeType(typ string) string
}

// Store is the relational store a Runner migrates.
type Store interface {
	Translator() Translator
	Begin(ctx context.Context) (Tx, error)
	// Introspect describes the live schema, excluding the ledger and lock
	// tables.
	Introspect(ctx context.Context) (*Snapshot, error)
}

// Tx is a store transaction. Nothing executed through it is visible to other
// connections until Commit.
type Tx interface {
	ExecDDL(ctx context.Context, stmt string) error
	ExecDML(ctx context.Context, stmt string, args ...any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
