// Package migration provides a versioned, reversible schema-migration engine:
// operations and migrations, a model snapshot built by replaying them, a
// ledger of applied migrations kept in the target store, advisory locking,
// and a runner that plans, applies, rolls back and verifies.
package migration

import (
	"fmt"
	"slices"
)

// Source supplies the declared migrations, in any order. The source package
// loads them from YAML files.
type Source interface {
	Migrations() ([]Migration, error)
}

// Declared is a Source backed by migrations defined in code.
type Declared []Migration

// Migrations returns a copy of d sorted by ID.
func (d Declared) Migrations() ([]Migration, error) {
	out := slices.Clone(d)
	slices.SortStableFunc(out, func(a, b Migration) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if err := validateDeclared(out); err != nil {
		return nil, fmt.Errorf("declared migrations: %w", err)
	}
	return out, nil
}
