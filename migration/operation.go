package migration

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIrreversible is returned by Operation.Invert when the operation does not
// carry enough information to be undone.
var ErrIrreversible = errors.New("operation is not reversible")

// Kind identifies an Operation variant.
type Kind string

const (
	KindCreateTable    Kind = "create_table"
	KindDropTable      Kind = "drop_table"
	KindRenameTable    Kind = "rename_table"
	KindRenameColumn   Kind = "rename_column"
	KindAddColumn      Kind = "add_column"
	KindDropColumn     Kind = "drop_column"
	KindAddPrimaryKey  Kind = "add_primary_key"
	KindDropPrimaryKey Kind = "drop_primary_key"
	KindCreateIndex    Kind = "create_index"
	KindDropIndex      Kind = "drop_index"
	KindCreateView     Kind = "create_view"
	KindAlterView      Kind = "alter_view"
	KindDropView       Kind = "drop_view"
	KindSeedRows       Kind = "seed_rows"
	KindDeleteRows     Kind = "delete_rows"
	KindRawStatement   Kind = "raw_statement"
)

// Operation is a single schema edit within a Migration. Implementations are
// plain values; they carry everything needed both to apply and to invert the
// change.
type Operation interface {
	Kind() Kind
	// Invert returns the operation that undoes this one, or ErrIrreversible.
	Invert() (Operation, error)
}

// Column describes a table column.
type Column struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Nullable bool   `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	// Default is a raw SQL expression. It is applied but not compared during
	// drift detection.
	Default string `json:"default,omitempty" yaml:"default,omitempty"`
}

// PrimaryKey is a named primary key constraint.
type PrimaryKey struct {
	Name    string   `json:"name" yaml:"name"`
	Columns []string `json:"columns" yaml:"columns"`
}

// Index is a named secondary index.
type Index struct {
	Name    string   `json:"name" yaml:"name"`
	Columns []string `json:"columns" yaml:"columns"`
	Unique  bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
}

// Table is the structural description of a base table.
type Table struct {
	Name       string      `json:"name" yaml:"name"`
	Columns    []Column    `json:"columns" yaml:"columns"`
	PrimaryKey *PrimaryKey `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	Indexes    []Index     `json:"indexes,omitempty" yaml:"indexes,omitempty"`
}

// ViewDef is a view's name, select statement and the tables or views it reads.
type ViewDef struct {
	Name       string   `json:"name" yaml:"name"`
	Definition string   `json:"definition" yaml:"definition"`
	DependsOn  []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// CreateTable creates a base table together with its primary key and indexes.
type CreateTable struct {
	Table Table `json:"table" yaml:",inline"`
}

func (o CreateTable) Kind() Kind                 { return KindCreateTable }
func (o CreateTable) Invert() (Operation, error) { return DropTable(o), nil }
func (o CreateTable) String() string             { return fmt.Sprintf("create table %s", o.Table.Name) }

// DropTable drops a base table. Table must describe the dropped table so the
// drop can be inverted.
type DropTable struct {
	Table Table `json:"table" yaml:",inline"`
}

func (o DropTable) Kind() Kind { return KindDropTable }
func (o DropTable) Invert() (Operation, error) {
	if len(o.Table.Columns) == 0 {
		return nil, fmt.Errorf("%s: columns unknown: %w", o, ErrIrreversible)
	}
	return CreateTable(o), nil
}
func (o DropTable) String() string { return fmt.Sprintf("drop table %s", o.Table.Name) }

// RenameTable renames a base table.
type RenameTable struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

func (o RenameTable) Kind() Kind { return KindRenameTable }
func (o RenameTable) Invert() (Operation, error) {
	return RenameTable{From: o.To, To: o.From}, nil
}
func (o RenameTable) String() string { return fmt.Sprintf("rename table %s to %s", o.From, o.To) }

// RenameColumn renames a column of Table.
type RenameColumn struct {
	Table string `json:"table" yaml:"table"`
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
}

func (o RenameColumn) Kind() Kind { return KindRenameColumn }
func (o RenameColumn) Invert() (Operation, error) {
	return RenameColumn{Table: o.Table, From: o.To, To: o.From}, nil
}
func (o RenameColumn) String() string {
	return fmt.Sprintf("rename column %s.%s to %s", o.Table, o.From, o.To)
}

// AddColumn appends a column to Table.
type AddColumn struct {
	Table  string `json:"table" yaml:"table"`
	Column Column `json:"column" yaml:"column"`
}

func (o AddColumn) Kind() Kind                 { return KindAddColumn }
func (o AddColumn) Invert() (Operation, error) { return DropColumn(o), nil }
func (o AddColumn) String() string             { return fmt.Sprintf("add column %s.%s", o.Table, o.Column.Name) }

// DropColumn removes a column from Table. Column carries the full definition
// so the drop can be inverted.
type DropColumn struct {
	Table  string `json:"table" yaml:"table"`
	Column Column `json:"column" yaml:"column"`
}

func (o DropColumn) Kind() Kind                 { return KindDropColumn }
func (o DropColumn) Invert() (Operation, error) { return AddColumn(o), nil }
func (o DropColumn) String() string             { return fmt.Sprintf("drop column %s.%s", o.Table, o.Column.Name) }

// AddPrimaryKey adds a named primary key constraint.
type AddPrimaryKey struct {
	Table   string   `json:"table" yaml:"table"`
	Name    string   `json:"name" yaml:"name"`
	Columns []string `json:"columns" yaml:"columns"`
}

func (o AddPrimaryKey) Kind() Kind                 { return KindAddPrimaryKey }
func (o AddPrimaryKey) Invert() (Operation, error) { return DropPrimaryKey(o), nil }
func (o AddPrimaryKey) String() string {
	return fmt.Sprintf("add primary key %s on %s(%s)", o.Name, o.Table, strings.Join(o.Columns, ", "))
}

// DropPrimaryKey drops a named primary key constraint. Columns are kept so
// the constraint can be restored.
type DropPrimaryKey struct {
	Table   string   `json:"table" yaml:"table"`
	Name    string   `json:"name" yaml:"name"`
	Columns []string `json:"columns" yaml:"columns"`
}

func (o DropPrimaryKey) Kind() Kind { return KindDropPrimaryKey }
func (o DropPrimaryKey) Invert() (Operation, error) {
	if len(o.Columns) == 0 {
		return nil, fmt.Errorf("%s: columns unknown: %w", o, ErrIrreversible)
	}
	return AddPrimaryKey(o), nil
}
func (o DropPrimaryKey) String() string { return fmt.Sprintf("drop primary key %s on %s", o.Name, o.Table) }

// CreateIndex creates a secondary index on Table.
type CreateIndex struct {
	Table string `json:"table" yaml:"table"`
	Index Index  `json:"index" yaml:"index"`
}

func (o CreateIndex) Kind() Kind                 { return KindCreateIndex }
func (o CreateIndex) Invert() (Operation, error) { return DropIndex(o), nil }
func (o CreateIndex) String() string             { return fmt.Sprintf("create index %s on %s", o.Index.Name, o.Table) }

// DropIndex drops a secondary index of Table.
type DropIndex struct {
	Table string `json:"table" yaml:"table"`
	Index Index  `json:"index" yaml:"index"`
}

func (o DropIndex) Kind() Kind { return KindDropIndex }
func (o DropIndex) Invert() (Operation, error) {
	if len(o.Index.Columns) == 0 {
		return nil, fmt.Errorf("%s: columns unknown: %w", o, ErrIrreversible)
	}
	return CreateIndex(o), nil
}
func (o DropIndex) String() string { return fmt.Sprintf("drop index %s on %s", o.Index.Name, o.Table) }

// CreateView creates a view. Every name in View.DependsOn must exist first.
type CreateView struct {
	View ViewDef `json:"view" yaml:",inline"`
}

func (o CreateView) Kind() Kind                 { return KindCreateView }
func (o CreateView) Invert() (Operation, error) { return DropView(o), nil }
func (o CreateView) String() string             { return fmt.Sprintf("create view %s", o.View.Name) }

// AlterView replaces a view definition. Previous holds the definition being
// replaced and is what the inverse restores.
type AlterView struct {
	View     ViewDef `json:"view" yaml:",inline"`
	Previous ViewDef `json:"previous" yaml:"previous"`
}

func (o AlterView) Kind() Kind { return KindAlterView }
func (o AlterView) Invert() (Operation, error) {
	if strings.TrimSpace(o.Previous.Definition) == "" {
		return nil, fmt.Errorf("%s: previous definition unknown: %w", o, ErrIrreversible)
	}
	prev := o.Previous
	if prev.Name == "" {
		prev.Name = o.View.Name
	}
	return AlterView{View: prev, Previous: o.View}, nil
}
func (o AlterView) String() string { return fmt.Sprintf("alter view %s", o.View.Name) }

// DropView drops a view. View must carry the definition for the drop to be
// inverted.
type DropView struct {
	View ViewDef `json:"view" yaml:",inline"`
}

func (o DropView) Kind() Kind { return KindDropView }
func (o DropView) Invert() (Operation, error) {
	if strings.TrimSpace(o.View.Definition) == "" {
		return nil, fmt.Errorf("%s: definition unknown: %w", o, ErrIrreversible)
	}
	return CreateView(o), nil
}
func (o DropView) String() string { return fmt.Sprintf("drop view %s", o.View.Name) }

// SeedRows inserts rows into Table. Keys names the columns that identify a
// row; without keys the seed cannot be deleted again.
type SeedRows struct {
	Table   string   `json:"table" yaml:"table"`
	Columns []string `json:"columns" yaml:"columns"`
	Keys    []string `json:"keys,omitempty" yaml:"keys,omitempty"`
	Rows    [][]any  `json:"rows" yaml:"rows"`
}

func (o SeedRows) Kind() Kind { return KindSeedRows }
func (o SeedRows) Invert() (Operation, error) {
	if len(o.Keys) == 0 {
		return nil, fmt.Errorf("%s: no key columns: %w", o, ErrIrreversible)
	}
	return DeleteRows(o), nil
}
func (o SeedRows) String() string { return fmt.Sprintf("seed %d rows into %s", len(o.Rows), o.Table) }

// DeleteRows deletes the given rows from Table, matching on Keys.
type DeleteRows struct {
	Table   string   `json:"table" yaml:"table"`
	Columns []string `json:"columns" yaml:"columns"`
	Keys    []string `json:"keys" yaml:"keys"`
	Rows    [][]any  `json:"rows" yaml:"rows"`
}

func (o DeleteRows) Kind() Kind { return KindDeleteRows }
func (o DeleteRows) Invert() (Operation, error) {
	if len(o.Columns) == 0 {
		return nil, fmt.Errorf("%s: row values unknown: %w", o, ErrIrreversible)
	}
	return SeedRows(o), nil
}
func (o DeleteRows) String() string { return fmt.Sprintf("delete %d rows from %s", len(o.Rows), o.Table) }

// RawStatement executes SQL verbatim. It has no effect on the model snapshot.
// Reverse, when set, is the statement that undoes it.
type RawStatement struct {
	SQL     string `json:"sql" yaml:"sql"`
	Reverse string `json:"reverse,omitempty" yaml:"reverse,omitempty"`
}

func (o RawStatement) Kind() Kind { return KindRawStatement }
func (o RawStatement) Invert() (Operation, error) {
	if strings.TrimSpace(o.Reverse) == "" {
		return nil, fmt.Errorf("raw statement: %w", ErrIrreversible)
	}
	return RawStatement{SQL: o.Reverse, Reverse: o.SQL}, nil
}
func (o RawStatement) String() string { return "raw statement" }

// keyValues returns the key column values of each row, in keys order.
func keyValues(columns, keys []string, rows [][]any) ([][]any, error) {
	pos := make([]int, len(keys))
	for i, k := range keys {
		pos[i] = indexFold(columns, k)
		if pos[i] < 0 {
			return nil, fmt.Errorf("key column %q not among seeded columns", k)
		}
	}
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		vals := make([]any, len(pos))
		for i, p := range pos {
			if p >= len(row) {
				return nil, fmt.Errorf("row has %d values, want %d", len(row), len(columns))
			}
			vals[i] = row[p]
		}
		out = append(out, vals)
	}
	return out, nil
}

// KeyValues exposes the per-row key tuples of a DeleteRows operation.
func (o DeleteRows) KeyValues() ([][]any, error) { return keyValues(o.Columns, o.Keys, o.Rows) }

func indexFold(list []string, name string) int {
	for i, v := range list {
		if strings.EqualFold(v, name) {
			return i
		}
	}
	return -1
}
