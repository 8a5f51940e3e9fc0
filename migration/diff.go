package migration

import (
	"fmt"
	"sort"
	"strings"
)

// DiffKind classifies a DiffItem.
type DiffKind string

const (
	// DiffMissing: expected but not present in the actual schema.
	DiffMissing DiffKind = "missing"
	// DiffExtra: present in the actual schema but not expected.
	DiffExtra DiffKind = "extra"
	// DiffMismatch: present in both but different.
	DiffMismatch DiffKind = "mismatch"
)

// DiffItem is one structural difference between two snapshots.
type DiffItem struct {
	Kind     DiffKind `json:"kind" yaml:"kind"`
	Object   string   `json:"object" yaml:"object"` // table, column, primary_key, index, view
	Name     string   `json:"name" yaml:"name"`
	Expected string   `json:"expected,omitempty" yaml:"expected,omitempty"`
	Actual   string   `json:"actual,omitempty" yaml:"actual,omitempty"`
}

func (d DiffItem) String() string {
	if d.Kind == DiffMismatch {
		return fmt.Sprintf("%s %s %s: expected %s, actual %s", d.Kind, d.Object, d.Name, d.Expected, d.Actual)
	}
	return fmt.Sprintf("%s %s %s", d.Kind, d.Object, d.Name)
}

// Diff is the result of comparing an expected snapshot with an actual one.
type Diff struct {
	Items []DiffItem `json:"items" yaml:"items"`
}

// Empty reports whether no differences were found.
func (d *Diff) Empty() bool { return d == nil || len(d.Items) == 0 }

// Len returns the number of differences.
func (d *Diff) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Items)
}

func (d *Diff) String() string {
	if d.Empty() {
		return "no differences"
	}
	parts := make([]string, len(d.Items))
	for i, it := range d.Items {
		parts[i] = it.String()
	}
	return strings.Join(parts, "; ")
}

func (d *Diff) add(kind DiffKind, object, name, expected, actual string) {
	d.Items = append(d.Items, DiffItem{Kind: kind, Object: object, Name: name, Expected: expected, Actual: actual})
}

type comparer struct {
	normalize   func(string) string
	definitions bool
}

// CompareOption configures Compare.
type CompareOption func(*comparer)

// NormalizeTypes maps column types through f before comparing them, so that
// a dialect's spelling of a type matches the declared one.
func NormalizeTypes(f func(string) string) CompareOption {
	return func(c *comparer) {
		if f != nil {
			c.normalize = f
		}
	}
}

// CompareDefinitions also compares view definitions, ignoring whitespace.
// Stores rewrite view text (renames, formatting), so drift detection leaves
// this off.
func CompareDefinitions() CompareOption {
	return func(c *comparer) { c.definitions = true }
}

// Compare returns the structural differences between expected and actual.
// Column defaults are not compared. View dependencies are compared one way:
// every expected dependency must be reported by the actual schema.
func Compare(expected, actual *Snapshot, opts ...CompareOption) *Diff {
	c := &comparer{normalize: func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }}
	for _, o := range opts {
		o(c)
	}
	d := &Diff{}

	for _, name := range expected.TableNames() {
		want := expected.Tables[key(name)]
		got, ok := actual.Table(name)
		if !ok {
			d.add(DiffMissing, "table", want.Name, "", "")
			continue
		}
		c.compareTable(d, want, got)
	}
	for _, name := range actual.TableNames() {
		if _, ok := expected.Table(name); !ok {
			d.add(DiffExtra, "table", name, "", "")
		}
	}

	for _, name := range expected.ViewNames() {
		want := expected.Views[key(name)]
		got, ok := actual.View(name)
		if !ok {
			d.add(DiffMissing, "view", want.Name, "", "")
			continue
		}
		for _, dep := range want.DependsOn {
			if indexFold(got.DependsOn, dep) < 0 && len(got.DependsOn) > 0 {
				d.add(DiffMismatch, "view", want.Name, "depends on "+dep, "depends on "+strings.Join(got.DependsOn, ", "))
				break
			}
		}
		if c.definitions && squash(want.Definition) != squash(got.Definition) {
			d.add(DiffMismatch, "view", want.Name, want.Definition, got.Definition)
		}
	}
	for _, name := range actual.ViewNames() {
		if _, ok := expected.View(name); !ok {
			d.add(DiffExtra, "view", name, "", "")
		}
	}
	return d
}

func (c *comparer) compareTable(d *Diff, want, got *Table) {
	for _, wc := range want.Columns {
		gc, ok := got.Column(wc.Name)
		qualified := want.Name + "." + wc.Name
		if !ok {
			d.add(DiffMissing, "column", qualified, "", "")
			continue
		}
		if c.normalize(wc.Type) != c.normalize(gc.Type) {
			d.add(DiffMismatch, "column", qualified, wc.Type, gc.Type)
		}
		if wc.Nullable != gc.Nullable {
			d.add(DiffMismatch, "column", qualified, nullability(wc.Nullable), nullability(gc.Nullable))
		}
	}
	for _, gc := range got.Columns {
		if !want.hasColumn(gc.Name) {
			d.add(DiffExtra, "column", want.Name+"."+gc.Name, "", "")
		}
	}

	switch {
	case want.PrimaryKey == nil && got.PrimaryKey != nil:
		d.add(DiffExtra, "primary_key", want.Name, "", pkString(got.PrimaryKey))
	case want.PrimaryKey != nil && got.PrimaryKey == nil:
		d.add(DiffMissing, "primary_key", want.Name, pkString(want.PrimaryKey), "")
	case want.PrimaryKey != nil:
		w, g := want.PrimaryKey, got.PrimaryKey
		nameDiffers := w.Name != "" && g.Name != "" && !strings.EqualFold(w.Name, g.Name)
		if nameDiffers || !equalFold(w.Columns, g.Columns) {
			d.add(DiffMismatch, "primary_key", want.Name, pkString(w), pkString(g))
		}
	}

	for _, wi := range sortedIndexes(want.Indexes) {
		gi, ok := got.Index(wi.Name)
		qualified := want.Name + "." + wi.Name
		if !ok {
			d.add(DiffMissing, "index", qualified, "", "")
			continue
		}
		if wi.Unique != gi.Unique || !equalFold(wi.Columns, gi.Columns) {
			d.add(DiffMismatch, "index", qualified, indexString(wi), indexString(gi))
		}
	}
	for _, gi := range sortedIndexes(got.Indexes) {
		if _, ok := want.Index(gi.Name); !ok {
			d.add(DiffExtra, "index", want.Name+"."+gi.Name, "", "")
		}
	}
}

// DiffOperations returns operations that turn from into to: tables, columns,
// indexes and views added or dropped. Renames cannot be told apart from a
// drop plus an add and are emitted as such; type changes are not handled.
func DiffOperations(from, to *Snapshot) []Operation {
	var ops []Operation

	// Views that go away or change are dropped first so the tables under them
	// can change.
	for _, name := range from.ViewNames() {
		if _, ok := to.View(name); !ok {
			ops = append(ops, DropView{View: cloneView(*from.Views[key(name)])})
		}
	}

	for _, name := range to.TableNames() {
		newTable := to.Tables[key(name)]
		oldTable, exists := from.Table(name)
		if !exists {
			ops = append(ops, CreateTable{Table: *newTable.clone()})
			continue
		}

		for _, col := range newTable.Columns {
			if !oldTable.hasColumn(col.Name) {
				ops = append(ops, AddColumn{Table: newTable.Name, Column: col})
			}
		}
		for _, ix := range sortedIndexes(oldTable.Indexes) {
			if _, ok := newTable.Index(ix.Name); !ok {
				ops = append(ops, DropIndex{Table: newTable.Name, Index: ix})
			}
		}
		for _, col := range oldTable.Columns {
			if !newTable.hasColumn(col.Name) {
				ops = append(ops, DropColumn{Table: newTable.Name, Column: col})
			}
		}
		for _, ix := range sortedIndexes(newTable.Indexes) {
			if _, ok := oldTable.Index(ix.Name); !ok {
				ops = append(ops, CreateIndex{Table: newTable.Name, Index: ix})
			}
		}
	}

	for _, name := range from.TableNames() {
		if _, exists := to.Table(name); !exists {
			ops = append(ops, DropTable{Table: *from.Tables[key(name)].clone()})
		}
	}

	for _, name := range to.ViewNames() {
		newView := to.Views[key(name)]
		oldView, ok := from.View(name)
		switch {
		case !ok:
			ops = append(ops, CreateView{View: cloneView(*newView)})
		case squash(oldView.Definition) != squash(newView.Definition) && newView.Definition != "":
			ops = append(ops, AlterView{View: cloneView(*newView), Previous: cloneView(*oldView)})
		}
	}
	return ops
}

func sortedIndexes(in []Index) []Index {
	out := make([]Index, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return key(out[i].Name) < key(out[j].Name) })
	return out
}

func squash(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func nullability(nullable bool) string {
	if nullable {
		return "null"
	}
	return "not null"
}

func pkString(pk *PrimaryKey) string {
	return fmt.Sprintf("%s(%s)", pk.Name, strings.Join(pk.Columns, ", "))
}

func indexString(ix Index) string {
	s := fmt.Sprintf("(%s)", strings.Join(ix.Columns, ", "))
	if ix.Unique {
		s = "unique " + s
	}
	return s
}
