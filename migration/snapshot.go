package migration

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Snapshot is a structural description of a schema: tables with their
// columns, keys and indexes, and views. Lookups are case-insensitive while
// the original spelling of every name is preserved.
type Snapshot struct {
	Tables map[string]*Table   `json:"tables" yaml:"tables"`
	Views  map[string]*ViewDef `json:"views" yaml:"views"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Tables: make(map[string]*Table),
		Views:  make(map[string]*ViewDef),
	}
}

func key(name string) string { return strings.ToLower(name) }

// Table returns the named table.
func (s *Snapshot) Table(name string) (*Table, bool) {
	t, ok := s.Tables[key(name)]
	return t, ok
}

// View returns the named view.
func (s *Snapshot) View(name string) (*ViewDef, bool) {
	v, ok := s.Views[key(name)]
	return v, ok
}

// PutTable adds or replaces a table. Store introspection uses it to build a
// snapshot of the live schema.
func (s *Snapshot) PutTable(t Table) {
	s.Tables[key(t.Name)] = &t
}

// PutView adds or replaces a view.
func (s *Snapshot) PutView(v ViewDef) {
	s.Views[key(v.Name)] = &v
}

func (s *Snapshot) exists(name string) bool {
	_, t := s.Tables[key(name)]
	_, v := s.Views[key(name)]
	return t || v
}

// TableNames returns table names in sorted order.
func (s *Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		names = append(names, t.Name)
	}
	sort.Slice(names, func(i, j int) bool { return key(names[i]) < key(names[j]) })
	return names
}

// ViewNames returns view names in sorted order.
func (s *Snapshot) ViewNames() []string {
	names := make([]string, 0, len(s.Views))
	for _, v := range s.Views {
		names = append(names, v.Name)
	}
	sort.Slice(names, func(i, j int) bool { return key(names[i]) < key(names[j]) })
	return names
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	c := NewSnapshot()
	for k, t := range s.Tables {
		c.Tables[k] = t.clone()
	}
	for k, v := range s.Views {
		vc := *v
		vc.DependsOn = slices.Clone(v.DependsOn)
		c.Views[k] = &vc
	}
	return c
}

// Equal reports whether s and other describe the same structure.
func (s *Snapshot) Equal(other *Snapshot) bool {
	return Compare(s, other, CompareDefinitions()).Empty()
}

func (t *Table) clone() *Table {
	c := &Table{
		Name:    t.Name,
		Columns: slices.Clone(t.Columns),
		Indexes: make([]Index, len(t.Indexes)),
	}
	if t.PrimaryKey != nil {
		c.PrimaryKey = &PrimaryKey{Name: t.PrimaryKey.Name, Columns: slices.Clone(t.PrimaryKey.Columns)}
	}
	for i, ix := range t.Indexes {
		c.Indexes[i] = Index{Name: ix.Name, Columns: slices.Clone(ix.Columns), Unique: ix.Unique}
	}
	return c
}

// Column returns the named column.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// Index returns the named index.
func (t *Table) Index(name string) (Index, bool) {
	for _, ix := range t.Indexes {
		if strings.EqualFold(ix.Name, name) {
			return ix, true
		}
	}
	return Index{}, false
}

func (t *Table) hasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// Apply applies op to s, or returns a *SchemaInconsistencyError when op does
// not make sense against s. s is unchanged when an error is returned.
func (s *Snapshot) Apply(op Operation) error {
	fail := func(format string, args ...any) error {
		return &SchemaInconsistencyError{Op: op, Reason: fmt.Sprintf(format, args...)}
	}

	switch o := op.(type) {
	case CreateTable:
		if o.Table.Name == "" {
			return fail("table name is empty")
		}
		if s.exists(o.Table.Name) {
			return fail("%s already exists", o.Table.Name)
		}
		if len(o.Table.Columns) == 0 {
			return fail("table has no columns")
		}
		t := &Table{Name: o.Table.Name}
		for _, c := range o.Table.Columns {
			if t.hasColumn(c.Name) {
				return fail("column %s declared twice", c.Name)
			}
			t.Columns = append(t.Columns, c)
		}
		if pk := o.Table.PrimaryKey; pk != nil {
			if err := s.checkColumns(t, pk.Columns, fail); err != nil {
				return err
			}
			t.PrimaryKey = &PrimaryKey{Name: pk.Name, Columns: slices.Clone(pk.Columns)}
		}
		for _, ix := range o.Table.Indexes {
			if err := s.checkIndex(t, ix, fail); err != nil {
				return err
			}
			t.Indexes = append(t.Indexes, Index{Name: ix.Name, Columns: slices.Clone(ix.Columns), Unique: ix.Unique})
		}
		s.Tables[key(t.Name)] = t

	case DropTable:
		if _, ok := s.Table(o.Table.Name); !ok {
			return fail("table %s does not exist", o.Table.Name)
		}
		if dep := s.dependent(o.Table.Name, ""); dep != "" {
			return fail("view %s depends on %s", dep, o.Table.Name)
		}
		delete(s.Tables, key(o.Table.Name))

	case RenameTable:
		t, ok := s.Table(o.From)
		if !ok {
			return fail("table %s does not exist", o.From)
		}
		if o.To == "" {
			return fail("new table name is empty")
		}
		if !strings.EqualFold(o.From, o.To) && s.exists(o.To) {
			return fail("%s already exists", o.To)
		}
		delete(s.Tables, key(o.From))
		t.Name = o.To
		s.Tables[key(o.To)] = t
		s.renameDependency(o.From, o.To)

	case RenameColumn:
		t, ok := s.Table(o.Table)
		if !ok {
			return fail("table %s does not exist", o.Table)
		}
		if !t.hasColumn(o.From) {
			return fail("column %s.%s does not exist", o.Table, o.From)
		}
		if o.To == "" {
			return fail("new column name is empty")
		}
		if !strings.EqualFold(o.From, o.To) && t.hasColumn(o.To) {
			return fail("column %s.%s already exists", o.Table, o.To)
		}
		for i := range t.Columns {
			if strings.EqualFold(t.Columns[i].Name, o.From) {
				t.Columns[i].Name = o.To
			}
		}
		if t.PrimaryKey != nil {
			renameIn(t.PrimaryKey.Columns, o.From, o.To)
		}
		for _, ix := range t.Indexes {
			renameIn(ix.Columns, o.From, o.To)
		}

	case AddColumn:
		t, ok := s.Table(o.Table)
		if !ok {
			return fail("table %s does not exist", o.Table)
		}
		if o.Column.Name == "" {
			return fail("column name is empty")
		}
		if t.hasColumn(o.Column.Name) {
			return fail("column %s.%s already exists", o.Table, o.Column.Name)
		}
		t.Columns = append(t.Columns, o.Column)

	case DropColumn:
		t, ok := s.Table(o.Table)
		if !ok {
			return fail("table %s does not exist", o.Table)
		}
		if !t.hasColumn(o.Column.Name) {
			return fail("column %s.%s does not exist", o.Table, o.Column.Name)
		}
		if t.PrimaryKey != nil && indexFold(t.PrimaryKey.Columns, o.Column.Name) >= 0 {
			return fail("column %s.%s is part of the primary key", o.Table, o.Column.Name)
		}
		for _, ix := range t.Indexes {
			if indexFold(ix.Columns, o.Column.Name) >= 0 {
				return fail("column %s.%s is used by index %s", o.Table, o.Column.Name, ix.Name)
			}
		}
		if len(t.Columns) == 1 {
			return fail("cannot drop the only column of %s", o.Table)
		}
		t.Columns = slices.DeleteFunc(t.Columns, func(c Column) bool { return strings.EqualFold(c.Name, o.Column.Name) })

	case AddPrimaryKey:
		t, ok := s.Table(o.Table)
		if !ok {
			return fail("table %s does not exist", o.Table)
		}
		if t.PrimaryKey != nil {
			return fail("table %s already has primary key %s", o.Table, t.PrimaryKey.Name)
		}
		if err := s.checkColumns(t, o.Columns, fail); err != nil {
			return err
		}
		t.PrimaryKey = &PrimaryKey{Name: o.Name, Columns: slices.Clone(o.Columns)}

	case DropPrimaryKey:
		t, ok := s.Table(o.Table)
		if !ok {
			return fail("table %s does not exist", o.Table)
		}
		if t.PrimaryKey == nil {
			return fail("table %s has no primary key", o.Table)
		}
		if o.Name != "" && t.PrimaryKey.Name != "" && !strings.EqualFold(o.Name, t.PrimaryKey.Name) {
			return fail("primary key of %s is %s", o.Table, t.PrimaryKey.Name)
		}
		if len(o.Columns) > 0 && !equalFold(o.Columns, t.PrimaryKey.Columns) {
			return fail("primary key of %s is on (%s)", o.Table, strings.Join(t.PrimaryKey.Columns, ", "))
		}
		t.PrimaryKey = nil

	case CreateIndex:
		t, ok := s.Table(o.Table)
		if !ok {
			return fail("table %s does not exist", o.Table)
		}
		if err := s.checkIndex(t, o.Index, fail); err != nil {
			return err
		}
		t.Indexes = append(t.Indexes, Index{Name: o.Index.Name, Columns: slices.Clone(o.Index.Columns), Unique: o.Index.Unique})

	case DropIndex:
		t, ok := s.Table(o.Table)
		if !ok {
			return fail("table %s does not exist", o.Table)
		}
		if _, ok := t.Index(o.Index.Name); !ok {
			return fail("index %s does not exist on %s", o.Index.Name, o.Table)
		}
		t.Indexes = slices.DeleteFunc(t.Indexes, func(ix Index) bool { return strings.EqualFold(ix.Name, o.Index.Name) })

	case CreateView:
		if o.View.Name == "" {
			return fail("view name is empty")
		}
		if s.exists(o.View.Name) {
			return fail("%s already exists", o.View.Name)
		}
		if err := s.checkViewDeps(o.View, fail); err != nil {
			return err
		}
		s.PutView(cloneView(o.View))

	case AlterView:
		if _, ok := s.View(o.View.Name); !ok {
			return fail("view %s does not exist", o.View.Name)
		}
		if err := s.checkViewDeps(o.View, fail); err != nil {
			return err
		}
		for _, d := range o.View.DependsOn {
			if s.reaches(d, o.View.Name) {
				return &CyclicViewDependencyError{Views: []string{o.View.Name, d}}
			}
		}
		s.PutView(cloneView(o.View))

	case DropView:
		if _, ok := s.View(o.View.Name); !ok {
			return fail("view %s does not exist", o.View.Name)
		}
		if dep := s.dependent(o.View.Name, o.View.Name); dep != "" {
			return fail("view %s depends on %s", dep, o.View.Name)
		}
		delete(s.Views, key(o.View.Name))

	case SeedRows:
		return s.checkRows(op, o.Table, o.Columns, o.Keys, o.Rows, fail)

	case DeleteRows:
		if len(o.Keys) == 0 {
			return fail("no key columns")
		}
		return s.checkRows(op, o.Table, o.Columns, o.Keys, o.Rows, fail)

	case RawStatement:
		if strings.TrimSpace(o.SQL) == "" {
			return fail("empty statement")
		}

	default:
		return fail("unsupported operation %T", op)
	}
	return nil
}

func (s *Snapshot) checkColumns(t *Table, cols []string, fail func(string, ...any) error) error {
	if len(cols) == 0 {
		return fail("no columns given")
	}
	for i, c := range cols {
		if !t.hasColumn(c) {
			return fail("column %s.%s does not exist", t.Name, c)
		}
		if indexFold(cols[:i], c) >= 0 {
			return fail("column %s listed twice", c)
		}
	}
	return nil
}

func (s *Snapshot) checkIndex(t *Table, ix Index, fail func(string, ...any) error) error {
	if ix.Name == "" {
		return fail("index name is empty")
	}
	if _, ok := t.Index(ix.Name); ok {
		return fail("index %s already exists", ix.Name)
	}
	for _, other := range s.Tables {
		if _, ok := other.Index(ix.Name); ok {
			return fail("index %s already exists on %s", ix.Name, other.Name)
		}
	}
	return s.checkColumns(t, ix.Columns, fail)
}

func (s *Snapshot) checkViewDeps(v ViewDef, fail func(string, ...any) error) error {
	if strings.TrimSpace(v.Definition) == "" {
		return fail("view %s has no definition", v.Name)
	}
	for _, d := range v.DependsOn {
		if strings.EqualFold(d, v.Name) {
			return &CyclicViewDependencyError{Views: []string{v.Name}}
		}
		if !s.exists(d) {
			return fail("view %s depends on %s, which does not exist", v.Name, d)
		}
	}
	return nil
}

func (s *Snapshot) checkRows(op Operation, table string, cols, keys []string, rows [][]any, fail func(string, ...any) error) error {
	t, ok := s.Table(table)
	if !ok {
		return fail("table %s does not exist", table)
	}
	if err := s.checkColumns(t, cols, fail); err != nil {
		return err
	}
	for i, row := range rows {
		if len(row) != len(cols) {
			return fail("row %d has %d values, want %d", i, len(row), len(cols))
		}
	}
	if _, err := keyValues(cols, keys, rows); err != nil {
		return &SchemaInconsistencyError{Op: op, Reason: err.Error()}
	}
	return nil
}

// dependent returns the name of a view, other than skip, that depends on name.
func (s *Snapshot) dependent(name, skip string) string {
	for _, v := range s.ViewNames() {
		if strings.EqualFold(v, skip) {
			continue
		}
		view := s.Views[key(v)]
		if indexFold(view.DependsOn, name) >= 0 {
			return view.Name
		}
	}
	return ""
}

// reaches reports whether from depends on to, directly or through other views.
func (s *Snapshot) reaches(from, to string) bool {
	seen := make(map[string]bool)
	var walk func(string) bool
	walk = func(n string) bool {
		if strings.EqualFold(n, to) {
			return true
		}
		if seen[key(n)] {
			return false
		}
		seen[key(n)] = true
		v, ok := s.View(n)
		if !ok {
			return false
		}
		for _, d := range v.DependsOn {
			if walk(d) {
				return true
			}
		}
		return false
	}
	return walk(from)
}

func (s *Snapshot) renameDependency(from, to string) {
	for _, v := range s.Views {
		renameIn(v.DependsOn, from, to)
	}
}

func renameIn(list []string, from, to string) {
	for i := range list {
		if strings.EqualFold(list[i], from) {
			list[i] = to
		}
	}
}

func equalFold(a, b []string) bool {
	return slices.EqualFunc(a, b, strings.EqualFold)
}

func cloneView(v ViewDef) ViewDef {
	v.DependsOn = slices.Clone(v.DependsOn)
	return v
}

// Replay builds the snapshot expected after applying the Up operations of
// each migration, in order, to an empty schema.
func Replay(migrations []Migration) (*Snapshot, error) {
	return ReplayFrom(NewSnapshot(), migrations)
}

// ReplayFrom is Replay starting from a copy of base.
func ReplayFrom(base *Snapshot, migrations []Migration) (*Snapshot, error) {
	s := base.Clone()
	for _, m := range migrations {
		if err := s.applyAll(m.Up); err != nil {
			return nil, fmt.Errorf("replay migration %s: %w", m, err)
		}
	}
	return s, nil
}

func (s *Snapshot) applyAll(ops []Operation) error {
	order, err := orderOperations(ops, s)
	if err != nil {
		return err
	}
	for _, i := range order {
		if err := s.Apply(ops[i]); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

// CheckRoundTrip applies m's Up then its Down to a copy of base and reports
// whether the result is structurally equal to base.
func CheckRoundTrip(base *Snapshot, m Migration) error {
	s := base.Clone()
	if err := s.applyAll(m.Up); err != nil {
		return fmt.Errorf("migration %s up: %w", m, err)
	}
	down, err := m.DownOps()
	if err != nil {
		return err
	}
	if err := s.applyAll(down); err != nil {
		return fmt.Errorf("migration %s down: %w", m, err)
	}
	if d := Compare(base, s, CompareDefinitions()); !d.Empty() {
		return fmt.Errorf("migration %s: down does not restore the schema: %s", m, d)
	}
	return nil
}
