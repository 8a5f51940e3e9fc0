package migration

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	"pgregory.net/rapid"
)

var categories = Table{
	Name: "Categories",
	Columns: []Column{
		{Name: "Id", Type: "INTEGER"},
		{Name: "Name", Type: "TEXT"},
		{Name: "CreatedTimestamp", Type: "TEXT", Nullable: true},
	},
	PrimaryKey: &PrimaryKey{Name: "PK_Categories", Columns: []string{"Id"}},
	Indexes:    []Index{{Name: "IX_Categories_Created", Columns: []string{"CreatedTimestamp"}}},
}

func categoriesSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	s := NewSnapshot()
	if err := s.Apply(CreateTable{Table: categories}); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return s
}

func TestApply_RenameTracksKeysIndexesAndViews(t *testing.T) {
	s := categoriesSnapshot(t)
	ops := []Operation{
		CreateView{View: ViewDef{Name: "Recent", Definition: `SELECT * FROM "Categories"`, DependsOn: []string{"Categories"}}},
		RenameTable{From: "Categories", To: "Blogs"},
		RenameColumn{Table: "blogs", From: "CreatedTimestamp", To: "Test"},
		RenameColumn{Table: "Blogs", From: "Id", To: "BlogId"},
	}
	for _, op := range ops {
		if err := s.Apply(op); err != nil {
			t.Fatalf("apply %v: %v", op, err)
		}
	}

	if _, ok := s.Table("Categories"); ok {
		t.Error("Categories should be gone")
	}
	tbl, ok := s.Table("BLOGS")
	if !ok || tbl.Name != "Blogs" {
		t.Fatalf("expected Blogs with original spelling, got %+v", tbl)
	}
	if !tbl.hasColumn("Test") || tbl.hasColumn("CreatedTimestamp") {
		t.Errorf("column rename not applied: %+v", tbl.Columns)
	}
	if !slices.Equal(tbl.PrimaryKey.Columns, []string{"BlogId"}) {
		t.Errorf("primary key columns = %v", tbl.PrimaryKey.Columns)
	}
	if ix, _ := tbl.Index("IX_Categories_Created"); !slices.Equal(ix.Columns, []string{"Test"}) {
		t.Errorf("index columns = %v", ix.Columns)
	}
	v, _ := s.View("recent")
	if !slices.Equal(v.DependsOn, []string{"Blogs"}) {
		t.Errorf("view dependencies = %v", v.DependsOn)
	}
}

func TestApply_CaseOnlyRename(t *testing.T) {
	s := categoriesSnapshot(t)
	if err := s.Apply(RenameTable{From: "Categories", To: "categories"}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if tbl, _ := s.Table("CATEGORIES"); tbl.Name != "categories" {
		t.Errorf("expected new spelling, got %s", tbl.Name)
	}
}

func TestApply_Inconsistencies(t *testing.T) {
	view := ViewDef{Name: "v", Definition: "SELECT 1", DependsOn: []string{"Categories"}}
	tests := []struct {
		name  string
		setup []Operation
		op    Operation
	}{
		{"create existing table", nil, CreateTable{Table: Table{Name: "categories", Columns: []Column{{Name: "a", Type: "TEXT"}}}}},
		{"create table without columns", nil, CreateTable{Table: Table{Name: "t"}}},
		{"create table with unknown pk column", nil, CreateTable{Table: Table{Name: "t", Columns: []Column{{Name: "a"}}, PrimaryKey: &PrimaryKey{Columns: []string{"b"}}}}},
		{"drop missing table", nil, DropTable{Table: Table{Name: "Blogs"}}},
		{"drop table with dependent view", []Operation{CreateView{View: view}}, DropTable{Table: categories}},
		{"rename missing table", nil, RenameTable{From: "Blogs", To: "Posts"}},
		{"rename onto existing", []Operation{CreateTable{Table: Table{Name: "Blogs", Columns: []Column{{Name: "a"}}}}}, RenameTable{From: "Categories", To: "blogs"}},
		{"rename missing column", nil, RenameColumn{Table: "Categories", From: "Missing", To: "Test"}},
		{"rename column onto existing", nil, RenameColumn{Table: "Categories", From: "Name", To: "id"}},
		{"add existing column", nil, AddColumn{Table: "Categories", Column: Column{Name: "NAME", Type: "TEXT"}}},
		{"drop pk column", nil, DropColumn{Table: "Categories", Column: Column{Name: "Id"}}},
		{"drop indexed column", nil, DropColumn{Table: "Categories", Column: Column{Name: "CreatedTimestamp"}}},
		{"second primary key", nil, AddPrimaryKey{Table: "Categories", Name: "pk2", Columns: []string{"Name"}}},
		{"drop pk with wrong name", nil, DropPrimaryKey{Table: "Categories", Name: "PK_Other"}},
		{"duplicate index name", nil, CreateIndex{Table: "Categories", Index: Index{Name: "ix_categories_created", Columns: []string{"Name"}}}},
		{"drop missing index", nil, DropIndex{Table: "Categories", Index: Index{Name: "IX_Missing"}}},
		{"view on missing table", nil, CreateView{View: ViewDef{Name: "v", Definition: "SELECT 1", DependsOn: []string{"Blogs"}}}},
		{"view without definition", nil, CreateView{View: ViewDef{Name: "v"}}},
		{"alter missing view", nil, AlterView{View: view}},
		{"drop missing view", nil, DropView{View: view}},
		{"seed unknown column", nil, SeedRows{Table: "Categories", Columns: []string{"Nope"}, Rows: [][]any{{1}}}},
		{"seed short row", nil, SeedRows{Table: "Categories", Columns: []string{"Id", "Name"}, Rows: [][]any{{1}}}},
		{"delete without keys", nil, DeleteRows{Table: "Categories", Columns: []string{"Id"}, Rows: [][]any{{1}}}},
		{"empty raw statement", nil, RawStatement{SQL: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := categoriesSnapshot(t)
			for _, op := range tt.setup {
				if err := s.Apply(op); err != nil {
					t.Fatalf("setup %v: %v", op, err)
				}
			}
			before := s.Clone()
			err := s.Apply(tt.op)
			var inc *SchemaInconsistencyError
			if !errors.As(err, &inc) {
				t.Fatalf("expected SchemaInconsistencyError, got %v", err)
			}
			if ErrorKind(err) != KindSchemaInconsistency {
				t.Errorf("kind = %s", ErrorKind(err))
			}
			if !before.Equal(s) {
				t.Errorf("snapshot changed after failed apply: %s", Compare(before, s, CompareDefinitions()))
			}
		})
	}
}

func TestApply_ViewCycles(t *testing.T) {
	s := categoriesSnapshot(t)
	a := ViewDef{Name: "a", Definition: "SELECT * FROM Categories", DependsOn: []string{"Categories"}}
	b := ViewDef{Name: "b", Definition: "SELECT * FROM a", DependsOn: []string{"a"}}
	for _, op := range []Operation{CreateView{View: a}, CreateView{View: b}} {
		if err := s.Apply(op); err != nil {
			t.Fatalf("apply %v: %v", op, err)
		}
	}

	var cyc *CyclicViewDependencyError
	err := s.Apply(AlterView{View: ViewDef{Name: "a", Definition: "SELECT * FROM b", DependsOn: []string{"b"}}, Previous: a})
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CyclicViewDependencyError, got %v", err)
	}
	err = s.Apply(CreateView{View: ViewDef{Name: "self", Definition: "SELECT 1", DependsOn: []string{"SELF"}}})
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CyclicViewDependencyError for self reference, got %v", err)
	}

	if err := s.Apply(DropView{View: a}); err == nil {
		t.Error("dropping a view that another view reads should fail")
	}
}

func TestReplay_BlogScenario(t *testing.T) {
	migrations := []Migration{
		{ID: 20230217142823, Name: "CreateCategories", Up: []Operation{CreateTable{Table: categories}}},
		{ID: 20230217143725, Name: "RenameToBlogs", Up: []Operation{RenameTable{From: "Categories", To: "Blogs"}}},
		{ID: 20230217144512, Name: "RenameCreated", Up: []Operation{RenameColumn{Table: "Blogs", From: "CreatedTimestamp", To: "Test"}}},
	}
	s, err := Replay(migrations)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := s.TableNames(); !slices.Equal(got, []string{"Blogs"}) {
		t.Fatalf("tables = %v", got)
	}
	tbl, _ := s.Table("Blogs")
	if !tbl.hasColumn("Test") {
		t.Error("expected column Test")
	}

	for _, m := range migrations[1:] {
		base, err := Replay(migrations[:indexOf(migrations, m.ID)])
		if err != nil {
			t.Fatalf("replay prefix: %v", err)
		}
		if err := CheckRoundTrip(base, m); err != nil {
			t.Errorf("round trip %s: %v", m, err)
		}
	}

	_, err = Replay(migrations[1:])
	var inc *SchemaInconsistencyError
	if !errors.As(err, &inc) {
		t.Fatalf("replaying without the create should fail with an inconsistency, got %v", err)
	}
}

func TestCheckRoundTrip_BadDown(t *testing.T) {
	base := categoriesSnapshot(t)
	m := Migration{
		ID:   1,
		Up:   []Operation{AddColumn{Table: "Categories", Column: Column{Name: "Slug", Type: "TEXT", Nullable: true}}},
		Down: []Operation{RenameColumn{Table: "Categories", From: "Slug", To: "Slug2"}},
	}
	if err := CheckRoundTrip(base, m); err == nil {
		t.Fatal("expected round trip failure")
	}
}

// opGen draws operations that are valid against a working snapshot. Every
// object it creates gets a fresh name so view ordering never has to move an
// operation past another.
type opGen struct {
	t    *rapid.T
	s    *Snapshot
	next int
}

func (g *opGen) fresh(prefix string) string {
	g.next++
	return fmt.Sprintf("%s%d", prefix, g.next)
}

var columnTypes = []string{"INTEGER", "TEXT", "REAL", "BLOB"}

func (g *opGen) column() Column {
	return Column{
		Name:     g.fresh("c"),
		Type:     rapid.SampledFrom(columnTypes).Draw(g.t, "type"),
		Nullable: rapid.Bool().Draw(g.t, "nullable"),
	}
}

func (g *opGen) createTable() Operation {
	tbl := Table{Name: g.fresh("t")}
	n := rapid.IntRange(1, 4).Draw(g.t, "columns")
	for range n {
		tbl.Columns = append(tbl.Columns, g.column())
	}
	if rapid.Bool().Draw(g.t, "pk") {
		tbl.PrimaryKey = &PrimaryKey{Name: g.fresh("pk"), Columns: []string{tbl.Columns[0].Name}}
	}
	return CreateTable{Table: tbl}
}

func (g *opGen) createView() Operation {
	names := append(g.s.TableNames(), g.s.ViewNames()...)
	dep := rapid.SampledFrom(names).Draw(g.t, "dep")
	return CreateView{View: ViewDef{Name: g.fresh("v"), Definition: "SELECT * FROM " + dep, DependsOn: []string{dep}}}
}

func (g *opGen) table() *Table {
	name := rapid.SampledFrom(g.s.TableNames()).Draw(g.t, "table")
	t, _ := g.s.Table(name)
	return t
}

func (g *opGen) droppableColumns(t *Table) []Column {
	if len(t.Columns) < 2 {
		return nil
	}
	var out []Column
	for _, c := range t.Columns {
		if t.PrimaryKey != nil && indexFold(t.PrimaryKey.Columns, c.Name) >= 0 {
			continue
		}
		used := false
		for _, ix := range t.Indexes {
			used = used || indexFold(ix.Columns, c.Name) >= 0
		}
		if !used {
			out = append(out, c)
		}
	}
	return out
}

func (g *opGen) draw() Operation {
	if len(g.s.Tables) == 0 {
		return g.createTable()
	}
	t := g.table()
	var droppableViews []string
	for _, v := range g.s.ViewNames() {
		if g.s.dependent(v, v) == "" {
			droppableViews = append(droppableViews, v)
		}
	}

	choices := []Kind{KindCreateTable, KindRenameTable, KindRenameColumn, KindAddColumn, KindCreateIndex, KindCreateView, KindSeedRows}
	if len(g.droppableColumns(t)) > 0 {
		choices = append(choices, KindDropColumn)
	}
	if g.s.dependent(t.Name, "") == "" {
		choices = append(choices, KindDropTable)
	}
	if t.PrimaryKey == nil {
		choices = append(choices, KindAddPrimaryKey)
	} else {
		choices = append(choices, KindDropPrimaryKey)
	}
	if len(t.Indexes) > 0 {
		choices = append(choices, KindDropIndex)
	}
	if len(droppableViews) > 0 {
		choices = append(choices, KindDropView)
	}

	switch rapid.SampledFrom(choices).Draw(g.t, "kind") {
	case KindCreateTable:
		return g.createTable()
	case KindDropTable:
		return DropTable{Table: *t.clone()}
	case KindRenameTable:
		return RenameTable{From: t.Name, To: g.fresh("t")}
	case KindRenameColumn:
		c := rapid.SampledFrom(t.Columns).Draw(g.t, "column")
		return RenameColumn{Table: t.Name, From: c.Name, To: g.fresh("c")}
	case KindAddColumn:
		c := g.column()
		c.Nullable = true
		return AddColumn{Table: t.Name, Column: c}
	case KindDropColumn:
		return DropColumn{Table: t.Name, Column: rapid.SampledFrom(g.droppableColumns(t)).Draw(g.t, "column")}
	case KindAddPrimaryKey:
		c := rapid.SampledFrom(t.Columns).Draw(g.t, "column")
		return AddPrimaryKey{Table: t.Name, Name: g.fresh("pk"), Columns: []string{c.Name}}
	case KindDropPrimaryKey:
		return DropPrimaryKey{Table: t.Name, Name: t.PrimaryKey.Name, Columns: slices.Clone(t.PrimaryKey.Columns)}
	case KindCreateIndex:
		c := rapid.SampledFrom(t.Columns).Draw(g.t, "column")
		return CreateIndex{Table: t.Name, Index: Index{Name: g.fresh("ix"), Columns: []string{c.Name}, Unique: rapid.Bool().Draw(g.t, "unique")}}
	case KindDropIndex:
		ix := rapid.SampledFrom(t.Indexes).Draw(g.t, "index")
		return DropIndex{Table: t.Name, Index: Index{Name: ix.Name, Columns: slices.Clone(ix.Columns), Unique: ix.Unique}}
	case KindCreateView:
		return g.createView()
	case KindDropView:
		v, _ := g.s.View(rapid.SampledFrom(droppableViews).Draw(g.t, "view"))
		return DropView{View: cloneView(*v)}
	default:
		cols := make([]string, len(t.Columns))
		row := make([]any, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = c.Name
			row[i] = i
		}
		return SeedRows{Table: t.Name, Columns: cols, Keys: cols[:1], Rows: [][]any{row}}
	}
}

func (g *opGen) apply(op Operation) {
	if err := g.s.Apply(op); err != nil {
		g.t.Fatalf("generated invalid operation %v: %v", op, err)
	}
}

func TestCheckRoundTrip_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := &opGen{t: t, s: NewSnapshot()}
		for range rapid.IntRange(1, 3).Draw(t, "tables") {
			g.apply(g.createTable())
		}
		if rapid.Bool().Draw(t, "baseView") {
			g.apply(g.createView())
		}
		base := g.s.Clone()

		m := Migration{ID: 1, Name: "generated"}
		for range rapid.IntRange(1, 12).Draw(t, "ops") {
			op := g.draw()
			g.apply(op)
			m.Up = append(m.Up, op)
		}

		if err := CheckRoundTrip(base, m); err != nil {
			t.Fatalf("round trip: %v", err)
		}
		replayed, err := ReplayFrom(base, []Migration{m})
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if !replayed.Equal(g.s) {
			t.Fatalf("replay differs from applied snapshot: %s", Compare(g.s, replayed, CompareDefinitions()))
		}
	})
}
