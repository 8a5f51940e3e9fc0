package migration

import (
	"strings"
	"testing"
)

func usersSnapshot(t *testing.T, extra ...Operation) *Snapshot {
	t.Helper()
	s := NewSnapshot()
	ops := append([]Operation{CreateTable{Table: Table{
		Name:       "users",
		Columns:    []Column{{Name: "id", Type: "INTEGER"}, {Name: "name", Type: "TEXT"}},
		PrimaryKey: &PrimaryKey{Name: "pk_users", Columns: []string{"id"}},
	}}}, extra...)
	for _, op := range ops {
		if err := s.Apply(op); err != nil {
			t.Fatalf("apply %v: %v", op, err)
		}
	}
	return s
}

func TestCompare_Equal(t *testing.T) {
	a := usersSnapshot(t)
	b := usersSnapshot(t)
	if d := Compare(a, b); !d.Empty() {
		t.Fatalf("expected no differences, got %s", d)
	}
}

func TestCompare_MissingAndExtraColumn(t *testing.T) {
	expected := usersSnapshot(t, AddColumn{Table: "users", Column: Column{Name: "email", Type: "TEXT", Nullable: true}})
	actual := usersSnapshot(t, AddColumn{Table: "users", Column: Column{Name: "phone", Type: "TEXT", Nullable: true}})

	d := Compare(expected, actual)
	if d.Len() != 2 {
		t.Fatalf("expected 2 differences, got %d: %s", d.Len(), d)
	}
	if d.Items[0].Kind != DiffMissing || d.Items[0].Name != "users.email" {
		t.Errorf("unexpected first item %v", d.Items[0])
	}
	if d.Items[1].Kind != DiffExtra || d.Items[1].Name != "users.phone" {
		t.Errorf("unexpected second item %v", d.Items[1])
	}
}

func TestCompare_TypeAndNullability(t *testing.T) {
	expected := usersSnapshot(t)
	actual := usersSnapshot(t)
	tbl, _ := actual.Table("users")
	tbl.Columns[1].Type = "varchar(10)"
	tbl.Columns[1].Nullable = true

	d := Compare(expected, actual)
	if d.Len() != 2 {
		t.Fatalf("expected 2 differences, got %s", d)
	}
	for _, it := range d.Items {
		if it.Kind != DiffMismatch || it.Object != "column" {
			t.Errorf("unexpected item %v", it)
		}
	}

	// A normalizer that maps both spellings together hides the type change.
	same := func(string) string { return "x" }
	if d := Compare(expected, actual, NormalizeTypes(same)); d.Len() != 1 {
		t.Errorf("expected only the nullability difference, got %s", d)
	}
}

func TestCompare_CaseInsensitiveNames(t *testing.T) {
	expected := usersSnapshot(t)
	actual := NewSnapshot()
	actual.PutTable(Table{
		Name:       "USERS",
		Columns:    []Column{{Name: "ID", Type: "integer"}, {Name: "Name", Type: "text"}},
		PrimaryKey: &PrimaryKey{Columns: []string{"Id"}},
	})
	if d := Compare(expected, actual); !d.Empty() {
		t.Fatalf("expected no differences, got %s", d)
	}
}

func TestCompare_Views(t *testing.T) {
	view := ViewDef{Name: "user_names", Definition: "SELECT name FROM users", DependsOn: []string{"users"}}
	expected := usersSnapshot(t, CreateView{View: view})
	actual := usersSnapshot(t)

	d := Compare(expected, actual)
	if d.Len() != 1 || d.Items[0].Kind != DiffMissing || d.Items[0].Object != "view" {
		t.Fatalf("expected missing view, got %s", d)
	}

	view.Definition = "SELECT  name\nFROM users"
	actual = usersSnapshot(t, CreateView{View: view})
	if d := Compare(expected, actual, CompareDefinitions()); !d.Empty() {
		t.Errorf("whitespace differences should not count: %s", d)
	}
	view.Definition = "SELECT id FROM users"
	actual = usersSnapshot(t, CreateView{View: view})
	if d := Compare(expected, actual); !d.Empty() {
		t.Errorf("definitions are not compared by default: %s", d)
	}
	if d := Compare(expected, actual, CompareDefinitions()); d.Len() != 1 {
		t.Errorf("expected definition mismatch, got %s", d)
	}
}

func TestCompare_PrimaryKeyAndIndexes(t *testing.T) {
	expected := usersSnapshot(t, CreateIndex{Table: "users", Index: Index{Name: "ix_name", Columns: []string{"name"}}})
	actual := usersSnapshot(t, CreateIndex{Table: "users", Index: Index{Name: "ix_name", Columns: []string{"name"}, Unique: true}})
	if err := actual.Apply(DropPrimaryKey{Table: "users"}); err != nil {
		t.Fatalf("drop pk: %v", err)
	}

	d := Compare(expected, actual)
	var objects []string
	for _, it := range d.Items {
		objects = append(objects, string(it.Kind)+" "+it.Object)
	}
	got := strings.Join(objects, ",")
	if got != "missing primary_key,mismatch index" {
		t.Errorf("unexpected differences %q", got)
	}
}

func TestDiffOperations_AddColumn(t *testing.T) {
	from := usersSnapshot(t)
	to := usersSnapshot(t, AddColumn{Table: "users", Column: Column{Name: "email", Type: "TEXT", Nullable: true}})

	ops := DiffOperations(from, to)
	if len(ops) != 1 {
		t.Fatalf("expected 1 operation, got %v", ops)
	}
	if _, ok := ops[0].(AddColumn); !ok {
		t.Errorf("expected AddColumn, got %T", ops[0])
	}
}

func TestDiffOperations_RoundTrip(t *testing.T) {
	from := usersSnapshot(t,
		CreateTable{Table: Table{Name: "posts", Columns: []Column{{Name: "id", Type: "INTEGER"}}}},
		CreateIndex{Table: "users", Index: Index{Name: "ix_users_name", Columns: []string{"name"}}},
	)
	to := usersSnapshot(t,
		AddColumn{Table: "users", Column: Column{Name: "email", Type: "TEXT", Nullable: true}},
		CreateIndex{Table: "users", Index: Index{Name: "ix_users_email", Columns: []string{"email"}}},
		CreateView{View: ViewDef{Name: "emails", Definition: "SELECT email FROM users", DependsOn: []string{"users"}}},
	)

	ops := DiffOperations(from, to)
	got := from.Clone()
	if err := got.applyAll(ops); err != nil {
		t.Fatalf("apply generated operations: %v", err)
	}
	if d := Compare(to, got, CompareDefinitions()); !d.Empty() {
		t.Fatalf("generated operations do not reach target: %s", d)
	}

	// The generated operations are invertible.
	if err := CheckRoundTrip(from, Migration{ID: 1, Up: ops}); err != nil {
		t.Fatalf("round trip: %v", err)
	}
}
