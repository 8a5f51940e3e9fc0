package migration

import (
	"errors"
	"reflect"
	"testing"
)

func TestInvert_SelfInvertible(t *testing.T) {
	col := Column{Name: "Test", Type: "TEXT", Nullable: true}
	view := ViewDef{Name: "v", Definition: "SELECT 1", DependsOn: []string{"t"}}
	tests := []struct {
		op   Operation
		want Operation
	}{
		{RenameTable{From: "Categories", To: "Blogs"}, RenameTable{From: "Blogs", To: "Categories"}},
		{RenameColumn{Table: "Blogs", From: "CreatedTimestamp", To: "Test"}, RenameColumn{Table: "Blogs", From: "Test", To: "CreatedTimestamp"}},
		{AddColumn{Table: "Blogs", Column: col}, DropColumn{Table: "Blogs", Column: col}},
		{DropColumn{Table: "Blogs", Column: col}, AddColumn{Table: "Blogs", Column: col}},
		{AddPrimaryKey{Table: "Blogs", Name: "PK", Columns: []string{"Id"}}, DropPrimaryKey{Table: "Blogs", Name: "PK", Columns: []string{"Id"}}},
		{CreateView{View: view}, DropView{View: view}},
		{DropView{View: view}, CreateView{View: view}},
		{RawStatement{SQL: "a", Reverse: "b"}, RawStatement{SQL: "b", Reverse: "a"}},
	}
	for _, tt := range tests {
		got, err := tt.op.Invert()
		if err != nil {
			t.Errorf("%v: invert: %v", tt.op, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%v: invert = %#v, want %#v", tt.op, got, tt.want)
		}
		back, err := got.Invert()
		if err != nil {
			t.Errorf("%v: invert twice: %v", tt.op, err)
			continue
		}
		if !reflect.DeepEqual(back, tt.op) {
			t.Errorf("%v: inverting twice = %#v", tt.op, back)
		}
	}
}

func TestInvert_AlterViewRestoresPrevious(t *testing.T) {
	op := AlterView{
		View:     ViewDef{Name: "ExpenseByTotalView", Definition: "SELECT 2"},
		Previous: ViewDef{Definition: "SELECT 1"},
	}
	inv, err := op.Invert()
	if err != nil {
		t.Fatalf("invert: %v", err)
	}
	av := inv.(AlterView)
	if av.View.Name != "ExpenseByTotalView" || av.View.Definition != "SELECT 1" {
		t.Errorf("unexpected inverse %+v", av)
	}
	if av.Previous.Definition != "SELECT 2" {
		t.Errorf("inverse should remember the replaced definition, got %+v", av.Previous)
	}
}

func TestInvert_Irreversible(t *testing.T) {
	ops := []Operation{
		RawStatement{SQL: "UPDATE t SET x = 1"},
		SeedRows{Table: "t", Columns: []string{"a"}, Rows: [][]any{{1}}},
		DropView{View: ViewDef{Name: "v"}},
		AlterView{View: ViewDef{Name: "v", Definition: "SELECT 1"}},
		DropTable{Table: Table{Name: "t"}},
		DropIndex{Table: "t", Index: Index{Name: "ix"}},
		DropPrimaryKey{Table: "t", Name: "pk"},
	}
	for _, op := range ops {
		if _, err := op.Invert(); !errors.Is(err, ErrIrreversible) {
			t.Errorf("%v: expected ErrIrreversible, got %v", op, err)
		}
	}
}

func TestSeedRowsInverseDeletesByKey(t *testing.T) {
	seed := SeedRows{
		Table:   "ExpenseItems",
		Columns: []string{"Id", "Name", "Category"},
		Keys:    []string{"id"},
		Rows:    [][]any{{1, "Ferrari", "Big Expense"}, {2, "Cheese", "Small Expense"}},
	}
	inv, err := seed.Invert()
	if err != nil {
		t.Fatalf("invert: %v", err)
	}
	del, ok := inv.(DeleteRows)
	if !ok {
		t.Fatalf("expected DeleteRows, got %T", inv)
	}
	keys, err := del.KeyValues()
	if err != nil {
		t.Fatalf("key values: %v", err)
	}
	if !reflect.DeepEqual(keys, [][]any{{1}, {2}}) {
		t.Errorf("unexpected keys %v", keys)
	}

	bad := DeleteRows{Table: "t", Columns: []string{"a"}, Keys: []string{"b"}, Rows: [][]any{{1}}}
	if _, err := bad.KeyValues(); err == nil {
		t.Error("expected error for key outside the seeded columns")
	}
}
