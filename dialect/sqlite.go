package dialect

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/GoCodeAlone/evolve/migration"
)

// SQLite translates operations for SQLite 3.35 or later.
//
// SQLite cannot add or drop a primary key in place, so those operations
// rebuild the table: a copy with the new definition is filled from the old
// table, which is then dropped and replaced. Views reading the table are
// dropped first and recreated afterwards.
type SQLite struct{}

func (SQLite) Name() string { return SQLiteName }

func sqlitePlaceholder(int) string { return "?" }

// Translate implements migration.Translator.
func (d SQLite) Translate(op migration.Operation, before *migration.Snapshot) ([]migration.Statement, error) {
	switch o := op.(type) {
	case migration.CreateTable:
		stmts := []migration.Statement{createTable(o.Table.Name, o.Table)}
		for _, ix := range o.Table.Indexes {
			stmts = append(stmts, createIndex(o.Table.Name, ix))
		}
		return stmts, nil
	case migration.DropTable:
		return []migration.Statement{ddl("DROP TABLE %s", QuoteIdent(o.Table.Name))}, nil
	case migration.RenameTable:
		if strings.EqualFold(o.From, o.To) {
			// SQLite compares names without case; go through a temporary name.
			tmp := "evolve_rename_" + o.To
			return []migration.Statement{
				ddl("ALTER TABLE %s RENAME TO %s", QuoteIdent(o.From), QuoteIdent(tmp)),
				ddl("ALTER TABLE %s RENAME TO %s", QuoteIdent(tmp), QuoteIdent(o.To)),
			}, nil
		}
		return []migration.Statement{ddl("ALTER TABLE %s RENAME TO %s", QuoteIdent(o.From), QuoteIdent(o.To))}, nil
	case migration.RenameColumn:
		if strings.EqualFold(o.From, o.To) {
			tmp := "evolve_rename_" + o.To
			return []migration.Statement{
				ddl("ALTER TABLE %s RENAME COLUMN %s TO %s", QuoteIdent(o.Table), QuoteIdent(o.From), QuoteIdent(tmp)),
				ddl("ALTER TABLE %s RENAME COLUMN %s TO %s", QuoteIdent(o.Table), QuoteIdent(tmp), QuoteIdent(o.To)),
			}, nil
		}
		return []migration.Statement{
			ddl("ALTER TABLE %s RENAME COLUMN %s TO %s", QuoteIdent(o.Table), QuoteIdent(o.From), QuoteIdent(o.To)),
		}, nil
	case migration.AddColumn:
		return []migration.Statement{ddl("ALTER TABLE %s ADD COLUMN %s", QuoteIdent(o.Table), columnDef(o.Column))}, nil
	case migration.DropColumn:
		return []migration.Statement{ddl("ALTER TABLE %s DROP COLUMN %s", QuoteIdent(o.Table), QuoteIdent(o.Column.Name))}, nil
	case migration.AddPrimaryKey:
		return d.rebuild(before, o.Table, func(t *migration.Table) {
			t.PrimaryKey = &migration.PrimaryKey{Name: o.Name, Columns: o.Columns}
		})
	case migration.DropPrimaryKey:
		return d.rebuild(before, o.Table, func(t *migration.Table) { t.PrimaryKey = nil })
	case migration.CreateIndex:
		return []migration.Statement{createIndex(o.Table, o.Index)}, nil
	case migration.DropIndex:
		return []migration.Statement{ddl("DROP INDEX %s", QuoteIdent(o.Index.Name))}, nil
	case migration.CreateView:
		return []migration.Statement{createView(o.View)}, nil
	case migration.AlterView:
		return []migration.Statement{ddl("DROP VIEW %s", QuoteIdent(o.View.Name)), createView(o.View)}, nil
	case migration.DropView:
		return []migration.Statement{ddl("DROP VIEW %s", QuoteIdent(o.View.Name))}, nil
	case migration.SeedRows:
		return insertRows(o.Table, o.Columns, o.Rows, sqlitePlaceholder), nil
	case migration.DeleteRows:
		return deleteRows(o, sqlitePlaceholder)
	case migration.RawStatement:
		return []migration.Statement{raw(o)}, nil
	default:
		return nil, fmt.Errorf("sqlite: unsupported operation %T", op)
	}
}

func (SQLite) rebuild(before *migration.Snapshot, table string, change func(*migration.Table)) ([]migration.Statement, error) {
	if before == nil {
		return nil, fmt.Errorf("sqlite: rebuild of %s needs the current schema", table)
	}
	cur, ok := before.Table(table)
	if !ok {
		return nil, fmt.Errorf("sqlite: table %s does not exist", table)
	}
	next := *cur
	next.Columns = append([]migration.Column(nil), cur.Columns...)
	change(&next)

	views, err := dependentViews(before, cur.Name)
	if err != nil {
		return nil, err
	}

	var stmts []migration.Statement
	for i := len(views) - 1; i >= 0; i-- {
		stmts = append(stmts, ddl("DROP VIEW %s", QuoteIdent(views[i].Name)))
	}

	tmp := "evolve_rebuild_" + cur.Name
	cols := make([]string, len(cur.Columns))
	for i, c := range cur.Columns {
		cols[i] = c.Name
	}
	stmts = append(stmts,
		createTable(tmp, next),
		ddl("INSERT INTO %s (%s) SELECT %s FROM %s", QuoteIdent(tmp), quoteList(cols), quoteList(cols), QuoteIdent(cur.Name)),
		ddl("DROP TABLE %s", QuoteIdent(cur.Name)),
		ddl("ALTER TABLE %s RENAME TO %s", QuoteIdent(tmp), QuoteIdent(cur.Name)),
	)
	for _, ix := range cur.Indexes {
		stmts = append(stmts, createIndex(cur.Name, ix))
	}
	for _, v := range views {
		stmts = append(stmts, createView(v))
	}
	return stmts, nil
}

// dependentViews returns the views that read table, directly or through
// other views, ordered so that each view follows the views it reads.
func dependentViews(s *migration.Snapshot, table string) ([]migration.ViewDef, error) {
	affected := map[string]bool{strings.ToLower(table): true}
	var found []migration.ViewDef
	for changed := true; changed; {
		changed = false
		for _, name := range s.ViewNames() {
			if affected[strings.ToLower(name)] {
				continue
			}
			v, _ := s.View(name)
			for _, dep := range v.DependsOn {
				if affected[strings.ToLower(dep)] {
					affected[strings.ToLower(name)] = true
					found = append(found, *v)
					changed = true
					break
				}
			}
		}
	}

	ordered := make([]migration.ViewDef, 0, len(found))
	placed := map[string]bool{strings.ToLower(table): true}
	for len(ordered) < len(found) {
		progress := false
		for _, v := range found {
			if placed[strings.ToLower(v.Name)] {
				continue
			}
			ready := true
			for _, dep := range v.DependsOn {
				if affected[strings.ToLower(dep)] && !placed[strings.ToLower(dep)] {
					ready = false
					break
				}
			}
			if ready {
				if strings.TrimSpace(v.Definition) == "" {
					return nil, fmt.Errorf("definition of view %s is unknown, cannot recreate it", v.Name)
				}
				placed[strings.ToLower(v.Name)] = true
				ordered = append(ordered, v)
				progress = true
			}
		}
		if !progress {
			return nil, fmt.Errorf("views reading %s depend on each other in a cycle", table)
		}
	}
	return ordered, nil
}

var (
	sqliteSpaceParen = regexp.MustCompile(`\s*\(\s*`)
	sqliteCommaSpace = regexp.MustCompile(`\s*,\s*`)
)

// NormalizeType upper-cases a declared type and tidies its spacing. SQLite
// stores declared types verbatim.
func (SQLite) NormalizeType(typ string) string {
	t := strings.ToUpper(squashSpaces(typ))
	t = sqliteSpaceParen.ReplaceAllString(t, "(")
	t = sqliteCommaSpace.ReplaceAllString(t, ",")
	t = strings.ReplaceAll(t, " )", ")")
	if t == "INT" {
		return "INTEGER"
	}
	return t
}
