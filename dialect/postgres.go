package dialect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/GoCodeAlone/evolve/migration"
)

// Postgres translates operations for PostgreSQL.
type Postgres struct{}

func (Postgres) Name() string { return PostgresName }

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// Translate implements migration.Translator.
func (Postgres) Translate(op migration.Operation, before *migration.Snapshot) ([]migration.Statement, error) {
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
		return []migration.Statement{ddl("ALTER TABLE %s RENAME TO %s", QuoteIdent(o.From), QuoteIdent(o.To))}, nil
	case migration.RenameColumn:
		return []migration.Statement{
			ddl("ALTER TABLE %s RENAME COLUMN %s TO %s", QuoteIdent(o.Table), QuoteIdent(o.From), QuoteIdent(o.To)),
		}, nil
	case migration.AddColumn:
		return []migration.Statement{ddl("ALTER TABLE %s ADD COLUMN %s", QuoteIdent(o.Table), columnDef(o.Column))}, nil
	case migration.DropColumn:
		return []migration.Statement{ddl("ALTER TABLE %s DROP COLUMN %s", QuoteIdent(o.Table), QuoteIdent(o.Column.Name))}, nil
	case migration.AddPrimaryKey:
		pk := &migration.PrimaryKey{Name: o.Name, Columns: o.Columns}
		return []migration.Statement{ddl("ALTER TABLE %s ADD %s", QuoteIdent(o.Table), primaryKeyClause(pk))}, nil
	case migration.DropPrimaryKey:
		name := o.Name
		if name == "" && before != nil {
			if t, ok := before.Table(o.Table); ok && t.PrimaryKey != nil {
				name = t.PrimaryKey.Name
			}
		}
		if name == "" {
			name = o.Table + "_pkey"
		}
		return []migration.Statement{ddl("ALTER TABLE %s DROP CONSTRAINT %s", QuoteIdent(o.Table), QuoteIdent(name))}, nil
	case migration.CreateIndex:
		return []migration.Statement{createIndex(o.Table, o.Index)}, nil
	case migration.DropIndex:
		return []migration.Statement{ddl("DROP INDEX %s", QuoteIdent(o.Index.Name))}, nil
	case migration.CreateView:
		return []migration.Statement{createView(o.View)}, nil
	case migration.AlterView:
		// PostgreSQL refuses to drop a view that others read, and CREATE OR
		// REPLACE cannot remove columns. Dependents are dropped and recreated
		// around the change instead.
		var views []migration.ViewDef
		if before != nil {
			var err error
			if views, err = dependentViews(before, o.View.Name); err != nil {
				return nil, err
			}
		}
		var stmts []migration.Statement
		for i := len(views) - 1; i >= 0; i-- {
			stmts = append(stmts, ddl("DROP VIEW %s", QuoteIdent(views[i].Name)))
		}
		stmts = append(stmts, ddl("DROP VIEW %s", QuoteIdent(o.View.Name)), createView(o.View))
		for _, v := range views {
			stmts = append(stmts, createView(v))
		}
		return stmts, nil
	case migration.DropView:
		return []migration.Statement{ddl("DROP VIEW %s", QuoteIdent(o.View.Name))}, nil
	case migration.SeedRows:
		return insertRows(o.Table, o.Columns, o.Rows, pgPlaceholder), nil
	case migration.DeleteRows:
		return deleteRows(o, pgPlaceholder)
	case migration.RawStatement:
		return []migration.Statement{raw(o)}, nil
	default:
		return nil, fmt.Errorf("postgres: unsupported operation %T", op)
	}
}

var pgTypeArgs = regexp.MustCompile(`^([a-z0-9_ ]+?)\s*(\(.*\))?$`)

var pgAliases = map[string]string{
	"int":         "integer",
	"int4":        "integer",
	"serial":      "integer",
	"serial4":     "integer",
	"int8":        "bigint",
	"bigserial":   "bigint",
	"serial8":     "bigint",
	"int2":        "smallint",
	"smallserial": "smallint",
	"bool":        "boolean",
	"varchar":     "character varying",
	"char":        "character",
	"decimal":     "numeric",
	"float8":      "double precision",
	"float":       "double precision",
	"float4":      "real",
	"timestamp":   "timestamp without time zone",
	"timestamptz": "timestamp with time zone",
	"time":        "time without time zone",
	"timetz":      "time with time zone",
}

// NormalizeType maps common aliases to the spelling format_type reports, so
// "varchar(100)" and "character varying(100)" compare equal.
func (Postgres) NormalizeType(typ string) string {
	t := strings.ToLower(squashSpaces(typ))
	m := pgTypeArgs.FindStringSubmatch(t)
	if m == nil {
		return t
	}
	base, args := strings.TrimSpace(m[1]), strings.ReplaceAll(m[2], " ", "")
	if alias, ok := pgAliases[base]; ok {
		base = alias
	}
	return base + args
}
