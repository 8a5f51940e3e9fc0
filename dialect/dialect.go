// Package dialect translates migration operations into SQL statements for
// the stores evolve supports.
package dialect

import (
	"fmt"
	"strings"

	"github.com/GoCodeAlone/evolve/migration"
)

// Supported dialect names.
const (
	SQLiteName   = "sqlite"
	PostgresName = "postgres"
)

// New returns the translator for the named dialect.
func New(name string) (migration.Translator, error) {
	switch strings.ToLower(name) {
	case SQLiteName, "sqlite3":
		return SQLite{}, nil
	case PostgresName, "postgresql", "pgx":
		return Postgres{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", name)
	}
}

// QuoteIdent quotes a SQL identifier with double quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteList(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = QuoteIdent(n)
	}
	return strings.Join(q, ", ")
}

func ddl(format string, args ...any) migration.Statement {
	return migration.Statement{SQL: fmt.Sprintf(format, args...)}
}

func columnDef(c migration.Column) string {
	var b strings.Builder
	b.WriteString(QuoteIdent(c.Name))
	b.WriteByte(' ')
	b.WriteString(c.Type)
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	return b.String()
}

func primaryKeyClause(pk *migration.PrimaryKey) string {
	if pk.Name == "" {
		return fmt.Sprintf("PRIMARY KEY (%s)", quoteList(pk.Columns))
	}
	return fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (%s)", QuoteIdent(pk.Name), quoteList(pk.Columns))
}

func createTable(name string, t migration.Table) migration.Statement {
	parts := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		parts = append(parts, "    "+columnDef(c))
	}
	if t.PrimaryKey != nil {
		parts = append(parts, "    "+primaryKeyClause(t.PrimaryKey))
	}
	return ddl("CREATE TABLE %s (\n%s\n)", QuoteIdent(name), strings.Join(parts, ",\n"))
}

func createIndex(table string, ix migration.Index) migration.Statement {
	unique := ""
	if ix.Unique {
		unique = "UNIQUE "
	}
	return ddl("CREATE %sINDEX %s ON %s (%s)", unique, QuoteIdent(ix.Name), QuoteIdent(table), quoteList(ix.Columns))
}

func createView(v migration.ViewDef) migration.Statement {
	return ddl("CREATE VIEW %s AS %s", QuoteIdent(v.Name), strings.TrimRight(strings.TrimSpace(v.Definition), ";"))
}

// placeholder returns the bind parameter for the n-th (1-based) argument.
type placeholder func(n int) string

func insertRows(table string, cols []string, rows [][]any, ph placeholder) []migration.Statement {
	stmts := make([]migration.Statement, 0, len(rows))
	for _, row := range rows {
		marks := make([]string, len(row))
		for i := range row {
			marks[i] = ph(i + 1)
		}
		stmts = append(stmts, migration.Statement{
			SQL:  fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", QuoteIdent(table), quoteList(cols), strings.Join(marks, ", ")),
			Args: append([]any(nil), row...),
			DML:  true,
		})
	}
	return stmts
}

func deleteRows(o migration.DeleteRows, ph placeholder) ([]migration.Statement, error) {
	keys, err := o.KeyValues()
	if err != nil {
		return nil, err
	}
	stmts := make([]migration.Statement, 0, len(keys))
	for _, vals := range keys {
		var (
			conds []string
			args  []any
		)
		for i, k := range o.Keys {
			if vals[i] == nil {
				conds = append(conds, QuoteIdent(k)+" IS NULL")
				continue
			}
			args = append(args, vals[i])
			conds = append(conds, fmt.Sprintf("%s = %s", QuoteIdent(k), ph(len(args))))
		}
		stmts = append(stmts, migration.Statement{
			SQL:  fmt.Sprintf("DELETE FROM %s WHERE %s", QuoteIdent(o.Table), strings.Join(conds, " AND ")),
			Args: args,
			DML:  true,
		})
	}
	return stmts, nil
}

func raw(o migration.RawStatement) migration.Statement {
	return migration.Statement{SQL: o.SQL}
}

func squashSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
