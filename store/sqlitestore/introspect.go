package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/GoCodeAlone/evolve/migration"
)

var (
	pkConstraintRe = regexp.MustCompile(`(?i)CONSTRAINT\s+(?:"((?:[^"]|"")+)"|(\w+))\s+PRIMARY\s+KEY`)
	viewBodyRe     = regexp.MustCompile(`(?is)^\s*CREATE\s+(?:TEMP(?:ORARY)?\s+)?VIEW\s+(?:IF\s+NOT\s+EXISTS\s+)?(?:"(?:[^"]|"")+"|\S+)\s+AS\s+(.*)$`)
	identRe        = regexp.MustCompile(`"((?:[^"]|"")+)"|\[([^\]]+)\]|` + "`([^`]+)`" + `|([A-Za-z_][A-Za-z0-9_]*)`)
)

type object struct {
	kind, name, sql string
}

// Introspect describes the live schema. Internal sqlite_ tables and the
// evolve_ bookkeeping tables are left out.
//
// Queries run one after another: with a single connection an open result set
// would block the next query.
func (s *Store) Introspect(ctx context.Context) (*migration.Snapshot, error) {
	objects, err := s.objects(ctx)
	if err != nil {
		return nil, err
	}

	snap := migration.NewSnapshot()
	names := make([]string, 0, len(objects))
	for _, o := range objects {
		names = append(names, o.name)
	}

	for _, o := range objects {
		switch o.kind {
		case "table":
			t, err := s.table(ctx, o)
			if err != nil {
				return nil, err
			}
			snap.PutTable(*t)
		case "view":
			snap.PutView(view(o, names))
		}
	}
	return snap, nil
}

func (s *Store) objects(ctx context.Context) ([]object, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, name, COALESCE(sql, '')
		FROM sqlite_master
		WHERE type IN ('table', 'view')
		  AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		  AND name NOT LIKE 'evolve\_%' ESCAPE '\'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query sqlite_master: %w", err)
	}
	defer rows.Close()

	var out []object
	for rows.Next() {
		var o object
		if err := rows.Scan(&o.kind, &o.name, &o.sql); err != nil {
			return nil, fmt.Errorf("scan sqlite_master: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) table(ctx context.Context, o object) (*migration.Table, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`, o.name)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", o.name, err)
	}
	t := &migration.Table{Name: o.name}
	type pkCol struct {
		pos  int
		name string
	}
	var pk []pkCol
	for rows.Next() {
		var (
			c       migration.Column
			notNull int
			dflt    sql.NullString
			pkPos   int
		)
		if err := rows.Scan(&c.Name, &c.Type, &notNull, &dflt, &pkPos); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan table info %s: %w", o.name, err)
		}
		c.Nullable = notNull == 0
		c.Default = dflt.String
		t.Columns = append(t.Columns, c)
		if pkPos > 0 {
			pk = append(pk, pkCol{pkPos, c.Name})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table info %s: %w", o.name, err)
	}

	if len(pk) > 0 {
		sort.Slice(pk, func(i, j int) bool { return pk[i].pos < pk[j].pos })
		t.PrimaryKey = &migration.PrimaryKey{Name: primaryKeyName(o.sql)}
		for _, c := range pk {
			t.PrimaryKey.Columns = append(t.PrimaryKey.Columns, c.name)
		}
	}

	indexes, err := s.indexes(ctx, o.name)
	if err != nil {
		return nil, err
	}
	t.Indexes = indexes
	return t, nil
}

func (s *Store) indexes(ctx context.Context, table string) ([]migration.Index, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, "unique" FROM pragma_index_list(?) WHERE origin = 'c' ORDER BY name`, table)
	if err != nil {
		return nil, fmt.Errorf("index list %s: %w", table, err)
	}
	var out []migration.Index
	for rows.Next() {
		var (
			ix     migration.Index
			unique int
		)
		if err := rows.Scan(&ix.Name, &unique); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan index list %s: %w", table, err)
		}
		ix.Unique = unique != 0
		out = append(out, ix)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index list %s: %w", table, err)
	}

	for i := range out {
		cols, err := s.indexColumns(ctx, out[i].Name)
		if err != nil {
			return nil, err
		}
		out[i].Columns = cols
	}
	return out, nil
}

func (s *Store) indexColumns(ctx context.Context, index string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_index_info(?) ORDER BY seqno`, index)
	if err != nil {
		return nil, fmt.Errorf("index info %s: %w", index, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan index info %s: %w", index, err)
		}
		cols = append(cols, name.String)
	}
	return cols, rows.Err()
}

func primaryKeyName(createSQL string) string {
	m := pkConstraintRe.FindStringSubmatch(createSQL)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return strings.ReplaceAll(m[1], `""`, `"`)
	}
	return m[2]
}

// view recovers the select statement of a view and the objects it reads.
// SQLite keeps no dependency catalog, so dependencies are the identifiers in
// the statement that name another table or view.
func view(o object, objects []string) migration.ViewDef {
	v := migration.ViewDef{Name: o.name}
	if m := viewBodyRe.FindStringSubmatch(o.sql); m != nil {
		v.Definition = strings.TrimSpace(m[1])
	}

	known := make(map[string]string, len(objects))
	for _, n := range objects {
		known[strings.ToLower(n)] = n
	}
	seen := make(map[string]bool)
	for _, m := range identRe.FindAllStringSubmatch(v.Definition, -1) {
		ident := strings.ReplaceAll(m[1], `""`, `"`) + m[2] + m[3] + m[4]
		lower := strings.ToLower(ident)
		name, ok := known[lower]
		if !ok || seen[lower] || strings.EqualFold(name, o.name) {
			continue
		}
		seen[lower] = true
		v.DependsOn = append(v.DependsOn, name)
	}
	return v
}
