package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/GoCodeAlone/evolve/migration"
)

const (
	columnsQuery = `
		SELECT c.relname, a.attname, format_type(a.atttypid, a.atttypmod), NOT a.attnotnull,
		       COALESCE(pg_get_expr(d.adbin, d.adrelid), '')
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		WHERE n.nspname = current_schema() AND c.relkind IN ('r', 'p')
		  AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY c.relname, a.attnum`

	primaryKeysQuery = `
		SELECT c.relname, con.conname, a.attname
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN LATERAL unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = k.attnum
		WHERE n.nspname = current_schema() AND con.contype = 'p'
		ORDER BY c.relname, k.ord`

	// Indexes backing a constraint are reported with the constraint.
	indexesQuery = `
		SELECT t.relname, ic.relname, i.indisunique, a.attname
		FROM pg_index i
		JOIN pg_class t ON t.oid = i.indrelid
		JOIN pg_class ic ON ic.oid = i.indexrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN LATERAL unnest(i.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		WHERE n.nspname = current_schema() AND NOT i.indisprimary
		  AND NOT EXISTS (SELECT 1 FROM pg_constraint con WHERE con.conindid = i.indexrelid)
		ORDER BY t.relname, ic.relname, k.ord`

	viewsQuery = `
		SELECT c.relname, pg_get_viewdef(c.oid, true)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = current_schema() AND c.relkind = 'v'
		ORDER BY c.relname`

	// A view's rewrite rule depends on every relation the view reads.
	viewDependenciesQuery = `
		SELECT DISTINCT v.relname, d.relname
		FROM pg_rewrite r
		JOIN pg_class v ON v.oid = r.ev_class
		JOIN pg_namespace n ON n.oid = v.relnamespace
		JOIN pg_depend dep ON dep.objid = r.oid AND dep.classid = 'pg_rewrite'::regclass
		JOIN pg_class d ON d.oid = dep.refobjid
		WHERE n.nspname = current_schema() AND v.relkind = 'v' AND d.oid <> v.oid
		  AND d.relkind IN ('r', 'p', 'v')
		ORDER BY 1, 2`
)

// bookkeeping reports whether name is one of the engine's own tables.
func bookkeeping(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), "evolve_")
}

// Introspect implements migration.Store. It describes current_schema(),
// excluding the ledger.
func (s *Store) Introspect(ctx context.Context) (*migration.Snapshot, error) {
	snap := migration.NewSnapshot()
	tables := make(map[string]*migration.Table)
	var order []string

	table := func(name string) *migration.Table {
		t, ok := tables[name]
		if !ok {
			t = &migration.Table{Name: name}
			tables[name] = t
			order = append(order, name)
		}
		return t
	}

	err := s.each(ctx, columnsQuery, func(rows pgx.Rows) error {
		var tbl string
		var c migration.Column
		if err := rows.Scan(&tbl, &c.Name, &c.Type, &c.Nullable, &c.Default); err != nil {
			return err
		}
		if !bookkeeping(tbl) {
			t := table(tbl)
			t.Columns = append(t.Columns, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("introspect columns: %w", err)
	}

	err = s.each(ctx, primaryKeysQuery, func(rows pgx.Rows) error {
		var tbl, name, col string
		if err := rows.Scan(&tbl, &name, &col); err != nil {
			return err
		}
		t, ok := tables[tbl]
		if !ok {
			return nil
		}
		if t.PrimaryKey == nil {
			t.PrimaryKey = &migration.PrimaryKey{Name: name}
		}
		t.PrimaryKey.Columns = append(t.PrimaryKey.Columns, col)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("introspect primary keys: %w", err)
	}

	err = s.each(ctx, indexesQuery, func(rows pgx.Rows) error {
		var tbl, name, col string
		var unique bool
		if err := rows.Scan(&tbl, &name, &unique, &col); err != nil {
			return err
		}
		t, ok := tables[tbl]
		if !ok {
			return nil
		}
		if n := len(t.Indexes); n > 0 && t.Indexes[n-1].Name == name {
			t.Indexes[n-1].Columns = append(t.Indexes[n-1].Columns, col)
			return nil
		}
		t.Indexes = append(t.Indexes, migration.Index{Name: name, Columns: []string{col}, Unique: unique})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("introspect indexes: %w", err)
	}

	for _, name := range order {
		snap.PutTable(*tables[name])
	}

	views := make(map[string]*migration.ViewDef)
	var viewOrder []string
	err = s.each(ctx, viewsQuery, func(rows pgx.Rows) error {
		var v migration.ViewDef
		if err := rows.Scan(&v.Name, &v.Definition); err != nil {
			return err
		}
		v.Definition = strings.TrimSuffix(strings.TrimSpace(v.Definition), ";")
		views[v.Name] = &v
		viewOrder = append(viewOrder, v.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("introspect views: %w", err)
	}

	err = s.each(ctx, viewDependenciesQuery, func(rows pgx.Rows) error {
		var view, dep string
		if err := rows.Scan(&view, &dep); err != nil {
			return err
		}
		if v, ok := views[view]; ok {
			v.DependsOn = append(v.DependsOn, dep)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("introspect view dependencies: %w", err)
	}

	for _, name := range viewOrder {
		snap.PutView(*views[name])
	}
	return snap, nil
}

// each runs query and calls fn for every row.
func (s *Store) each(ctx context.Context, query string, fn func(pgx.Rows) error) error {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
