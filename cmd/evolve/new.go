package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/GoCodeAlone/evolve/migration"
	"github.com/GoCodeAlone/evolve/source"
)

var migrationName = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

const blankMigration = `# Operation kinds: create_table, drop_table, rename_table, rename_column,
# add_column, drop_column, add_primary_key, drop_primary_key, create_index,
# drop_index, create_view, alter_view, drop_view, seed_rows, delete_rows,
# raw_statement. Leave out "down" to derive it by inverting "up".
#
# up:
#   - rename_table: {from: Categories, to: Blogs}
up: []
`

// now is replaced in tests.
var now = time.Now

func runNew(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("new", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	g := addGlobalFlags(fs)
	fromSchema := fs.Bool("from-schema", false, "Generate operations from differences between the live schema and the declared migrations")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: evolve new [options] <Name>

Create {timestamp}_{Name}.yaml in the migrations directory.

Options:
`)
		fs.PrintDefaults()
	}
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 || !migrationName.MatchString(pos[0]) {
		fs.Usage()
		return fmt.Errorf("new: exactly one name of letters, digits, '_' or '-' is required")
	}
	m := migration.Migration{ID: source.NewID(now()), Name: pos[0]}

	if !*fromSchema {
		cfg, err := g.loadConfig()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.Migrations, 0o755); err != nil {
			return fmt.Errorf("create migrations dir: %w", err)
		}
		p := filepath.Join(cfg.Migrations, source.FileName(m))
		if err := os.WriteFile(p, []byte(blankMigration), 0o644); err != nil { //nolint:gosec // migration files are meant to be shared
			return fmt.Errorf("write migration file: %w", err)
		}
		fmt.Fprintln(c.stdout, p)
		return nil
	}

	a, err := openApp(ctx, c, g)
	if err != nil {
		return err
	}
	defer a.Close()

	declared, err := a.declared()
	if err != nil {
		return err
	}
	expected, err := migration.Replay(declared)
	if err != nil {
		return err
	}
	actual, err := a.store.Introspect(ctx)
	if err != nil {
		return fmt.Errorf("introspect schema: %w", err)
	}
	m.Up = migration.DiffOperations(expected, actual)
	if len(m.Up) == 0 {
		fmt.Fprintln(c.stdout, "Schema matches the declared migrations; nothing to generate.")
		return nil
	}
	p, err := a.source.Write(m)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%s (%d operation(s))\n", p, len(m.Up))
	return nil
}
