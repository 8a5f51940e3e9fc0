package main

import (
	"context"
	"flag"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/evolve/migration"
	"github.com/GoCodeAlone/evolve/source"
)

func runSnapshot(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	g := addGlobalFlags(fs)
	live := fs.Bool("live", false, "Describe the live schema instead of replaying migrations")
	at := fs.String("at", "", "Replay only up to and including this migration id")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: evolve snapshot [options]

Print a model snapshot as YAML.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	var snap *migration.Snapshot
	if *live {
		a, err := openApp(ctx, c, g)
		if err != nil {
			return err
		}
		defer a.Close()
		if snap, err = a.store.Introspect(ctx); err != nil {
			return fmt.Errorf("introspect schema: %w", err)
		}
	} else {
		cfg, err := g.loadConfig()
		if err != nil {
			return err
		}
		declared, err := source.NewDir(cfg.Migrations).Migrations()
		if err != nil {
			return err
		}
		if *at != "" {
			id, err := migration.ParseID(*at)
			if err != nil {
				return err
			}
			n := 0
			for n < len(declared) && declared[n].ID <= id {
				n++
			}
			if n == 0 || declared[n-1].ID != id {
				return fmt.Errorf("snapshot --at %d: %w", id, migration.ErrUnknownTarget)
			}
			declared = declared[:n]
		}
		if snap, err = migration.Replay(declared); err != nil {
			return err
		}
	}

	enc := yaml.NewEncoder(c.stdout)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return enc.Close()
}
