package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/GoCodeAlone/evolve/migration"
	"github.com/GoCodeAlone/evolve/source"
)

func runWatch(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	g := addGlobalFlags(fs)
	debounce := fs.Duration("debounce", 500*time.Millisecond, "Wait this long after the last file change before migrating")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: evolve watch [options]

Migrate to latest, then again whenever migration files change, until
interrupted. Failures are logged and retried on the next change.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(ctx, c, g)
	if err != nil {
		return err
	}
	defer a.Close()

	migrate := func(declared []migration.Migration) {
		report, err := a.runner.Migrate(ctx, declared, migration.Latest())
		if err != nil {
			// Logged by the runner for migration failures; lock and plan
			// errors are reported here.
			a.logger.Error("migrate", "kind", migration.ErrorKind(err), "error", err)
			return
		}
		if n := len(report.Applied); n > 0 {
			fmt.Fprintf(c.stdout, "Applied %d migration(s).\n", n)
		}
	}

	return a.serve(ctx, func(ctx context.Context) error {
		declared, err := a.declared()
		if err != nil {
			a.logger.Error("load migrations", "dir", a.source.Path(), "error", err)
		} else {
			migrate(declared)
		}

		w := source.NewWatcher(a.source, func(evt source.ChangeEvent) {
			if evt.Empty() {
				return
			}
			fmt.Fprintf(c.stdout, "Migrations changed: %d added, %d removed, %d edited.\n", len(evt.Added), len(evt.Removed), len(evt.Edited))
			migrate(evt.Migrations)
		}, source.WithWatchDebounce(*debounce), source.WithWatchLogger(a.logger))
		if err := w.Start(); err != nil {
			return err
		}
		a.logger.Info("watching migrations", "dir", a.source.Path())

		<-ctx.Done()
		return w.Stop()
	})
}
