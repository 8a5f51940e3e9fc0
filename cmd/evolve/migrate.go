package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/GoCodeAlone/evolve/migration"
)

func runMigrate(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	g := addGlobalFlags(fs)
	dryRun := fs.Bool("dry-run", false, "Print the plan without applying it (up, down)")
	all := fs.Bool("all", false, "Verify against every declared migration, not only applied ones (verify)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: evolve migrate <subcommand> [target] [options]

Subcommands:
  up [target]     Apply migrations up to target (default latest)
  down [target]   Roll back to target (default -1, the last applied migration)
  status          Show applied, pending, unknown and modified migrations
  verify          Compare the live schema with the declared migrations

Targets: latest, zero, a migration id, or -N for N steps back.

Examples:
  evolve migrate up
  evolve migrate up 20230217143725
  evolve migrate down -2
  evolve migrate down zero --dry-run
  evolve migrate verify --config examples/blog/evolve.yaml

Options:
`)
		fs.PrintDefaults()
	}

	if len(args) == 0 {
		fs.Usage()
		return fmt.Errorf("subcommand required: up, down, status, or verify")
	}
	subcmd := args[0]
	if subcmd == "-h" || subcmd == "--help" {
		fs.Usage()
		return flagHelp
	}
	pos, err := parseArgs(fs, args[1:])
	if err != nil {
		return err
	}

	var targetArg string
	switch subcmd {
	case "up", "down":
		if len(pos) > 1 {
			return fmt.Errorf("migrate %s: at most one target, got %v", subcmd, pos)
		}
		if len(pos) == 1 {
			targetArg = pos[0]
		}
	case "status", "verify":
		if len(pos) > 0 {
			return fmt.Errorf("migrate %s: unexpected arguments %v", subcmd, pos)
		}
	default:
		fs.Usage()
		return fmt.Errorf("unknown subcommand: %s", subcmd)
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

	return a.serve(ctx, func(ctx context.Context) error {
		switch subcmd {
		case "up":
			return migrateMove(ctx, c, a, declared, migration.Up, targetArg, *dryRun)
		case "down":
			if targetArg == "" {
				targetArg = "-1"
			}
			return migrateMove(ctx, c, a, declared, migration.Down, targetArg, *dryRun)
		case "status":
			return migrateStatus(ctx, c, a, declared)
		default:
			return migrateVerify(ctx, c, a, declared, *all)
		}
	})
}

// migrateMove plans toward target and applies the plan when it goes in the
// requested direction.
func migrateMove(ctx context.Context, c *cli, a *app, declared []migration.Migration, dir migration.Direction, targetArg string, dryRun bool) error {
	target, err := migration.ParseTarget(targetArg)
	if err != nil {
		return err
	}

	plan, err := a.runner.Plan(ctx, declared, target)
	if err != nil {
		return err
	}
	if plan.Empty() {
		fmt.Fprintln(c.stdout, "Nothing to do.")
		return nil
	}
	if plan.Direction != dir {
		return fmt.Errorf("reaching target %s means migrating %s; use 'evolve migrate %s %s'", target, plan.Direction, plan.Direction, target)
	}

	if dryRun {
		fmt.Fprintf(c.stdout, "Would %s %d migration(s):\n", verb(dir), len(plan.Migrations))
		for _, m := range plan.Migrations {
			fmt.Fprintf(c.stdout, "  %s\n", m)
		}
		return nil
	}

	report, err := a.runner.Migrate(ctx, declared, target)
	if report != nil {
		for _, m := range report.Applied {
			fmt.Fprintf(c.stdout, "%-6s %d_%s (%s)\n", m.Direction, m.ID, m.Name, m.Duration.Round(time.Millisecond))
		}
		if len(report.Skipped) > 0 {
			fmt.Fprintf(c.stdout, "skipped %d migration(s) after the failure\n", len(report.Skipped))
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%s %d migration(s).\n", pastVerb(dir), len(report.Applied))
	return nil
}

func verb(dir migration.Direction) string {
	if dir == migration.Down {
		return "roll back"
	}
	return "apply"
}

func pastVerb(dir migration.Direction) string {
	if dir == migration.Down {
		return "Rolled back"
	}
	return "Applied"
}

func migrateStatus(ctx context.Context, c *cli, a *app, declared []migration.Migration) error {
	st, err := a.runner.Status(ctx, declared)
	if err != nil {
		return err
	}

	if st.HasCurrent {
		fmt.Fprintf(c.stdout, "Current version: %d\n", st.Current)
	} else {
		fmt.Fprintln(c.stdout, "Current version: none")
	}

	appliedAt := make(map[migration.ID]time.Time, len(st.Applied))
	for _, e := range st.Applied {
		appliedAt[e.ID] = e.AppliedAt
	}
	modified := make(map[migration.ID]bool, len(st.Modified))
	for _, id := range st.Modified {
		modified[id] = true
	}

	fmt.Fprintln(c.stdout)
	for _, m := range declared {
		at, ok := appliedAt[m.ID]
		switch {
		case ok && modified[m.ID]:
			fmt.Fprintf(c.stdout, "  modified  %s  applied_at=%s\n", m, at.Format(time.RFC3339))
		case ok:
			fmt.Fprintf(c.stdout, "  applied   %s  applied_at=%s\n", m, at.Format(time.RFC3339))
		default:
			fmt.Fprintf(c.stdout, "  pending   %s\n", m)
		}
	}
	for _, e := range st.Unknown {
		fmt.Fprintf(c.stdout, "  unknown   %d_%s  applied_at=%s\n", e.ID, e.Name, e.AppliedAt.Format(time.RFC3339))
	}

	fmt.Fprintf(c.stdout, "\n%d applied, %d pending", len(st.Applied), len(st.Pending))
	if len(st.Unknown) > 0 {
		fmt.Fprintf(c.stdout, ", %d unknown", len(st.Unknown))
	}
	if len(st.Modified) > 0 {
		fmt.Fprintf(c.stdout, ", %d modified", len(st.Modified))
	}
	fmt.Fprintln(c.stdout)
	return nil
}

// migrateVerify compares the live schema with the replay of the applied
// declared migrations, or of all of them with all set.
func migrateVerify(ctx context.Context, c *cli, a *app, declared []migration.Migration, all bool) error {
	expected := declared
	if !all {
		st, err := a.runner.Status(ctx, declared)
		if err != nil {
			return err
		}
		applied := make(map[migration.ID]bool, len(st.Applied))
		for _, e := range st.Applied {
			applied[e.ID] = true
		}
		expected = expected[:0:0]
		for _, m := range declared {
			if applied[m.ID] {
				expected = append(expected, m)
			}
		}
	}

	diff, err := a.runner.Verify(ctx, expected)
	if err != nil {
		return err
	}
	if diff.Empty() {
		fmt.Fprintf(c.stdout, "Schema matches %d migration(s).\n", len(expected))
		return nil
	}
	fmt.Fprintf(c.stdout, "%d difference(s):\n", diff.Len())
	for _, it := range diff.Items {
		fmt.Fprintf(c.stdout, "  %s\n", it)
	}
	return errDrift
}
