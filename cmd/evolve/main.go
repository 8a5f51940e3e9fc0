package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/GoCodeAlone/evolve/migration"
)

var version = "dev"

// Exit codes.
const (
	exitOK         = 0
	exitFailure    = 1
	exitDrift      = 2
	exitContention = 3
)

// errDrift is returned by verify when the live schema differs from the
// declared migrations.
var errDrift = errors.New("schema drift detected")

type command func(ctx context.Context, c *cli, args []string) error

var commands = map[string]command{
	"migrate":  runMigrate,
	"new":      runNew,
	"snapshot": runSnapshot,
	"watch":    runWatch,
}

// cli carries the output streams so commands can be run from tests.
type cli struct {
	stdout io.Writer
	stderr io.Writer
}

func (c *cli) usage() {
	fmt.Fprintf(c.stderr, `evolve - versioned, reversible schema migrations (version %s)

Usage:
  evolve <command> [options]

Commands:
  migrate    Apply, roll back, inspect and verify migrations (up, down, status, verify)
  new        Create a migration file, optionally from live schema changes
  snapshot   Print the model snapshot of the declared migrations or the live schema
  watch      Apply new migrations as files in the migrations directory change
  version    Print the version

Configuration is read from --config (default ./evolve.yaml when present) and
EVOLVE_* environment variables.

Exit codes: 0 ok, 2 schema drift, 3 lock held elsewhere, 1 any other error.

Run 'evolve <command> -h' for command-specific help.
`, version)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}
	if len(args) == 0 {
		c.usage()
		return exitFailure
	}

	name := args[0]
	switch name {
	case "-h", "--help", "help":
		c.usage()
		return exitOK
	case "-v", "--version", "version":
		fmt.Fprintln(stdout, version)
		return exitOK
	}

	fn, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n\n", name) //nolint:gosec // G705: CLI error output
		c.usage()
		return exitFailure
	}

	err := fn(ctx, c, args[1:])
	if err == nil || errors.Is(err, flagHelp) {
		return exitOK
	}
	c.reportError(err)
	return exitCode(err)
}

func exitCode(err error) int {
	var contention *migration.LockContentionError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errDrift):
		return exitDrift
	case errors.As(err, &contention):
		return exitContention
	default:
		return exitFailure
	}
}

// reportError prints err with its kind and, when known, the failing
// migration.
func (c *cli) reportError(err error) {
	if errors.Is(err, errDrift) {
		fmt.Fprintf(c.stderr, "error: %v\n", err)
		return
	}
	kind := migration.ErrorKind(err)
	if id, ok := migration.FailedID(err); ok {
		fmt.Fprintf(c.stderr, "error: migration %d (%s): %v\n", id, kind, err) //nolint:gosec // G705: CLI error output
		return
	}
	fmt.Fprintf(c.stderr, "error (%s): %v\n", kind, err) //nolint:gosec // G705: CLI error output
}
