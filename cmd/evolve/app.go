package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/evolve/config"
	"github.com/GoCodeAlone/evolve/lock/redislock"
	"github.com/GoCodeAlone/evolve/migration"
	"github.com/GoCodeAlone/evolve/observability"
	"github.com/GoCodeAlone/evolve/observability/tracing"
	"github.com/GoCodeAlone/evolve/source"
	"github.com/GoCodeAlone/evolve/store/pgstore"
	"github.com/GoCodeAlone/evolve/store/sqlitestore"
)

// defaultConfigFile is used when --config is not given and the file exists.
const defaultConfigFile = "evolve.yaml"

// flagHelp is returned when -h was requested; it is not an error.
var flagHelp = flag.ErrHelp

// globalFlags registers the flags every store-backed command accepts.
type globalFlags struct {
	config     *string
	dsn        *string
	migrations *string
}

var stepsBack = regexp.MustCompile(`^-[0-9]+$`)

// parseArgs parses flags wherever they appear among args and returns the
// positional arguments in order. "-N" step targets are positional.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var pos []string
	for len(args) > 0 {
		if stepsBack.MatchString(args[0]) {
			pos = append(pos, args[0])
			args = args[1:]
			continue
		}
		end := slices.IndexFunc(args, stepsBack.MatchString)
		if end < 0 {
			end = len(args)
		}
		if err := fs.Parse(args[:end]); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			args = args[end:]
			continue
		}
		pos = append(pos, rest[0])
		args = append(slices.Clone(rest[1:]), args[end:]...)
	}
	return pos, nil
}

func addGlobalFlags(fs *flag.FlagSet) globalFlags {
	return globalFlags{
		config:     fs.String("config", "", "Path to the evolve config file (default ./evolve.yaml when present)"),
		dsn:        fs.String("dsn", "", "Override store.dsn"),
		migrations: fs.String("migrations", "", "Override the migrations directory"),
	}
}

// loadConfig resolves the effective configuration. A relative migrations
// directory from a config file is taken relative to that file.
func (g globalFlags) loadConfig() (*config.Config, error) {
	path := *g.config
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if path != "" && !filepath.IsAbs(cfg.Migrations) && os.Getenv(config.EnvPrefix+"MIGRATIONS") == "" {
		cfg.Migrations = filepath.Join(filepath.Dir(path), cfg.Migrations)
	}
	if *g.dsn != "" {
		cfg.Store.DSN = *g.dsn
	}
	if *g.migrations != "" {
		cfg.Migrations = *g.migrations
	}
	return cfg, nil
}

func newLogger(c *cli, cfg config.LogConfig) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(c.stderr, opts))
	}
	return slog.New(slog.NewTextHandler(c.stderr, opts))
}

// app is an opened target store with a runner wired to the configured lock,
// metrics and tracing.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   migration.Store
	ledger  migration.Ledger
	runner  *migration.Runner
	source  *source.Dir
	metrics *observability.Metrics
	closers []func()
}

func openApp(ctx context.Context, c *cli, g globalFlags) (*app, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  newLogger(c, cfg.Log),
		source:  source.NewDir(cfg.Migrations),
		metrics: observability.NewMetrics(),
	}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	lock, err := a.openLock()
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []migration.Option{
		migration.WithLogger(a.logger),
		migration.WithMetrics(a.metrics),
		migration.WithLockKey(cfg.Lock.Key),
		migration.WithLockRetry(migration.RetryPolicy{
			InitialInterval: cfg.Lock.InitialInterval,
			MaxInterval:     cfg.Lock.MaxInterval,
			MaxElapsed:      cfg.Lock.Wait,
		}),
		migration.WithChecksumVerification(cfg.VerifyChecksums),
	}
	if cfg.Tracing.Endpoint != "" {
		tp, err := tracing.NewProvider(ctx, tracing.Config{
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			SampleRate:  cfg.Tracing.SampleRate,
			Version:     version,
			Driver:      cfg.Store.Driver,
			Schema:      cfg.Store.Schema,
			Migrations:  cfg.Migrations,
			LockBackend: cfg.Lock.Backend,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(sctx); err != nil {
				a.logger.Warn("flush traces", "error", err)
			}
		})
		opts = append(opts, migration.WithTracer(tp.MigrationTracer()))
	}

	a.runner = migration.NewRunner(a.store, a.ledger, lock, opts...)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, pgstore.Config{
			URL:      a.cfg.Store.DSN,
			MaxConns: a.cfg.Store.MaxConns,
			Schema:   a.cfg.Store.Schema,
		})
		if err != nil {
			return err
		}
		a.store, a.ledger = s, s.Ledger()
		a.closers = append(a.closers, s.Close)
	default:
		s, err := sqlitestore.Open(a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.store, a.ledger = s, s.Ledger()
		a.closers = append(a.closers, func() { _ = s.Close() })
	}
	return nil
}

func (a *app) openLock() (migration.DistributedLock, error) {
	switch a.cfg.Lock.Backend {
	case config.LockLocal:
		return migration.NewLocalLock(), nil
	case config.LockRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		return redislock.New(client, redislock.Config{TTL: a.cfg.Lock.TTL}, a.logger), nil
	}
	switch s := a.store.(type) {
	case *pgstore.Store:
		return pgstore.NewAdvisoryLock(s.Pool(), a.logger), nil
	case *sqlitestore.Store:
		return sqlitestore.NewLock(s.DB(), a.cfg.Lock.TTL, a.logger), nil
	}
	return nil, fmt.Errorf("lock backend %q: store %T has no lock", a.cfg.Lock.Backend, a.store)
}

// Close releases everything openApp acquired, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) declared() ([]migration.Migration, error) {
	return a.source.Migrations()
}

// serve runs fn while the metrics endpoint, when configured, is served. The
// server stops when fn returns; a server failure cancels fn's context.
func (a *app) serve(ctx context.Context, fn func(context.Context) error) error {
	if a.cfg.Metrics.Addr == "" {
		return fn(ctx)
	}

	mux := http.NewServeMux()
	mux.Handle(a.metrics.MetricsPath(), tracing.Handler(a.metrics.Handler(), "metrics"))
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("serving metrics", "addr", srv.Addr, "path", a.metrics.MetricsPath())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		return fn(gctx)
	})
	return g.Wait()
}
