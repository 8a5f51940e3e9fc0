package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Metrics receives runner measurements. observability.Metrics implements it.
type Metrics interface {
	ObserveMigration(direction, status string, d time.Duration)
	ObserveDrift(items int)
	ObserveLockContention()
}

// Span is the part of a tracing span the runner needs.
type Span interface {
	End(err error)
}

// Tracer starts spans around runner work. observability/tracing provides an
// OpenTelemetry implementation.
type Tracer interface {
	StartPlan(ctx context.Context, direction Direction, count int) (context.Context, Span)
	StartMigration(ctx context.Context, m Migration, direction Direction) (context.Context, Span)
}

type nopMetrics struct{}

func (nopMetrics) ObserveMigration(string, string, time.Duration) {}
func (nopMetrics) ObserveDrift(int)                               {}
func (nopMetrics) ObserveLockContention()                         {}

type nopSpan struct{}

func (nopSpan) End(error) {}

type nopTracer struct{}

func (nopTracer) StartPlan(ctx context.Context, _ Direction, _ int) (context.Context, Span) {
	return ctx, nopSpan{}
}

func (nopTracer) StartMigration(ctx context.Context, _ Migration, _ Direction) (context.Context, Span) {
	return ctx, nopSpan{}
}

// Runner plans and applies migrations against a Store, keeping the Ledger in
// step with the schema.
type Runner struct {
	store           Store
	ledger          Ledger
	locker          DistributedLock
	logger          *slog.Logger
	metrics         Metrics
	tracer          Tracer
	lockKey         string
	retry           RetryPolicy
	verifyChecksums bool
	baseline        *Snapshot
	now             func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithLockKey sets the advisory lock key. The default is DefaultLockKey.
func WithLockKey(key string) Option {
	return func(r *Runner) {
		if key != "" {
			r.lockKey = key
		}
	}
}

// WithLockRetry makes Migrate wait for a contended lock according to p
// instead of failing at once.
func WithLockRetry(p RetryPolicy) Option {
	return func(r *Runner) { r.retry = p }
}

// WithChecksumVerification turns checking of applied migration checksums on
// or off. It is on by default.
func WithChecksumVerification(on bool) Option {
	return func(r *Runner) { r.verifyChecksums = on }
}

// WithBaseline sets the schema that exists before the first migration, for
// objects created outside the declared migrations. Verify replays on top of
// it.
func WithBaseline(s *Snapshot) Option {
	return func(r *Runner) { r.baseline = s }
}

// WithClock sets the clock used for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner creates a Runner. A nil locker is replaced by a LocalLock.
func NewRunner(store Store, ledger Ledger, locker DistributedLock, opts ...Option) *Runner {
	if locker == nil {
		locker = NewLocalLock()
	}
	r := &Runner{
		store:           store,
		ledger:          ledger,
		locker:          locker,
		logger:          slog.Default(),
		metrics:         nopMetrics{},
		tracer:          nopTracer{},
		lockKey:         DefaultLockKey,
		verifyChecksums: true,
		now:             time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// AppliedMigration records a migration the runner committed.
type AppliedMigration struct {
	ID        ID
	Name      string
	Direction Direction
	Duration  time.Duration
}

// AppliedReport is the outcome of Apply. Applied lists the migrations that
// committed, in order. Failed is set when a migration failed; Skipped lists
// the plan migrations after it that were not attempted.
type AppliedReport struct {
	Plan    *Plan
	Applied []AppliedMigration
	Failed  *MigrationFailed
	Skipped []ID
}

// Plan computes the migrations needed to move from the ledger's current
// position to target.
func (r *Runner) Plan(ctx context.Context, declared []Migration, target Target) (*Plan, error) {
	if err := r.ledger.Init(ctx); err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	history, err := r.ledger.History(ctx)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	plan, err := buildPlan(declared, history, target, r.verifyChecksums)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("planned migrations",
		"direction", plan.Direction,
		"target", target,
		"count", len(plan.Migrations))
	return plan, nil
}

// Apply executes plan one migration at a time. Each migration runs in its
// own transaction together with its ledger update. On failure the failing
// migration is rolled back, later ones are skipped, and the returned error is
// the *MigrationFailed also stored in the report.
//
// Cancellation of ctx is honored between migrations only; a migration that
// has started runs to commit or rollback.
func (r *Runner) Apply(ctx context.Context, plan *Plan) (*AppliedReport, error) {
	report := &AppliedReport{Plan: plan}
	if plan.Empty() {
		r.logger.Info("schema up to date")
		return report, nil
	}

	ctx, span := r.tracer.StartPlan(ctx, plan.Direction, len(plan.Migrations))
	var err error
	defer func() { span.End(err) }()

	snap, rerr := ReplayFrom(r.base(), plan.Applied)
	if rerr != nil {
		report.Skipped = plan.IDs()
		err = fmt.Errorf("replay applied migrations: %w", rerr)
		return report, err
	}

	for i, m := range plan.Migrations {
		if cerr := ctx.Err(); cerr != nil {
			report.Skipped = plan.IDs()[i:]
			err = fmt.Errorf("apply stopped before migration %d: %w", m.ID, cerr)
			return report, err
		}

		start := time.Now()
		after, mf := r.applyOne(context.WithoutCancel(ctx), plan.Direction, m, snap)
		if mf != nil {
			r.metrics.ObserveMigration(plan.Direction.String(), "failed", time.Since(start))
			r.logger.Error("migration failed",
				"migration", m.ID,
				"name", m.Name,
				"direction", plan.Direction,
				"stage", mf.Stage,
				"operation", mf.OperationIndex,
				"kind", ErrorKind(mf.Cause),
				"error", mf.Cause)
			report.Failed = mf
			report.Skipped = plan.IDs()[i+1:]
			err = mf
			return report, err
		}

		snap = after
		elapsed := time.Since(start)
		r.metrics.ObserveMigration(plan.Direction.String(), "applied", elapsed)
		r.logger.Info("applied migration",
			"migration", m.ID,
			"name", m.Name,
			"direction", plan.Direction,
			"duration", elapsed)
		report.Applied = append(report.Applied, AppliedMigration{
			ID:        m.ID,
			Name:      m.Name,
			Direction: plan.Direction,
			Duration:  elapsed,
		})
	}
	return report, nil
}

type step struct {
	index int
	stmts []Statement
}

// applyOne runs a single migration. before is the model snapshot of the
// schema the migration starts from; on success the snapshot it leaves behind
// is returned. All checks happen against the snapshot before the transaction
// opens, so a pre-flight failure leaves the store untouched.
func (r *Runner) applyOne(ctx context.Context, dir Direction, m Migration, before *Snapshot) (after *Snapshot, mf *MigrationFailed) {
	fail := func(stage string, index int, cause error) *MigrationFailed {
		return &MigrationFailed{ID: m.ID, Name: m.Name, Direction: dir, Stage: stage, OperationIndex: index, Cause: cause}
	}

	ctx, span := r.tracer.StartMigration(ctx, m, dir)
	defer func() {
		if mf != nil {
			span.End(mf)
			return
		}
		span.End(nil)
	}()

	ops := m.Up
	if dir == Down {
		down, err := m.DownOps()
		if err != nil {
			return nil, fail(StagePreflight, -1, err)
		}
		ops = down
	}

	snap := before.Clone()
	order, err := orderOperations(ops, snap)
	if err != nil {
		return nil, fail(StagePreflight, -1, err)
	}

	tr := r.store.Translator()
	steps := make([]step, 0, len(order))
	for _, i := range order {
		stmts, terr := tr.Translate(ops[i], snap)
		if err := snap.Apply(ops[i]); err != nil {
			return nil, fail(StagePreflight, i, err)
		}
		if terr != nil {
			return nil, fail(StagePreflight, i, fmt.Errorf("translate %s: %w", describe(ops[i]), terr))
		}
		steps = append(steps, step{index: i, stmts: stmts})
	}

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return nil, fail(StageBegin, -1, fmt.Errorf("begin tx: %w", err))
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			r.logger.Error("rollback failed", "migration", m.ID, "error", rbErr)
		}
	}()

	for _, s := range steps {
		for _, st := range s.stmts {
			var err error
			if st.DML {
				err = tx.ExecDML(ctx, st.SQL, st.Args...)
			} else {
				err = tx.ExecDDL(ctx, st.SQL)
			}
			if err != nil {
				return nil, fail(StageExecute, s.index, fmt.Errorf("execute %s: %w", describe(ops[s.index]), err))
			}
		}
	}

	if dir == Up {
		err = r.ledger.Record(ctx, tx, LedgerEntry{
			ID:        m.ID,
			Name:      m.Name,
			AppliedAt: r.now().UTC(),
			Checksum:  m.Checksum(),
		})
	} else {
		err = r.ledger.Unrecord(ctx, tx, m.ID)
	}
	if err != nil {
		return nil, fail(StageLedger, -1, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fail(StageCommit, -1, fmt.Errorf("commit: %w", err))
	}
	committed = true
	return snap, nil
}

// Migrate acquires the advisory lock, plans the move to target and applies
// it. The lock is held for both steps.
func (r *Runner) Migrate(ctx context.Context, declared []Migration, target Target) (*AppliedReport, error) {
	release, err := AcquireWithRetry(ctx, r.locker, r.lockKey, r.retry)
	if err != nil {
		var contention *LockContentionError
		if errors.As(err, &contention) {
			r.metrics.ObserveLockContention()
		}
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer release()

	plan, err := r.Plan(ctx, declared, target)
	if err != nil {
		return nil, err
	}
	r.logger.Info("migrating",
		"direction", plan.Direction,
		"target", target,
		"pending", len(plan.Migrations))
	return r.Apply(ctx, plan)
}

// base is the schema before the first migration.
func (r *Runner) base() *Snapshot {
	if r.baseline == nil {
		return NewSnapshot()
	}
	return r.baseline
}

// Verify replays declared and compares the result with the live schema. It
// does not change the store.
func (r *Runner) Verify(ctx context.Context, declared []Migration) (*Diff, error) {
	if err := validateDeclared(declared); err != nil {
		return nil, err
	}
	expected, err := ReplayFrom(r.base(), declared)
	if err != nil {
		return nil, err
	}
	actual, err := r.store.Introspect(ctx)
	if err != nil {
		return nil, fmt.Errorf("introspect schema: %w", err)
	}

	d := Compare(expected, actual, NormalizeTypes(r.store.Translator().NormalizeType))
	r.metrics.ObserveDrift(d.Len())
	if d.Empty() {
		r.logger.Info("schema matches declared migrations")
	} else {
		r.logger.Warn("schema drift detected", "items", d.Len())
	}
	return d, nil
}

// Status describes the ledger relative to the declared migrations.
type Status struct {
	Current    ID
	HasCurrent bool
	Applied    []LedgerEntry
	Pending    []Migration
	// Unknown lists applied entries that are not declared.
	Unknown []LedgerEntry
	// Modified lists applied migrations whose checksum no longer matches.
	Modified []ID
}

// Status reports applied, pending, unknown and modified migrations. Unlike
// Plan it does not fail on an inconsistent ledger.
func (r *Runner) Status(ctx context.Context, declared []Migration) (*Status, error) {
	if err := r.ledger.Init(ctx); err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	history, err := r.ledger.History(ctx)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}

	st := &Status{Applied: history}
	if len(history) > 0 {
		st.Current, st.HasCurrent = history[len(history)-1].ID, true
	}
	applied := make(map[ID]bool, len(history))
	for _, e := range history {
		applied[e.ID] = true
		i := indexOf(declared, e.ID)
		if i < 0 {
			st.Unknown = append(st.Unknown, e)
			continue
		}
		if e.Checksum != "" && e.Checksum != declared[i].Checksum() {
			st.Modified = append(st.Modified, e.ID)
		}
	}
	for _, m := range declared {
		if !applied[m.ID] {
			st.Pending = append(st.Pending, m)
		}
	}
	return st, nil
}
