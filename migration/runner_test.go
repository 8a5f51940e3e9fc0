package migration_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/evolve/migration"
	"github.com/GoCodeAlone/evolve/store/sqlitestore"
)

var categories = migration.Table{
	Name: "Categories",
	Columns: []migration.Column{
		{Name: "Id", Type: "INTEGER"},
		{Name: "Name", Type: "TEXT"},
		{Name: "CreatedTimestamp", Type: "TEXT", Nullable: true},
	},
	PrimaryKey: &migration.PrimaryKey{Name: "PK_Categories", Columns: []string{"Id"}},
}

// Migrations R1 and R2 of the blog schema. Categories exists beforehand.
var (
	renameTable  = migration.Migration{ID: 20230217143725, Name: "RenameCategories", Up: []migration.Operation{migration.RenameTable{From: "Categories", To: "Blogs"}}}
	renameColumn = migration.Migration{ID: 20230217144512, Name: "RenameCreated", Up: []migration.Operation{migration.RenameColumn{Table: "Blogs", From: "CreatedTimestamp", To: "Test"}}}
)

type harness struct {
	store   *sqlitestore.Store
	ledger  migration.Ledger
	locker  *migration.LocalLock
	metrics *recordingMetrics
	opts    []migration.Option
	runner  *migration.Runner
}

func newHarness(t *testing.T, opts ...migration.Option) *harness {
	t.Helper()
	store, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:   store,
		ledger:  store.Ledger(),
		locker:  migration.NewLocalLock(),
		metrics: &recordingMetrics{},
	}
	opts = append([]migration.Option{
		migration.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		migration.WithMetrics(h.metrics),
	}, opts...)
	h.opts = opts
	h.runner = migration.NewRunner(store, h.ledger, h.locker, opts...)
	return h
}

// baseline creates Categories outside of any migration, hands its snapshot
// to the runner as the baseline and returns it.
func (h *harness) baseline(t *testing.T) *migration.Snapshot {
	t.Helper()
	base := migration.NewSnapshot()
	op := migration.CreateTable{Table: categories}
	require.NoError(t, base.Apply(op))
	stmts, err := h.store.Translator().Translate(op, migration.NewSnapshot())
	require.NoError(t, err)
	for _, st := range stmts {
		_, err := h.store.DB().Exec(st.SQL, st.Args...)
		require.NoError(t, err)
	}
	h.runner = migration.NewRunner(h.store, h.ledger, h.locker, append(h.opts, migration.WithBaseline(base))...)
	return base
}

func (h *harness) tables(t *testing.T) []string {
	t.Helper()
	snap, err := h.store.Introspect(context.Background())
	require.NoError(t, err)
	return snap.TableNames()
}

func (h *harness) history(t *testing.T) []migration.ID {
	t.Helper()
	entries, err := h.ledger.History(context.Background())
	require.NoError(t, err)
	ids := make([]migration.ID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

type recordingMetrics struct {
	applied    atomic.Int32
	failed     atomic.Int32
	drift      atomic.Int32
	contention atomic.Int32
	onApplied  func()
}

func (m *recordingMetrics) ObserveMigration(_, status string, _ time.Duration) {
	if status == "failed" {
		m.failed.Add(1)
		return
	}
	m.applied.Add(1)
	if m.onApplied != nil {
		m.onApplied()
	}
}

func (m *recordingMetrics) ObserveDrift(items int) { m.drift.Store(int32(items)) }
func (m *recordingMetrics) ObserveLockContention() { m.contention.Add(1) }

func TestRunner_ForwardAndRollback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	base := h.baseline(t)
	declared := []migration.Migration{renameTable, renameColumn}

	plan, err := h.runner.Plan(ctx, declared, migration.Latest())
	require.NoError(t, err)
	assert.Equal(t, migration.Up, plan.Direction)
	assert.Equal(t, []migration.ID{renameTable.ID, renameColumn.ID}, plan.IDs())
	assert.False(t, plan.HasCurrent)

	report, err := h.runner.Apply(ctx, plan)
	require.NoError(t, err)
	require.Len(t, report.Applied, 2)
	assert.Nil(t, report.Failed)
	assert.Equal(t, []string{"Blogs"}, h.tables(t))

	status, err := h.runner.Status(ctx, declared)
	require.NoError(t, err)
	assert.True(t, status.HasCurrent)
	assert.Equal(t, renameColumn.ID, status.Current)
	assert.Empty(t, status.Pending)

	snap, err := h.store.Introspect(ctx)
	require.NoError(t, err)
	blogs, ok := snap.Table("Blogs")
	require.True(t, ok)
	_, ok = blogs.Column("Test")
	assert.True(t, ok, "column should be renamed to Test")

	// The live schema matches the baseline plus the declared migrations.
	verifier := migration.NewRunner(h.store, h.ledger, nil, migration.WithBaseline(base),
		migration.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	diff, err := verifier.Verify(ctx, declared)
	require.NoError(t, err)
	assert.True(t, diff.Empty(), "unexpected drift: %s", diff)

	// Roll everything back.
	plan, err = h.runner.Plan(ctx, declared, migration.Zero())
	require.NoError(t, err)
	assert.Equal(t, migration.Down, plan.Direction)
	assert.Equal(t, []migration.ID{renameColumn.ID, renameTable.ID}, plan.IDs())

	_, err = h.runner.Apply(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"Categories"}, h.tables(t))
	assert.Empty(t, h.history(t))

	snap, err = h.store.Introspect(ctx)
	require.NoError(t, err)
	diff2 := migration.Compare(base, snap, migration.NormalizeTypes(h.store.Translator().NormalizeType))
	assert.True(t, diff2.Empty(), "rollback did not restore the baseline: %s", diff2)
}

func TestRunner_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.baseline(t)
	declared := []migration.Migration{renameTable, renameColumn}

	_, err := h.runner.Migrate(ctx, declared, migration.Latest())
	require.NoError(t, err)

	plan, err := h.runner.Plan(ctx, declared, migration.Latest())
	require.NoError(t, err)
	assert.True(t, plan.Empty())

	report, err := h.runner.Migrate(ctx, declared, migration.Latest())
	require.NoError(t, err)
	assert.Empty(t, report.Applied)
	assert.Equal(t, int32(2), h.metrics.applied.Load())
}

func TestRunner_FailureRollsBackMigration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.baseline(t)

	broken := migration.Migration{ID: 20230217144000, Name: "Broken", Up: []migration.Operation{
		migration.CreateTable{Table: migration.Table{Name: "Expenses", Columns: []migration.Column{{Name: "Id", Type: "INTEGER"}}}},
		migration.AddColumn{Table: "Expenses", Column: migration.Column{Name: "Amount", Type: "REAL", Nullable: true}},
		migration.RawStatement{SQL: `INSERT INTO "NoSuchTable" VALUES (1)`},
	}}
	declared := []migration.Migration{renameTable, broken, renameColumn}

	report, err := h.runner.Migrate(ctx, declared, migration.Latest())
	require.Error(t, err)

	var mf *migration.MigrationFailed
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, broken.ID, mf.ID)
	assert.Equal(t, migration.StageExecute, mf.Stage)
	assert.Equal(t, 2, mf.OperationIndex)
	assert.Equal(t, migration.KindMigrationFailed, migration.ErrorKind(err))

	require.NotNil(t, report)
	require.Len(t, report.Applied, 1)
	assert.Equal(t, renameTable.ID, report.Applied[0].ID)
	assert.Equal(t, []migration.ID{renameColumn.ID}, report.Skipped)

	// Nothing of the failed migration is visible, and the ledger stops at R1.
	assert.Equal(t, []string{"Blogs"}, h.tables(t))
	assert.Equal(t, []migration.ID{renameTable.ID}, h.history(t))
	assert.Equal(t, int32(1), h.metrics.failed.Load())
}

func TestRunner_PreflightInconsistencyLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.baseline(t)

	bad := migration.Migration{ID: 1, Name: "Bad", Up: []migration.Operation{
		migration.CreateTable{Table: migration.Table{Name: "Expenses", Columns: []migration.Column{{Name: "Id", Type: "INTEGER"}}}},
		migration.RenameColumn{Table: "Expenses", From: "Missing", To: "Other"},
	}}
	_, err := h.runner.Migrate(ctx, []migration.Migration{bad}, migration.Latest())

	var mf *migration.MigrationFailed
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, migration.StagePreflight, mf.Stage)
	assert.Equal(t, 1, mf.OperationIndex)
	assert.Equal(t, migration.KindSchemaInconsistency, migration.ErrorKind(err))
	assert.Equal(t, []string{"Categories"}, h.tables(t))
	assert.Empty(t, h.history(t))
}

func TestRunner_ViewsCreatedInDependencyOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	items := migration.Table{
		Name: "ExpenseItems",
		Columns: []migration.Column{
			{Name: "Id", Type: "INTEGER"},
			{Name: "Name", Type: "TEXT"},
			{Name: "Amount", Type: "REAL"},
		},
		PrimaryKey: &migration.PrimaryKey{Name: "PK_ExpenseItems", Columns: []string{"Id"}},
	}
	m := migration.Migration{ID: 1, Name: "Views", Up: []migration.Operation{
		migration.CreateTable{Table: items},
		// B reads A but is listed first.
		migration.CreateView{View: migration.ViewDef{
			Name:       "ExpensiveItems",
			Definition: `SELECT "Name" FROM "ExpenseByTotalView" WHERE "Total" > 100`,
			DependsOn:  []string{"ExpenseByTotalView"},
		}},
		migration.CreateView{View: migration.ViewDef{
			Name:       "ExpenseByTotalView",
			Definition: `SELECT "Name", sum("Amount") AS "Total" FROM "ExpenseItems" GROUP BY "Name"`,
			DependsOn:  []string{"ExpenseItems"},
		}},
		migration.SeedRows{
			Table:   "ExpenseItems",
			Columns: []string{"Id", "Name", "Amount"},
			Keys:    []string{"Id"},
			Rows:    [][]any{{1, "Ferrari", 250000.0}, {2, "Cheese", 12.5}, {3, "TV", 900.0}},
		},
	}}
	declared := []migration.Migration{m}

	_, err := h.runner.Migrate(ctx, declared, migration.Latest())
	require.NoError(t, err)

	var names []string
	rows, err := h.store.DB().QueryContext(ctx, `SELECT "Name" FROM "ExpensiveItems" ORDER BY "Name"`)
	require.NoError(t, err)
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	require.NoError(t, rows.Err())
	rows.Close()
	assert.Equal(t, []string{"Ferrari", "TV"}, names)

	diff, err := h.runner.Verify(ctx, declared)
	require.NoError(t, err)
	assert.True(t, diff.Empty(), "unexpected drift: %s", diff)

	// Rolling back drops the dependent view first and deletes the seeded rows.
	_, err = h.runner.Migrate(ctx, declared, migration.Zero())
	require.NoError(t, err)
	assert.Empty(t, h.tables(t))
}

func TestRunner_CancelledBetweenMigrations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	h.baseline(t)
	h.metrics.onApplied = cancel
	declared := []migration.Migration{renameTable, renameColumn}

	report, err := h.runner.Migrate(ctx, declared, migration.Latest())
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, report.Applied, 1)
	assert.Equal(t, []migration.ID{renameColumn.ID}, report.Skipped)
	assert.Equal(t, []migration.ID{renameTable.ID}, h.history(t))

	// The remaining migration applies on the next run.
	_, err = h.runner.Migrate(context.Background(), declared, migration.Latest())
	require.NoError(t, err)
	assert.Equal(t, []migration.ID{renameTable.ID, renameColumn.ID}, h.history(t))
}

func TestRunner_LockContention(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.baseline(t)

	release, err := h.locker.Acquire(ctx, migration.DefaultLockKey)
	require.NoError(t, err)

	_, err = h.runner.Migrate(ctx, []migration.Migration{renameTable}, migration.Latest())
	var contention *migration.LockContentionError
	require.ErrorAs(t, err, &contention)
	assert.Equal(t, migration.KindLockContention, migration.ErrorKind(err))
	assert.Equal(t, int32(1), h.metrics.contention.Load())
	assert.Empty(t, h.history(t))

	release()
	_, err = h.runner.Migrate(ctx, []migration.Migration{renameTable}, migration.Latest())
	require.NoError(t, err)
}

func TestRunner_LockRetryWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, migration.WithLockRetry(migration.RetryPolicy{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		MaxElapsed:      5 * time.Second,
	}))
	h.baseline(t)

	release, err := h.locker.Acquire(ctx, migration.DefaultLockKey)
	require.NoError(t, err)
	time.AfterFunc(30*time.Millisecond, release)

	_, err = h.runner.Migrate(ctx, []migration.Migration{renameTable}, migration.Latest())
	require.NoError(t, err)
	assert.Equal(t, []migration.ID{renameTable.ID}, h.history(t))
}

func TestRunner_VerifyDetectsDrift(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	create := migration.Migration{ID: 1, Name: "CreateCategories", Up: []migration.Operation{migration.CreateTable{Table: categories}}}
	declared := []migration.Migration{create, renameTable}

	_, err := h.runner.Migrate(ctx, declared, migration.Latest())
	require.NoError(t, err)

	_, err = h.store.DB().ExecContext(ctx, `ALTER TABLE "Blogs" ADD COLUMN "Extra" TEXT`)
	require.NoError(t, err)

	diff, err := h.runner.Verify(ctx, declared)
	require.NoError(t, err)
	require.Equal(t, 1, diff.Len(), "drift: %s", diff)
	assert.Equal(t, migration.DiffExtra, diff.Items[0].Kind)
	assert.Equal(t, int32(1), h.metrics.drift.Load())
}

func TestRunner_OutOfOrderRefused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.baseline(t)

	_, err := h.runner.Migrate(ctx, []migration.Migration{renameColumn}, migration.Latest())
	require.Error(t, err) // Blogs does not exist yet
	require.Empty(t, h.history(t))

	_, err = h.runner.Migrate(ctx, []migration.Migration{renameTable, renameColumn}, migration.To(renameTable.ID))
	require.NoError(t, err)

	// A migration inserted before the applied one cannot be applied later.
	inserted := migration.Migration{ID: renameTable.ID - 1, Name: "Late", Up: []migration.Operation{
		migration.RawStatement{SQL: "SELECT 1", Reverse: "SELECT 1"},
	}}
	_, err = h.runner.Plan(ctx, []migration.Migration{inserted, renameTable, renameColumn}, migration.Latest())
	var ooo *migration.OutOfOrderError
	require.True(t, errors.As(err, &ooo), "expected OutOfOrderError, got %v", err)
	assert.Equal(t, inserted.ID, ooo.ID)

	status, err := h.runner.Status(ctx, []migration.Migration{renameColumn})
	require.NoError(t, err)
	require.Len(t, status.Unknown, 1)
	assert.Equal(t, renameTable.ID, status.Unknown[0].ID)
}

func TestRunner_PreflightUsesReplayedSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	blogs := migration.Table{Name: "Blogs", Columns: []migration.Column{{Name: "Id", Type: "INTEGER"}, {Name: "Name", Type: "TEXT"}}}
	archive := migration.Table{Name: "Archive", Columns: []migration.Column{{Name: "Id", Type: "INTEGER"}}}
	create := migration.Migration{ID: 1, Name: "CreateBlogs", Up: []migration.Operation{
		migration.CreateTable{Table: blogs},
		migration.CreateTable{Table: archive},
		// The alias matches a table name but the view only reads Blogs.
		migration.CreateView{View: migration.ViewDef{
			Name:       "V",
			Definition: `SELECT "Name" AS "Archive" FROM "Blogs"`,
			DependsOn:  []string{"Blogs"},
		}},
	}}
	dropArchive := migration.Migration{ID: 2, Name: "DropArchive", Up: []migration.Operation{
		migration.DropTable{Table: archive},
	}}
	declared := []migration.Migration{create, dropArchive}

	_, err := h.runner.Migrate(ctx, declared, migration.To(create.ID))
	require.NoError(t, err)

	report, err := h.runner.Migrate(ctx, declared, migration.Latest())
	require.NoError(t, err)
	require.Len(t, report.Applied, 1)
	assert.Equal(t, []string{"Blogs"}, h.tables(t))

	_, err = h.runner.Migrate(ctx, declared, migration.Zero())
	require.NoError(t, err)
	assert.Empty(t, h.tables(t))
	assert.Empty(t, h.history(t))
}

func TestRunner_PreflightIgnoresObjectsOutsideBaseline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Categories exists in the store but is not part of the baseline, so a
	// migration that renames it fails pre-flight without touching the store.
	base := h.baseline(t)
	h.runner = migration.NewRunner(h.store, h.ledger, h.locker, h.opts...)

	_, err := h.runner.Migrate(ctx, []migration.Migration{renameTable}, migration.Latest())
	var mf *migration.MigrationFailed
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, migration.StagePreflight, mf.Stage)
	assert.Equal(t, migration.KindSchemaInconsistency, migration.ErrorKind(err))
	assert.Equal(t, []string{"Categories"}, h.tables(t))

	h.runner = migration.NewRunner(h.store, h.ledger, h.locker, append(h.opts, migration.WithBaseline(base))...)
	_, err = h.runner.Migrate(ctx, []migration.Migration{renameTable}, migration.Latest())
	require.NoError(t, err)
	assert.Equal(t, []string{"Blogs"}, h.tables(t))
}
