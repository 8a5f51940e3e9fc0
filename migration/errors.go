package migration

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTarget is wrapped by the error returned when a plan target names
// a migration that is not declared.
var ErrUnknownTarget = errors.New("unknown target migration")

// Error kinds reported by Kind methods and ErrorKind.
const (
	KindOutOfOrder           = "out_of_order"
	KindSchemaInconsistency  = "schema_inconsistency"
	KindCyclicViewDependency = "cyclic_view_dependency"
	KindMigrationFailed      = "migration_failed"
	KindLockContention       = "lock_contention"
	KindChecksumMismatch     = "checksum_mismatch"
	KindIrreversible         = "irreversible"
)

// OutOfOrderError reports that the declared migrations do not agree with the
// ledger history. It is never resolved automatically.
type OutOfOrderError struct {
	ID     ID
	Reason string
	Err    error
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("migration %d out of order: %s", e.ID, e.Reason)
}

func (e *OutOfOrderError) Unwrap() error { return e.Err }
func (e *OutOfOrderError) Kind() string  { return KindOutOfOrder }

// SchemaInconsistencyError reports an operation that does not make sense
// against the model snapshot it would be applied to.
type SchemaInconsistencyError struct {
	Op     Operation
	Reason string
}

func (e *SchemaInconsistencyError) Error() string {
	if e.Op == nil {
		return "schema inconsistency: " + e.Reason
	}
	return fmt.Sprintf("schema inconsistency: %s: %s", describe(e.Op), e.Reason)
}

func (e *SchemaInconsistencyError) Kind() string { return KindSchemaInconsistency }

// CyclicViewDependencyError lists views whose dependencies form a cycle.
type CyclicViewDependencyError struct {
	Views []string
}

func (e *CyclicViewDependencyError) Error() string {
	return "cyclic view dependency between " + strings.Join(e.Views, ", ")
}

func (e *CyclicViewDependencyError) Kind() string { return KindCyclicViewDependency }

// Stages at which a migration can fail.
const (
	StagePreflight = "preflight"
	StageBegin     = "begin"
	StageExecute   = "execute"
	StageLedger    = "ledger"
	StageCommit    = "commit"
)

// MigrationFailed wraps the error that stopped a migration. The migration's
// transaction has been rolled back when this is returned. OperationIndex is
// the position of the failing operation in the executed sequence, or -1 when
// the failure is not tied to one operation.
type MigrationFailed struct {
	ID             ID
	Name           string
	Direction      Direction
	Stage          string
	OperationIndex int
	Cause          error
}

func (e *MigrationFailed) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %d", e.ID)
	if e.Name != "" {
		fmt.Fprintf(&b, " (%s)", e.Name)
	}
	fmt.Fprintf(&b, " %s failed at %s", e.Direction, e.Stage)
	if e.OperationIndex >= 0 {
		fmt.Fprintf(&b, ", operation %d", e.OperationIndex)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *MigrationFailed) Unwrap() error { return e.Cause }
func (e *MigrationFailed) Kind() string  { return KindMigrationFailed }

// LockContentionError reports that another runner holds the migration lock.
// Callers may retry with backoff.
type LockContentionError struct {
	Key    string
	Holder string
}

func (e *LockContentionError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("migration lock %q held by %s", e.Key, e.Holder)
	}
	return fmt.Sprintf("migration lock %q held by another runner", e.Key)
}

func (e *LockContentionError) Kind() string { return KindLockContention }

// ChecksumMismatchError reports an applied migration whose declared
// definition has changed since it was recorded.
type ChecksumMismatchError struct {
	ID       ID
	Recorded string
	Declared string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("migration %d was modified after it was applied: recorded checksum %s, declared %s",
		e.ID, e.Recorded, e.Declared)
}

func (e *ChecksumMismatchError) Kind() string { return KindChecksumMismatch }

type kinded interface{ Kind() string }

// ErrorKind returns the most specific error kind found in err's chain, or
// "unknown". MigrationFailed reports the kind of its cause when it has one.
func ErrorKind(err error) string {
	kind := "unknown"
	if errors.Is(err, ErrIrreversible) {
		kind = KindIrreversible
	}
	for ; err != nil; err = errors.Unwrap(err) {
		if k, ok := err.(kinded); ok {
			kind = k.Kind()
		}
	}
	return kind
}

// FailedID returns the ID of the migration that failed, if err carries one.
func FailedID(err error) (ID, bool) {
	var mf *MigrationFailed
	if errors.As(err, &mf) {
		return mf.ID, true
	}
	var ooo *OutOfOrderError
	if errors.As(err, &ooo) {
		return ooo.ID, true
	}
	var cm *ChecksumMismatchError
	if errors.As(err, &cm) {
		return cm.ID, true
	}
	return 0, false
}

func describe(op Operation) string {
	if s, ok := op.(fmt.Stringer); ok {
		return s.String()
	}
	return string(op.Kind())
}
