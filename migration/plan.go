package migration

import (
	"fmt"
	"strconv"
	"strings"
)

// Direction is the way a plan moves the schema.
type Direction int

const (
	Up Direction = iota
	Down
)

func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

type targetKind int

const (
	targetLatest targetKind = iota
	targetID
	targetZero
	targetBack
)

// Target is the version a plan should reach.
type Target struct {
	kind  targetKind
	id    ID
	steps int
}

// Latest targets the last declared migration.
func Latest() Target { return Target{kind: targetLatest} }

// To targets the state right after migration id is applied.
func To(id ID) Target {
	if id <= 0 {
		return Zero()
	}
	return Target{kind: targetID, id: id}
}

// Zero targets the state before the first migration.
func Zero() Target { return Target{kind: targetZero} }

// Back targets n migrations before the current version.
func Back(n int) Target { return Target{kind: targetBack, steps: n} }

// ParseTarget parses "latest", "zero", a migration ID, or "-N" for Back(N).
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "latest":
		return Latest(), nil
	case "zero", "0":
		return Zero(), nil
	}
	if rest, ok := strings.CutPrefix(s, "-"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 {
			return Target{}, fmt.Errorf("parse target %q: want a positive step count", s)
		}
		return Back(n), nil
	}
	id, err := ParseID(s)
	if err != nil {
		return Target{}, fmt.Errorf("parse target: %w", err)
	}
	return To(id), nil
}

func (t Target) String() string {
	switch t.kind {
	case targetID:
		return t.id.String()
	case targetZero:
		return "zero"
	case targetBack:
		return fmt.Sprintf("-%d", t.steps)
	default:
		return "latest"
	}
}

// resolve returns how many of declared should be applied once t is reached.
func (t Target) resolve(declared []Migration, applied int) (int, error) {
	switch t.kind {
	case targetZero:
		return 0, nil
	case targetBack:
		return max(applied-t.steps, 0), nil
	case targetID:
		i := indexOf(declared, t.id)
		if i < 0 {
			return 0, &OutOfOrderError{ID: t.id, Reason: "target is not declared", Err: ErrUnknownTarget}
		}
		return i + 1, nil
	default:
		return len(declared), nil
	}
}

// Plan is an ordered list of migrations to apply or roll back. Forward plans
// are ascending by ID, rollback plans descending.
type Plan struct {
	Direction Direction
	Target    Target
	// Current is the applied version when the plan was made; HasCurrent is
	// false when nothing was applied.
	Current    ID
	HasCurrent bool
	// Applied is the declared prefix that was applied when the plan was
	// made. Pre-flight checks start from its replay.
	Applied    []Migration
	Migrations []Migration
}

// Empty reports whether the plan has nothing to do.
func (p *Plan) Empty() bool { return p == nil || len(p.Migrations) == 0 }

// IDs returns the migration IDs in plan order.
func (p *Plan) IDs() []ID {
	ids := make([]ID, len(p.Migrations))
	for i, m := range p.Migrations {
		ids[i] = m.ID
	}
	return ids
}

func (p *Plan) String() string {
	if p.Empty() {
		return "nothing to do"
	}
	parts := make([]string, len(p.Migrations))
	for i, m := range p.Migrations {
		parts[i] = m.String()
	}
	return fmt.Sprintf("%s: %s", p.Direction, strings.Join(parts, ", "))
}

// buildPlan checks history against declared and selects the migrations
// between the current position and target.
func buildPlan(declared []Migration, history []LedgerEntry, target Target, verifyChecksums bool) (*Plan, error) {
	if err := validateDeclared(declared); err != nil {
		return nil, err
	}

	for i, e := range history {
		pos := indexOf(declared, e.ID)
		switch {
		case pos < 0:
			return nil, &OutOfOrderError{ID: e.ID, Reason: "applied migration is not declared"}
		case pos != i:
			return nil, &OutOfOrderError{
				ID:     declared[i].ID,
				Reason: fmt.Sprintf("not applied, but later migration %d is", e.ID),
			}
		}
		if verifyChecksums && e.Checksum != "" {
			if sum := declared[i].Checksum(); sum != e.Checksum {
				return nil, &ChecksumMismatchError{ID: e.ID, Recorded: e.Checksum, Declared: sum}
			}
		}
	}

	applied := len(history)
	want, err := target.resolve(declared, applied)
	if err != nil {
		return nil, err
	}

	p := &Plan{Direction: Up, Target: target, Applied: declared[:applied:applied]}
	if applied > 0 {
		p.Current, p.HasCurrent = history[applied-1].ID, true
	}
	switch {
	case want > applied:
		p.Migrations = append(p.Migrations, declared[applied:want]...)
	case want < applied:
		p.Direction = Down
		for i := applied - 1; i >= want; i-- {
			m := declared[i]
			if _, err := m.DownOps(); err != nil {
				return nil, fmt.Errorf("plan rollback: %w", err)
			}
			p.Migrations = append(p.Migrations, m)
		}
	}
	return p, nil
}
