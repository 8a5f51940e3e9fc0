package migration

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID identifies a Migration. IDs are timestamp-like (20230217142823) and
// strictly increasing across the declared list.
type ID int64

// ParseID parses the decimal form of a migration ID.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse migration id %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("parse migration id %q: must be positive", s)
	}
	return ID(n), nil
}

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// Migration is a named, ordered, reversible unit of schema change.
type Migration struct {
	ID   ID
	Name string
	Up   []Operation
	// Down is applied on rollback. When nil it is derived by inverting Up in
	// reverse order.
	Down []Operation
}

func (m Migration) String() string {
	if m.Name == "" {
		return m.ID.String()
	}
	return m.ID.String() + "_" + m.Name
}

// DownOps returns the operations that roll m back.
func (m Migration) DownOps() ([]Operation, error) {
	if m.Down != nil {
		return m.Down, nil
	}
	down := make([]Operation, 0, len(m.Up))
	for i := len(m.Up) - 1; i >= 0; i-- {
		inv, err := m.Up[i].Invert()
		if err != nil {
			return nil, fmt.Errorf("derive down for migration %s, operation %d: %w", m, i, err)
		}
		down = append(down, inv)
	}
	return down, nil
}

type taggedOp struct {
	Kind Kind      `json:"kind"`
	Op   Operation `json:"op"`
}

func tagged(ops []Operation) []taggedOp {
	if ops == nil {
		return nil
	}
	out := make([]taggedOp, len(ops))
	for i, op := range ops {
		out[i] = taggedOp{Kind: op.Kind(), Op: op}
	}
	return out
}

// Checksum returns a short SHA-256 digest of the migration definition. It
// changes whenever the ID, name or any operation changes.
func (m Migration) Checksum() string {
	b, err := json.Marshal(struct {
		ID   ID         `json:"id"`
		Name string     `json:"name"`
		Up   []taggedOp `json:"up"`
		Down []taggedOp `json:"down,omitempty"`
	}{m.ID, m.Name, tagged(m.Up), tagged(m.Down)})
	if err != nil {
		// Operations are plain values; the only unencodable payload is a
		// seeded value such as a channel or func.
		b = fmt.Appendf(nil, "%d|%s|%#v|%#v", m.ID, m.Name, m.Up, m.Down)
	}
	h := sha256.Sum256(b)
	return fmt.Sprintf("%x", h[:8])
}

// validateDeclared checks that the declared list is strictly ascending by ID.
func validateDeclared(declared []Migration) error {
	for i, m := range declared {
		if m.ID <= 0 {
			return &OutOfOrderError{ID: m.ID, Reason: "migration id must be positive"}
		}
		if i > 0 && m.ID <= declared[i-1].ID {
			if m.ID == declared[i-1].ID {
				return &OutOfOrderError{ID: m.ID, Reason: "declared twice"}
			}
			return &OutOfOrderError{ID: m.ID, Reason: fmt.Sprintf("declared after migration %d", declared[i-1].ID)}
		}
	}
	return nil
}

func indexOf(declared []Migration, id ID) int {
	for i, m := range declared {
		if m.ID == id {
			return i
		}
	}
	return -1
}
