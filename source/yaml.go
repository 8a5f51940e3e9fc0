package source

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/evolve/migration"
)

// document is the YAML layout of one migration file. Down is a pointer so an
// absent key (derive by inverting up) differs from an empty list.
type document struct {
	Up   []opNode  `yaml:"up"`
	Down *[]opNode `yaml:"down,omitempty"`
}

// opNode is a single-key mapping from operation kind to its fields:
//
//	- rename_table: {from: Categories, to: Blogs}
type opNode struct {
	op migration.Operation
}

// decodeAs decodes n strictly into T. Node.Decode does not honour
// KnownFields, so the node is re-encoded and decoded again.
func decodeAs[T migration.Operation](n *yaml.Node) (migration.Operation, error) {
	data, err := yaml.Marshal(n)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var op T
	if err := dec.Decode(&op); err != nil {
		return nil, err
	}
	return op, nil
}

var decoders = map[migration.Kind]func(*yaml.Node) (migration.Operation, error){
	migration.KindCreateTable:    decodeAs[migration.CreateTable],
	migration.KindDropTable:      decodeAs[migration.DropTable],
	migration.KindRenameTable:    decodeAs[migration.RenameTable],
	migration.KindRenameColumn:   decodeAs[migration.RenameColumn],
	migration.KindAddColumn:      decodeAs[migration.AddColumn],
	migration.KindDropColumn:     decodeAs[migration.DropColumn],
	migration.KindAddPrimaryKey:  decodeAs[migration.AddPrimaryKey],
	migration.KindDropPrimaryKey: decodeAs[migration.DropPrimaryKey],
	migration.KindCreateIndex:    decodeAs[migration.CreateIndex],
	migration.KindDropIndex:      decodeAs[migration.DropIndex],
	migration.KindCreateView:     decodeAs[migration.CreateView],
	migration.KindAlterView:      decodeAs[migration.AlterView],
	migration.KindDropView:       decodeAs[migration.DropView],
	migration.KindSeedRows:       decodeAs[migration.SeedRows],
	migration.KindDeleteRows:     decodeAs[migration.DeleteRows],
	migration.KindRawStatement:   decodeAs[migration.RawStatement],
}

func (n *opNode) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode || len(value.Content) != 2 {
		return fmt.Errorf("line %d: operation must be a mapping with exactly one kind key", value.Line)
	}
	kindNode, body := value.Content[0], value.Content[1]
	kind := migration.Kind(kindNode.Value)

	// raw_statement accepts a bare string for the SQL.
	if kind == migration.KindRawStatement && body.Kind == yaml.ScalarNode {
		n.op = migration.RawStatement{SQL: body.Value}
		return nil
	}

	decode, ok := decoders[kind]
	if !ok {
		return fmt.Errorf("line %d: unknown operation %q", kindNode.Line, kindNode.Value)
	}
	op, err := decode(body)
	if err != nil {
		return fmt.Errorf("line %d: %s: %w", kindNode.Line, kind, err)
	}
	n.op = op
	return nil
}

func (n opNode) MarshalYAML() (any, error) {
	return map[string]migration.Operation{string(n.op.Kind()): n.op}, nil
}

func operations(nodes []opNode) []migration.Operation {
	ops := make([]migration.Operation, len(nodes))
	for i, n := range nodes {
		ops[i] = n.op
	}
	return ops
}

func nodes(ops []migration.Operation) []opNode {
	out := make([]opNode, len(ops))
	for i, op := range ops {
		out[i] = opNode{op: op}
	}
	return out
}

// Decode parses the body of a migration file. The ID and name come from the
// file name and are left zero.
func Decode(data []byte) (migration.Migration, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return migration.Migration{}, err
	}
	if len(doc.Up) == 0 {
		return migration.Migration{}, fmt.Errorf("no up operations")
	}
	m := migration.Migration{Up: operations(doc.Up)}
	if doc.Down != nil {
		m.Down = operations(*doc.Down)
	}
	return m, nil
}

// Encode renders m in the migration file format. Down is written only when
// it is set explicitly.
func Encode(m migration.Migration) ([]byte, error) {
	doc := document{Up: nodes(m.Up)}
	if m.Down != nil {
		down := nodes(m.Down)
		doc.Down = &down
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode migration %s: %w", m, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
