// Package source loads declared migrations from YAML files named
// {id}_{name}.yaml, one migration per file.
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/GoCodeAlone/evolve/migration"
)

var fileName = regexp.MustCompile(`^([0-9]+)_([A-Za-z0-9_\-]+)\.ya?ml$`)

func isYAMLFile(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// FileName returns the file name Load expects for m.
func FileName(m migration.Migration) string {
	return m.String() + ".yaml"
}

// NewID returns a timestamp ID for a migration created at t.
func NewID(t time.Time) migration.ID {
	id, _ := migration.ParseID(t.UTC().Format("20060102150405"))
	return id
}

// Load reads every YAML migration in dir of fsys, sorted by ID. Files that
// are not YAML are ignored; a YAML file with a malformed name is an error.
func Load(fsys fs.FS, dir string) ([]migration.Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var out []migration.Migration
	for _, e := range entries {
		if e.IsDir() || !isYAMLFile(e.Name()) {
			continue
		}
		m := fileName.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("migration file %s: name must be {id}_{name}.yaml", e.Name())
		}
		id, err := migration.ParseID(m[1])
		if err != nil {
			return nil, fmt.Errorf("migration file %s: %w", e.Name(), err)
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", e.Name(), err)
		}
		mig, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("migration file %s: %w", e.Name(), err)
		}
		mig.ID, mig.Name = id, m[2]
		out = append(out, mig)
	}

	slices.SortFunc(out, func(a, b migration.Migration) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	for i := 1; i < len(out); i++ {
		if out[i].ID == out[i-1].ID {
			return nil, &migration.OutOfOrderError{
				ID:     out[i].ID,
				Reason: fmt.Sprintf("declared by both %s and %s", FileName(out[i-1]), FileName(out[i])),
			}
		}
	}
	return out, nil
}

// Dir is a migration.Source reading a directory on disk.
type Dir struct {
	path string
}

// NewDir creates a Dir for the given path.
func NewDir(path string) *Dir {
	return &Dir{path: path}
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// Name returns a human-readable identifier for this source.
func (d *Dir) Name() string { return "dir:" + d.path }

// Migrations implements migration.Source.
func (d *Dir) Migrations() ([]migration.Migration, error) {
	return Load(os.DirFS(d.path), ".")
}

// Hash returns the SHA256 hex digest of the directory's YAML file names and
// contents, for change detection.
func (d *Dir) Hash() (string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return "", fmt.Errorf("dir source: read %s: %w", d.path, err)
	}
	h := sha256.New()
	for _, e := range entries {
		if e.IsDir() || !isYAMLFile(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.path, e.Name()))
		if err != nil {
			return "", fmt.Errorf("dir source: read %s: %w", e.Name(), err)
		}
		fmt.Fprintf(h, "%s\x00%d\x00", e.Name(), len(data))
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Write stores m in the directory under FileName(m).
func (d *Dir) Write(m migration.Migration) (string, error) {
	data, err := Encode(m)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return "", fmt.Errorf("create migrations dir: %w", err)
	}
	p := filepath.Join(d.path, FileName(m))
	if err := os.WriteFile(p, data, 0o644); err != nil { //nolint:gosec // migration files are meant to be shared
		return "", fmt.Errorf("write migration file: %w", err)
	}
	return p, nil
}
