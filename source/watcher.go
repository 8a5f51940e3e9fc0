package source

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/evolve/migration"
)

// ChangeEvent reports a new set of declared migrations in a watched
// directory. Added, Removed and Edited compare it with the previous set by
// ID and checksum.
type ChangeEvent struct {
	Dir        string
	Hash       string
	Migrations []migration.Migration
	Added      []migration.ID
	Removed    []migration.ID
	Edited     []migration.ID
	At         time.Time
}

// Empty reports whether no migration was added, removed or edited, as when
// only formatting or comments changed.
func (e ChangeEvent) Empty() bool {
	return len(e.Added) == 0 && len(e.Removed) == 0 && len(e.Edited) == 0
}

// compareDeclared lists how next differs from prev.
func compareDeclared(prev, next []migration.Migration) (added, removed, edited []migration.ID) {
	sums := make(map[migration.ID]string, len(prev))
	for _, m := range prev {
		sums[m.ID] = m.Checksum()
	}
	for _, m := range next {
		sum, ok := sums[m.ID]
		switch {
		case !ok:
			added = append(added, m.ID)
		case sum != m.Checksum():
			edited = append(edited, m.ID)
		}
		delete(sums, m.ID)
	}
	for _, m := range prev {
		if _, gone := sums[m.ID]; gone {
			removed = append(removed, m.ID)
		}
	}
	return added, removed, edited
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets how long the directory must be quiet before it is
// reloaded.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// Watcher reloads a migrations directory after its YAML files change and
// passes the new declared set to a callback. A set that fails to load is
// logged and the previous one stays current until the next change.
type Watcher struct {
	dir      *Dir
	debounce time.Duration
	logger   *slog.Logger
	onChange func(ChangeEvent)

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Owned by the loop goroutine after Start.
	hash     string
	declared []migration.Migration
	dirty    time.Time
}

// NewWatcher creates a Watcher for dir.
func NewWatcher(dir *Dir, onChange func(ChangeEvent), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:      dir,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start records the current declared set and begins watching.
func (w *Watcher) Start() error {
	hash, err := w.dir.Hash()
	if err != nil {
		return fmt.Errorf("watch migrations: %w", err)
	}
	w.hash = hash
	if w.declared, err = w.dir.Migrations(); err != nil {
		w.logger.Warn("migrations do not load yet", "dir", w.dir.Path(), "error", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch migrations: %w", err)
	}
	if err := fsw.Add(w.dir.Path()); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch migrations in %s: %w", w.dir.Path(), err)
	}
	w.fsWatcher = fsw

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ends watching and waits for a running callback to return. It is safe
// to call more than once.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Removing or renaming a file changes the declared set as much
			// as writing one.
			if isYAMLFile(event.Name) && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.dirty = time.Now()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch migrations", "dir", w.dir.Path(), "error", err)

		case <-ticker.C:
			if !w.dirty.IsZero() && time.Since(w.dirty) >= w.debounce {
				w.dirty = time.Time{}
				w.reload()
			}
		}
	}
}

// reload delivers the directory's declared set if its content changed.
func (w *Watcher) reload() {
	hash, err := w.dir.Hash()
	if err != nil {
		w.logger.Error("hash migrations", "dir", w.dir.Path(), "error", err)
		return
	}
	if hash == w.hash {
		return
	}

	declared, err := w.dir.Migrations()
	if err != nil {
		w.logger.Error("load migrations", "dir", w.dir.Path(), "error", err)
		return
	}

	evt := ChangeEvent{
		Dir:        w.dir.Path(),
		Hash:       hash,
		Migrations: declared,
		At:         time.Now(),
	}
	evt.Added, evt.Removed, evt.Edited = compareDeclared(w.declared, declared)
	w.hash, w.declared = hash, declared

	w.logger.Info("migrations changed",
		"dir", evt.Dir,
		"added", evt.Added,
		"removed", evt.Removed,
		"edited", evt.Edited)
	w.onChange(evt)
}
