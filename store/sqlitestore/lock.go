package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/evolve/migration"
	"github.com/google/uuid"
)

// LockTable holds advisory lock rows.
const LockTable = "evolve_locks"

// DefaultLockTTL is how long a lock row stays valid without renewal.
//
// SQLite admits one writer at a time and Store keeps a single connection, so
// the row cannot be renewed while a migration transaction is open; renewal
// resumes after it commits or rolls back. A single migration that runs longer
// than the TTL lets another process take the lock over, so the TTL must
// exceed the longest migration.
const DefaultLockTTL = 5 * time.Minute

// Lock implements migration.DistributedLock with a row per key in
// evolve_locks. SQLite has no advisory locks; a row with a holder token and
// an expiry works across processes sharing the database file, and an expired
// row left by a crashed runner is taken over.
type Lock struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewLock creates a Lock. ttl <= 0 selects DefaultLockTTL; see its limits.
func NewLock(db *sql.DB, ttl time.Duration, logger *slog.Logger) *Lock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{db: db, ttl: ttl, logger: logger}
}

func (l *Lock) init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+LockTable+` (
		lock_key   TEXT PRIMARY KEY,
		holder     TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create %s table: %w", LockTable, err)
	}
	return nil
}

// Acquire takes the lock row for key, or returns a *LockContentionError when
// another holder's row has not expired. The row is renewed in the background
// until release is called.
func (l *Lock) Acquire(ctx context.Context, key string) (func(), error) {
	if err := l.init(ctx); err != nil {
		return nil, err
	}

	holder := uuid.NewString()
	now := time.Now()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO `+LockTable+` (lock_key, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE `+LockTable+`.expires_at < ?`,
		key, holder, now.Add(l.ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("acquire sqlite lock %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquire sqlite lock %q: %w", key, err)
	}
	if n == 0 {
		var current string
		err := l.db.QueryRowContext(ctx, `SELECT holder FROM `+LockTable+` WHERE lock_key = ?`, key).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read sqlite lock %q: %w", key, err)
		}
		return nil, &migration.LockContentionError{Key: key, Holder: current}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepalive(key, holder, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			_, err := l.db.ExecContext(context.Background(),
				`DELETE FROM `+LockTable+` WHERE lock_key = ? AND holder = ?`, key, holder)
			if err != nil {
				l.logger.Error("release sqlite lock", "key", key, "error", err)
			}
		})
	}, nil
}

func (l *Lock) keepalive(key, holder string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_, err := l.db.ExecContext(context.Background(),
				`UPDATE `+LockTable+` SET expires_at = ? WHERE lock_key = ? AND holder = ?`,
				time.Now().Add(l.ttl).UnixMilli(), key, holder)
			if err != nil {
				l.logger.Warn("renew sqlite lock", "key", key, "error", err)
			}
		}
	}
}
