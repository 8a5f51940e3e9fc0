package pgstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoCodeAlone/evolve/migration"
)

// AdvisoryLock implements migration.DistributedLock using PostgreSQL
// session-level advisory locks. The key string is hashed to int64 with
// migration.HashLockKey. The lock lives on a dedicated pooled connection and
// is released when that connection unlocks it or its session ends, so a
// crashed runner never leaves it behind.
type AdvisoryLock struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewAdvisoryLock creates an AdvisoryLock.
func NewAdvisoryLock(pool *pgxpool.Pool, logger *slog.Logger) *AdvisoryLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdvisoryLock{pool: pool, logger: logger}
}

// Acquire attempts pg_try_advisory_lock without blocking. When another
// session holds the lock it returns a *LockContentionError naming the
// holder's backend pid.
func (l *AdvisoryLock) Acquire(ctx context.Context, key string) (func(), error) {
	lockID := migration.HashLockKey(key)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection for %s: %w", key, err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !acquired {
		holder := l.holder(ctx, conn, lockID)
		conn.Release()
		return nil, &migration.LockContentionError{Key: key, Holder: holder}
	}

	var releaseOnce sync.Once
	return func() {
		releaseOnce.Do(func() {
			// The caller's ctx may already be cancelled.
			if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID); err != nil {
				l.logger.Error("release advisory lock", "key", key, "error", err)
				// Closing the session drops any lock it still holds.
				_ = conn.Conn().Close(context.Background())
			}
			conn.Release()
		})
	}, nil
}

// holder looks up the backend holding lockID. A single bigint advisory key
// is split across classid (high half) and objid (low half) in pg_locks.
func (l *AdvisoryLock) holder(ctx context.Context, conn *pgxpool.Conn, lockID int64) string {
	var pid int32
	err := conn.QueryRow(ctx, `
		SELECT pid FROM pg_locks
		WHERE locktype = 'advisory' AND granted AND objsubid = 1
		  AND ((classid::bigint << 32) | objid::bigint) = $1
		LIMIT 1`, lockID).Scan(&pid)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("pid %d", pid)
}
