package migration

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultLockKey is the advisory lock key runners use unless configured.
const DefaultLockKey = "evolve_migrate"

// DistributedLock provides mutual exclusion for migration runs across
// multiple processes or nodes.
type DistributedLock interface {
	// Acquire obtains the lock for the given key without waiting. When the
	// lock is held elsewhere it returns a *LockContentionError. The returned
	// release function must be called to release the lock.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalLock implements DistributedLock within one process. It is enough when
// a single process embeds the runner, and for tests.
type LocalLock struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLock creates a new LocalLock.
func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]bool)}
}

// Acquire takes key if it is free. Returns an error if the context is already
// cancelled.
func (l *LocalLock) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire local lock: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, &LockContentionError{Key: key}
	}
	l.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// RetryPolicy controls AcquireWithRetry.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds the total time spent waiting. Zero means one attempt.
	MaxElapsed time.Duration
}

// DefaultRetryPolicy waits up to a minute for a contended lock.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsed:      time.Minute,
	}
}

// AcquireWithRetry calls lock.Acquire, retrying with exponential backoff and
// jitter while the lock is contended. Other errors are returned at once.
func AcquireWithRetry(ctx context.Context, lock DistributedLock, key string, policy RetryPolicy) (func(), error) {
	if policy.MaxElapsed <= 0 {
		return lock.Acquire(ctx, key)
	}

	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}

	release, err := backoff.Retry(ctx, func() (func(), error) {
		release, err := lock.Acquire(ctx, key)
		if err != nil {
			var contention *LockContentionError
			if errors.As(err, &contention) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return release, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(policy.MaxElapsed))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, err
	}
	return release, nil
}

// HashLockKey maps key to a non-negative int64 for pg_advisory_lock using
// 64-bit FNV-1a.
func HashLockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // intentional truncation for advisory lock key
}
