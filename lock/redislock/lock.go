// Package redislock implements the migration advisory lock on Redis, for
// deployments where runners share a Redis but the store has no advisory
// locks of its own.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/evolve/migration"
)

// DefaultTTL is how long a lock key lives without renewal.
const DefaultTTL = 30 * time.Second

// DefaultPrefix is prepended to lock keys.
const DefaultPrefix = "evolve:lock:"

// Client is the subset of go-redis client methods used by Lock. Keeping it
// as an interface lets callers pass a cluster or ring client.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	redis.Scripter
}

// Only the holder whose token is stored may extend or delete the key.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Config holds Lock settings.
type Config struct {
	Prefix string
	TTL    time.Duration
}

// Lock implements migration.DistributedLock with SET NX PX and a random
// holder token. The key expires if the holder stops renewing it.
type Lock struct {
	client Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Lock. Zero Config fields take their defaults.
func New(client Client, cfg Config, logger *slog.Logger) *Lock {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{client: client, prefix: cfg.Prefix, ttl: cfg.TTL, logger: logger}
}

// Acquire sets the lock key if it is absent. When another runner holds it a
// *LockContentionError carrying that runner's token is returned. The key is
// renewed every ttl/3 until release is called.
func (l *Lock) Acquire(ctx context.Context, key string) (func(), error) {
	rkey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, rkey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire redis lock %q: %w", key, err)
	}
	if !ok {
		holder, err := l.client.Get(ctx, rkey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read redis lock %q: %w", key, err)
		}
		return nil, &migration.LockContentionError{Key: key, Holder: holder}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepalive(rkey, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			if err := releaseScript.Run(context.Background(), l.client, []string{rkey}, token).Err(); err != nil {
				l.logger.Error("release redis lock", "key", key, "error", err)
			}
		})
	}, nil
}

func (l *Lock) keepalive(rkey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := renewScript.Run(context.Background(), l.client, []string{rkey}, token, l.ttl.Milliseconds()).Int()
			switch {
			case err != nil:
				l.logger.Warn("renew redis lock", "key", rkey, "error", err)
			case n == 0:
				l.logger.Error("redis lock lost", "key", rkey)
				return
			}
		}
	}
}
