// Package lock provides Redis-based mutual exclusion for coarse-grained
// critical sections. The lock is TTL-bounded lease style with no fencing
// token: holders of long operations must call Extend, and critical writes
// must additionally rely on optimistic concurrency at the store layer.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/synctverr"
	"github.com/synctv-org/synctv/pkg/utils"
)

const keyPrefix = "lock:"

// releaseScript deletes the key only when the caller still holds it, so an
// expired-and-reacquired lock is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// extendScript refreshes the TTL only for the current holder.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("EXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// DistributedLock acquires and releases named leases in Redis.
type DistributedLock struct {
	client *redis.Client
	logger *zap.Logger
}

// New creates the lock service.
func New(client *redis.Client, logger *zap.Logger) *DistributedLock {
	return &DistributedLock{client: client, logger: logger.With(zap.String("component", "distributed_lock"))}
}

// Acquire attempts SET lock:{key} nonce NX EX ttl. Returns the nonce on
// success and "" when the lock is held elsewhere.
func (l *DistributedLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	nonce := utils.NewID()
	ok, err := l.client.SetNX(ctx, keyPrefix+key, nonce, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		l.logger.Debug("lock already held", zap.String("key", key))
		return "", nil
	}
	l.logger.Debug("lock acquired", zap.String("key", key), zap.Duration("ttl", ttl))
	return nonce, nil
}

// Release deletes the lock if nonce still matches. Reports whether the
// lock was actually released.
func (l *DistributedLock) Release(ctx context.Context, key, nonce string) (bool, error) {
	res, err := releaseScript.Run(ctx, l.client, []string{keyPrefix + key}, nonce).Int()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	if res != 1 {
		l.logger.Warn("lock release mismatch", zap.String("key", key))
		return false, nil
	}
	return true, nil
}

// Extend refreshes the TTL for the current holder.
func (l *DistributedLock) Extend(ctx context.Context, key, nonce string, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, l.client, []string{keyPrefix + key}, nonce, int(ttl.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", key, err)
	}
	return res == 1, nil
}

// WithLock acquires the lock or fails immediately with
// ErrLockAcquisitionFailed, runs fn, and releases on every exit path.
// For operations that may outlive the TTL, set ttl to at least twice the
// expected duration and call Extend from inside fn.
func (l *DistributedLock) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	nonce, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	if nonce == "" {
		return synctverr.ErrLockAcquisitionFailed
	}
	defer func() {
		// Release with a fresh context: fn may have consumed the deadline.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := l.Release(relCtx, key, nonce); err != nil {
			l.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// Guard is a held lock with an explicit Release. Prefer calling Release;
// a Guard abandoned without release simply expires at its TTL.
type Guard struct {
	lock     *DistributedLock
	key      string
	nonce    string
	released bool
}

// NewGuard acquires the lock and returns a guard, or
// ErrLockAcquisitionFailed when held elsewhere.
func (l *DistributedLock) NewGuard(ctx context.Context, key string, ttl time.Duration) (*Guard, error) {
	nonce, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	if nonce == "" {
		return nil, synctverr.ErrLockAcquisitionFailed
	}
	return &Guard{lock: l, key: key, nonce: nonce}, nil
}

// Extend refreshes the guard's TTL.
func (g *Guard) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	if g.released {
		return false, nil
	}
	return g.lock.Extend(ctx, g.key, g.nonce, ttl)
}

// Release releases the guard; safe to call twice.
func (g *Guard) Release(ctx context.Context) (bool, error) {
	if g.released {
		return false, nil
	}
	g.released = true
	return g.lock.Release(ctx, g.key, g.nonce)
}
