// Package ratelimit enforces request quotas. The primary backend is a Redis
// sliding window mutated only through a Lua script; without Redis a
// per-instance token-bucket fallback applies (per-node only, logged at
// construction). Distributed checks never fall back: they fail closed.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/synctv-org/synctv/internal/synctverr"
)

// slidingWindowScript removes expired members, records the request, counts
// the window and refreshes expiry in one atomic script, so concurrent
// checks cannot interleave between read and write.
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return count
`)

// Limiter checks per-key request quotas.
type Limiter struct {
	client    *redis.Client // nil means in-memory only
	keyPrefix string
	logger    *zap.Logger

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a limiter. client may be nil: all non-distributed checks then
// use the per-instance fallback, which does not coordinate across nodes.
func New(client *redis.Client, keyPrefix string, logger *zap.Logger) *Limiter {
	l := &Limiter{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "rate_limiter")),
		buckets:   make(map[string]*rate.Limiter),
	}
	if client == nil {
		l.logger.Warn("redis not configured, rate limiting is per-instance only")
	}
	return l
}

// Check records one request for key and reports whether it fits inside
// maxRequests per window. On rejection the error is a RateLimitError with
// a retry-after hint no larger than the window.
func (l *Limiter) Check(ctx context.Context, key string, maxRequests int, window time.Duration) error {
	if maxRequests <= 0 {
		return &synctverr.RateLimitError{RetryAfter: window}
	}
	if l.client == nil {
		return l.checkLocal(key, maxRequests, window)
	}
	err := l.checkRedis(ctx, key, maxRequests, window)
	if err != nil {
		var rl *synctverr.RateLimitError
		if errors.As(err, &rl) {
			return err
		}
		// Redis trouble on the non-distributed path: degrade to local.
		l.logger.Warn("redis rate limit check failed, using local fallback", zap.Error(err))
		return l.checkLocal(key, maxRequests, window)
	}
	return nil
}

// CheckDistributed always uses Redis and fails closed: without a working
// Redis the request is rejected. For cluster-wide enforcement such as room
// password brute-force protection.
func (l *Limiter) CheckDistributed(ctx context.Context, key string, maxRequests int, window time.Duration) error {
	if maxRequests <= 0 {
		return &synctverr.RateLimitError{RetryAfter: window}
	}
	if l.client == nil {
		l.logger.Error("distributed rate limit without redis, denying request")
		return &synctverr.RateLimitError{RetryAfter: time.Second}
	}
	if err := l.checkRedis(ctx, key, maxRequests, window); err != nil {
		var rl *synctverr.RateLimitError
		if errors.As(err, &rl) {
			return err
		}
		l.logger.Error("redis unreachable during distributed rate limit, denying request", zap.Error(err))
		return &synctverr.RateLimitError{RetryAfter: time.Second}
	}
	return nil
}

func (l *Limiter) checkRedis(ctx context.Context, key string, maxRequests int, window time.Duration) error {
	redisKey := l.keyPrefix + key
	now := time.Now().UnixMilli()
	windowMS := window.Milliseconds()
	windowStart := now - windowMS
	expire := int64(window.Seconds()) + 1

	count, err := slidingWindowScript.Run(ctx, l.client, []string{redisKey}, windowStart, now, expire).Int()
	if err != nil {
		return fmt.Errorf("sliding window script: %w", err)
	}
	if count <= maxRequests {
		return nil
	}

	// Over limit: derive retry-after from the oldest member still in window.
	retryAfter := time.Second
	entries, err := l.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
	if err == nil && len(entries) > 0 {
		oldest := int64(entries[0].Score)
		remaining := windowMS - (now - oldest)
		if remaining > 1000 {
			retryAfter = time.Duration(remaining) * time.Millisecond
		}
	}
	if retryAfter > window {
		retryAfter = window
	}
	return &synctverr.RateLimitError{RetryAfter: retryAfter}
}

// checkLocal applies a token bucket per (key, quota) tuple; buckets for
// different quotas on the same key are independent.
func (l *Limiter) checkLocal(key string, maxRequests int, window time.Duration) error {
	bucketKey := key + "|" + strconv.Itoa(maxRequests) + "|" + strconv.FormatInt(int64(window/time.Second), 10)
	l.mu.Lock()
	bucket, ok := l.buckets[bucketKey]
	if !ok {
		interval := rate.Every(window / time.Duration(maxRequests))
		bucket = rate.NewLimiter(interval, maxRequests)
		l.buckets[bucketKey] = bucket
	}
	l.mu.Unlock()

	if bucket.Allow() {
		return nil
	}
	retry := window / time.Duration(maxRequests)
	if retry < time.Second {
		retry = time.Second
	}
	if retry > window {
		retry = window
	}
	return &synctverr.RateLimitError{RetryAfter: retry}
}

// Reset clears a key's window: with Redis it deletes the key's sorted set;
// without Redis it drops every local bucket whose bucket key begins with key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if l.client == nil {
		l.mu.Lock()
		for k := range l.buckets {
			if len(k) >= len(key) && k[:len(key)] == key {
				delete(l.buckets, k)
			}
		}
		l.mu.Unlock()
		return nil
	}
	return l.client.Del(ctx, l.keyPrefix+key).Err()
}

// Quota reports the remaining allowance and the window reset horizon.
func (l *Limiter) Quota(ctx context.Context, key string, maxRequests int, window time.Duration) (remaining int, reset time.Duration, err error) {
	if l.client == nil {
		return 0, 0, fmt.Errorf("quota inspection requires redis")
	}
	redisKey := l.keyPrefix + key
	now := time.Now().UnixMilli()
	windowStart := now - window.Milliseconds()

	count, err := l.client.ZCount(ctx, redisKey, strconv.FormatInt(windowStart, 10), "+inf").Result()
	if err != nil {
		return 0, 0, fmt.Errorf("zcount: %w", err)
	}
	remaining = maxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	entries, err := l.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
	if err == nil && len(entries) > 0 {
		oldest := int64(entries[0].Score)
		left := window.Milliseconds() - (now - oldest)
		if left > 0 {
			reset = time.Duration(left) * time.Millisecond
		}
	}
	return remaining, reset, nil
}
