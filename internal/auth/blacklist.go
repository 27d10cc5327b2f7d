package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const blacklistKeyPrefix = "token:blacklist:"

// Blacklist stores revoked token ids until their natural expiry.
type Blacklist interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// RedisBlacklist shares revocations across nodes.
type RedisBlacklist struct {
	client *redis.Client
}

// NewRedisBlacklist wraps a Redis client.
func NewRedisBlacklist(client *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{client: client}
}

// Revoke implements Blacklist: the entry lives exactly as long as the
// token would have.
func (b *RedisBlacklist) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	return b.client.Set(ctx, blacklistKeyPrefix+tokenID, 1, ttl).Err()
}

// IsRevoked implements Blacklist.
func (b *RedisBlacklist) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	err := b.client.Get(ctx, blacklistKeyPrefix+tokenID).Err()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return false, err
}

// MemoryBlacklist is the single-node fallback.
type MemoryBlacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryBlacklist creates an empty blacklist.
func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{entries: make(map[string]time.Time)}
}

// Revoke implements Blacklist.
func (b *MemoryBlacklist) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[tokenID] = time.Now().Add(ttl)
	// Opportunistic expiry so the map stays bounded by live tokens.
	if len(b.entries)%256 == 0 {
		now := time.Now()
		for id, exp := range b.entries {
			if exp.Before(now) {
				delete(b.entries, id)
			}
		}
	}
	return nil
}

// IsRevoked implements Blacklist.
func (b *MemoryBlacklist) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	exp, ok := b.entries[tokenID]
	if !ok {
		return false, nil
	}
	if exp.Before(time.Now()) {
		delete(b.entries, tokenID)
		return false, nil
	}
	return true, nil
}
