package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

// publisherKeyPrefix builds publisher:{room_id}:{media_id}.
const publisherKeyPrefix = "publisher:"

// DefaultPublisherTTL bounds registry entries so a crashed node's
// advertisement eventually clears; live publishers refresh it.
const DefaultPublisherTTL = 2 * time.Minute

// PublisherRegistry is the cluster-wide roster of live publishers. The key
// uniqueness invariant (at most one publisher per (room, media)) is
// enforced by Register's SET NX semantics.
type PublisherRegistry interface {
	// Register advertises a publisher. Returns ErrAlreadyExists when another
	// publisher holds the (room, media) slot.
	Register(ctx context.Context, info models.PublisherInfo) error
	// Refresh extends the TTL of an entry this node owns.
	Refresh(ctx context.Context, roomID models.RoomID, mediaID models.MediaID, nodeID models.NodeID) error
	// Unregister removes the entry, but only when owned by nodeID: another
	// node's re-registration after failover must survive.
	Unregister(ctx context.Context, roomID models.RoomID, mediaID models.MediaID, nodeID models.NodeID) error
	// Lookup returns the advertised publisher or ErrNotFound.
	Lookup(ctx context.Context, roomID models.RoomID, mediaID models.MediaID) (models.PublisherInfo, error)
}

func publisherKey(roomID models.RoomID, mediaID models.MediaID) string {
	return publisherKeyPrefix + roomID.String() + ":" + mediaID.String()
}

// unregisterScript deletes the entry only when the stored node_id matches,
// mirroring the distributed lock's CAS release.
var unregisterScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if raw == false then
	return 0
end
local ok, info = pcall(cjson.decode, raw)
if ok and info["node_id"] == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisPublisherRegistry is the production registry.
type RedisPublisherRegistry struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisPublisherRegistry creates the registry with the default TTL.
func NewRedisPublisherRegistry(client *redis.Client, logger *zap.Logger) *RedisPublisherRegistry {
	return &RedisPublisherRegistry{
		client: client,
		ttl:    DefaultPublisherTTL,
		logger: logger.With(zap.String("component", "publisher_registry")),
	}
}

// Register implements PublisherRegistry. Failure to win SET NX is the
// uniqueness invariant firing, never to be retried blindly.
func (r *RedisPublisherRegistry) Register(ctx context.Context, info models.PublisherInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode publisher info: %w", err)
	}
	ok, err := r.client.SetNX(ctx, publisherKey(info.RoomID, info.MediaID), payload, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("register publisher: %w", err)
	}
	if !ok {
		return synctverr.ErrAlreadyExists
	}
	r.logger.Info("publisher registered",
		zap.String("room_id", info.RoomID.String()),
		zap.String("media_id", info.MediaID.String()),
		zap.String("kind", string(info.Kind)))
	return nil
}

// Refresh implements PublisherRegistry.
func (r *RedisPublisherRegistry) Refresh(ctx context.Context, roomID models.RoomID, mediaID models.MediaID, nodeID models.NodeID) error {
	info, err := r.Lookup(ctx, roomID, mediaID)
	if err != nil {
		return err
	}
	if info.NodeID != nodeID {
		return synctverr.ErrForbidden
	}
	return r.client.Expire(ctx, publisherKey(roomID, mediaID), r.ttl).Err()
}

// Unregister implements PublisherRegistry.
func (r *RedisPublisherRegistry) Unregister(ctx context.Context, roomID models.RoomID, mediaID models.MediaID, nodeID models.NodeID) error {
	res, err := unregisterScript.Run(ctx, r.client, []string{publisherKey(roomID, mediaID)}, nodeID.String()).Int()
	if err != nil {
		return fmt.Errorf("unregister publisher: %w", err)
	}
	if res == 0 {
		r.logger.Debug("unregister skipped, entry absent or foreign-owned",
			zap.String("room_id", roomID.String()),
			zap.String("media_id", mediaID.String()))
	}
	return nil
}

// Lookup implements PublisherRegistry.
func (r *RedisPublisherRegistry) Lookup(ctx context.Context, roomID models.RoomID, mediaID models.MediaID) (models.PublisherInfo, error) {
	raw, err := r.client.Get(ctx, publisherKey(roomID, mediaID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.PublisherInfo{}, synctverr.ErrNotFound
		}
		return models.PublisherInfo{}, fmt.Errorf("lookup publisher: %w", err)
	}
	var info models.PublisherInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return models.PublisherInfo{}, fmt.Errorf("decode publisher info: %w", err)
	}
	return info, nil
}

// MemoryPublisherRegistry is the single-node fallback when Redis is
// genuinely absent. It still enforces uniqueness within the process.
type MemoryPublisherRegistry struct {
	mu      sync.Mutex
	entries map[string]models.PublisherInfo
}

// NewMemoryPublisherRegistry creates the fallback registry.
func NewMemoryPublisherRegistry() *MemoryPublisherRegistry {
	return &MemoryPublisherRegistry{entries: make(map[string]models.PublisherInfo)}
}

// Register implements PublisherRegistry.
func (r *MemoryPublisherRegistry) Register(_ context.Context, info models.PublisherInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := publisherKey(info.RoomID, info.MediaID)
	if _, taken := r.entries[key]; taken {
		return synctverr.ErrAlreadyExists
	}
	r.entries[key] = info
	return nil
}

// Refresh implements PublisherRegistry (TTL-free in memory).
func (r *MemoryPublisherRegistry) Refresh(context.Context, models.RoomID, models.MediaID, models.NodeID) error {
	return nil
}

// Unregister implements PublisherRegistry.
func (r *MemoryPublisherRegistry) Unregister(_ context.Context, roomID models.RoomID, mediaID models.MediaID, nodeID models.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := publisherKey(roomID, mediaID)
	if info, ok := r.entries[key]; ok && info.NodeID == nodeID {
		delete(r.entries, key)
	}
	return nil
}

// Lookup implements PublisherRegistry.
func (r *MemoryPublisherRegistry) Lookup(_ context.Context, roomID models.RoomID, mediaID models.MediaID) (models.PublisherInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.entries[publisherKey(roomID, mediaID)]
	if !ok {
		return models.PublisherInfo{}, synctverr.ErrNotFound
	}
	return info, nil
}
