// Package settings is the write-through, cross-replica cache over versioned
// room settings. Writes go through optimistic concurrency at the store;
// invalidation propagates over Redis pub/sub; reads are single-flighted per
// room so a cold cache does not stampede the store.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

const (
	// PubSubChannel carries {room_id, version} invalidation messages.
	PubSubChannel = "room_settings_updates"

	cacheTTL      = 5 * time.Minute
	cacheCapacity = 10_000

	maxRetries     = 3
	backoffBase    = 5 * time.Millisecond
	flightMapLimit = 1000
)

// Store is the authoritative persistence for room settings. Save must
// write atomically against expectedVersion and return
// ErrOptimisticLockConflict on mismatch; the stored version becomes
// expectedVersion+1.
type Store interface {
	Load(ctx context.Context, roomID models.RoomID) (models.RoomSettings, error)
	Save(ctx context.Context, roomID models.RoomID, s models.RoomSettings, expectedVersion int64) (int64, error)
	Delete(ctx context.Context, roomID models.RoomID) error
}

// InvalidationBus moves invalidation messages between replicas. The Redis
// implementation lives in bus.go; tests provide an in-memory one.
type InvalidationBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// UpdateMessage is the invalidation payload.
type UpdateMessage struct {
	RoomID  models.RoomID `json:"room_id"`
	Version int64         `json:"version"`
}

// OnUpdated observes successful writes (for room-event emission).
type OnUpdated func(roomID models.RoomID, s models.RoomSettings, version int64)

type flight struct {
	mu   sync.Mutex
	refs int
}

// Service is the settings cache.
type Service struct {
	store  Store
	bus    InvalidationBus // nil disables cross-replica invalidation
	logger *zap.Logger

	cache *expirable.LRU[models.RoomID, models.RoomSettings]

	flightMu sync.Mutex
	flights  map[models.RoomID]*flight

	onUpdated OnUpdated

	hits   int64
	misses int64
	statMu sync.Mutex
}

// NewService builds the cache. onUpdated may be nil.
func NewService(store Store, bus InvalidationBus, onUpdated OnUpdated, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		bus:       bus,
		logger:    logger.With(zap.String("component", "settings_cache")),
		cache:     expirable.NewLRU[models.RoomID, models.RoomSettings](cacheCapacity, nil, cacheTTL),
		flights:   make(map[models.RoomID]*flight),
		onUpdated: onUpdated,
	}
}

// Start runs the invalidation listener until ctx ends. No-op without a bus.
func (s *Service) Start(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	ch, err := s.bus.Subscribe(ctx, PubSubChannel)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				s.handleInvalidation(payload)
			}
		}
	}()
	return nil
}

func (s *Service) handleInvalidation(payload []byte) {
	var msg UpdateMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("malformed invalidation message", zap.Error(err))
		return
	}
	// A local write already put msg.Version (or newer) in the cache; only a
	// foreign write leaves us behind. Invalidation messages can arrive
	// reordered relative to the write, so stale versions are ignored.
	if cached, ok := s.cache.Get(msg.RoomID); ok && cached.Version >= msg.Version {
		return
	}
	s.cache.Remove(msg.RoomID)
	s.logger.Debug("settings invalidated",
		zap.String("room_id", msg.RoomID.String()),
		zap.Int64("version", msg.Version))
}

// Get returns the room's settings, loading through the single-flight path
// on a cache miss.
func (s *Service) Get(ctx context.Context, roomID models.RoomID) (models.RoomSettings, error) {
	if cached, ok := s.cache.Get(roomID); ok {
		s.statMu.Lock()
		s.hits++
		s.statMu.Unlock()
		return cached, nil
	}
	s.statMu.Lock()
	s.misses++
	s.statMu.Unlock()

	f := s.acquireFlight(roomID)
	f.mu.Lock()
	defer func() {
		f.mu.Unlock()
		s.releaseFlight(roomID, f)
	}()

	// Another flight may have loaded while we waited for the mutex.
	if cached, ok := s.cache.Get(roomID); ok {
		return cached, nil
	}
	loaded, err := s.store.Load(ctx, roomID)
	if err != nil {
		return models.RoomSettings{}, err
	}
	s.cache.Add(roomID, loaded)
	return loaded, nil
}

// GetRefresh bypasses the cache and re-resolves from the store.
func (s *Service) GetRefresh(ctx context.Context, roomID models.RoomID) (models.RoomSettings, error) {
	loaded, err := s.store.Load(ctx, roomID)
	if err != nil {
		return models.RoomSettings{}, err
	}
	s.cache.Add(roomID, loaded)
	return loaded, nil
}

// Set replaces the room's settings wholesale through the CAS loop.
func (s *Service) Set(ctx context.Context, roomID models.RoomID, next models.RoomSettings) (models.RoomSettings, error) {
	return s.UpdateField(ctx, roomID, func(cur *models.RoomSettings) {
		version := cur.Version
		*cur = next
		cur.RoomID = roomID
		cur.Version = version
	})
}

// UpdateField applies updater inside the CAS loop: on every retry the
// updater sees the latest snapshot. Retries up to 3 times on version
// conflict with 5/10/20ms backoff plus jitter.
func (s *Service) UpdateField(ctx context.Context, roomID models.RoomID, updater func(*models.RoomSettings)) (models.RoomSettings, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << (attempt - 1)
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-ctx.Done():
				return models.RoomSettings{}, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		current, err := s.store.Load(ctx, roomID)
		if err != nil {
			return models.RoomSettings{}, err
		}
		observed := current.Version
		updater(&current)
		current.RoomID = roomID
		current.Version = observed

		newVersion, err := s.store.Save(ctx, roomID, current, observed)
		if errors.Is(err, synctverr.ErrOptimisticLockConflict) {
			lastErr = err
			s.logger.Debug("settings CAS conflict, retrying",
				zap.String("room_id", roomID.String()),
				zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return models.RoomSettings{}, err
		}
		current.Version = newVersion
		s.cache.Add(roomID, current)
		s.publishAndNotify(ctx, roomID, current, newVersion)
		return current, nil
	}
	return models.RoomSettings{}, lastErr
}

// Reset restores a room's defaults.
func (s *Service) Reset(ctx context.Context, roomID models.RoomID) (models.RoomSettings, error) {
	defaults := models.DefaultRoomSettings(roomID)
	return s.Set(ctx, roomID, defaults)
}

// Delete removes the room's settings and cache entry.
func (s *Service) Delete(ctx context.Context, roomID models.RoomID) error {
	if err := s.store.Delete(ctx, roomID); err != nil {
		return err
	}
	s.cache.Remove(roomID)
	return nil
}

// Preload warms the cache for a batch of rooms.
func (s *Service) Preload(ctx context.Context, roomIDs []models.RoomID) {
	for _, id := range roomIDs {
		if _, ok := s.cache.Get(id); ok {
			continue
		}
		loaded, err := s.store.Load(ctx, id)
		if err != nil {
			continue
		}
		s.cache.Add(id, loaded)
	}
}

// CacheStats reports hit/miss counters and current size.
func (s *Service) CacheStats() (hits, misses int64, size int) {
	s.statMu.Lock()
	hits, misses = s.hits, s.misses
	s.statMu.Unlock()
	return hits, misses, s.cache.Len()
}

// ClearCache drops every cached entry (admin/testing aid).
func (s *Service) ClearCache() {
	s.cache.Purge()
}

func (s *Service) publishAndNotify(ctx context.Context, roomID models.RoomID, settings models.RoomSettings, version int64) {
	if s.bus != nil {
		payload, err := json.Marshal(UpdateMessage{RoomID: roomID, Version: version})
		if err == nil {
			if err := s.bus.Publish(ctx, PubSubChannel, payload); err != nil {
				s.logger.Warn("publish invalidation failed", zap.Error(err))
			}
		}
	}
	if s.onUpdated != nil {
		s.onUpdated(roomID, settings, version)
	}
}

func (s *Service) acquireFlight(roomID models.RoomID) *flight {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	f, ok := s.flights[roomID]
	if !ok {
		f = &flight{}
		s.flights[roomID] = f
	}
	f.refs++
	return f
}

func (s *Service) releaseFlight(roomID models.RoomID, f *flight) {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	f.refs--
	if len(s.flights) <= flightMapLimit {
		return
	}
	// Map grew past its bound: prune idle entries.
	for id, fl := range s.flights {
		if fl.refs == 0 {
			delete(s.flights, id)
		}
	}
}
