package sfu

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

// Config tunes the SFU.
type Config struct {
	// SFUThreshold is the peer count at which a room leaves P2P mode.
	SFUThreshold int
	// MaxPeersPerRoom caps each room.
	MaxPeersPerRoom int
	// MaxRooms caps concurrently active rooms.
	MaxRooms int
	// CleanupInterval paces empty-room collection.
	CleanupInterval time.Duration
}

// DefaultConfig mirrors a mid-size deployment.
func DefaultConfig() Config {
	return Config{
		SFUThreshold:    4,
		MaxPeersPerRoom: 64,
		MaxRooms:        1024,
		CleanupInterval: 30 * time.Second,
	}
}

// ManagerStats is a cluster-node-wide SFU snapshot.
type ManagerStats struct {
	Rooms          int
	Peers          int
	PacketsRelayed uint64
	BytesRelayed   uint64
}

// Manager owns every SFU room on the node. Room slots are pre-reserved on
// an atomic counter before map insertion, so the MaxRooms cap holds under
// concurrent creates.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	roomCount atomic.Int64

	mu    sync.RWMutex
	rooms map[models.RoomID]*Room

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates the SFU manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.SFUThreshold <= 0 {
		cfg.SFUThreshold = DefaultConfig().SFUThreshold
	}
	if cfg.MaxPeersPerRoom <= 0 {
		cfg.MaxPeersPerRoom = DefaultConfig().MaxPeersPerRoom
	}
	if cfg.MaxRooms <= 0 {
		cfg.MaxRooms = DefaultConfig().MaxRooms
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "sfu_manager")),
		rooms:  make(map[models.RoomID]*Room),
		done:   make(chan struct{}),
	}
}

// Start runs the background cleanup until Shutdown.
func (m *Manager) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CleanupEmptyRooms()
			}
		}
	}()
}

// GetOrCreateRoom returns the room, creating it under the room cap.
func (m *Manager) GetOrCreateRoom(roomID models.RoomID) (*Room, error) {
	m.mu.RLock()
	room, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if ok {
		return room, nil
	}

	if reserved := m.roomCount.Add(1); reserved > int64(m.cfg.MaxRooms) {
		m.roomCount.Add(-1)
		return nil, &synctverr.AtCapacityError{Scope: synctverr.ScopeSFURooms, Limit: m.cfg.MaxRooms}
	}
	m.mu.Lock()
	if existing, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		m.roomCount.Add(-1)
		return existing, nil
	}
	room = newRoom(roomID, &m.cfg, m.logger)
	m.rooms[roomID] = room
	m.mu.Unlock()
	m.logger.Info("sfu room created", zap.String("room_id", roomID.String()))
	return room, nil
}

// GetRoom returns an existing room.
func (m *Manager) GetRoom(roomID models.RoomID) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	return room, ok
}

// AddPeer admits a peer into a room, creating the room as needed. A stale
// room closed by the cleanup between lookup and join is retried once.
func (m *Manager) AddPeer(roomID models.RoomID, peerID models.PeerID) (*Peer, error) {
	for attempt := 0; attempt < 2; attempt++ {
		room, err := m.GetOrCreateRoom(roomID)
		if err != nil {
			return nil, err
		}
		peer, err := room.AddPeer(peerID)
		if err == synctverr.ErrNotFound {
			// Room was collected while we held the pointer.
			continue
		}
		return peer, err
	}
	return nil, synctverr.ErrInternal
}

// RemovePeer evicts a peer from a room.
func (m *Manager) RemovePeer(roomID models.RoomID, peerID models.PeerID) error {
	room, ok := m.GetRoom(roomID)
	if !ok {
		return synctverr.ErrNotFound
	}
	return room.RemovePeer(peerID)
}

// PublishTrack publishes under an existing peer.
func (m *Manager) PublishTrack(roomID models.RoomID, peerID models.PeerID, track *Track) error {
	room, ok := m.GetRoom(roomID)
	if !ok {
		return synctverr.ErrNotFound
	}
	return room.PublishTrack(peerID, track)
}

// UnpublishTrack removes a published track.
func (m *Manager) UnpublishTrack(roomID models.RoomID, trackID models.TrackID) error {
	room, ok := m.GetRoom(roomID)
	if !ok {
		return synctverr.ErrNotFound
	}
	return room.UnpublishTrack(trackID)
}

// SubscribeTrack subscribes a peer to a track.
func (m *Manager) SubscribeTrack(roomID models.RoomID, peerID models.PeerID, trackID models.TrackID) error {
	room, ok := m.GetRoom(roomID)
	if !ok {
		return synctverr.ErrNotFound
	}
	return room.SubscribeTrack(peerID, trackID)
}

// UnsubscribeTrack removes a subscription.
func (m *Manager) UnsubscribeTrack(roomID models.RoomID, peerID models.PeerID, trackID models.TrackID) {
	if room, ok := m.GetRoom(roomID); ok {
		room.UnsubscribeTrack(peerID, trackID)
	}
}

// CleanupEmptyRooms removes rooms with no peers. The room is closed under
// its own write lock before leaving the map, so a concurrently joining
// peer either lands before (room stays) or observes closed and retries.
// No TOCTOU window remains.
func (m *Manager) CleanupEmptyRooms() int {
	m.mu.Lock()
	var removed []*Room
	for id, room := range m.rooms {
		room.mu.Lock()
		if len(room.peers) == 0 {
			room.closed = true
			delete(m.rooms, id)
			removed = append(removed, room)
		}
		room.mu.Unlock()
	}
	m.mu.Unlock()

	for _, room := range removed {
		room.shutdown()
		m.roomCount.Add(-1)
		m.logger.Debug("empty sfu room removed", zap.String("room_id", room.ID.String()))
	}
	return len(removed)
}

// Stats aggregates over all rooms.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := ManagerStats{Rooms: len(m.rooms)}
	for _, room := range m.rooms {
		rs := room.Stats()
		stats.Peers += rs.Peers
		stats.PacketsRelayed += rs.PacketsRelayed
		stats.BytesRelayed += rs.BytesRelayed
	}
	return stats
}

// RoomCount returns the number of active rooms.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Shutdown cancels background work, drains every room and waits for the
// forwarding tasks to exit.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[models.RoomID]*Room)
	m.mu.Unlock()
	for _, room := range rooms {
		room.mu.Lock()
		room.closed = true
		room.mu.Unlock()
		room.shutdown()
		m.roomCount.Add(-1)
	}
	m.logger.Info("sfu manager stopped")
}
