// Package connections tracks the live streaming/signaling connections of a
// single node: per-user, per-room and global caps, idle and max-duration
// timeouts, and WebRTC join state. Entries are never replicated; each node
// owns the connections it accepted.
package connections

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

// Info describes one live connection. LastActivity >= ConnectedAt always;
// RTCJoined implies RoomID is set.
type Info struct {
	ConnectionID models.ConnectionID
	UserID       models.UserID
	RoomID       models.RoomID // empty until JoinRoom
	ConnectedAt  time.Time
	LastActivity time.Time
	MessageCount uint64
	RTCJoined    bool
}

// Duration returns how long the connection has existed.
func (i *Info) Duration() time.Duration { return time.Since(i.ConnectedAt) }

// IdleDuration returns the time since last activity.
func (i *Info) IdleDuration() time.Duration { return time.Since(i.LastActivity) }

// Limits configures the manager's caps and timeouts. Zero values mean
// unlimited / disabled.
type Limits struct {
	MaxPerUser  int
	MaxPerRoom  int
	MaxTotal    int
	IdleTimeout time.Duration
	MaxDuration time.Duration
}

// DefaultLimits mirror a mid-size deployment.
func DefaultLimits() Limits {
	return Limits{
		MaxPerUser:  10,
		MaxPerRoom:  500,
		MaxTotal:    10000,
		IdleTimeout: 5 * time.Minute,
		MaxDuration: 24 * time.Hour,
	}
}

// Metrics is a point-in-time snapshot of manager counters.
type Metrics struct {
	ActiveConnections int
	ActiveUsers       int
	ActiveRooms       int
	TotalConnections  uint64
	TotalMessages     uint64
}

// Manager is the per-node connection table. Limit checks use an atomic
// total counter with pre-reservation so concurrent registers cannot slip
// past the cap; the indexed state is guarded by one mutex.
type Manager struct {
	limits Limits
	logger *zap.Logger

	total atomic.Int64 // reserved-before-insert companion counter

	mu          sync.RWMutex
	connections map[models.ConnectionID]*Info
	byUser      map[models.UserID][]models.ConnectionID
	byRoom      map[models.RoomID][]models.ConnectionID

	lifetimeConnections atomic.Uint64
	lifetimeMessages    atomic.Uint64
}

// NewManager creates an empty connection table.
func NewManager(limits Limits, logger *zap.Logger) *Manager {
	return &Manager{
		limits:      limits,
		logger:      logger.With(zap.String("component", "connection_manager")),
		connections: make(map[models.ConnectionID]*Info),
		byUser:      make(map[models.UserID][]models.ConnectionID),
		byRoom:      make(map[models.RoomID][]models.ConnectionID),
	}
}

// Register adds a connection for a user. Fails with AtCapacityError when the
// global or per-user cap is reached.
func (m *Manager) Register(connID models.ConnectionID, userID models.UserID) error {
	if m.limits.MaxTotal > 0 {
		if reserved := m.total.Add(1); reserved > int64(m.limits.MaxTotal) {
			m.total.Add(-1)
			return &synctverr.AtCapacityError{Scope: synctverr.ScopeTotal, Limit: m.limits.MaxTotal}
		}
	} else {
		m.total.Add(1)
	}

	m.mu.Lock()
	if _, exists := m.connections[connID]; exists {
		m.mu.Unlock()
		m.total.Add(-1)
		return synctverr.ErrAlreadyExists
	}
	if m.limits.MaxPerUser > 0 && len(m.byUser[userID]) >= m.limits.MaxPerUser {
		m.mu.Unlock()
		m.total.Add(-1)
		return &synctverr.AtCapacityError{Scope: synctverr.ScopePerUser, Limit: m.limits.MaxPerUser}
	}
	now := time.Now()
	m.connections[connID] = &Info{
		ConnectionID: connID,
		UserID:       userID,
		ConnectedAt:  now,
		LastActivity: now,
	}
	m.byUser[userID] = append(m.byUser[userID], connID)
	m.mu.Unlock()

	m.lifetimeConnections.Add(1)
	m.logger.Debug("connection registered",
		zap.String("connection_id", connID.String()),
		zap.String("user_id", userID.String()))
	return nil
}

// JoinRoom attaches a registered connection to a room, enforcing the
// per-room cap. Info and indices update atomically under the lock.
func (m *Manager) JoinRoom(connID models.ConnectionID, roomID models.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.connections[connID]
	if !ok {
		return synctverr.ErrNotFound
	}
	if info.RoomID == roomID {
		return nil
	}
	if m.limits.MaxPerRoom > 0 && len(m.byRoom[roomID]) >= m.limits.MaxPerRoom {
		return &synctverr.AtCapacityError{Scope: synctverr.ScopePerRoom, Limit: m.limits.MaxPerRoom}
	}
	if info.RoomID != "" {
		m.byRoom[info.RoomID] = removeConn(m.byRoom[info.RoomID], connID)
		if len(m.byRoom[info.RoomID]) == 0 {
			delete(m.byRoom, info.RoomID)
		}
		info.RTCJoined = false
	}
	info.RoomID = roomID
	info.LastActivity = time.Now()
	m.byRoom[roomID] = append(m.byRoom[roomID], connID)
	return nil
}

// RecordMessage bumps the connection's activity clock and counters.
func (m *Manager) RecordMessage(connID models.ConnectionID) {
	m.mu.Lock()
	if info, ok := m.connections[connID]; ok {
		info.LastActivity = time.Now()
		info.MessageCount++
	}
	m.mu.Unlock()
	m.lifetimeMessages.Add(1)
}

// Unregister removes the connection from all three maps and cleans empty
// index entries.
func (m *Manager) Unregister(connID models.ConnectionID) {
	m.mu.Lock()
	info, ok := m.connections[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.connections, connID)
	m.byUser[info.UserID] = removeConn(m.byUser[info.UserID], connID)
	if len(m.byUser[info.UserID]) == 0 {
		delete(m.byUser, info.UserID)
	}
	if info.RoomID != "" {
		m.byRoom[info.RoomID] = removeConn(m.byRoom[info.RoomID], connID)
		if len(m.byRoom[info.RoomID]) == 0 {
			delete(m.byRoom, info.RoomID)
		}
	}
	m.mu.Unlock()
	m.total.Add(-1)
	m.logger.Debug("connection unregistered", zap.String("connection_id", connID.String()))
}

// CheckTimeouts returns connections past the idle or max-duration limit.
// The caller performs the actual disconnects and Unregister calls.
func (m *Manager) CheckTimeouts() []models.ConnectionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var expired []models.ConnectionID
	for id, info := range m.connections {
		if m.limits.IdleTimeout > 0 && info.IdleDuration() > m.limits.IdleTimeout {
			expired = append(expired, id)
			continue
		}
		if m.limits.MaxDuration > 0 && info.Duration() > m.limits.MaxDuration {
			expired = append(expired, id)
		}
	}
	return expired
}

// GetConnection returns a copy of one connection's info.
func (m *Manager) GetConnection(connID models.ConnectionID) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if info, ok := m.connections[connID]; ok {
		return *info, true
	}
	return Info{}, false
}

// GetConnectionID returns the first connection of a user inside a room.
// Used to address WebRTC signaling to a specific endpoint.
func (m *Manager) GetConnectionID(roomID models.RoomID, userID models.UserID) (models.ConnectionID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.byRoom[roomID] {
		if info, ok := m.connections[id]; ok && info.UserID == userID {
			return id, true
		}
	}
	return "", false
}

// MarkRTCJoined flips the WebRTC join flag, gated on ownership: the
// connection must belong to the user and be in the room.
func (m *Manager) MarkRTCJoined(roomID models.RoomID, userID models.UserID, connID models.ConnectionID, joined bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.connections[connID]
	if !ok || info.UserID != userID || info.RoomID != roomID {
		return false
	}
	info.RTCJoined = joined
	return true
}

// GetUserConnections returns copies of all of a user's connections.
func (m *Manager) GetUserConnections(userID models.UserID) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.byUser[userID]))
	for _, id := range m.byUser[userID] {
		if info, ok := m.connections[id]; ok {
			out = append(out, *info)
		}
	}
	return out
}

// GetRoomConnections returns copies of a room's connections.
func (m *Manager) GetRoomConnections(roomID models.RoomID) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.byRoom[roomID]))
	for _, id := range m.byRoom[roomID] {
		if info, ok := m.connections[id]; ok {
			out = append(out, *info)
		}
	}
	return out
}

// GetRTCConnections returns the room's connections that joined WebRTC.
func (m *Manager) GetRTCConnections(roomID models.RoomID) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Info
	for _, id := range m.byRoom[roomID] {
		if info, ok := m.connections[id]; ok && info.RTCJoined {
			out = append(out, *info)
		}
	}
	return out
}

// UserRooms lists the distinct rooms a user is connected to.
func (m *Manager) UserRooms(userID models.UserID) []models.RoomID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[models.RoomID]struct{})
	var rooms []models.RoomID
	for _, id := range m.byUser[userID] {
		info, ok := m.connections[id]
		if !ok || info.RoomID == "" {
			continue
		}
		if _, dup := seen[info.RoomID]; dup {
			continue
		}
		seen[info.RoomID] = struct{}{}
		rooms = append(rooms, info.RoomID)
	}
	return rooms
}

// ConnectionCount returns the current table size.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// UserConnectionCount returns how many connections a user holds.
func (m *Manager) UserConnectionCount(userID models.UserID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

// RoomConnectionCount returns how many connections a room holds.
func (m *Manager) RoomConnectionCount(roomID models.RoomID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byRoom[roomID])
}

// Snapshot returns manager metrics.
func (m *Manager) Snapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		ActiveConnections: len(m.connections),
		ActiveUsers:       len(m.byUser),
		ActiveRooms:       len(m.byRoom),
		TotalConnections:  m.lifetimeConnections.Load(),
		TotalMessages:     m.lifetimeMessages.Load(),
	}
}

func removeConn(ids []models.ConnectionID, target models.ConnectionID) []models.ConnectionID {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
