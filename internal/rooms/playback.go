package rooms

import (
	"sync"
	"time"

	"github.com/synctv-org/synctv/internal/models"
)

// PlaybackTracker keeps each room's shared playback state in memory with a
// monotonic version. Consumers across the cluster carry the version in
// PlaybackStateChanged events and drop anything older than what they hold.
type PlaybackTracker struct {
	mu     sync.Mutex
	states map[models.RoomID]*models.PlaybackState
}

// NewPlaybackTracker creates an empty tracker.
func NewPlaybackTracker() *PlaybackTracker {
	return &PlaybackTracker{states: make(map[models.RoomID]*models.PlaybackState)}
}

// Get returns the room's current state.
func (t *PlaybackTracker) Get(roomID models.RoomID) (models.PlaybackState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[roomID]
	if !ok {
		return models.PlaybackState{}, false
	}
	return *s, true
}

// Update applies a mutation and bumps the version by exactly one. Returns
// the new state for broadcasting.
func (t *PlaybackTracker) Update(roomID models.RoomID, mutate func(*models.PlaybackState)) models.PlaybackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[roomID]
	if !ok {
		s = &models.PlaybackState{RoomID: roomID, Speed: 1.0}
		t.states[roomID] = s
	}
	mutate(s)
	s.RoomID = roomID
	s.Version++
	s.UpdatedAt = time.Now().UTC()
	return *s
}

// ApplyRemote folds in a state received from another node. Stale versions
// are ignored; returns whether the state advanced.
func (t *PlaybackTracker) ApplyRemote(state models.PlaybackState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.states[state.RoomID]
	if ok && cur.Version >= state.Version {
		return false
	}
	copied := state
	t.states[state.RoomID] = &copied
	return true
}

// Remove drops a room's state (room deleted).
func (t *PlaybackTracker) Remove(roomID models.RoomID) {
	t.mu.Lock()
	delete(t.states, roomID)
	t.mu.Unlock()
}
