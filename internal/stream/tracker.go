package stream

import (
	"sync"

	"github.com/synctv-org/synctv/internal/models"
)

// streamRef ties a (room, media) publisher to its user and RTMP identity.
type streamRef struct {
	roomID  models.RoomID
	mediaID models.MediaID
	userID  models.UserID
	id      StreamID
}

func refKey(roomID models.RoomID, mediaID models.MediaID) string {
	return roomID.String() + ":" + mediaID.String()
}

// UserStreamTracker is the bidirectional user↔room↔stream index behind
// admin kick: banning a user finds their publishers, kicking a publisher
// finds its RTMP identity for the hub.
type UserStreamTracker struct {
	mu      sync.RWMutex
	byUser  map[models.UserID]map[string]*streamRef
	byRoom  map[models.RoomID]map[models.MediaID]*streamRef
	byKey   map[string]*streamRef
}

// NewUserStreamTracker creates an empty index.
func NewUserStreamTracker() *UserStreamTracker {
	return &UserStreamTracker{
		byUser: make(map[models.UserID]map[string]*streamRef),
		byRoom: make(map[models.RoomID]map[models.MediaID]*streamRef),
		byKey:  make(map[string]*streamRef),
	}
}

// PublisherRef is a tracked publisher returned by lookups.
type PublisherRef struct {
	RoomID  models.RoomID
	MediaID models.MediaID
	UserID  models.UserID
	Stream  StreamID
}

func (r *streamRef) export() PublisherRef {
	return PublisherRef{RoomID: r.roomID, MediaID: r.mediaID, UserID: r.userID, Stream: r.id}
}

// Track records an active publisher.
func (t *UserStreamTracker) Track(roomID models.RoomID, mediaID models.MediaID, userID models.UserID, id StreamID) {
	ref := &streamRef{roomID: roomID, mediaID: mediaID, userID: userID, id: id}
	key := refKey(roomID, mediaID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byUser[userID] == nil {
		t.byUser[userID] = make(map[string]*streamRef)
	}
	t.byUser[userID][key] = ref
	if t.byRoom[roomID] == nil {
		t.byRoom[roomID] = make(map[models.MediaID]*streamRef)
	}
	t.byRoom[roomID][mediaID] = ref
	t.byKey[key] = ref
}

// Untrack removes one publisher from every index.
func (t *UserStreamTracker) Untrack(roomID models.RoomID, mediaID models.MediaID) {
	key := refKey(roomID, mediaID)
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.byKey[key]
	if !ok {
		return
	}
	delete(t.byKey, key)
	if m := t.byUser[ref.userID]; m != nil {
		delete(m, key)
		if len(m) == 0 {
			delete(t.byUser, ref.userID)
		}
	}
	if m := t.byRoom[roomID]; m != nil {
		delete(m, mediaID)
		if len(m) == 0 {
			delete(t.byRoom, roomID)
		}
	}
}

// Lookup returns the publisher of (room, media), if tracked.
func (t *UserStreamTracker) Lookup(roomID models.RoomID, mediaID models.MediaID) (PublisherRef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ref, ok := t.byKey[refKey(roomID, mediaID)]
	if !ok {
		return PublisherRef{}, false
	}
	return ref.export(), true
}

// UserStreams lists a user's active publishers.
func (t *UserStreamTracker) UserStreams(userID models.UserID) []PublisherRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PublisherRef, 0, len(t.byUser[userID]))
	for _, ref := range t.byUser[userID] {
		out = append(out, ref.export())
	}
	return out
}

// RoomStreams lists a room's active publishers.
func (t *UserStreamTracker) RoomStreams(roomID models.RoomID) []PublisherRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PublisherRef, 0, len(t.byRoom[roomID]))
	for _, ref := range t.byRoom[roomID] {
		out = append(out, ref.export())
	}
	return out
}

// RemoveUser clears and returns all of a user's publishers (ban flow).
func (t *UserStreamTracker) RemoveUser(userID models.UserID) []PublisherRef {
	t.mu.Lock()
	refs := t.byUser[userID]
	delete(t.byUser, userID)
	out := make([]PublisherRef, 0, len(refs))
	for key, ref := range refs {
		delete(t.byKey, key)
		if m := t.byRoom[ref.roomID]; m != nil {
			delete(m, ref.mediaID)
			if len(m) == 0 {
				delete(t.byRoom, ref.roomID)
			}
		}
		out = append(out, ref.export())
	}
	t.mu.Unlock()
	return out
}
