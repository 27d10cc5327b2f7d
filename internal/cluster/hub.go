// Package cluster implements the Redis-backed event fabric: a per-room
// in-process broadcast hub, the pub/sub bridge between nodes, the node
// roster and cluster-wide fan-out queries.
package cluster

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/event"
	"github.com/synctv-org/synctv/internal/models"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity. Slow
// receivers drop their oldest undelivered event instead of blocking the
// broadcaster.
const DefaultSubscriberBuffer = 1024

// Subscription is one local subscriber of a room's events.
type Subscription struct {
	ConnectionID models.ConnectionID
	UserID       models.UserID
	RoomID       models.RoomID
	C            <-chan event.Event

	// ch is never closed: broadcasters send after releasing the hub lock,
	// and a send on a closed channel panics even inside a select. Teardown
	// is signalled on done instead; consumers select on Done alongside C.
	ch   chan event.Event
	done chan struct{}
	gone atomic.Bool
}

// Done fires when the subscription is removed from the hub.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() {
	if s.gone.CompareAndSwap(false, true) {
		close(s.done)
	}
}

// push tries a non-blocking delivery, dropping the oldest buffered event
// when full. Reports whether the event was handed over.
func (s *Subscription) push(e event.Event) bool {
	if s.gone.Load() {
		return false
	}
	select {
	case s.ch <- e:
		return true
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

// MessageHub fans room events out to local subscribers. Channels are
// created on first subscribe and torn down when the last subscriber for a
// room drops.
type MessageHub struct {
	mu     sync.RWMutex
	rooms  map[models.RoomID]map[models.ConnectionID]*Subscription
	byConn map[models.ConnectionID]models.RoomID
	buffer int
	logger *zap.Logger
}

// NewMessageHub creates an empty hub.
func NewMessageHub(logger *zap.Logger) *MessageHub {
	return &MessageHub{
		rooms:  make(map[models.RoomID]map[models.ConnectionID]*Subscription),
		byConn: make(map[models.ConnectionID]models.RoomID),
		buffer: DefaultSubscriberBuffer,
		logger: logger,
	}
}

// Subscribe registers a connection as a subscriber of a room. Subscribing
// the same connection again returns its existing subscription.
func (h *MessageHub) Subscribe(roomID models.RoomID, userID models.UserID, connID models.ConnectionID) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.byConn[connID]; ok {
		if sub, ok := h.rooms[prev][connID]; ok && prev == roomID {
			return sub
		}
		h.removeLocked(connID)
	}

	subs := h.rooms[roomID]
	if subs == nil {
		subs = make(map[models.ConnectionID]*Subscription)
		h.rooms[roomID] = subs
	}
	ch := make(chan event.Event, h.buffer)
	sub := &Subscription{
		ConnectionID: connID,
		UserID:       userID,
		RoomID:       roomID,
		C:            ch,
		ch:           ch,
		done:         make(chan struct{}),
	}
	subs[connID] = sub
	h.byConn[connID] = roomID
	h.logger.Debug("subscriber added",
		zap.String("room_id", roomID.String()),
		zap.String("connection_id", connID.String()),
		zap.Int("room_subscribers", len(subs)))
	return sub
}

// Unsubscribe removes one subscriber; the room's channel set is torn down
// when the last subscriber leaves.
func (h *MessageHub) Unsubscribe(connID models.ConnectionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(connID)
}

func (h *MessageHub) removeLocked(connID models.ConnectionID) {
	roomID, ok := h.byConn[connID]
	if !ok {
		return
	}
	delete(h.byConn, connID)
	subs := h.rooms[roomID]
	if sub, ok := subs[connID]; ok {
		delete(subs, connID)
		sub.close()
	}
	if len(subs) == 0 {
		delete(h.rooms, roomID)
	}
}

// Broadcast delivers an event to every subscriber of the room that was
// subscribed before the call returns. Delivery is best-effort: a full
// subscriber buffer drops its oldest event to make room. Returns the
// number of subscribers the event was handed to.
func (h *MessageHub) Broadcast(roomID models.RoomID, e event.Event) int {
	h.mu.RLock()
	subs := h.rooms[roomID]
	targets := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.push(e) {
			delivered++
		}
	}
	return delivered
}

// SubscriberCount returns the number of local subscribers in a room.
func (h *MessageHub) SubscriberCount(roomID models.RoomID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// RoomCount returns the number of rooms with at least one subscriber.
func (h *MessageHub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// SendToUser delivers an event to the first subscription of a user within
// a room. Reports whether a subscriber was found.
func (h *MessageHub) SendToUser(roomID models.RoomID, userID models.UserID, e event.Event) bool {
	h.mu.RLock()
	var target *Subscription
	for _, s := range h.rooms[roomID] {
		if s.UserID == userID {
			target = s
			break
		}
	}
	h.mu.RUnlock()
	if target == nil {
		return false
	}
	return target.push(e)
}
