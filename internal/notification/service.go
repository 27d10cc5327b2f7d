// Package notification is the typed API over room-event broadcasting. The
// concrete transport is injected as an EventBroadcaster; a no-op default
// keeps tests and partial deployments working.
package notification

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/event"
	"github.com/synctv-org/synctv/internal/models"
)

// localBuffer bounds each in-process observer channel.
const localBuffer = 256

// EventBroadcaster delivers events to room members. Implementations:
// the realtime/cluster glue in production, NoopBroadcaster elsewhere.
type EventBroadcaster interface {
	// BroadcastToRoom delivers locally; returns the number delivered.
	BroadcastToRoom(ctx context.Context, roomID models.RoomID, e event.Event) (int, error)
	// SendToUser targets one member; reports whether a recipient was found.
	SendToUser(ctx context.Context, roomID models.RoomID, userID models.UserID, e event.Event) (bool, error)
	// BroadcastToCluster delivers locally and to every other node.
	BroadcastToCluster(ctx context.Context, roomID models.RoomID, e event.Event) error
}

// NoopBroadcaster drops everything; the default for tests.
type NoopBroadcaster struct{}

func (NoopBroadcaster) BroadcastToRoom(context.Context, models.RoomID, event.Event) (int, error) {
	return 0, nil
}

func (NoopBroadcaster) SendToUser(context.Context, models.RoomID, models.UserID, event.Event) (bool, error) {
	return false, nil
}

func (NoopBroadcaster) BroadcastToCluster(context.Context, models.RoomID, event.Event) error {
	return nil
}

// Observation is one event seen by an in-process subscriber.
type Observation struct {
	RoomID models.RoomID
	Event  event.Event
}

// Service is the notification front door.
type Service struct {
	broadcaster EventBroadcaster
	logger      *zap.Logger

	mu       sync.RWMutex
	watchers map[int]chan Observation
	seq      int
}

// NewService builds the service. A nil broadcaster gets the no-op.
func NewService(broadcaster EventBroadcaster, logger *zap.Logger) *Service {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster{}
	}
	return &Service{
		broadcaster: broadcaster,
		logger:      logger.With(zap.String("component", "notification_service")),
		watchers:    make(map[int]chan Observation),
	}
}

// Broadcaster exposes the injected transport.
func (s *Service) Broadcaster() EventBroadcaster { return s.broadcaster }

// Subscribe returns a channel observing every outgoing event, plus a
// cancel. Slow observers lose events rather than blocking the send path.
func (s *Service) Subscribe() (<-chan Observation, func()) {
	ch := make(chan Observation, localBuffer)
	s.mu.Lock()
	id := s.seq
	s.seq++
	s.watchers[id] = ch
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Service) observe(roomID models.RoomID, e event.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.watchers {
		select {
		case ch <- Observation{RoomID: roomID, Event: e}:
		default:
		}
	}
}

// BroadcastToRoom delivers an event to a room's local members.
func (s *Service) BroadcastToRoom(ctx context.Context, roomID models.RoomID, e event.Event) (int, error) {
	s.observe(roomID, e)
	return s.broadcaster.BroadcastToRoom(ctx, roomID, e)
}

// SendToUser targets one member in a room.
func (s *Service) SendToUser(ctx context.Context, roomID models.RoomID, userID models.UserID, e event.Event) (bool, error) {
	s.observe(roomID, e)
	return s.broadcaster.SendToUser(ctx, roomID, userID, e)
}

// BroadcastToCluster delivers an event cluster-wide via pub/sub.
func (s *Service) BroadcastToCluster(ctx context.Context, roomID models.RoomID, e event.Event) error {
	s.observe(roomID, e)
	return s.broadcaster.BroadcastToCluster(ctx, roomID, e)
}

// NotifyUserJoined announces a member joining.
func (s *Service) NotifyUserJoined(ctx context.Context, roomID models.RoomID, userID models.UserID, username string, role models.MemberRole) error {
	return s.BroadcastToCluster(ctx, roomID, &event.MemberJoined{RoomID: roomID, UserID: userID, Username: username, Role: role})
}

// NotifyUserLeft announces a member leaving.
func (s *Service) NotifyUserLeft(ctx context.Context, roomID models.RoomID, userID models.UserID) error {
	return s.BroadcastToCluster(ctx, roomID, &event.MemberLeft{RoomID: roomID, UserID: userID})
}

// NotifyChatMessage fans a chat line out cluster-wide.
func (s *Service) NotifyChatMessage(ctx context.Context, roomID models.RoomID, userID models.UserID, username, message string) error {
	return s.BroadcastToCluster(ctx, roomID, &event.ChatMessage{
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// NotifyDanmaku fans a danmaku comment out cluster-wide.
func (s *Service) NotifyDanmaku(ctx context.Context, roomID models.RoomID, userID models.UserID, username, message string, position *float64, color *string) error {
	return s.BroadcastToCluster(ctx, roomID, &event.Danmaku{
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Position:  position,
		Color:     color,
	})
}

// NotifyPlaybackStateChanged pushes the room's shared playback state.
func (s *Service) NotifyPlaybackStateChanged(ctx context.Context, state models.PlaybackState) error {
	return s.BroadcastToCluster(ctx, state.RoomID, &event.PlaybackStateChanged{
		RoomID:     state.RoomID,
		Playing:    state.Playing,
		PositionMS: state.PositionMS,
		Speed:      state.Speed,
		MediaID:    state.MediaID,
		Version:    state.Version,
	})
}

// NotifyMediaAdded announces a playlist addition.
func (s *Service) NotifyMediaAdded(ctx context.Context, roomID models.RoomID, mediaID models.MediaID, name string, addedBy models.UserID) error {
	return s.BroadcastToCluster(ctx, roomID, &event.MediaAdded{RoomID: roomID, MediaID: mediaID, Name: name, AddedBy: addedBy})
}

// NotifyMediaRemoved announces a playlist removal.
func (s *Service) NotifyMediaRemoved(ctx context.Context, roomID models.RoomID, mediaID models.MediaID) error {
	return s.BroadcastToCluster(ctx, roomID, &event.MediaRemoved{RoomID: roomID, MediaID: mediaID})
}

// NotifyPlaylistReordered announces the new order.
func (s *Service) NotifyPlaylistReordered(ctx context.Context, roomID models.RoomID, order []models.MediaID) error {
	return s.BroadcastToCluster(ctx, roomID, &event.PlaylistReordered{RoomID: roomID, Order: order})
}

// NotifyPermissionChanged announces a member's permission change.
func (s *Service) NotifyPermissionChanged(ctx context.Context, roomID models.RoomID, userID models.UserID, role models.MemberRole, perms models.PermissionBits) error {
	return s.BroadcastToCluster(ctx, roomID, &event.PermissionChanged{RoomID: roomID, UserID: userID, Role: role, Permissions: perms})
}

// NotifyMemberKicked announces a kick and targets the victim directly.
func (s *Service) NotifyMemberKicked(ctx context.Context, roomID models.RoomID, userID, kickedBy models.UserID, reason string) error {
	e := &event.MemberKicked{RoomID: roomID, UserID: userID, KickedBy: kickedBy, Reason: reason}
	if _, err := s.SendToUser(ctx, roomID, userID, e); err != nil {
		s.logger.Warn("kick direct send failed", zap.Error(err))
	}
	return s.BroadcastToCluster(ctx, roomID, e)
}

// NotifySettingsUpdated pushes a new settings snapshot.
func (s *Service) NotifySettingsUpdated(ctx context.Context, roomID models.RoomID, snapshot models.RoomSettings, version int64) error {
	return s.BroadcastToCluster(ctx, roomID, &event.SettingsUpdated{RoomID: roomID, Version: version, Snapshot: snapshot})
}

// NotifyRoomDeleted announces room deletion.
func (s *Service) NotifyRoomDeleted(ctx context.Context, roomID models.RoomID) error {
	return s.BroadcastToCluster(ctx, roomID, &event.RoomDeleted{RoomID: roomID})
}

// KickAllGuests tells every guest in the room to disconnect.
func (s *Service) KickAllGuests(ctx context.Context, roomID models.RoomID, reason event.GuestKickReason) error {
	return s.BroadcastToCluster(ctx, roomID, &event.GuestKicked{RoomID: roomID, Reason: reason})
}
