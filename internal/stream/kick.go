package stream

import (
	"context"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/event"
	"github.com/synctv-org/synctv/internal/models"
)

// EventPublisher is the slice of the cluster manager the kick path needs.
type EventPublisher interface {
	Publish(ctx context.Context, roomID models.RoomID, e event.Event) (int, error)
}

// KickService disconnects live publishers on admin action. The kick must
// travel BOTH ways: a local hub Unpublish drops this node's FLV/HLS/relay
// subscribers, and a KickPublisher cluster event makes every other node
// drop its local relays of the same stream.
type KickService struct {
	hub     *Hub
	tracker *UserStreamTracker
	events  EventPublisher
	logger  *zap.Logger
}

// NewKickService wires the kick path.
func NewKickService(hub *Hub, tracker *UserStreamTracker, events EventPublisher, logger *zap.Logger) *KickService {
	return &KickService{
		hub:     hub,
		tracker: tracker,
		events:  events,
		logger:  logger.With(zap.String("component", "kick_service")),
	}
}

// KickPublisher tears down the publisher of (room, media) cluster-wide.
func (k *KickService) KickPublisher(ctx context.Context, roomID models.RoomID, mediaID models.MediaID) {
	if ref, ok := k.tracker.Lookup(roomID, mediaID); ok {
		k.hub.Unpublish(ref.Stream)
		k.tracker.Untrack(roomID, mediaID)
	} else {
		// Not publishing here; the stream may still be relayed locally.
		k.hub.Unpublish(NewStreamID(roomID, mediaID))
	}
	if k.events != nil {
		if _, err := k.events.Publish(ctx, roomID, &event.KickPublisher{RoomID: roomID, MediaID: mediaID}); err != nil {
			k.logger.Warn("kick event publish failed",
				zap.String("room_id", roomID.String()),
				zap.String("media_id", mediaID.String()),
				zap.Error(err))
		}
	}
}

// KickUser tears down every stream a banned user publishes.
func (k *KickService) KickUser(ctx context.Context, userID models.UserID) int {
	refs := k.tracker.RemoveUser(userID)
	for _, ref := range refs {
		k.hub.Unpublish(ref.Stream)
		if k.events != nil {
			_, _ = k.events.Publish(ctx, ref.RoomID, &event.KickPublisher{RoomID: ref.RoomID, MediaID: ref.MediaID})
		}
	}
	return len(refs)
}

// HandleAdminEvents consumes the cluster admin channel and applies foreign
// KickPublisher signals to local pipelines. Blocks; run on a goroutine.
func (k *KickService) HandleAdminEvents(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			kick, isKick := e.(*event.KickPublisher)
			if !isKick {
				continue
			}
			id := NewStreamID(kick.RoomID, kick.MediaID)
			if k.hub.Unpublish(id) {
				k.logger.Info("publisher kicked via cluster event",
					zap.String("room_id", kick.RoomID.String()),
					zap.String("media_id", kick.MediaID.String()))
			}
			k.tracker.Untrack(kick.RoomID, kick.MediaID)
		}
	}
}
