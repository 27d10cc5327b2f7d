// Package realtime carries WebSocket clients: the read/write pumps, their
// registration in the connection manager, and the broadcaster gluing the
// notification service to the cluster fabric.
package realtime

import (
	"context"

	"github.com/synctv-org/synctv/internal/cluster"
	"github.com/synctv-org/synctv/internal/event"
	"github.com/synctv-org/synctv/internal/models"
)

// ClusterBroadcaster implements notification.EventBroadcaster over the
// cluster manager: local hub delivery plus Redis pub/sub fan-out.
type ClusterBroadcaster struct {
	manager *cluster.Manager
}

// NewClusterBroadcaster wraps the cluster manager.
func NewClusterBroadcaster(manager *cluster.Manager) *ClusterBroadcaster {
	return &ClusterBroadcaster{manager: manager}
}

// BroadcastToRoom delivers to this node's subscribers only.
func (b *ClusterBroadcaster) BroadcastToRoom(_ context.Context, roomID models.RoomID, e event.Event) (int, error) {
	return b.manager.Hub().Broadcast(roomID, e), nil
}

// SendToUser targets one local subscription.
func (b *ClusterBroadcaster) SendToUser(_ context.Context, roomID models.RoomID, userID models.UserID, e event.Event) (bool, error) {
	return b.manager.SendToUser(roomID, userID, e), nil
}

// BroadcastToCluster delivers locally and publishes to every other node.
func (b *ClusterBroadcaster) BroadcastToCluster(ctx context.Context, roomID models.RoomID, e event.Event) error {
	_, err := b.manager.Publish(ctx, roomID, e)
	return err
}
