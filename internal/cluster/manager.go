package cluster

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/event"
	"github.com/synctv-org/synctv/internal/models"
)

// adminBuffer bounds each admin-event subscriber channel.
const adminBuffer = 64

// Manager composes the local MessageHub with the Redis bridge and owns the
// process-wide node identity. It is the single entry point for publishing
// and subscribing to room events.
type Manager struct {
	nodeID models.NodeID
	hub    *MessageHub
	bridge *PubSubBridge
	logger *zap.Logger

	adminMu   sync.RWMutex
	adminSubs map[int]chan event.Event
	adminSeq  int
}

// NewManager builds the cluster manager. client may be nil for single-node
// deployments: events then stay local.
func NewManager(client *redis.Client, logger *zap.Logger) *Manager {
	nodeID := generateNodeID()
	hub := NewMessageHub(logger)
	m := &Manager{
		nodeID:    nodeID,
		hub:       hub,
		logger:    logger.With(zap.String("component", "cluster_manager"), zap.String("node_id", nodeID.String())),
		adminSubs: make(map[int]chan event.Event),
	}
	if client != nil {
		m.bridge = NewPubSubBridge(client, hub, nodeID, logger)
		m.bridge.onForeign = m.routeAdmin
	}
	return m
}

// Start runs the bridge loops until ctx is cancelled. No-op without Redis.
func (m *Manager) Start(ctx context.Context) {
	if m.bridge != nil {
		m.bridge.Start(ctx)
	}
	m.logger.Info("cluster manager started", zap.Bool("redis", m.bridge != nil))
}

// NodeID returns this process's cluster identity.
func (m *Manager) NodeID() models.NodeID { return m.nodeID }

// Hub exposes the local message hub.
func (m *Manager) Hub() *MessageHub { return m.hub }

// Publish delivers an event to local subscribers and, when clustered, to
// every other node via Redis. Local delivery happens first and is
// non-suspending.
func (m *Manager) Publish(ctx context.Context, roomID models.RoomID, e event.Event) (int, error) {
	delivered := m.hub.Broadcast(roomID, e)
	m.routeAdmin(roomID, e)
	if m.bridge == nil {
		return delivered, nil
	}
	if err := m.bridge.Publish(ctx, roomID, e); err != nil {
		return delivered, err
	}
	return delivered, nil
}

// Subscribe attaches a connection to a room's event stream.
func (m *Manager) Subscribe(roomID models.RoomID, userID models.UserID, connID models.ConnectionID) *Subscription {
	return m.hub.Subscribe(roomID, userID, connID)
}

// Unsubscribe detaches a connection.
func (m *Manager) Unsubscribe(connID models.ConnectionID) {
	m.hub.Unsubscribe(connID)
}

// SendToUser delivers an event to one user's subscription in a room.
func (m *Manager) SendToUser(roomID models.RoomID, userID models.UserID, e event.Event) bool {
	return m.hub.SendToUser(roomID, userID, e)
}

// SubscribeAdmin returns a channel of cluster-wide administrative signals
// (currently KickPublisher and RoomDeleted), both locally published and
// received from other nodes. The returned cancel detaches the subscriber.
func (m *Manager) SubscribeAdmin() (<-chan event.Event, func()) {
	ch := make(chan event.Event, adminBuffer)
	m.adminMu.Lock()
	id := m.adminSeq
	m.adminSeq++
	m.adminSubs[id] = ch
	m.adminMu.Unlock()
	cancel := func() {
		m.adminMu.Lock()
		if c, ok := m.adminSubs[id]; ok {
			delete(m.adminSubs, id)
			close(c)
		}
		m.adminMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) routeAdmin(_ models.RoomID, e event.Event) {
	switch e.EventType() {
	case event.TypeKickPublisher, event.TypeRoomDeleted:
	default:
		return
	}
	m.adminMu.RLock()
	defer m.adminMu.RUnlock()
	for _, ch := range m.adminSubs {
		select {
		case ch <- e:
		default:
			// Admin subscribers that fall behind lose signals rather than
			// blocking the fabric.
		}
	}
}

// generateNodeID builds a node identity from hostname, a local IP and a
// random suffix so replicas on one host stay distinct.
func generateNodeID() models.NodeID {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	ip := "0.0.0.0"
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
				continue
			}
			ip = ipNet.IP.String()
			break
		}
	}
	return models.NodeID(host + "-" + ip + "-" + uuid.NewString()[:8])
}
