package cluster

import (
	"context"

	"github.com/synctv-org/synctv/internal/cluster/rpc"
	"github.com/synctv-org/synctv/internal/connections"
	"github.com/synctv-org/synctv/internal/models"
)

// NodeQueryService answers other nodes' fan-out queries from this node's
// connection table.
type NodeQueryService struct {
	conns  *connections.Manager
	nodeID models.NodeID
}

// NewNodeQueryService builds the rpc.NodeServer implementation.
func NewNodeQueryService(conns *connections.Manager, nodeID models.NodeID) *NodeQueryService {
	return &NodeQueryService{conns: conns, nodeID: nodeID}
}

// GetUserOnline implements rpc.NodeServer.
func (s *NodeQueryService) GetUserOnline(_ context.Context, req *rpc.UserOnlineRequest) (*rpc.UserOnlineResponse, error) {
	return &rpc.UserOnlineResponse{
		Online: s.conns.UserConnectionCount(req.UserID) > 0,
		Rooms:  s.conns.UserRooms(req.UserID),
	}, nil
}

// GetRoomConnections implements rpc.NodeServer.
func (s *NodeQueryService) GetRoomConnections(_ context.Context, req *rpc.RoomConnectionsRequest) (*rpc.RoomConnectionsResponse, error) {
	infos := s.conns.GetRoomConnections(req.RoomID)
	out := make([]rpc.ConnectionSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, SummaryFromInfo(info, s.nodeID))
	}
	return &rpc.RoomConnectionsResponse{Connections: out}, nil
}

// SummaryFromInfo converts a local connection record to the wire form.
func SummaryFromInfo(info connections.Info, nodeID models.NodeID) rpc.ConnectionSummary {
	return rpc.ConnectionSummary{
		ConnectionID: info.ConnectionID,
		UserID:       info.UserID,
		RoomID:       info.RoomID,
		NodeID:       nodeID,
		ConnectedAt:  info.ConnectedAt,
		LastActivity: info.LastActivity,
		MessageCount: info.MessageCount,
		RTCJoined:    info.RTCJoined,
	}
}
