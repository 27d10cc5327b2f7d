package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/synctv-org/synctv/internal/models"
)

const nodeServiceName = "synctv.cluster.Node"

// UserOnlineRequest asks whether a user has live connections on the node.
type UserOnlineRequest struct {
	UserID models.UserID `json:"user_id"`
}

// UserOnlineResponse reports presence and the rooms the user is in.
type UserOnlineResponse struct {
	Online bool            `json:"online"`
	Rooms  []models.RoomID `json:"rooms"`
}

// RoomConnectionsRequest asks for a room's live connections on the node.
type RoomConnectionsRequest struct {
	RoomID models.RoomID `json:"room_id"`
}

// ConnectionSummary is the cross-node view of one connection.
type ConnectionSummary struct {
	ConnectionID models.ConnectionID `json:"connection_id"`
	UserID       models.UserID       `json:"user_id"`
	RoomID       models.RoomID       `json:"room_id,omitempty"`
	NodeID       models.NodeID       `json:"node_id"`
	ConnectedAt  time.Time           `json:"connected_at"`
	LastActivity time.Time           `json:"last_activity"`
	MessageCount uint64              `json:"message_count"`
	RTCJoined    bool                `json:"rtc_joined"`
}

// RoomConnectionsResponse lists a node's connections in a room.
type RoomConnectionsResponse struct {
	Connections []ConnectionSummary `json:"connections"`
}

// NodeServer answers cluster queries about local state.
type NodeServer interface {
	GetUserOnline(ctx context.Context, req *UserOnlineRequest) (*UserOnlineResponse, error)
	GetRoomConnections(ctx context.Context, req *RoomConnectionsRequest) (*RoomConnectionsResponse, error)
}

// RegisterNodeServer registers the node query service on a grpc server.
func RegisterNodeServer(s *grpc.Server, srv NodeServer) {
	s.RegisterService(&nodeServiceDesc, srv)
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: nodeServiceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetUserOnline", Handler: nodeGetUserOnlineHandler},
		{MethodName: "GetRoomConnections", Handler: nodeGetRoomConnectionsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "synctv/cluster/node",
}

func nodeGetUserOnlineHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UserOnlineRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).GetUserOnline(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + nodeServiceName + "/GetUserOnline"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeServer).GetUserOnline(ctx, req.(*UserOnlineRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeGetRoomConnectionsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RoomConnectionsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).GetRoomConnections(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + nodeServiceName + "/GetRoomConnections"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeServer).GetRoomConnections(ctx, req.(*RoomConnectionsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// NodeClient issues node queries over an established connection.
type NodeClient struct {
	cc *grpc.ClientConn
}

// NewNodeClient wraps a client connection.
func NewNodeClient(cc *grpc.ClientConn) *NodeClient { return &NodeClient{cc: cc} }

// GetUserOnline implements the unary call.
func (c *NodeClient) GetUserOnline(ctx context.Context, req *UserOnlineRequest) (*UserOnlineResponse, error) {
	out := new(UserOnlineResponse)
	err := c.cc.Invoke(ctx, "/"+nodeServiceName+"/GetUserOnline", req, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetRoomConnections implements the unary call.
func (c *NodeClient) GetRoomConnections(ctx context.Context, req *RoomConnectionsRequest) (*RoomConnectionsResponse, error) {
	out := new(RoomConnectionsResponse)
	err := c.cc.Invoke(ctx, "/"+nodeServiceName+"/GetRoomConnections", req, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}
