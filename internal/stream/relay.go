package stream

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/synctv-org/synctv/internal/cluster"
	"github.com/synctv-org/synctv/internal/cluster/rpc"
	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

// RelayService serves this node's published streams to other nodes over the
// cluster frame-relay RPC. The stream ends cleanly when the publisher
// unpublishes, which is how admin kick reaches remote relay viewers' feeds.
type RelayService struct {
	hub *Hub
}

// NewRelayService builds the server side of the relay.
func NewRelayService(hub *Hub) *RelayService { return &RelayService{hub: hub} }

// Subscribe implements rpc.RelayServer.
func (s *RelayService) Subscribe(req *rpc.RelaySubscribeRequest, sender rpc.RelayFrameSender) error {
	id := StreamID{App: req.App, Stream: req.Stream}
	sub, err := s.hub.Subscribe(id, SubscriberGRPCRelay)
	if err != nil {
		return status.Error(codes.NotFound, "stream not published here")
	}
	defer s.hub.Unsubscribe(id, sub.ID)

	ctx := sender.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			// Publisher gone: end the stream so the puller tears down.
			return nil
		case f := <-sub.C:
			if err := sender.Send(&rpc.RelayFrame{
				Kind:        string(f.Kind),
				TimestampMS: f.TimestampMS,
				Keyframe:    f.Keyframe,
				Data:        f.Data,
			}); err != nil {
				return err
			}
		}
	}
}

// GRPCRemoteSubscriber dials origin nodes and adapts their relay feed to
// FrameSource.
type GRPCRemoteSubscriber struct{}

// Subscribe implements RemoteSubscriber.
func (GRPCRemoteSubscriber) Subscribe(ctx context.Context, grpcAddr string, id StreamID) (FrameSource, error) {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", grpcAddr, err)
	}
	feed, err := rpc.NewRelayClient(conn).Subscribe(ctx, &rpc.RelaySubscribeRequest{App: id.App, Stream: id.Stream})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe %s/%s: %w", id.App, id.Stream, err)
	}
	return &grpcFrameSource{conn: conn, feed: feed}, nil
}

type grpcFrameSource struct {
	conn *grpc.ClientConn
	feed rpc.FrameReceiver
}

func (s *grpcFrameSource) Recv() (Frame, error) {
	f, err := s.feed.Recv()
	if err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	frame := Frame{
		Kind:        FrameKind(f.Kind),
		TimestampMS: f.TimestampMS,
		Keyframe:    f.Keyframe,
		Data:        f.Data,
	}
	if frame.Kind == FrameMetadata {
		frame.SequenceHeader = false
	}
	return frame, nil
}

func (s *grpcFrameSource) Close() error { return s.conn.Close() }

// RegistryResolver resolves a publisher's origin node to its gRPC address
// using the cluster publisher registry plus the node roster.
type RegistryResolver struct {
	registry PublisherRegistry
	nodes    cluster.NodeRegistry
}

// NewRegistryResolver builds the resolver.
func NewRegistryResolver(registry PublisherRegistry, nodes cluster.NodeRegistry) *RegistryResolver {
	return &RegistryResolver{registry: registry, nodes: nodes}
}

// Resolve implements OriginResolver. Resolving a publisher that lives on
// this node is refused: local viewers subscribe to the hub directly.
func (r *RegistryResolver) Resolve(ctx context.Context, roomID models.RoomID, mediaID models.MediaID) (string, models.NodeID, error) {
	info, err := r.registry.Lookup(ctx, roomID, mediaID)
	if err != nil {
		return "", "", err
	}
	self := r.nodes.Self().NodeID
	if info.NodeID == self {
		return "", "", fmt.Errorf("publisher %s:%s is local: %w", roomID, mediaID, synctverr.ErrAlreadyExists)
	}
	nodes, err := r.nodes.GetAllNodes(ctx)
	if err != nil {
		return "", "", fmt.Errorf("node roster: %w", err)
	}
	for _, n := range nodes {
		if n.NodeID == info.NodeID {
			return n.GRPCAddress, n.NodeID, nil
		}
	}
	return "", "", fmt.Errorf("origin node %s not in roster: %w", info.NodeID, synctverr.ErrNotFound)
}
