package rpc

import (
	"context"
	"io"

	"google.golang.org/grpc"
)

const relayServiceName = "synctv.stream.Relay"

// RelaySubscribeRequest opens a frame feed for one published stream.
type RelaySubscribeRequest struct {
	App    string `json:"app"`
	Stream string `json:"stream"`
}

// RelayFrame is one media frame on the relay stream. Kind mirrors the
// stream hub's frame kinds; Data is opaque to the relay.
type RelayFrame struct {
	Kind        string `json:"kind"`
	TimestampMS uint32 `json:"timestamp_ms"`
	Keyframe    bool   `json:"keyframe,omitempty"`
	Data        []byte `json:"data"`
}

// RelayFrameSender is the server side of one subscription.
type RelayFrameSender interface {
	Send(*RelayFrame) error
	Context() context.Context
}

// RelayServer serves local publishers' frames to remote nodes.
type RelayServer interface {
	Subscribe(req *RelaySubscribeRequest, stream RelayFrameSender) error
}

// RegisterRelayServer registers the relay service on a grpc server.
func RegisterRelayServer(s *grpc.Server, srv RelayServer) {
	s.RegisterService(&relayServiceDesc, srv)
}

var relayServiceDesc = grpc.ServiceDesc{
	ServiceName: relayServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: relaySubscribeHandler, ServerStreams: true},
	},
	Metadata: "synctv/stream/relay",
}

func relaySubscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(RelaySubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(RelayServer).Subscribe(req, &relaySendServer{stream})
}

type relaySendServer struct {
	grpc.ServerStream
}

func (s *relaySendServer) Send(f *RelayFrame) error { return s.ServerStream.SendMsg(f) }

// RelayClient pulls a remote publisher's frames.
type RelayClient struct {
	cc *grpc.ClientConn
}

// NewRelayClient wraps a client connection.
func NewRelayClient(cc *grpc.ClientConn) *RelayClient { return &RelayClient{cc: cc} }

// FrameReceiver is the client side of one subscription.
type FrameReceiver interface {
	Recv() (*RelayFrame, error)
}

// Subscribe opens the server stream and returns a frame receiver. The
// stream ends with io.EOF when the remote publisher unpublishes.
func (c *RelayClient) Subscribe(ctx context.Context, req *RelaySubscribeRequest) (FrameReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &relayServiceDesc.Streams[0], "/"+relayServiceName+"/Subscribe", grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &relayRecvClient{stream}, nil
}

type relayRecvClient struct {
	grpc.ClientStream
}

func (s *relayRecvClient) Recv() (*RelayFrame, error) {
	f := new(RelayFrame)
	if err := s.ClientStream.RecvMsg(f); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return f, nil
}
