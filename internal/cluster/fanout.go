package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/synctv-org/synctv/internal/cluster/rpc"
	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

const (
	// DefaultFanOutTimeout bounds each per-node RPC.
	DefaultFanOutTimeout = 3 * time.Second

	connCacheSize    = 256
	connCacheIdleTTL = 5 * time.Minute
)

// FanOutResult carries merged data plus the per-node outcome. Partial
// failures are not errors: callers get both the data and the failed list.
type FanOutResult[T any] struct {
	Data      []T
	Succeeded []models.NodeID
	Failed    []models.NodeID
	Failures  []error
}

// FanOut executes parallel queries against every other node in the roster.
type FanOut struct {
	registry NodeRegistry
	timeout  time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	conns *expirable.LRU[string, *grpc.ClientConn]
}

// NewFanOut builds the fan-out helper over a node registry.
func NewFanOut(registry NodeRegistry, logger *zap.Logger) *FanOut {
	f := &FanOut{
		registry: registry,
		timeout:  DefaultFanOutTimeout,
		logger:   logger.With(zap.String("component", "cluster_fanout")),
	}
	f.conns = expirable.NewLRU[string, *grpc.ClientConn](connCacheSize, func(_ string, conn *grpc.ClientConn) {
		_ = conn.Close()
	}, connCacheIdleTTL)
	return f
}

func (f *FanOut) getConn(addr string) (*grpc.ClientConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conn, ok := f.conns.Get(addr); ok {
		// Re-adding renews the expiry, so the TTL counts from the last use.
		f.conns.Add(addr, conn)
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	f.conns.Add(addr, conn)
	return conn, nil
}

// invalidateConn drops a cached connection after an RPC failure so the next
// call re-dials.
func (f *FanOut) invalidateConn(addr string) {
	f.mu.Lock()
	f.conns.Remove(addr)
	f.mu.Unlock()
}

// queryNodes runs fn against every remote node with a per-node timeout and
// merges the outcomes. fn runs concurrently, one goroutine per node.
func queryNodes[T any](ctx context.Context, f *FanOut, fn func(ctx context.Context, node NodeInfo, conn *grpc.ClientConn) (T, error)) *FanOutResult[T] {
	result := &FanOutResult[T]{}
	nodes, err := f.registry.GetAllNodes(ctx)
	if err != nil {
		f.logger.Warn("node roster unavailable", zap.Error(err))
		return result
	}
	self := f.registry.Self().NodeID

	type outcome struct {
		node models.NodeID
		data T
		err  error
	}
	var wg sync.WaitGroup
	outcomes := make(chan outcome, len(nodes))
	for _, node := range nodes {
		if node.NodeID == self {
			continue
		}
		wg.Add(1)
		go func(node NodeInfo) {
			defer wg.Done()
			conn, err := f.getConn(node.GRPCAddress)
			if err != nil {
				outcomes <- outcome{node: node.NodeID, err: &synctverr.RemoteError{Node: node.NodeID.String(), Err: err}}
				return
			}
			callCtx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()
			data, err := fn(callCtx, node, conn)
			if err != nil {
				f.invalidateConn(node.GRPCAddress)
				outcomes <- outcome{node: node.NodeID, err: &synctverr.RemoteError{Node: node.NodeID.String(), Err: err}}
				return
			}
			outcomes <- outcome{node: node.NodeID, data: data}
		}(node)
	}
	wg.Wait()
	close(outcomes)

	for o := range outcomes {
		if o.err != nil {
			result.Failed = append(result.Failed, o.node)
			result.Failures = append(result.Failures, o.err)
			continue
		}
		result.Succeeded = append(result.Succeeded, o.node)
		result.Data = append(result.Data, o.data)
	}
	return result
}

// UserPresence is the merged cluster-wide answer for one user.
type UserPresence struct {
	Online bool
	Rooms  []models.RoomID
}

// IsUserOnline asks every node whether the user has live connections and
// merges with boolean OR; room memberships are unioned. localOnline and
// localRooms fold this node's own state into the answer.
func (f *FanOut) IsUserOnline(ctx context.Context, userID models.UserID, localOnline bool, localRooms []models.RoomID) (UserPresence, *FanOutResult[*rpc.UserOnlineResponse]) {
	result := queryNodes(ctx, f, func(ctx context.Context, _ NodeInfo, conn *grpc.ClientConn) (*rpc.UserOnlineResponse, error) {
		return rpc.NewNodeClient(conn).GetUserOnline(ctx, &rpc.UserOnlineRequest{UserID: userID})
	})

	presence := UserPresence{Online: localOnline}
	seen := make(map[models.RoomID]struct{}, len(localRooms))
	for _, r := range localRooms {
		seen[r] = struct{}{}
		presence.Rooms = append(presence.Rooms, r)
	}
	for _, resp := range result.Data {
		if resp == nil {
			continue
		}
		presence.Online = presence.Online || resp.Online
		for _, r := range resp.Rooms {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			presence.Rooms = append(presence.Rooms, r)
		}
	}
	return presence, result
}

// GetRoomConnections concatenates every node's live connections for a room,
// starting with this node's own.
func (f *FanOut) GetRoomConnections(ctx context.Context, roomID models.RoomID, local []rpc.ConnectionSummary) ([]rpc.ConnectionSummary, *FanOutResult[*rpc.RoomConnectionsResponse]) {
	result := queryNodes(ctx, f, func(ctx context.Context, _ NodeInfo, conn *grpc.ClientConn) (*rpc.RoomConnectionsResponse, error) {
		return rpc.NewNodeClient(conn).GetRoomConnections(ctx, &rpc.RoomConnectionsRequest{RoomID: roomID})
	})

	merged := make([]rpc.ConnectionSummary, 0, len(local))
	merged = append(merged, local...)
	for _, resp := range result.Data {
		if resp == nil {
			continue
		}
		merged = append(merged, resp.Connections...)
	}
	return merged, result
}
