package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
)

const (
	nodeKeyPrefix = "node:"
	nodeKeyGlob   = "node:*"

	// DefaultHeartbeatInterval refreshes the node entry; the entry's TTL is
	// three intervals, so two missed beats still keep the node visible.
	DefaultHeartbeatInterval = 30 * time.Second
)

// NodeInfo is one live node's roster entry.
type NodeInfo struct {
	NodeID        models.NodeID `json:"node_id"`
	GRPCAddress   string        `json:"grpc_address"`
	HTTPAddress   string        `json:"http_address"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
}

// NodeRegistry is the roster of live nodes.
type NodeRegistry interface {
	// Self returns this node's entry.
	Self() NodeInfo
	// GetAllNodes returns every node whose TTL has not expired, self included.
	GetAllNodes(ctx context.Context) ([]NodeInfo, error)
	// Start registers the node and runs the heartbeat until ctx ends.
	Start(ctx context.Context) error
}

// RedisNodeRegistry keeps the roster in Redis with TTL'd entries.
type RedisNodeRegistry struct {
	client    *redis.Client
	self      NodeInfo
	interval  time.Duration
	logger    *zap.Logger
}

// NewRedisNodeRegistry creates a registry entry for this node.
func NewRedisNodeRegistry(client *redis.Client, nodeID models.NodeID, grpcAddr, httpAddr string, interval time.Duration, logger *zap.Logger) *RedisNodeRegistry {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &RedisNodeRegistry{
		client:   client,
		self:     NodeInfo{NodeID: nodeID, GRPCAddress: grpcAddr, HTTPAddress: httpAddr},
		interval: interval,
		logger:   logger.With(zap.String("component", "node_registry"), zap.String("node_id", nodeID.String())),
	}
}

// Self implements NodeRegistry.
func (r *RedisNodeRegistry) Self() NodeInfo { return r.self }

// Start writes the initial entry and refreshes it every interval.
func (r *RedisNodeRegistry) Start(ctx context.Context) error {
	if err := r.heartbeat(ctx); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.deregister()
				return
			case <-ticker.C:
				if err := r.heartbeat(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

func (r *RedisNodeRegistry) heartbeat(ctx context.Context) error {
	// r.self stays immutable after construction; the beat stamps a copy so
	// concurrent Self() readers never race the writer.
	info := r.self
	info.LastHeartbeat = time.Now().UTC()
	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return r.client.Set(opCtx, nodeKeyPrefix+info.NodeID.String(), payload, 3*r.interval).Err()
}

func (r *RedisNodeRegistry) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Del(ctx, nodeKeyPrefix+r.self.NodeID.String()).Err(); err != nil {
		r.logger.Warn("deregister failed", zap.Error(err))
	}
}

// GetAllNodes scans the node keyspace. Expired entries are already gone;
// unparseable entries are skipped.
func (r *RedisNodeRegistry) GetAllNodes(ctx context.Context) ([]NodeInfo, error) {
	var nodes []NodeInfo
	iter := r.client.Scan(ctx, 0, nodeKeyGlob, 100).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var info NodeInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			r.logger.Warn("malformed node entry", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		nodes = append(nodes, info)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan nodes: %w", err)
	}
	return nodes, nil
}

// LocalNodeRegistry is the single-node fallback used when Redis is absent:
// the roster is just this process.
type LocalNodeRegistry struct {
	self NodeInfo
}

// NewLocalNodeRegistry creates the fallback registry.
func NewLocalNodeRegistry(nodeID models.NodeID, grpcAddr, httpAddr string) *LocalNodeRegistry {
	return &LocalNodeRegistry{self: NodeInfo{NodeID: nodeID, GRPCAddress: grpcAddr, HTTPAddress: httpAddr, LastHeartbeat: time.Now().UTC()}}
}

// Self implements NodeRegistry.
func (r *LocalNodeRegistry) Self() NodeInfo { return r.self }

// GetAllNodes returns only self.
func (r *LocalNodeRegistry) GetAllNodes(context.Context) ([]NodeInfo, error) {
	return []NodeInfo{r.self}, nil
}

// Start is a no-op for the local registry.
func (r *LocalNodeRegistry) Start(context.Context) error { return nil }
