package cluster

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/event"
	"github.com/synctv-org/synctv/internal/models"
)

const (
	// roomChannelPrefix prefixes per-room pub/sub channels: "room:{room_id}".
	roomChannelPrefix = "room:"
	roomChannelGlob   = "room:*"

	// publishQueueCapacity bounds the outbound queue; full queue means
	// backpressure on producers.
	publishQueueCapacity = 1024

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	redisOpTimeout = 5 * time.Second
)

// subscriberExit distinguishes why the subscriber loop ended; the two
// failure modes drive different reconnect behavior.
type subscriberExit int

const (
	exitCancelled subscriberExit = iota
	// exitConnectFailed: never got a working subscription. Exponential backoff.
	exitConnectFailed
	// exitDropped: the connection worked and then broke. Retry at 1s.
	exitDropped
)

type publishRequest struct {
	roomID models.RoomID
	event  event.Event
}

// PubSubBridge connects the local MessageHub to Redis pub/sub so that room
// events reach subscribers on every node.
type PubSubBridge struct {
	client  *redis.Client
	hub     *MessageHub
	nodeID  models.NodeID
	queue   chan publishRequest
	logger  *zap.Logger

	// onForeign is invoked for every accepted foreign event, after the hub
	// broadcast. Used by the Manager to route admin signals.
	onForeign func(roomID models.RoomID, e event.Event)
}

// NewPubSubBridge creates the bridge. Start must be called to run the
// publish and subscribe loops.
func NewPubSubBridge(client *redis.Client, hub *MessageHub, nodeID models.NodeID, logger *zap.Logger) *PubSubBridge {
	return &PubSubBridge{
		client: client,
		hub:    hub,
		nodeID: nodeID,
		queue:  make(chan publishRequest, publishQueueCapacity),
		logger: logger.With(zap.String("component", "pubsub_bridge"), zap.String("node_id", nodeID.String())),
	}
}

// Start launches the publisher and subscriber loops. Both stop when ctx is
// cancelled.
func (b *PubSubBridge) Start(ctx context.Context) {
	go b.runPublisher(ctx)
	go b.runSubscriberWithReconnect(ctx)
}

// Publish enqueues an event for delivery to other nodes. Blocks when the
// bounded queue is full (backpressure) until there is room or ctx ends.
func (b *PubSubBridge) Publish(ctx context.Context, roomID models.RoomID, e event.Event) error {
	select {
	case b.queue <- publishRequest{roomID: roomID, event: e}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runPublisher owns the single outbound Redis connection. Failures are
// logged and the event dropped; cross-node delivery is best-effort.
func (b *PubSubBridge) runPublisher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-b.queue:
			payload, err := event.MarshalEnvelope(b.nodeID, req.event)
			if err != nil {
				b.logger.Error("encode envelope", zap.Error(err))
				continue
			}
			opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
			err = b.client.Publish(opCtx, roomChannelPrefix+req.roomID.String(), payload).Err()
			cancel()
			if err != nil {
				b.logger.Warn("publish failed, event dropped",
					zap.String("room_id", req.roomID.String()),
					zap.String("event_type", string(req.event.EventType())),
					zap.Error(err))
			}
		}
	}
}

func (b *PubSubBridge) runSubscriberWithReconnect(ctx context.Context) {
	backoff := initialBackoff
	for {
		exit := b.runSubscriber(ctx)
		if exit == exitCancelled {
			return
		}
		if exit == exitDropped {
			// Worked before: the outage is likely transient, come back fast.
			backoff = initialBackoff
		}
		wait := backoff
		if exit == exitConnectFailed {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		b.logger.Warn("subscriber loop exited, reconnecting", zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (b *PubSubBridge) runSubscriber(ctx context.Context) subscriberExit {
	pubsub := b.client.PSubscribe(ctx, roomChannelGlob)
	defer pubsub.Close()

	// Confirm the subscription before declaring the connection healthy.
	confirmCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	_, err := pubsub.Receive(confirmCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return exitCancelled
		}
		b.logger.Warn("psubscribe failed", zap.Error(err))
		return exitConnectFailed
	}
	b.logger.Info("subscribed to room channels")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return exitCancelled
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return exitCancelled
				}
				return exitDropped
			}
			b.handleMessage(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *PubSubBridge) handleMessage(channel string, payload []byte) {
	env, err := event.UnmarshalEnvelope(payload)
	if err != nil {
		b.logger.Warn("malformed pubsub payload", zap.String("channel", channel), zap.Error(err))
		return
	}
	if env.NodeID == b.nodeID {
		// Self-echo: this node already broadcast the event locally.
		return
	}
	roomID := models.RoomID(strings.TrimPrefix(channel, roomChannelPrefix))
	b.hub.Broadcast(roomID, env.Event)
	if b.onForeign != nil {
		b.onForeign(roomID, env.Event)
	}
}
