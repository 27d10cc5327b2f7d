package settings

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBus is the production InvalidationBus over Redis pub/sub.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps a Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish implements InvalidationBus.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe implements InvalidationBus. The returned channel closes when
// ctx ends or the subscription drops; the settings listener simply stops,
// after which reads still converge through store CAS.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					// Invalidation is advisory; drop rather than block.
				}
			}
		}
	}()
	return out, nil
}
