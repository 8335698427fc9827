package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/abdelmounim-dev/workbench-gateway/metrics"
	"github.com/go-redis/redis/v8"
)

// RedisBroker implements MessageBroker using Redis Pub/Sub. It is the
// default broker: lightweight, and the same client already used by the
// session.RedisDirectory, so most deployments need no second dependency.
type RedisBroker struct {
	client *redis.Client
	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBroker creates a broker bound to an existing Redis client. The
// caller retains ownership of the client's lifecycle unless it passes a
// client created solely for the broker.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Type reports the broker implementation, used as a metrics label.
func (b *RedisBroker) Type() string { return "redis" }

// Publish sends a message on the given channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return err
	}
	metrics.BrokerMessagesPublished.WithLabelValues(b.Type()).Inc()
	return nil
}

// Subscribe returns a channel of messages published on the given channel.
// The returned channel is closed when ctx is cancelled or the subscription
// is torn down by Close.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	messages := make(chan Message, 100)
	redisCh := pubsub.Channel()

	go func() {
		defer close(messages)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-redisCh:
				if !ok {
					return
				}
				var message Message
				if err := json.Unmarshal([]byte(raw.Payload), &message); err != nil {
					continue
				}
				select {
				case messages <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return messages, nil
}

// Close releases broker resources. It does not close the underlying Redis
// client, which may be shared with session.RedisDirectory.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	for _, sub := range b.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
