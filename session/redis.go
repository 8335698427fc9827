package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisDirectory implements Directory using Redis.
type RedisDirectory struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDirectory creates a new RedisDirectory.
func NewRedisDirectory(client *redis.Client, ttl time.Duration) Directory {
	return &RedisDirectory{
		client: client,
		ttl:    ttl,
	}
}

func presenceKey(token string) string {
	return fmt.Sprintf("presence:%s", token)
}

// Put records that this instance owns token, with a TTL so a crashed
// instance's entries expire rather than linger.
func (d *RedisDirectory) Put(ctx context.Context, p *Presence) error {
	key := presenceKey(p.Token)
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	return d.client.Set(ctx, key, data, d.ttl).Err()
}

// Get retrieves the Presence for a token, or nil if absent.
func (d *RedisDirectory) Get(ctx context.Context, token string) (*Presence, error) {
	key := presenceKey(token)
	data, err := d.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var p Presence
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}
	return &p, nil
}

// Remove deletes the Presence record for a token.
func (d *RedisDirectory) Remove(ctx context.Context, token string) error {
	return d.client.Del(ctx, presenceKey(token)).Err()
}

// Refresh extends the TTL on a Presence record. A missing key is a no-op.
func (d *RedisDirectory) Refresh(ctx context.Context, token string) error {
	return d.client.Expire(ctx, presenceKey(token), d.ttl).Err()
}
