package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers provider event ids that were already processed. It is a
// fast path only; payment status checks stay authoritative.
type Deduper interface {
	Seen(ctx context.Context, provider, eventID string) (bool, error)
	Mark(ctx context.Context, provider, eventID string) error
}

type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func dedupKey(provider, eventID string) string {
	return fmt.Sprintf("dedup:%s:%s", provider, eventID)
}

func (d *RedisDeduper) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, dedupKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, provider, eventID string) error {
	if err := d.client.Set(ctx, dedupKey(provider, eventID), time.Now().Unix(), d.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// NoopDeduper never reports an event as seen.
type NoopDeduper struct{}

func (NoopDeduper) Seen(context.Context, string, string) (bool, error) { return false, nil }

func (NoopDeduper) Mark(context.Context, string, string) error { return nil }
