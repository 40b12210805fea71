package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore holds claims on idempotency keys.
type IdempotencyStore interface {
	// Claim returns true when key was not already held.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

const keyPrefixIdempotency = "trigger:idem:"

// RedisIdempotency implements IdempotencyStore with SET NX.
type RedisIdempotency struct {
	client redis.UniversalClient
}

// NewRedisIdempotency creates a Redis-backed idempotency store.
func NewRedisIdempotency(client redis.UniversalClient) *RedisIdempotency {
	return &RedisIdempotency{client: client}
}

// Claim implements IdempotencyStore.
func (r *RedisIdempotency) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, keyPrefixIdempotency+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	return ok, nil
}

// Release implements IdempotencyStore.
func (r *RedisIdempotency) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, keyPrefixIdempotency+key).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

var _ IdempotencyStore = (*RedisIdempotency)(nil)
