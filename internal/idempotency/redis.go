package idempotency

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores records as JSON strings under <prefix>:idem:<key>,
// using SET NX with the retention as TTL so Redis expires them.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a backend on an existing client.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "scanqueue"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(k string) string {
	return fmt.Sprintf("%s:idem:%s", b.prefix, k)
}

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, key string) (*Record, error) {
	data, err := b.client.Get(ctx, b.key(key)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

// PutIfAbsent implements Backend.
func (b *RedisBackend) PutIfAbsent(ctx context.Context, key string, rec Record, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	return b.client.SetNX(ctx, b.key(key), data, ttl).Result()
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, b.key(key)).Err()
}
