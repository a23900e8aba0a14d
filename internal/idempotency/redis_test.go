package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("SCANQUEUE_TEST_REDIS")
	if addr == "" {
		t.Skip("SCANQUEUE_TEST_REDIS not set, skipping Redis integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisBackend(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	prefix := "scanqueue-test-" + uuid.NewString()
	b := NewRedisBackend(client, prefix)
	t.Cleanup(func() { _ = b.Delete(context.Background(), "k") })

	rec, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, rec)

	created, err := b.PutIfAbsent(ctx, "k", Record{TaskID: "t1", RequestHash: "h"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = b.PutIfAbsent(ctx, "k", Record{TaskID: "t2", RequestHash: "h"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, created)

	rec, err = b.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "t1", rec.TaskID)

	ttl, err := client.TTL(ctx, prefix+":idem:k").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
