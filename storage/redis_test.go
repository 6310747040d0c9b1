package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/production-workflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// newTestRedis connects with a unique key prefix and removes its keys on cleanup.
func newTestRedis(t *testing.T) *RedisStorage {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis test in short mode")
	}
	store, err := NewRedisStorage(RedisOptions{
		Addr:         redisAddr(),
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
		Prefix:       "test:" + uuid.NewString() + ":",
	})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := store.client.Keys(ctx, store.prefix+"*").Result()
		if len(keys) > 0 {
			store.client.Del(ctx, keys...)
		}
		_ = store.Close()
	})
	return store
}

func TestRedisStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		return newTestRedis(t)
	})
}

func TestRedisStorage_ConnectionFailure(t *testing.T) {
	_, err := NewRedisStorage(RedisOptions{Addr: "invalid:6379"})
	assert.Error(t, err)

	_, err = NewRedisStorageFromURL("not-a-url", "")
	assert.Error(t, err)
}

func TestGetFromRedis(t *testing.T) {
	store := newTestRedis(t)
	ctx := context.Background()
	e := newEntity("e-get")
	require.NoError(t, store.CreateEntity(ctx, e))

	t.Run("Found", func(t *testing.T) {
		result, err := getFromRedis[types.WorkflowEntity](ctx, store.client, store.refKey(entityPrefix, e.Ref()), ErrEntityNotFound)
		assert.NoError(t, err)
		assert.Equal(t, e.ID, result.ID)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := getFromRedis[types.WorkflowEntity](ctx, store.client, store.key("missing"), ErrEntityNotFound)
		assert.ErrorIs(t, err, ErrEntityNotFound)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := getFromRedis[types.WorkflowEntity](ctx, store.client, store.refKey(entityPrefix, e.Ref()), ErrEntityNotFound)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRedisStorage_Close(t *testing.T) {
	store := newTestRedis(t)
	require.NoError(t, store.client.Close())

	err := store.CreateEntity(context.Background(), newEntity("after-close"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestWithContextError(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		err := withContextError(context.Background(), func() error {
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("Error", func(t *testing.T) {
		err := withContextError(context.Background(), func() error {
			return fmt.Errorf("fail")
		})
		assert.Error(t, err)
		assert.Equal(t, "fail", err.Error())
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := withContextError(ctx, func() error {
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
