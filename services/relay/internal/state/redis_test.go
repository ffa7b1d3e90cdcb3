package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/relay/services/shared/cache"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := cache.DefaultConfig()
	cfg.Address = mr.Addr()
	client, err := cache.New(cfg)
	require.NoError(t, err)

	s := NewRedisStore(client)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	s, mr := newRedisStore(t)

	testStoreContract(t, s, func(t *testing.T, key string) {
		mr.FastForward(2 * time.Second)
	})
}

func TestRedisStore_UsesKeyPrefixAndTTL(t *testing.T) {
	s, mr := newRedisStore(t)

	require.NoError(t, s.Set(context.Background(), "abc", "https://app.example.com/", 5*time.Minute))

	assert.True(t, mr.Exists("relay:abc"))
	assert.Equal(t, 5*time.Minute, mr.TTL("relay:abc"))
}

func TestRedisStore_Open(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := cache.DefaultConfig()
	cfg.URL = "redis://" + mr.Addr() + "/0"
	s, err := Open(context.Background(), Config{Backend: BackendRedis, Redis: cfg}, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.IsType(t, &RedisStore{}, s)
	assert.NoError(t, s.Ping(context.Background()))
}
