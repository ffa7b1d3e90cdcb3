package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.Address = mr.Addr()
	cfg.KeyPrefix = "test:"

	client, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestClient_SetGetDelete(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", time.Minute))
	assert.True(t, mr.Exists("test:k"), "key should carry the prefix")

	val, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	require.NoError(t, client.Delete(ctx, "k"))
	_, err = client.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Deleting a missing key is not an error
	assert.NoError(t, client.Delete(ctx, "k"))
}

func TestClient_Expiration(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", time.Second))

	assert.Equal(t, time.Second, mr.TTL("test:k"))

	mr.FastForward(2 * time.Second)

	_, err := client.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestClient_GetDel(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "state", "https://app.example.com/#", time.Minute))

	val, err := client.GetDel(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/#", val)

	_, err = client.GetDel(ctx, "state")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestClient_GetDel_Concurrent(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "state", "value", time.Minute))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.GetDel(ctx, "state"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestClient_GetDel_ScriptFallback(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	client.noGetDel.Store(true)

	require.NoError(t, client.Set(ctx, "state", "value", time.Minute))

	val, err := client.GetDel(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, "value", val)

	_, err = client.GetDel(ctx, "state")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestNew_URL(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := New(Config{URL: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	defer client.Close()

	assert.NoError(t, client.Ping(context.Background()))
}

func TestNew_Unreachable(t *testing.T) {
	_, err := New(Config{Address: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	assert.Error(t, err)
}

func TestNew_BadURL(t *testing.T) {
	_, err := New(Config{URL: "http://not-redis"})
	assert.Error(t, err)
}
