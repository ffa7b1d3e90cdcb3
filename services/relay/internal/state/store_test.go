package state

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok, err := NewToken()
		require.NoError(t, err)
		require.Len(t, tok, 32)
		assert.Regexp(t, "^[0-9a-f]{32}$", tok)
		assert.False(t, seen[tok], "token repeated")
		seen[tok] = true
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "etcd"}, nil)
	assert.Error(t, err)
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), Config{}, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.IsType(t, &MemoryStore{}, s)
}

// testStoreContract exercises the behavior every backend must share.
// expire makes key's entry observably expired.
func testStoreContract(t *testing.T, s Store, expire func(t *testing.T, key string)) {
	ctx := context.Background()

	t.Run("set get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k1", "https://app.example.com/done#", time.Minute))

		v, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "https://app.example.com/done#", v)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set replaces", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k2", "a", time.Minute))
		require.NoError(t, s.Set(ctx, "k2", "b", time.Minute))

		v, err := s.Get(ctx, "k2")
		require.NoError(t, err)
		assert.Equal(t, "b", v)
	})

	t.Run("invalid ttl", func(t *testing.T) {
		assert.ErrorIs(t, s.Set(ctx, "k3", "a", 0), ErrInvalidTTL)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k4", "a", time.Minute))
		require.NoError(t, s.Delete(ctx, "k4"))
		require.NoError(t, s.Delete(ctx, "k4"))

		_, err := s.Get(ctx, "k4")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("consume once", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k5", "https://app.example.com/#", time.Minute))

		v, err := s.Consume(ctx, "k5")
		require.NoError(t, err)
		assert.Equal(t, "https://app.example.com/#", v)

		_, err = s.Consume(ctx, "k5")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "k5")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("consume missing", func(t *testing.T) {
		_, err := s.Consume(ctx, "never-set")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("expired", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k6", "a", time.Second))
		expire(t, "k6")

		_, err := s.Get(ctx, "k6")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Consume(ctx, "k6")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent consume has one winner", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k7", "v", time.Minute))

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
			start   = make(chan struct{})
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, err := s.Consume(ctx, "k7"); err == nil {
					winners.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), winners.Load())
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}
