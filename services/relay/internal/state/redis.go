package state

import (
	"context"
	"errors"
	"time"

	"github.com/carlossalguero/relay/services/shared/cache"
)

// RedisStore keeps states in Redis, relying on native key expiry.
type RedisStore struct {
	client *cache.Client
}

// NewRedisStore wraps a connected cache client.
func NewRedisStore(client *cache.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return s.client.Set(ctx, key, value, ttl)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key)
	if errors.Is(err, cache.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	return v, err
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Delete(ctx, key)
}

// Consume implements Store using GETDEL.
func (s *RedisStore) Consume(ctx context.Context, key string) (string, error) {
	v, err := s.client.GetDel(ctx, key)
	if errors.Is(err, cache.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	return v, err
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
