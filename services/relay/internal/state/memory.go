package state

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps states in process memory. It is only suitable for a
// single relay instance.
type MemoryStore struct {
	mu    sync.Mutex
	items *gocache.Cache
}

// NewMemoryStore creates an in-memory store whose janitor sweeps expired
// entries every minute.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: gocache.New(gocache.NoExpiration, time.Minute),
	}
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items.Set(key, value, ttl)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	v, ok := s.items.Get(key)
	if !ok {
		return "", ErrNotFound
	}
	return v.(string), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items.Delete(key)
	return nil
}

// Consume implements Store.
func (s *MemoryStore) Consume(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.items.Get(key)
	s.items.Delete(key)
	if !ok {
		return "", ErrNotFound
	}
	return v.(string), nil
}

// Len returns the number of entries, expired ones not yet swept included.
func (s *MemoryStore) Len() int {
	return s.items.ItemCount()
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.items.Flush()
	return nil
}
