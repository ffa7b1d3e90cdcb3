package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
)

// ConsulConfig holds Consul KV configuration for the consul backend.
type ConsulConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	Datacenter string `mapstructure:"datacenter"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

const defaultConsulPrefix = "relay/states/"

// consulEntry is the JSON value stored under each state key.
type consulEntry struct {
	Redirect  string    `json:"redirect"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ConsulStore keeps states in the Consul KV store. Consul has no key TTL,
// so expiry is checked on read and expired keys are removed by PurgeExpired.
type ConsulStore struct {
	client    *api.Client
	kv        *api.KV
	keyPrefix string
	now       func() time.Time
}

// OpenConsul creates a client and verifies the cluster has a leader.
func OpenConsul(ctx context.Context, cfg ConsulConfig) (*ConsulStore, error) {
	s, err := NewConsulStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connecting to consul: %w", err)
	}
	return s, nil
}

// NewConsulStore creates a store without contacting Consul.
func NewConsulStore(cfg ConsulConfig) (*ConsulStore, error) {
	consulCfg := api.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		consulCfg.Datacenter = cfg.Datacenter
	}

	client, err := api.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("creating consul client: %w", err)
	}

	keyPrefix := strings.TrimPrefix(cfg.KeyPrefix, "/")
	if keyPrefix == "" {
		keyPrefix = defaultConsulPrefix
	}
	if !strings.HasSuffix(keyPrefix, "/") {
		keyPrefix += "/"
	}

	return &ConsulStore{
		client:    client,
		kv:        client.KV(),
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func (s *ConsulStore) key(state string) string {
	return s.keyPrefix + state
}

func queryOptions(ctx context.Context) *api.QueryOptions {
	return (&api.QueryOptions{}).WithContext(ctx)
}

func writeOptions(ctx context.Context) *api.WriteOptions {
	return (&api.WriteOptions{}).WithContext(ctx)
}

func (s *ConsulStore) decode(pair *api.KVPair) (consulEntry, bool) {
	var entry consulEntry
	if err := json.Unmarshal(pair.Value, &entry); err != nil {
		return consulEntry{}, false
	}
	return entry, entry.ExpiresAt.After(s.now())
}

// Set implements Store.
func (s *ConsulStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	data, err := json.Marshal(consulEntry{Redirect: value, ExpiresAt: s.now().Add(ttl).UTC()})
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	if _, err := s.kv.Put(&api.KVPair{Key: s.key(key), Value: data}, writeOptions(ctx)); err != nil {
		return fmt.Errorf("storing state: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *ConsulStore) Get(ctx context.Context, key string) (string, error) {
	pair, _, err := s.kv.Get(s.key(key), queryOptions(ctx))
	if err != nil {
		return "", fmt.Errorf("reading state: %w", err)
	}
	if pair == nil {
		return "", ErrNotFound
	}

	entry, live := s.decode(pair)
	if !live {
		return "", ErrNotFound
	}
	return entry.Redirect, nil
}

// Delete implements Store.
func (s *ConsulStore) Delete(ctx context.Context, key string) error {
	if _, err := s.kv.Delete(s.key(key), writeOptions(ctx)); err != nil {
		return fmt.Errorf("deleting state: %w", err)
	}
	return nil
}

// Consume implements Store with a check-and-set delete on the key's
// ModifyIndex, so only the caller whose delete lands first sees the value.
func (s *ConsulStore) Consume(ctx context.Context, key string) (string, error) {
	pair, _, err := s.kv.Get(s.key(key), queryOptions(ctx))
	if err != nil {
		return "", fmt.Errorf("reading state: %w", err)
	}
	if pair == nil {
		return "", ErrNotFound
	}

	deleted, _, err := s.kv.DeleteCAS(&api.KVPair{Key: pair.Key, ModifyIndex: pair.ModifyIndex}, writeOptions(ctx))
	if err != nil {
		return "", fmt.Errorf("consuming state: %w", err)
	}
	if !deleted {
		return "", ErrNotFound
	}

	entry, live := s.decode(pair)
	if !live {
		return "", ErrNotFound
	}
	return entry.Redirect, nil
}

// PurgeExpired implements Purger. Keys modified since they were listed are
// left alone.
func (s *ConsulStore) PurgeExpired(ctx context.Context) (int64, error) {
	pairs, _, err := s.kv.List(s.keyPrefix, queryOptions(ctx))
	if err != nil {
		return 0, fmt.Errorf("listing states: %w", err)
	}

	var purged int64
	for _, pair := range pairs {
		if _, live := s.decode(pair); live {
			continue
		}
		deleted, _, err := s.kv.DeleteCAS(&api.KVPair{Key: pair.Key, ModifyIndex: pair.ModifyIndex}, writeOptions(ctx))
		if err != nil {
			return purged, fmt.Errorf("purging state: %w", err)
		}
		if deleted {
			purged++
		}
	}
	return purged, nil
}

// Ping implements Store.
func (s *ConsulStore) Ping(ctx context.Context) error {
	_, err := s.client.Status().LeaderWithQueryOptions(queryOptions(ctx))
	return err
}

// Close implements Store.
func (s *ConsulStore) Close() error {
	return nil
}
