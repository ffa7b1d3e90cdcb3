// Package state stores the short-lived correlation between an OAuth state
// token and the web application URL the login started from.
package state

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carlossalguero/relay/services/shared/cache"
	"github.com/carlossalguero/relay/services/shared/logger"
)

// ErrNotFound is returned when a state is absent, expired or already consumed.
var ErrNotFound = errors.New("state not found")

// ErrInvalidTTL is returned by Set for a non-positive TTL.
var ErrInvalidTTL = errors.New("state ttl must be positive")

// Supported backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendConsul   = "consul"
)

// tokenBytes is the amount of randomness in a state token (128 bits).
const tokenBytes = 16

// Store is a key/value cache with per-entry expiry.
type Store interface {
	// Set stores value under key for ttl, replacing any previous value.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Consume atomically returns and removes the value for key. When several
	// callers race on the same key at most one of them gets the value; the
	// others get ErrNotFound.
	Consume(ctx context.Context, key string) (string, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend's resources.
	Close() error
}

// Purger is implemented by backends without native expiry, whose expired
// entries must be removed periodically.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// NewToken returns a fresh state token: 128 bits from crypto/rand rendered
// as 32 lowercase hex characters.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config selects and configures the state backend.
type Config struct {
	Backend  string
	Redis    cache.Config
	Postgres PostgresConfig
	Consul   ConsulConfig
}

// Open creates the configured backend and verifies connectivity.
func Open(ctx context.Context, cfg Config, log *logger.Logger) (Store, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("state")

	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		log.Info("using in-memory state store")
		return NewMemoryStore(), nil

	case BackendRedis:
		client, err := cache.New(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("opening redis state store: %w", err)
		}
		log.Info("using redis state store")
		return NewRedisStore(client), nil

	case BackendPostgres:
		s, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("opening postgres state store: %w", err)
		}
		log.Info("using postgres state store")
		return s, nil

	case BackendConsul:
		s, err := OpenConsul(ctx, cfg.Consul)
		if err != nil {
			return nil, fmt.Errorf("opening consul state store: %w", err)
		}
		log.Info("using consul state store", "key_prefix", s.keyPrefix)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}
