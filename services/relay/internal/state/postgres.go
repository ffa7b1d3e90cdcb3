package state

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds database configuration for the postgres backend.
type PostgresConfig struct {
	// DSN takes precedence over the discrete fields when set.
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ConnString returns the connection string for the configuration.
func (c PostgresConfig) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Name,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else if c.User != "" {
		u.User = url.User(c.User)
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// pgxIface is the subset of pgxpool.Pool used by the store.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS relay_states (
	state        TEXT PRIMARY KEY,
	redirect_url TEXT NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS relay_states_expires_at_idx ON relay_states (expires_at);
`

// PostgresStore keeps states in the relay_states table. Expired rows are
// invisible to reads and removed by PurgeExpired.
type PostgresStore struct {
	db    pgxIface
	close func()
	now   func() time.Time
}

// OpenPostgres connects a pool and, if configured, creates the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := NewPostgresStore(pool, pool.Close)
	if cfg.AutoMigrate {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewPostgresStore wraps an existing connection. closeFn may be nil.
func NewPostgresStore(db pgxIface, closeFn func()) *PostgresStore {
	return &PostgresStore{
		db:    db,
		close: closeFn,
		now:   time.Now,
	}
}

// EnsureSchema creates the relay_states table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("creating relay_states table: %w", err)
	}
	return nil
}

// Set implements Store.
func (s *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	query := `
		INSERT INTO relay_states (state, redirect_url, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (state) DO UPDATE
		SET redirect_url = EXCLUDED.redirect_url, expires_at = EXCLUDED.expires_at
	`
	if _, err := s.db.Exec(ctx, query, key, value, s.now().Add(ttl)); err != nil {
		return fmt.Errorf("storing state: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	query := `SELECT redirect_url FROM relay_states WHERE state = $1 AND expires_at > $2`

	var redirect string
	err := s.db.QueryRow(ctx, query, key, s.now()).Scan(&redirect)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading state: %w", err)
	}
	return redirect, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM relay_states WHERE state = $1`, key); err != nil {
		return fmt.Errorf("deleting state: %w", err)
	}
	return nil
}

// Consume implements Store. The row is deleted whether or not it has
// expired; an expired row is reported as not found.
func (s *PostgresStore) Consume(ctx context.Context, key string) (string, error) {
	query := `DELETE FROM relay_states WHERE state = $1 RETURNING redirect_url, expires_at`

	var (
		redirect  string
		expiresAt time.Time
	)
	err := s.db.QueryRow(ctx, query, key).Scan(&redirect, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("consuming state: %w", err)
	}

	if !expiresAt.After(s.now()) {
		return "", ErrNotFound
	}
	return redirect, nil
}

// PurgeExpired implements Purger.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM relay_states WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("purging expired states: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
