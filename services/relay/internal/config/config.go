// Package config loads the relay configuration from defaults, an optional
// YAML file and RELAY_* environment variables.
package config

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/carlossalguero/relay/services/relay/internal/provider"
	"github.com/carlossalguero/relay/services/relay/internal/redirect"
	"github.com/carlossalguero/relay/services/relay/internal/state"
	"github.com/carlossalguero/relay/services/shared/cache"
	"github.com/carlossalguero/relay/services/shared/circuitbreaker"
	"github.com/carlossalguero/relay/services/shared/errors"
	"github.com/carlossalguero/relay/services/shared/events"
	"github.com/carlossalguero/relay/services/shared/middleware"
	relaytls "github.com/carlossalguero/relay/services/shared/tls"
	"github.com/carlossalguero/relay/services/shared/tracing"
)

// EnvPrefix is prepended to every environment override, e.g.
// RELAY_RELAY_CLIENT_ID for relay.client_id.
const EnvPrefix = "RELAY"

// Config holds the relay service configuration.
type Config struct {
	Relay RelayConfig `mapstructure:"relay"`

	HTTP struct {
		Host            string          `mapstructure:"host"`
		Port            int             `mapstructure:"port"`
		ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
		TLS             relaytls.Config `mapstructure:"tls"`
	} `mapstructure:"http"`

	Health struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"health"`

	Redis    cache.Config         `mapstructure:"redis"`
	Database state.PostgresConfig `mapstructure:"database"`
	Consul   state.ConsulConfig   `mapstructure:"consul"`
	NATS     events.Config        `mapstructure:"nats"`

	Log struct {
		Level       string `mapstructure:"level"`
		Format      string `mapstructure:"format"`
		Environment string `mapstructure:"environment"`
	} `mapstructure:"log"`

	Tracing        tracing.Config             `mapstructure:"tracing"`
	RateLimit      middleware.RateLimitConfig `mapstructure:"ratelimit"`
	CircuitBreaker circuitbreaker.Config      `mapstructure:"circuit_breaker"`

	Cleanup struct {
		Schedule string        `mapstructure:"schedule"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"cleanup"`

	allowList *redirect.AllowList
}

// RelayConfig holds the OAuth relay settings.
type RelayConfig struct {
	Enabled               bool            `mapstructure:"enabled"`
	ClientID              string          `mapstructure:"client_id"`
	ClientSecret          string          `mapstructure:"client_secret"`
	AuthorizationEndpoint string          `mapstructure:"authorization_endpoint"`
	TokenEndpoint         string          `mapstructure:"token_endpoint"`
	TokenMethod           string          `mapstructure:"token_method"`
	CallbackURL           string          `mapstructure:"callback_url"`
	RoutePrefix           string          `mapstructure:"route_prefix"`
	Scopes                []string        `mapstructure:"scopes"`
	CacheTTLSeconds       float64         `mapstructure:"cache_ttl_seconds"`
	AuthorizedDomains     []string        `mapstructure:"authorized_domains"`
	ProviderTimeout       time.Duration   `mapstructure:"provider_timeout"`
	ProviderTLS           relaytls.Config `mapstructure:"provider_tls"`
	StateBackend          string          `mapstructure:"state_backend"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("relay.enabled", true)
	v.SetDefault("relay.client_id", "")
	v.SetDefault("relay.client_secret", "")
	v.SetDefault("relay.authorization_endpoint", "")
	v.SetDefault("relay.token_endpoint", "")
	v.SetDefault("relay.token_method", provider.MethodGet)
	v.SetDefault("relay.callback_url", "")
	v.SetDefault("relay.route_prefix", "")
	v.SetDefault("relay.scopes", []string{})
	v.SetDefault("relay.cache_ttl_seconds", 300.0)
	v.SetDefault("relay.authorized_domains", []string{})
	v.SetDefault("relay.provider_timeout", "10s")
	v.SetDefault("relay.state_backend", state.BackendMemory)
	setTLSDefaults(v, "relay.provider_tls")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "30s")
	setTLSDefaults(v, "http.tls")
	v.SetDefault("health.port", 9090)

	redis := cache.DefaultConfig()
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.address", redis.Address)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", redis.DB)
	v.SetDefault("redis.pool_size", redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", redis.DialTimeout.String())
	v.SetDefault("redis.read_timeout", redis.ReadTimeout.String())
	v.SetDefault("redis.write_timeout", redis.WriteTimeout.String())
	v.SetDefault("redis.max_retries", redis.MaxRetries)
	v.SetDefault("redis.key_prefix", redis.KeyPrefix)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relay")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "relay")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("consul.address", "localhost:8500")
	v.SetDefault("consul.token", "")
	v.SetDefault("consul.datacenter", "")
	v.SetDefault("consul.key_prefix", "relay/states/")

	nats := events.DefaultConfig()
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", nats.Name)
	v.SetDefault("nats.max_reconnects", nats.MaxReconnects)
	v.SetDefault("nats.reconnect_wait", nats.ReconnectWait.String())
	v.SetDefault("nats.timeout", nats.Timeout.String())
	v.SetDefault("nats.drain_timeout", nats.DrainTimeout.String())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.environment", "development")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "relay")
	v.SetDefault("tracing.service_version", "")
	v.SetDefault("tracing.environment", "")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.insecure", true)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests_per_second", 10.0)
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("ratelimit.trust_proxy_headers", false)

	cb := circuitbreaker.DefaultConfig()
	v.SetDefault("circuit_breaker.enabled", cb.Enabled)
	v.SetDefault("circuit_breaker.failure_threshold", cb.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", cb.SuccessThreshold)
	v.SetDefault("circuit_breaker.timeout", cb.Timeout.String())
	v.SetDefault("circuit_breaker.max_half_open_requests", cb.MaxHalfOpenRequests)

	v.SetDefault("cleanup.schedule", "0 */5 * * * *")
	v.SetDefault("cleanup.timeout", "30s")
}

func setTLSDefaults(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+".enabled", false)
	v.SetDefault(prefix+".cert_file", "")
	v.SetDefault(prefix+".key_file", "")
	v.SetDefault(prefix+".ca_file", "")
	v.SetDefault(prefix+".insecure_skip_verify", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Defaults returns the configuration with every key at its default value.
// It is not validated.
func Defaults() *Config {
	var cfg Config
	v := viper.New()
	setDefaults(v)
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: decoding defaults: %v", err))
	}
	return &cfg
}

// Load reads the configuration. With an empty path relay.yaml is looked up
// in ., ./configs and /etc/relay, and a missing file is not an error.
// Environment variables override file values. The result is validated.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/relay")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func invalid(key, description string) error {
	return errors.Validation(errors.LocationConfig, key, description)
}

// Validate checks the configuration, normalizes the route prefix and
// token method, and compiles the redirect allow-list. Provider settings
// are only required while the relay is enabled.
func (c *Config) Validate() error {
	r := &c.Relay

	r.TokenMethod = strings.ToUpper(strings.TrimSpace(r.TokenMethod))
	if r.TokenMethod == "" {
		r.TokenMethod = provider.MethodGet
	}
	if r.TokenMethod != provider.MethodGet && r.TokenMethod != provider.MethodPost {
		return invalid("relay.token_method", "must be GET or POST")
	}

	r.RoutePrefix = strings.TrimRight(strings.TrimSpace(r.RoutePrefix), "/")
	if r.RoutePrefix != "" && !strings.HasPrefix(r.RoutePrefix, "/") {
		r.RoutePrefix = "/" + r.RoutePrefix
	}

	if r.CacheTTLSeconds <= 0 {
		return invalid("relay.cache_ttl_seconds", "must be positive")
	}
	if r.ProviderTimeout <= 0 {
		return invalid("relay.provider_timeout", "must be positive")
	}

	r.StateBackend = strings.ToLower(strings.TrimSpace(r.StateBackend))
	switch r.StateBackend {
	case state.BackendMemory, state.BackendRedis, state.BackendPostgres, state.BackendConsul:
	default:
		return invalid("relay.state_backend", "must be one of memory, redis, postgres, consul")
	}

	allow, err := redirect.NewAllowList(r.AuthorizedDomains)
	if err != nil {
		return invalid("relay.authorized_domains", err.Error())
	}
	c.allowList = allow

	if r.CallbackURL != "" && !isAbsoluteURL(r.CallbackURL) {
		return invalid("relay.callback_url", "must be an absolute URL")
	}

	if r.Enabled {
		if r.ClientID == "" {
			return invalid("relay.client_id", "is required")
		}
		if r.ClientSecret == "" {
			return invalid("relay.client_secret", "is required")
		}
		if !isAbsoluteURL(r.AuthorizationEndpoint) {
			return invalid("relay.authorization_endpoint", "must be an absolute URL")
		}
		if !isAbsoluteURL(r.TokenEndpoint) {
			return invalid("relay.token_endpoint", "must be an absolute URL")
		}
	}

	if c.HTTP.TLS.Enabled && (c.HTTP.TLS.CertFile == "" || c.HTTP.TLS.KeyFile == "") {
		return invalid("http.tls", "cert_file and key_file are required when enabled")
	}

	if !validPort(c.HTTP.Port) {
		return invalid("http.port", "must be between 1 and 65535")
	}
	if !validPort(c.Health.Port) {
		return invalid("health.port", "must be between 1 and 65535")
	}
	if c.HTTP.Port == c.Health.Port {
		return invalid("health.port", "must differ from http.port")
	}

	if c.Cleanup.Schedule != "" {
		if _, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(c.Cleanup.Schedule); err != nil {
			return invalid("cleanup.schedule", err.Error())
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return invalid("ratelimit", "requests_per_second and burst must be positive")
	}

	return nil
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// AllowList returns the compiled redirect allow-list. It is nil until
// Validate succeeds.
func (c *Config) AllowList() *redirect.AllowList {
	return c.allowList
}

// CacheTTL returns how long a login state stays redeemable.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Relay.CacheTTLSeconds * float64(time.Second))
}

// StateConfig returns the state store settings.
func (c *Config) StateConfig() state.Config {
	return state.Config{
		Backend:  c.Relay.StateBackend,
		Redis:    c.Redis,
		Postgres: c.Database,
		Consul:   c.Consul,
	}
}

// ProviderConfig returns the token endpoint settings.
func (c *Config) ProviderConfig() provider.Config {
	return provider.Config{
		ClientID:      c.Relay.ClientID,
		ClientSecret:  c.Relay.ClientSecret,
		TokenEndpoint: c.Relay.TokenEndpoint,
		Method:        c.Relay.TokenMethod,
		Timeout:       c.Relay.ProviderTimeout,
	}
}

// ProviderHTTPClient returns the HTTP client for the token endpoint, or nil
// when the default client will do.
func (c *Config) ProviderHTTPClient() (*http.Client, error) {
	t := c.Relay.ProviderTLS
	if t.CAFile == "" && t.CertFile == "" && !t.InsecureSkipVerify {
		return nil, nil
	}
	return relaytls.HTTPClient(t, c.Relay.ProviderTimeout)
}

// HTTPAddr returns the relay listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// HealthAddr returns the health and metrics listen address.
func (c *Config) HealthAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.Health.Port)
}
