package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/relay/services/shared/errors"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Relay.ClientID = "client-id"
	cfg.Relay.ClientSecret = "s3cret"
	cfg.Relay.AuthorizationEndpoint = "https://provider.example.net/authorize"
	cfg.Relay.TokenEndpoint = "https://provider.example.net/token"
	cfg.Relay.AuthorizedDomains = []string{"*.example.com"}
	return cfg
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.True(t, cfg.Relay.Enabled)
	assert.Equal(t, "GET", cfg.Relay.TokenMethod)
	assert.Equal(t, 300.0, cfg.Relay.CacheTTLSeconds)
	assert.Equal(t, 10*time.Second, cfg.Relay.ProviderTimeout)
	assert.Equal(t, "memory", cfg.Relay.StateBackend)
	assert.Empty(t, cfg.Relay.AuthorizedDomains)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 9090, cfg.Health.Port)
	assert.Equal(t, "relay:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 5*time.Second, cfg.Redis.DialTimeout)
	assert.Equal(t, "relay/states/", cfg.Consul.KeyPrefix)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitBreaker.Timeout)
	assert.Equal(t, "0 */5 * * * *", cfg.Cleanup.Schedule)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL())
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
relay:
  client_id: abc
  client_secret: shh
  authorization_endpoint: https://provider.example.net/authorize
  token_endpoint: https://provider.example.net/token
  token_method: post
  route_prefix: oauth/
  scopes: [profile, email]
  cache_ttl_seconds: 0.5
  authorized_domains:
    - "*.example.com"
    - "localhost:*"
  state_backend: Redis
redis:
  address: redis:6379
http:
  port: 8000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.Relay.ClientID)
	assert.Equal(t, "POST", cfg.Relay.TokenMethod)
	assert.Equal(t, "/oauth", cfg.Relay.RoutePrefix)
	assert.Equal(t, []string{"profile", "email"}, cfg.Relay.Scopes)
	assert.Equal(t, 500*time.Millisecond, cfg.CacheTTL())
	assert.Equal(t, "redis", cfg.Relay.StateBackend)
	assert.Equal(t, "redis:6379", cfg.StateConfig().Redis.Address)
	assert.Equal(t, "0.0.0.0:8000", cfg.HTTPAddr())

	require.NotNil(t, cfg.AllowList())
	assert.True(t, cfg.AllowList().Allowed("app.example.com"))
	assert.True(t, cfg.AllowList().Allowed("localhost:3000"))
	assert.False(t, cfg.AllowList().Allowed("evil.test"))

	pc := cfg.ProviderConfig()
	assert.Equal(t, "shh", pc.ClientSecret)
	assert.Equal(t, "POST", pc.Method)
	assert.Equal(t, 10*time.Second, pc.Timeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
relay:
  client_id: from-file
  client_secret: shh
  authorization_endpoint: https://provider.example.net/authorize
  token_endpoint: https://provider.example.net/token
`)
	t.Setenv("RELAY_RELAY_CLIENT_ID", "from-env")
	t.Setenv("RELAY_RELAY_AUTHORIZED_DOMAINS", "a.example.com,b.example.com")
	t.Setenv("RELAY_HEALTH_PORT", "9191")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Relay.ClientID)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.Relay.AuthorizedDomains)
	assert.Equal(t, 9191, cfg.Health.Port)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_NoFileDisabledRelay(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("RELAY_RELAY_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Relay.Enabled)
	assert.NotNil(t, cfg.AllowList())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"missing client id", func(c *Config) { c.Relay.ClientID = "" }, "relay.client_id"},
		{"missing client secret", func(c *Config) { c.Relay.ClientSecret = "" }, "relay.client_secret"},
		{"relative authorization endpoint", func(c *Config) { c.Relay.AuthorizationEndpoint = "/authorize" }, "relay.authorization_endpoint"},
		{"missing token endpoint", func(c *Config) { c.Relay.TokenEndpoint = "" }, "relay.token_endpoint"},
		{"bad token method", func(c *Config) { c.Relay.TokenMethod = "PUT" }, "relay.token_method"},
		{"zero ttl", func(c *Config) { c.Relay.CacheTTLSeconds = 0 }, "relay.cache_ttl_seconds"},
		{"unknown backend", func(c *Config) { c.Relay.StateBackend = "etcd" }, "relay.state_backend"},
		{"bad glob", func(c *Config) { c.Relay.AuthorizedDomains = []string{"[a-"} }, "relay.authorized_domains"},
		{"relative callback", func(c *Config) { c.Relay.CallbackURL = "/callback" }, "relay.callback_url"},
		{"port clash", func(c *Config) { c.Health.Port = c.HTTP.Port }, "health.port"},
		{"tls without cert", func(c *Config) { c.HTTP.TLS.Enabled = true }, "http.tls"},
		{"bad schedule", func(c *Config) { c.Cleanup.Schedule = "every now and then" }, "cleanup.schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			appErr := errors.From(err)
			assert.Equal(t, errors.CodeInvalidInput, appErr.Code)
			require.Len(t, appErr.Fields, 1)
			assert.Equal(t, tt.key, appErr.Fields[0].Name)
			assert.Equal(t, errors.LocationConfig, appErr.Fields[0].Location)
		})
	}
}

func TestValidate_DisabledSkipsProviderSettings(t *testing.T) {
	cfg := Defaults()
	cfg.Relay.Enabled = false

	require.NoError(t, cfg.Validate())
	assert.NotNil(t, cfg.AllowList())
}

func TestProviderHTTPClient(t *testing.T) {
	cfg := validConfig()
	client, err := cfg.ProviderHTTPClient()
	require.NoError(t, err)
	assert.Nil(t, client)

	cfg.Relay.ProviderTLS.InsecureSkipVerify = true
	client, err = cfg.ProviderHTTPClient()
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, cfg.Relay.ProviderTimeout, client.Timeout)

	cfg.Relay.ProviderTLS.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = cfg.ProviderHTTPClient()
	assert.Error(t, err)
}
