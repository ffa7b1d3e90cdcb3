package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/carlossalguero/relay/services/shared/logger"
)

// maxBodyBytes bounds how much of a token endpoint response is read.
const maxBodyBytes = 1 << 20

// Option configures a client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	log        *logger.Logger
}

// WithHTTPClient sets the HTTP client used to reach the token endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

func buildOptions(cfg Config, opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		o.httpClient = &http.Client{Timeout: timeout}
	}
	if o.log == nil {
		o.log = logger.Default()
	}
	o.log = o.log.WithComponent("provider")
	return o
}

// HTTPClient performs the exchange as a single GET with the credentials,
// redirect URI and code in the query string.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
	log        *logger.Logger
}

// NewHTTPClient creates a GET-based client.
func NewHTTPClient(cfg Config, opts ...Option) *HTTPClient {
	o := buildOptions(cfg, opts)
	return &HTTPClient{
		cfg:        cfg,
		httpClient: o.httpClient,
		log:        o.log,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Exchange implements Client.
func (c *HTTPClient) Exchange(ctx context.Context, code, redirectURI string) Result {
	endpoint, err := url.Parse(c.cfg.TokenEndpoint)
	if err != nil {
		return Unavailable(fmt.Errorf("parsing token endpoint: %w", err))
	}

	q := endpoint.Query()
	q.Set("client_id", c.cfg.ClientID)
	q.Set("client_secret", c.cfg.ClientSecret)
	q.Set("redirect_uri", redirectURI)
	q.Set("code", code)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Unavailable(fmt.Errorf("creating token request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL in *url.Error carries the client secret.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return Unavailable(fmt.Errorf("calling token endpoint: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Unavailable(fmt.Errorf("reading token response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		c.log.ErrorContext(ctx, "token endpoint rejected authorization code",
			"status", resp.StatusCode,
			"body", truncate(body, 512),
		)
		return ValidationFailure(fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Unavailable(fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(body, 512)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Unavailable(fmt.Errorf("decoding token response: %w", err))
	}
	if tr.AccessToken == "" {
		return Unavailable(fmt.Errorf("token response has no access_token"))
	}

	return Token(tr.AccessToken)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
