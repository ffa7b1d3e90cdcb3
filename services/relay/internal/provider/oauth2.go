package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/carlossalguero/relay/services/shared/logger"
)

// OAuth2Client performs a standard RFC 6749 form POST exchange through
// golang.org/x/oauth2, with the credentials in the request body.
type OAuth2Client struct {
	config     *oauth2.Config
	httpClient *http.Client
	log        *logger.Logger
}

// NewOAuth2Client creates a POST-based client.
func NewOAuth2Client(cfg Config, opts ...Option) *OAuth2Client {
	o := buildOptions(cfg, opts)
	return &OAuth2Client{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenEndpoint,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: o.httpClient,
		log:        o.log,
	}
}

// Exchange implements Client.
func (c *OAuth2Client) Exchange(ctx context.Context, code, redirectURI string) Result {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.config.Exchange(ctx, code, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode == http.StatusBadRequest {
			c.log.ErrorContext(ctx, "token endpoint rejected authorization code",
				"status", rerr.Response.StatusCode,
				"error_code", rerr.ErrorCode,
				"body", truncate(rerr.Body, 512),
			)
			return ValidationFailure(fmt.Errorf("token endpoint returned %d", rerr.Response.StatusCode))
		}
		return Unavailable(fmt.Errorf("exchanging code: %w", err))
	}

	return Token(token.AccessToken)
}
