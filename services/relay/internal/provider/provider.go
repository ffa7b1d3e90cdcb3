// Package provider exchanges authorization codes for access tokens at the
// identity provider's token endpoint.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrCircuitOpen marks an exchange refused by the circuit breaker without
// contacting the token endpoint.
var ErrCircuitOpen = errors.New("token endpoint circuit open")

// Kind classifies the outcome of a token exchange.
type Kind int

const (
	// KindToken means the provider issued an access token.
	KindToken Kind = iota + 1
	// KindValidationFailure means the provider rejected the code (HTTP 400).
	KindValidationFailure
	// KindUnavailable covers every other failure: transport errors,
	// timeouts, unexpected statuses and malformed responses.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindValidationFailure:
		return "validation_failure"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Result is the outcome of a token exchange. AccessToken is set only for
// KindToken. Err carries diagnostics for logs and is never shown to users.
type Result struct {
	Kind        Kind
	AccessToken string
	Err         error
}

// Token returns a successful result.
func Token(accessToken string) Result {
	return Result{Kind: KindToken, AccessToken: accessToken}
}

// ValidationFailure returns a result for a code the provider rejected.
func ValidationFailure(err error) Result {
	return Result{Kind: KindValidationFailure, Err: err}
}

// Unavailable returns a result for a provider that could not be used.
func Unavailable(err error) Result {
	return Result{Kind: KindUnavailable, Err: err}
}

// Client exchanges an authorization code for an access token. redirectURI
// must equal the redirect_uri sent on the authorization request.
type Client interface {
	Exchange(ctx context.Context, code, redirectURI string) Result
}

// Token endpoint request methods.
const (
	MethodGet  = http.MethodGet
	MethodPost = http.MethodPost
)

// Config holds the provider credentials and endpoint.
type Config struct {
	ClientID      string
	ClientSecret  string
	TokenEndpoint string
	// Method is GET (query parameters) or POST (form body, via x/oauth2).
	Method  string
	Timeout time.Duration
}

// New returns the client matching cfg.Method.
func New(cfg Config, opts ...Option) (Client, error) {
	switch strings.ToUpper(cfg.Method) {
	case "", MethodGet:
		return NewHTTPClient(cfg, opts...), nil
	case MethodPost:
		return NewOAuth2Client(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported token method %q", cfg.Method)
	}
}
