// Package service implements the two halves of the relay: starting a login
// at the identity provider and completing it when the provider calls back.
package service

import (
	"context"
	stderrors "errors"
	"net/url"
	"strings"
	"time"

	"github.com/carlossalguero/relay/services/relay/internal/provider"
	"github.com/carlossalguero/relay/services/relay/internal/redirect"
	"github.com/carlossalguero/relay/services/relay/internal/state"
	"github.com/carlossalguero/relay/services/shared/errors"
	"github.com/carlossalguero/relay/services/shared/events"
	"github.com/carlossalguero/relay/services/shared/logger"
	"github.com/carlossalguero/relay/services/shared/metrics"
	"github.com/carlossalguero/relay/services/shared/tracing"
)

// User-facing messages.
const (
	MsgSessionNotFound      = "The OAuth session was not found, please re-authenticate."
	MsgCodeValidationFailed = "OAuth code validation failed."
	MsgProviderUnavailable  = "The identity provider is unavailable, please try again later."
	MsgStoreUnavailable     = "The login session store is unavailable, please try again later."
)

// CodeField is the callback query parameter carrying the authorization code.
const CodeField = "code"

// TokenPlaceholder in a stored redirect is replaced by the access token
// instead of appending the token to the end.
const TokenPlaceholder = "{token}"

// Settings holds the provider-facing parameters of the relay.
type Settings struct {
	Enabled               bool
	ClientID              string
	AuthorizationEndpoint string
	Scopes                []string
	CacheTTL              time.Duration
}

// EventPublisher publishes relay lifecycle events.
type EventPublisher interface {
	PublishRelayEvent(ctx context.Context, eventType string, data map[string]any) error
	IsConnected() bool
}

// Config holds the service dependencies.
type Config struct {
	Settings  Settings
	AllowList *redirect.AllowList
	Store     state.Store
	Provider  provider.Client
	Events    EventPublisher
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
}

// Service provides the relay business logic. It holds no per-request state;
// the state store is the only shared mutable resource.
type Service struct {
	settings Settings
	allow    *redirect.AllowList
	store    state.Store
	provider provider.Client
	events   EventPublisher
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// New creates a new relay service.
func New(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	allow := cfg.AllowList
	if allow == nil {
		allow, _ = redirect.NewAllowList(nil)
	}
	return &Service{
		settings: cfg.Settings,
		allow:    allow,
		store:    cfg.Store,
		provider: cfg.Provider,
		events:   cfg.Events,
		log:      log.WithComponent("relay"),
		metrics:  cfg.Metrics,
	}
}

// Enabled reports whether the relay is switched on.
func (s *Service) Enabled() bool {
	return s.settings.Enabled
}

// LoginInput holds the input for starting a login.
type LoginInput struct {
	// Redirect is where the browser goes once a token has been obtained.
	Redirect string
	// CallbackURL is the redirect_uri registered with the provider.
	CallbackURL string
}

// Login validates the redirect target, records it under a fresh state token
// and returns the provider authorization URL to send the browser to.
// Nothing is stored when the redirect target is rejected.
func (s *Service) Login(ctx context.Context, in LoginInput) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "relay.Login")
	defer span.End()

	target, err := s.allow.Validate(in.Redirect)
	if err != nil {
		s.recordLogin("invalid")
		tracing.WithOutcome(span, "invalid")
		return "", err
	}

	token, err := state.NewToken()
	if err != nil {
		s.recordLogin("error")
		tracing.WithError(span, err)
		return "", errors.InternalWrap("generating state token", err)
	}

	if err := s.store.Set(ctx, token, target, s.settings.CacheTTL); err != nil {
		s.log.ErrorContext(ctx, "failed to store login state", "error", err)
		s.recordLogin("store_error")
		tracing.WithError(span, err)
		return "", errors.Wrap(errors.CodeUnavailable, MsgStoreUnavailable, err)
	}

	location, err := s.authorizationURL(token, in.CallbackURL)
	if err != nil {
		// The entry just written can never be redeemed.
		_ = s.store.Delete(ctx, token)
		s.recordLogin("error")
		tracing.WithError(span, err)
		return "", errors.InternalWrap("building authorization URL", err)
	}

	s.recordLogin("redirected")
	tracing.WithOutcome(span, "redirected")
	s.publishEvent(ctx, events.EventLoginStarted, map[string]any{
		"redirect_host": hostOf(target),
	})

	return location, nil
}

// authorizationURL appends the authorization request parameters to the
// configured endpoint, keeping any query it already has.
func (s *Service) authorizationURL(token, callbackURL string) (string, error) {
	u, err := url.Parse(s.settings.AuthorizationEndpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("client_id", s.settings.ClientID)
	q.Set("redirect_uri", callbackURL)
	q.Set("state", token)
	if len(s.settings.Scopes) > 0 {
		q.Set("scope", strings.Join(s.settings.Scopes, " "))
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// CallbackInput holds the parameters the provider sends back.
type CallbackInput struct {
	Code  string
	State string
	// CallbackURL must equal the one sent on the authorization request.
	CallbackURL string
}

// Callback redeems a state token, exchanges the authorization code for an
// access token and returns the web application URL carrying the token.
//
// A state token is honoured at most once. Unknown, expired and already used
// tokens are indistinguishable and never reach the provider.
func (s *Service) Callback(ctx context.Context, in CallbackInput) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "relay.Callback")
	defer span.End()

	if in.State == "" {
		s.callbackFailed(ctx, "session_not_found")
		tracing.WithOutcome(span, "session_not_found")
		return "", errors.SessionNotFound(MsgSessionNotFound)
	}

	target, err := s.store.Consume(ctx, in.State)
	switch {
	case stderrors.Is(err, state.ErrNotFound):
		s.callbackFailed(ctx, "session_not_found")
		tracing.WithOutcome(span, "session_not_found")
		return "", errors.SessionNotFound(MsgSessionNotFound)
	case err != nil:
		s.log.ErrorContext(ctx, "failed to read login state", "error", err)
		s.callbackFailed(ctx, "store_error")
		tracing.WithError(span, err)
		return "", errors.Wrap(errors.CodeUnavailable, MsgStoreUnavailable, err)
	}

	res := s.provider.Exchange(ctx, in.Code, in.CallbackURL)
	switch res.Kind {
	case provider.KindToken:
	case provider.KindValidationFailure:
		s.callbackFailed(ctx, "code_rejected")
		tracing.WithOutcome(span, "code_rejected")
		return "", errors.Validation(errors.LocationQueryString, CodeField, MsgCodeValidationFailed)
	default:
		if stderrors.Is(res.Err, provider.ErrCircuitOpen) {
			s.log.WarnContext(ctx, "token endpoint circuit open", "error", res.Err)
			s.callbackFailed(ctx, "circuit_open")
			tracing.WithError(span, res.Err)
			return "", errors.CircuitOpen(MsgProviderUnavailable, res.Err)
		}
		s.log.ErrorContext(ctx, "token exchange failed",
			"outcome", res.Kind.String(),
			"error", res.Err,
		)
		s.callbackFailed(ctx, "provider_unavailable")
		tracing.WithError(span, res.Err)
		return "", errors.Wrap(errors.CodeUnavailable, MsgProviderUnavailable, res.Err)
	}

	s.recordCallback("completed")
	tracing.WithOutcome(span, "completed")
	tracing.WithSuccess(span)
	s.publishEvent(ctx, events.EventLoginCompleted, map[string]any{
		"redirect_host": hostOf(target),
	})

	return AttachToken(target, res.AccessToken), nil
}

// AttachToken returns target with the access token appended verbatim, or
// substituted for TokenPlaceholder when target contains it.
func AttachToken(target, token string) string {
	if strings.Contains(target, TokenPlaceholder) {
		return strings.ReplaceAll(target, TokenPlaceholder, url.QueryEscape(token))
	}
	return target + token
}

func (s *Service) callbackFailed(ctx context.Context, reason string) {
	s.recordCallback(reason)
	s.publishEvent(ctx, events.EventLoginFailed, map[string]any{
		"reason": reason,
	})
}

func (s *Service) recordLogin(result string) {
	if s.metrics != nil {
		s.metrics.RecordLogin(result)
	}
}

func (s *Service) recordCallback(result string) {
	if s.metrics != nil {
		s.metrics.RecordCallback(result)
	}
}

// publishEvent publishes an event if the events client is available. Event
// data never carries codes or tokens.
func (s *Service) publishEvent(ctx context.Context, eventType string, data map[string]any) {
	if s.events == nil || !s.events.IsConnected() {
		return
	}
	if traceID := tracing.TraceIDFromContext(ctx); traceID != "" {
		data["trace_id"] = traceID
	}
	go func() {
		if err := s.events.PublishRelayEvent(context.Background(), eventType, data); err != nil {
			s.log.Warn("failed to publish event", "type", eventType, "error", err)
		}
	}()
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
