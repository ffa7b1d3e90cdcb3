// Package server exposes the relay over HTTP.
package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/carlossalguero/relay/services/relay/internal/redirect"
	"github.com/carlossalguero/relay/services/relay/internal/service"
	"github.com/carlossalguero/relay/services/shared/errors"
	"github.com/carlossalguero/relay/services/shared/logger"
	"github.com/carlossalguero/relay/services/shared/metrics"
	"github.com/carlossalguero/relay/services/shared/middleware"
)

// Route suffixes, appended to the configured prefix.
const (
	LoginPath    = "/login"
	CallbackPath = "/callback"
)

// Relay is the business logic behind the HTTP surface.
type Relay interface {
	Enabled() bool
	Login(ctx context.Context, in service.LoginInput) (string, error)
	Callback(ctx context.Context, in service.CallbackInput) (string, error)
}

// Config holds the server dependencies.
type Config struct {
	Relay Relay
	// RoutePrefix is prepended to every route, e.g. "/oauth".
	RoutePrefix string
	// CallbackURL overrides the redirect_uri derived from the request.
	CallbackURL string
	ServiceName string
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
	// RateLimiter, when set, guards the login route.
	RateLimiter *middleware.RateLimiter
}

// Server routes relay requests.
type Server struct {
	relay       Relay
	prefix      string
	callbackURL string
	serviceName string
	log         *logger.Logger
	metrics     *metrics.Metrics
	limiter     *middleware.RateLimiter
}

// New creates a new server.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "relay"
	}
	return &Server{
		relay:       cfg.Relay,
		prefix:      cfg.RoutePrefix,
		callbackURL: cfg.CallbackURL,
		serviceName: cfg.ServiceName,
		log:         log.WithComponent("http"),
		metrics:     cfg.Metrics,
		limiter:     cfg.RateLimiter,
	}
}

// Router returns the route table. The relay routes are only registered
// while the relay is enabled.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		errors.WriteJSON(w, errors.NotFound("not found"))
	})

	if s.metrics != nil {
		r.Use(mux.MiddlewareFunc(s.metrics.HTTPMiddleware(routeTemplate)))
	}

	if !s.relay.Enabled() {
		s.log.Warn("relay is disabled, no routes registered")
		return r
	}

	var login http.Handler = http.HandlerFunc(s.handleLogin)
	if s.limiter != nil {
		login = s.limiter.Middleware(login)
	}

	r.Handle(s.prefix+LoginPath, login).Methods(http.MethodGet)
	r.HandleFunc(s.prefix+CallbackPath, s.handleCallback).Methods(http.MethodGet)

	return r
}

// Handler returns the router wrapped in the request middleware chain.
func (s *Server) Handler() http.Handler {
	return middleware.Chain(s.Router(),
		middleware.Recovery(s.log),
		middleware.RequestID(),
		middleware.Tracing(s.serviceName),
		middleware.Logging(s.log),
		middleware.Security(),
	)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return ""
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has(redirect.Field) {
		errors.WriteJSON(w, missingParams(redirect.Field))
		return
	}

	location, err := s.relay.Login(r.Context(), service.LoginInput{
		Redirect:    q.Get(redirect.Field),
		CallbackURL: s.resolveCallbackURL(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	found(w, location)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var missing []string
	for _, name := range []string{service.CodeField, "state"} {
		if q.Get(name) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		errors.WriteJSON(w, missingParams(missing...))
		return
	}

	location, err := s.relay.Callback(r.Context(), service.CallbackInput{
		Code:        q.Get(service.CodeField),
		State:       q.Get("state"),
		CallbackURL: s.resolveCallbackURL(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	found(w, location)
}

// resolveCallbackURL returns the configured callback URL, or the callback
// route on the host the request arrived at.
func (s *Server) resolveCallbackURL(r *http.Request) string {
	if s.callbackURL != "" {
		return s.callbackURL
	}
	return middleware.Scheme(r) + "://" + r.Host + s.prefix + CallbackPath
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.From(err).HTTPStatusCode() >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	errors.WriteJSON(w, err)
}

func missingParams(names ...string) *errors.Error {
	e := errors.InvalidInput("missing required query parameters")
	for _, name := range names {
		e = e.WithField(errors.LocationQueryString, name, name+" is required")
	}
	return e
}

// found redirects the browser. The location may carry an access token, so
// the response must never be cached.
func found(w http.ResponseWriter, location string) {
	w.Header().Set("Location", location)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusFound)
}
