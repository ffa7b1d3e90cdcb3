// Package metrics provides Prometheus metrics collection for the relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Common labels used across metrics.
const (
	LabelService   = "service"
	LabelMethod    = "method"
	LabelPath      = "path"
	LabelStatus    = "status"
	LabelResult    = "result"
	LabelOutcome   = "outcome"
	LabelComponent = "component"
)

// Metrics contains all Prometheus metrics for a service.
type Metrics struct {
	serviceName string
	registry    *prometheus.Registry

	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Relay protocol metrics
	loginsTotal      *prometheus.CounterVec
	callbacksTotal   *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	statesPurged     prometheus.Counter

	// Circuit breaker metrics
	circuitBreakerState *prometheus.GaugeVec
	circuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	rateLimitDropped *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	ServiceName string
	Namespace   string
	Subsystem   string
}

// New creates a new Metrics instance backed by its own registry.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "relay"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		serviceName: cfg.ServiceName,
		registry:    registry,
	}

	factory := promauto.With(registry)

	m.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{LabelService, LabelMethod, LabelPath, LabelStatus},
	)

	m.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelMethod, LabelPath, LabelStatus},
	)

	m.httpRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed.",
		},
	)

	m.loginsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "logins_total",
			Help:      "Login redirects by result.",
		},
		[]string{LabelResult},
	)

	m.callbacksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "callbacks_total",
			Help:      "Provider callbacks by result.",
		},
		[]string{LabelResult},
	)

	m.providerDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "provider_exchange_duration_seconds",
			Help:      "Token endpoint round-trip latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelOutcome},
	)

	m.statesPurged = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "states_purged_total",
			Help:      "Expired correlation states removed by the cleanup job.",
		},
	)

	m.circuitBreakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		},
		[]string{LabelComponent},
	)

	m.circuitBreakerTrips = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker trips.",
		},
		[]string{LabelComponent},
	)

	m.rateLimitDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rate_limit_dropped_total",
			Help:      "Total number of requests dropped due to rate limiting.",
		},
		[]string{LabelPath},
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// --- HTTP Metrics ---

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(m.serviceName, method, path, statusStr).Inc()
	m.httpRequestDuration.WithLabelValues(m.serviceName, method, path, statusStr).Observe(duration.Seconds())
}

// HTTPRequestsInFlight adjusts the in-flight gauge.
func (m *Metrics) HTTPRequestsInFlight(delta float64) {
	m.httpRequestsInFlight.Add(delta)
}

// --- Relay Metrics ---

// RecordLogin counts a login attempt by result (e.g. "redirected", "invalid").
func (m *Metrics) RecordLogin(result string) {
	m.loginsTotal.WithLabelValues(result).Inc()
}

// RecordCallback counts a callback by result (e.g. "completed", "session_not_found").
func (m *Metrics) RecordCallback(result string) {
	m.callbacksTotal.WithLabelValues(result).Inc()
}

// RecordProviderExchange records the latency of a token exchange.
func (m *Metrics) RecordProviderExchange(outcome string, duration time.Duration) {
	m.providerDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStatesPurged counts expired states removed by the cleanup job.
func (m *Metrics) RecordStatesPurged(n int64) {
	m.statesPurged.Add(float64(n))
}

// --- Circuit Breaker Metrics ---

// SetCircuitBreakerState sets the circuit breaker state gauge.
func (m *Metrics) SetCircuitBreakerState(component string, state int) {
	m.circuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker trip.
func (m *Metrics) RecordCircuitBreakerTrip(component string) {
	m.circuitBreakerTrips.WithLabelValues(component).Inc()
}

// --- Rate Limiter Metrics ---

// RecordRateLimitDrop records a request dropped by the rate limiter.
func (m *Metrics) RecordRateLimitDrop(path string) {
	m.rateLimitDropped.WithLabelValues(path).Inc()
}

// --- Middleware ---

// HTTPMiddleware returns an HTTP middleware that records request metrics.
// The route template is used as the path label when available so that
// cardinality stays bounded.
func (m *Metrics) HTTPMiddleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.HTTPRequestsInFlight(1)
			defer m.HTTPRequestsInFlight(-1)

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if route != nil {
				if tpl := route(r); tpl != "" {
					path = tpl
				}
			}
			m.RecordHTTPRequest(r.Method, path, wrapped.status, time.Since(start))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
