// Package main is the entry point for the OAuth relay service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlossalguero/relay/services/relay/internal/config"
	"github.com/carlossalguero/relay/services/relay/internal/provider"
	"github.com/carlossalguero/relay/services/relay/internal/server"
	"github.com/carlossalguero/relay/services/relay/internal/service"
	"github.com/carlossalguero/relay/services/relay/internal/state"
	"github.com/carlossalguero/relay/services/shared/circuitbreaker"
	"github.com/carlossalguero/relay/services/shared/events"
	"github.com/carlossalguero/relay/services/shared/health"
	"github.com/carlossalguero/relay/services/shared/logger"
	"github.com/carlossalguero/relay/services/shared/metrics"
	"github.com/carlossalguero/relay/services/shared/middleware"
	"github.com/carlossalguero/relay/services/shared/scheduler"
	relaytls "github.com/carlossalguero/relay/services/shared/tls"
	"github.com/carlossalguero/relay/services/shared/tracing"
)

const serviceName = "relay"

// buildVersion is set at link time.
var buildVersion string

func main() {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to the YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logger.Default().Error("relay stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	// Initialize logger
	logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: serviceName,
		Environment: cfg.Log.Environment,
	})

	log := logger.Default()
	log.Info("starting relay service",
		"enabled", cfg.Relay.Enabled,
		"state_backend", cfg.Relay.StateBackend,
		"token_method", cfg.Relay.TokenMethod,
		"route_prefix", cfg.Relay.RoutePrefix,
	)
	if cfg.Relay.Enabled && len(cfg.AllowList().Patterns()) == 0 {
		log.Warn("relay.authorized_domains is empty, every login will be rejected")
	}

	// Initialize tracing
	var tracingCleanup func(context.Context) error
	if cfg.Tracing.Enabled {
		tcfg := cfg.Tracing
		if tcfg.ServiceVersion == "" {
			tcfg.ServiceVersion = version()
		}
		if tcfg.Environment == "" {
			tcfg.Environment = cfg.Log.Environment
		}
		var err error
		tracingCleanup, err = tracing.InitGlobal(tcfg)
		if err != nil {
			log.Error("failed to initialize tracing", "error", err)
		} else {
			log.Info("tracing initialized", "endpoint", tcfg.Endpoint)
		}
	}

	// Initialize metrics
	metricsInstance := metrics.New(metrics.Config{
		ServiceName: serviceName,
		Namespace:   "relay",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize state store
	store, err := state.Open(ctx, cfg.StateConfig(), log)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("state store close error", "error", err)
		}
	}()

	// Initialize token endpoint client
	breakerCfg := cfg.CircuitBreaker
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		log.Warn("circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
		metricsInstance.SetCircuitBreakerState(name, int(to))
		if to == circuitbreaker.StateOpen {
			metricsInstance.RecordCircuitBreakerTrip(name)
		}
	}
	breaker := circuitbreaker.New(provider.BreakerName, breakerCfg)

	providerOpts := []provider.Option{provider.WithLogger(log)}
	providerHTTP, err := cfg.ProviderHTTPClient()
	if err != nil {
		return fmt.Errorf("configuring token endpoint TLS: %w", err)
	}
	if providerHTTP != nil {
		providerOpts = append(providerOpts, provider.WithHTTPClient(providerHTTP))
	}

	tokenClient, err := provider.New(cfg.ProviderConfig(), providerOpts...)
	if err != nil {
		return fmt.Errorf("creating provider client: %w", err)
	}

	// Initialize NATS client (optional - service works without it)
	var eventsClient *events.Client
	if cfg.NATS.URL != "" {
		var err error
		eventsClient, err = events.New(cfg.NATS, log)
		if err != nil {
			log.Warn("failed to connect to NATS, continuing without events", "error", err)
		} else {
			log.Info("connected to NATS", "url", cfg.NATS.URL)
		}
	}
	var publisher service.EventPublisher
	if eventsClient != nil {
		publisher = eventsClient
	}

	// Initialize relay service
	relayService := service.New(service.Config{
		Settings: service.Settings{
			Enabled:               cfg.Relay.Enabled,
			ClientID:              cfg.Relay.ClientID,
			AuthorizationEndpoint: cfg.Relay.AuthorizationEndpoint,
			Scopes:                cfg.Relay.Scopes,
			CacheTTL:              cfg.CacheTTL(),
		},
		AllowList: cfg.AllowList(),
		Store:     store,
		Provider:  provider.NewGuarded(tokenClient, breaker, metricsInstance),
		Events:    publisher,
		Logger:    log,
		Metrics:   metricsInstance,
	})

	// Initialize health checker
	healthChecker := health.NewChecker(
		health.WithVersion(version()),
		health.WithTimeout(5*time.Second),
	)
	healthChecker.Register("relay", health.FeatureCheck(relayService.Enabled))
	healthChecker.Register("state_store", health.PingCheck("state store", store.Ping))
	healthChecker.Register(provider.BreakerName, health.CircuitBreakerCheck(breaker))
	if eventsClient != nil {
		healthChecker.Register("nats", health.ConnectedCheck("nats", eventsClient.IsConnected))
	}

	// Schedule expiry sweeps for backends without native TTLs
	sched := scheduler.New(log)
	if purger, ok := store.(state.Purger); ok && cfg.Cleanup.Schedule != "" {
		err := sched.AddJob("purge-expired-states", cfg.Cleanup.Schedule, cfg.Cleanup.Timeout, func(ctx context.Context) error {
			n, err := purger.PurgeExpired(ctx)
			if err != nil {
				return err
			}
			metricsInstance.RecordStatesPurged(n)
			if n > 0 {
				log.Info("purged expired login states", "count", n)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scheduling state cleanup: %w", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	// Rate limit logins per client
	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit)
		limiter.SetMetrics(metricsInstance)
		defer limiter.Stop()
	}

	srv := server.New(server.Config{
		Relay:       relayService,
		RoutePrefix: cfg.Relay.RoutePrefix,
		CallbackURL: cfg.Relay.CallbackURL,
		ServiceName: serviceName,
		Logger:      log,
		Metrics:     metricsInstance,
		RateLimiter: limiter,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	if cfg.HTTP.TLS.Enabled {
		tlsConfig, err := relaytls.ServerTLSConfig(cfg.HTTP.TLS)
		if err != nil {
			return fmt.Errorf("configuring TLS: %w", err)
		}
		httpServer.TLSConfig = tlsConfig
	}

	// Health check server with metrics endpoint
	healthMux := http.NewServeMux()
	healthMux.Handle("/health", healthChecker.Handler())
	healthMux.Handle("/health/", healthChecker.Handler())
	healthMux.Handle("/metrics", metricsInstance.Handler())
	healthServer := &http.Server{
		Addr:              cfg.HealthAddr(),
		Handler:           healthMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)
	go func() {
		log.Info("starting HTTP server", "address", httpServer.Addr, "tls", httpServer.TLSConfig != nil)
		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	go func() {
		log.Info("starting health/metrics server", "address", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("health server: %w", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("received shutdown signal", "signal", sig.String())
	case runErr = <-serverErr:
		log.Error("server failed", "error", runErr)
	}

	log.Info("shutting down servers...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Error("health server shutdown error", "error", err)
	}

	// Close NATS connection
	if eventsClient != nil {
		if err := eventsClient.Close(); err != nil {
			log.Error("NATS client close error", "error", err)
		}
	}

	// Shutdown tracing
	if tracingCleanup != nil {
		if err := tracingCleanup(shutdownCtx); err != nil {
			log.Error("tracing shutdown error", "error", err)
		}
	}

	log.Info("servers stopped")
	return runErr
}

func version() string {
	if buildVersion != "" {
		return buildVersion
	}
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}
