package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/carlossalguero/relay/services/shared/errors"
	"github.com/carlossalguero/relay/services/shared/metrics"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	// TrustProxyHeaders keys clients by X-Forwarded-For / X-Real-IP.
	// Only enable behind a proxy that overwrites them.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers"`
}

// RateLimiter implements a per-client token bucket rate limiter.
type RateLimiter struct {
	mu           sync.Mutex
	limiters     map[string]*clientLimiter
	rate         rate.Limit
	burst        int
	trustProxy   bool
	cleanupEvery time.Duration
	idleAfter    time.Duration
	stopCleanup  chan struct{}
	stopOnce     sync.Once
	metrics      *metrics.Metrics
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter and starts its cleanup goroutine.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	rl := &RateLimiter{
		limiters:     make(map[string]*clientLimiter),
		rate:         rate.Limit(cfg.RequestsPerSecond),
		burst:        cfg.Burst,
		trustProxy:   cfg.TrustProxyHeaders,
		cleanupEvery: time.Minute,
		idleAfter:    3 * time.Minute,
		stopCleanup:  make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// SetMetrics sets the metrics instance for recording dropped requests.
func (rl *RateLimiter) SetMetrics(m *metrics.Metrics) {
	rl.metrics = m
}

// Allow checks if a request should be allowed for the given key.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	limiter, exists := rl.limiters[key]
	if !exists {
		limiter = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = limiter
	}
	limiter.lastSeen = time.Now()
	rl.mu.Unlock()

	return limiter.limiter.Allow()
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle(time.Now())
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, limiter := range rl.limiters {
		if now.Sub(limiter.lastSeen) > rl.idleAfter {
			delete(rl.limiters, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Middleware returns HTTP middleware that rate limits requests per client IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rl.clientIP(r)) {
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitDrop(r.URL.Path)
			}
			w.Header().Set("Retry-After", "1")
			errors.WriteJSON(w, errors.RateLimited("too many requests"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) clientIP(r *http.Request) string {
	if rl.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
