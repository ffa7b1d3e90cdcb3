package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/carlossalguero/relay/services/shared/circuitbreaker"
	"github.com/carlossalguero/relay/services/shared/metrics"
	"github.com/carlossalguero/relay/services/shared/tracing"
)

// BreakerName identifies the provider's circuit breaker in metrics.
const BreakerName = "token_endpoint"

// Guarded wraps a Client with a circuit breaker, a client span and latency
// metrics. A rejected code counts as a healthy provider response.
type Guarded struct {
	next    Client
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
}

// NewGuarded wraps next. breaker and m may be nil.
func NewGuarded(next Client, breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics) *Guarded {
	return &Guarded{next: next, breaker: breaker, metrics: m}
}

// Exchange implements Client.
func (g *Guarded) Exchange(ctx context.Context, code, redirectURI string) Result {
	ctx, span := tracing.StartClientSpan(ctx, "provider.Exchange")
	defer span.End()

	start := time.Now()
	res, rejected := g.exchange(ctx, code, redirectURI)
	elapsed := time.Since(start)

	outcome := res.Kind.String()
	if rejected {
		outcome = "circuit_open"
	}
	if g.metrics != nil {
		g.metrics.RecordProviderExchange(outcome, elapsed)
	}

	tracing.WithOutcome(span, outcome)
	if res.Kind == KindToken {
		tracing.WithSuccess(span)
	} else {
		tracing.WithError(span, res.Err)
	}

	return res
}

// exchange reports whether the breaker refused the call.
func (g *Guarded) exchange(ctx context.Context, code, redirectURI string) (Result, bool) {
	if g.breaker == nil {
		return g.next.Exchange(ctx, code, redirectURI), false
	}

	if err := g.breaker.Allow(); err != nil {
		return Unavailable(fmt.Errorf("%w: %w", ErrCircuitOpen, err)), true
	}

	res := g.next.Exchange(ctx, code, redirectURI)
	if res.Kind == KindUnavailable {
		g.breaker.RecordFailure()
	} else {
		g.breaker.RecordSuccess()
	}
	return res, false
}
