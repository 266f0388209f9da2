package providers

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// guardedProvider wraps a Provider with a circuit breaker and a rate limiter.
// An open breaker counts as a provider failure in the failover chain; its
// reason string surfaces in the concatenated provider error.
type guardedProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     zerolog.Logger
}

func newGuardedProvider(p Provider, rps float64, log zerolog.Logger) *guardedProvider {
	if rps <= 0 {
		rps = 8
	}
	settings := gobreaker.Settings{
		Name:    p.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	g := &guardedProvider{
		inner:   p,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		log:     log.With().Str("provider", p.Name()).Logger(),
	}
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		g.log.Warn().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Provider circuit breaker state change")
	}
	g.breaker = gobreaker.NewCircuitBreaker(settings)
	return g
}

func (g *guardedProvider) Name() string { return g.inner.Name() }

// call funnels every provider invocation through the limiter and breaker.
func (g *guardedProvider) call(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return g.breaker.Execute(fn)
}
