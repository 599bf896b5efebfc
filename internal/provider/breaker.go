package provider

import (
	"context"
	"errors"
	"time"

	"magstats/internal/metrics"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Breaker guards one provider with a circuit breaker. Configuration errors and
// cancellations do not count against the provider's health.
type Breaker[T any] struct {
	name   string
	cb     *gobreaker.CircuitBreaker[T]
	logger zerolog.Logger
}

func NewBreaker[T any](name string, logger zerolog.Logger) *Breaker[T] {
	logger = logger.With().Str("breaker", name).Logger()
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    10 * time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				IsConfig(err) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &Breaker[T]{name: name, cb: cb, logger: logger}
}

func (b *Breaker[T]) Execute(fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(fn)
	switch {
	case err == nil:
		metrics.ProviderRequests.WithLabelValues(b.name, metrics.ResultSuccess).Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.ProviderRequests.WithLabelValues(b.name, metrics.ResultRejected).Inc()
	case IsConfig(err):
		metrics.ProviderRequests.WithLabelValues(b.name, metrics.ResultConfig).Inc()
	default:
		metrics.ProviderRequests.WithLabelValues(b.name, metrics.ResultFailure).Inc()
	}
	return res, err
}

func (b *Breaker[T]) State() gobreaker.State {
	return b.cb.State()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
