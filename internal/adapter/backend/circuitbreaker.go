package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"taskmill/internal/domain"
	"taskmill/internal/infra/config"
)

var _ domain.Executor = (*CircuitBreakerExecutor)(nil)

const (
	defaultCBMaxFailures uint32        = 5
	defaultCBOpenFor     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerExecutor wraps an Executor with circuit breaker protection.
// When the backend fails repeatedly, the circuit opens and subsequent calls
// fail fast without reaching it, preventing retry storms while it recovers.
type CircuitBreakerExecutor struct {
	inner   domain.Executor
	breaker *gobreaker.CircuitBreaker[*domain.ExecuteResult]
	logger  *slog.Logger
}

// NewCircuitBreakerExecutor wraps inner with a circuit breaker. Zero-valued
// settings fall back to defaults.
func NewCircuitBreakerExecutor(inner domain.Executor, cfg config.BreakerConfig, logger *slog.Logger) *CircuitBreakerExecutor {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	openFor := cfg.OpenFor.Std()
	if openFor == 0 {
		openFor = defaultCBOpenFor
	}
	interval := cfg.Interval.Std()
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.ExecuteResult](gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &CircuitBreakerExecutor{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Execute implements domain.Executor. Calls are routed through the breaker.
func (e *CircuitBreakerExecutor) Execute(ctx context.Context, req domain.ExecuteRequest) (*domain.ExecuteResult, error) {
	result, err := e.breaker.Execute(func() (*domain.ExecuteResult, error) {
		return e.inner.Execute(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("backend circuit open: %w", domain.ErrBackendUnavailable)
		}
		return nil, err
	}
	return result, nil
}

// State returns the current breaker state for monitoring.
func (e *CircuitBreakerExecutor) State() gobreaker.State {
	return e.breaker.State()
}

// Counts returns the current breaker failure/success counts.
func (e *CircuitBreakerExecutor) Counts() gobreaker.Counts {
	return e.breaker.Counts()
}
