// Package circuitbreaker wraps sony/gobreaker for protecting calls to the
// external ranking API, which throttles aggressively once it starts failing.
package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"ranker/internal/common/errors"
	"ranker/internal/common/logging"
)

// Config holds the configuration for a circuit breaker
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int
	// Timeout is how long the circuit stays open before transitioning to half-open
	Timeout time.Duration
	// MaxConcurrentRequests is the maximum number of requests allowed in half-open state
	MaxConcurrentRequests int
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxFailures:           5,
		Timeout:               60 * time.Second,
		MaxConcurrentRequests: 1,
	}
}

// Breaker adapts gobreaker.CircuitBreaker to an Execute-style API
type Breaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	logger logging.Logger
}

// New creates a named circuit breaker
func New(name string, config Config, logger logging.Logger) *Breaker {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	b := &Breaker{
		name:   name,
		logger: logger.WithFields(logging.String("breaker", name)),
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(config.MaxConcurrentRequests),
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.MaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("Circuit breaker state changed",
				logging.String("from", from.String()),
				logging.String("to", to.String()),
			)
		},
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Execute runs fn under the breaker. An open circuit surfaces as a
// connection error so callers treat it like any other transient failure.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return errors.TimeoutError(fmt.Sprintf("circuit breaker %s", b.name))
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errors.ConnectionError(fmt.Sprintf("circuit breaker %s is open", b.name), err)
	}

	return err
}

// State returns the current breaker state as a string
func (b *Breaker) State() string {
	return b.cb.State().String()
}
