package engine

import (
	"context"
	"time"

	casework "github.com/goliatone/go-casework"
	"github.com/goliatone/go-casework/dispatcher"
	"github.com/goliatone/go-casework/runner"
)

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger configures engine logging.
func WithLogger(logger casework.Logger) Option {
	return func(e *Engine) {
		e.logger = casework.NormalizeLogger(logger)
	}
}

// WithMetrics configures metric recording.
func WithMetrics(metrics Metrics) Option {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRetryStrategy sets the backoff between attempts of a run.
func WithRetryStrategy(strategy runner.RetryStrategy) Option {
	return func(e *Engine) {
		if strategy != nil {
			e.retryStrategy = strategy
		}
	}
}

// WithDispatcher replaces the event fan-out dispatcher.
func WithDispatcher(d *dispatcher.Dispatcher) Option {
	return func(e *Engine) {
		if d != nil {
			e.dispatcher = d
		}
	}
}

// WithRetrySleep overrides how the engine waits between attempts.
func WithRetrySleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.retrySleep = fn
		}
	}
}
