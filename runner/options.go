package runner

import (
	"context"
	"time"
)

type Option func(*Handler)

// WithTimeout bounds each attempt. A retried attempt gets a fresh timeout.
func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		r.timeout = t
	}
}

// WithDeadline bounds the whole run, retries and backoff included.
func WithDeadline(d time.Time) Option {
	return func(r *Handler) {
		r.deadline = d
	}
}

func WithMaxRetries(max int) Option {
	return func(r *Handler) {
		if max < 0 {
			max = 0
		}
		r.maxRetries = max
	}
}

func WithErrorHandler(h func(error)) Option {
	return func(r *Handler) {
		if h == nil {
			h = func(err error) {}
		}
		r.errorHandler = h
	}
}

func WithLogger(l Logger) Option {
	return func(r *Handler) {
		r.logger = l
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach
func WithRetryStrategy(s RetryStrategy) Option {
	return func(r *Handler) {
		r.retryStrategy = s
	}
}

// WithAttemptHook is called after every failed attempt that will be retried.
func WithAttemptHook(fn func(attempt int, err error)) Option {
	return func(r *Handler) {
		r.attemptHook = fn
	}
}

// WithSleep overrides how the handler waits between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Handler) {
		if fn != nil {
			r.sleep = fn
		}
	}
}
