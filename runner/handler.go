package runner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	casework "github.com/goliatone/go-casework"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type attemptKey struct{}

// AttemptFromContext returns the zero based attempt index for the running
// invocation, or 0 outside of Handler.Run.
func AttemptFromContext(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	if v, ok := ctx.Value(attemptKey{}).(int); ok {
		return v
	}
	return 0
}

// Handler re-invokes a function until it succeeds, the retry budget is
// spent, or the strategy refuses to retry.
type Handler struct {
	mu sync.Mutex

	logger        Logger
	errorHandler  func(error)
	attemptHook   func(attempt int, err error)
	retryStrategy RetryStrategy
	sleep         func(ctx context.Context, d time.Duration) error

	runs           int
	successfulRuns int

	maxRetries int
	timeout    time.Duration
	deadline   time.Time
}

// NewHandler constructs a Handler from various options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	r := &Handler{
		errorHandler: func(err error) {
			log.Printf("runner error: %v\n", err)
		},
		retryStrategy: NoDelayStrategy{},
		sleep:         sleepContext,
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Run executes fn, retrying on failure. The error of the last attempt is
// returned unwrapped so callers can match sentinels with errors.Is.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	h.mu.Lock()
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	h.mu.Unlock()

	ctx, cancel := h.contextWithDeadline(ctx)
	defer cancel()

	var err error
	attempt := 0
	for ; attempt <= maxRetries; attempt++ {
		err = h.attempt(ctx, attempt, fn)
		if err == nil {
			break
		}

		if attempt >= maxRetries {
			break
		}

		decision := DecideRetry(strategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}

		h.handleError(casework.WrapError(
			"RunFailed",
			fmt.Sprintf("attempt %d of %d failed", attempt+1, maxRetries+1),
			err,
		))
		if h.attemptHook != nil {
			h.attemptHook(attempt, err)
		}

		if decision.Delay > 0 {
			if sleepErr := h.sleep(ctx, decision.Delay); sleepErr != nil {
				err = sleepErr
				break
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.runs++
	if err == nil {
		h.successfulRuns++
		return nil
	}

	h.logError("run failed after %d attempt(s): %v", min(attempt+1, maxRetries+1), err)
	return err
}

// Stats returns the number of runs and successful runs.
func (h *Handler) Stats() (runs, successful int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns
}

func (h *Handler) handleError(err error) {
	if h.errorHandler != nil {
		h.errorHandler(err)
	}
}

func (h *Handler) logError(format string, args ...any) {
	if h.logger != nil {
		h.logger.Error(format, args...)
	}
}

// attempt runs fn once. The timeout bounds a single attempt; the deadline
// bounds the whole run.
func (h *Handler) attempt(ctx context.Context, attempt int, fn func(context.Context) error) error {
	ctx = context.WithValue(ctx, attemptKey{}, attempt)
	if h.timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return fn(ctx)
}

func (h *Handler) contextWithDeadline(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if h.deadline.IsZero() {
		return parent, func() {}
	}
	return context.WithDeadline(parent, h.deadline)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
