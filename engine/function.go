package engine

import (
	"context"
	"strings"
	"time"

	casework "github.com/goliatone/go-casework"
)

// DefaultRetries is the number of extra attempts a function gets after the
// first failure.
const DefaultRetries = 2

// Input is handed to a function on every invocation of a run.
type Input struct {
	Event   casework.Event
	RunID   string
	Attempt int
	Step    StepRunner
	Logger  casework.Logger
}

// HandlerFunc is the body of a workflow function. Side effects belong inside
// Step calls so they are not repeated on retry or resume.
type HandlerFunc func(ctx context.Context, in Input) (any, error)

// Failure describes a run that exhausted its retries.
type Failure struct {
	RunID      string
	FunctionID string
	Event      casework.Event
	Err        error
	Attempts   int
}

// Compensation is what a failure handler did about a failed run.
type Compensation struct {
	Compensated                bool
	RequiresManualIntervention bool
	Note                       string
}

// FailureHandler runs once after a run transitions to failed.
type FailureHandler func(ctx context.Context, f Failure) (Compensation, error)

// Function binds a trigger event name to a durable handler.
type Function struct {
	id        string
	trigger   string
	handler   HandlerFunc
	retries   int
	timeout   time.Duration
	onFailure FailureHandler
}

// FunctionOption customizes a Function.
type FunctionOption func(*Function)

// WithRetries sets the number of retries after the first failed attempt.
func WithRetries(n int) FunctionOption {
	return func(f *Function) {
		if n >= 0 {
			f.retries = n
		}
	}
}

// WithOnFailure registers the terminal failure handler.
func WithOnFailure(h FailureHandler) FunctionOption {
	return func(f *Function) {
		f.onFailure = h
	}
}

// WithAttemptTimeout bounds each invocation attempt.
func WithAttemptTimeout(d time.Duration) FunctionOption {
	return func(f *Function) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// NewFunction builds a function triggered by events named trigger. The
// trigger may use dispatcher wildcards.
func NewFunction(id, trigger string, handler HandlerFunc, opts ...FunctionOption) *Function {
	f := &Function{
		id:      strings.TrimSpace(id),
		trigger: strings.TrimSpace(trigger),
		handler: handler,
		retries: DefaultRetries,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

func (f *Function) ID() string      { return f.id }
func (f *Function) Trigger() string { return f.trigger }
func (f *Function) Retries() int    { return f.retries }

// HasFailureHandler reports whether a terminal failure handler is set.
func (f *Function) HasFailureHandler() bool { return f.onFailure != nil }
