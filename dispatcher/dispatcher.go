package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	casework "github.com/goliatone/go-casework"
	"github.com/goliatone/go-casework/runner"
)

// Handler receives one published event.
type Handler interface {
	Handle(ctx context.Context, evt casework.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt casework.Event) error

func (f HandlerFunc) Handle(ctx context.Context, evt casework.Event) error {
	return f(ctx, evt)
}

// Dispatcher fans an event out to every subscriber whose pattern matches
// the event name.
type Dispatcher struct {
	mu        sync.RWMutex
	entries   []*entry
	match     func(pattern, name string) bool
	ExitOnErr bool
}

type entry struct {
	pattern string
	id      string
	handler Handler
	runner  *runner.Handler
}

// Option defines the functional option signature.
type Option func(*Dispatcher)

// NewDispatcher applies the given options to a new instance of the dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		match:     MakePatternMatcher(),
		ExitOnErr: false,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// WithExitOnError stops fan-out at the first failing subscriber.
func WithExitOnError() Option {
	return func(d *Dispatcher) {
		d.ExitOnErr = true
	}
}

// WithMatcher replaces the pattern matcher.
func WithMatcher(fn func(pattern, name string) bool) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.match = fn
		}
	}
}

// Subscribe registers handler for events whose name matches pattern.
// id names the subscriber in errors and logs. Runner options configure
// timeouts for each delivery.
func (d *Dispatcher) Subscribe(pattern, id string, handler Handler, runnerOpts ...runner.Option) Subscription {
	e := &entry{
		pattern: strings.TrimSpace(pattern),
		id:      strings.TrimSpace(id),
		handler: handler,
		runner:  runner.NewHandler(append([]runner.Option{runner.WithErrorHandler(nil)}, runnerOpts...)...),
	}
	if e.id == "" {
		e.id = e.pattern
	}

	d.mu.Lock()
	d.entries = append(d.entries, e)
	d.mu.Unlock()

	return &subs{dispatcher: d, entry: e}
}

// Subscribers returns the ids subscribed to the event name, in
// registration order.
func (d *Dispatcher) Subscribers(name string) []string {
	matched := d.matching(name)
	ids := make([]string, 0, len(matched))
	for _, e := range matched {
		ids = append(ids, e.id)
	}
	return ids
}

// Publish delivers evt to every matching subscriber in registration order.
// Subscriber errors are joined unless ExitOnErr is set. An event nobody
// subscribes to is not an error.
func (d *Dispatcher) Publish(ctx context.Context, evt casework.Event) error {
	if strings.TrimSpace(evt.Name) == "" {
		return casework.WrapError("InvalidEvent", "event name required", nil)
	}
	if ctx.Err() != nil {
		return casework.WrapError("ContextError", "context canceled or deadline exceeded", ctx.Err())
	}

	var errs error
	for _, e := range d.matching(evt.Name) {
		err := e.runner.Run(ctx, func(ctx context.Context) error {
			return e.handler.Handle(ctx, evt.Clone())
		})
		if err == nil {
			continue
		}
		wrappedErr := casework.WrapError(
			"HandlerExecutionFailed",
			fmt.Sprintf("subscriber %s failed for event %s", e.id, evt.Name),
			err,
		)
		if d.ExitOnErr {
			return wrappedErr
		}
		errs = errors.Join(errs, wrappedErr)
	}
	return errs
}

func (d *Dispatcher) matching(name string) []*entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*entry, 0, len(d.entries))
	for _, e := range d.entries {
		if d.match(e.pattern, name) {
			out = append(out, e)
		}
	}
	return out
}
