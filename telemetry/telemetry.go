package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/goliatone/go-casework/engine"
	"github.com/goliatone/go-casework/journal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope of the engine meter.
const ScopeName = "github.com/goliatone/go-casework"

// Metrics records engine observations as OpenTelemetry instruments.
type Metrics struct {
	runsStarted   metric.Int64Counter
	runsFinished  metric.Int64Counter
	runsSuspended metric.Int64Counter
	stepsExecuted metric.Int64Counter
	stepsReplayed metric.Int64Counter
	retries       metric.Int64Counter
	emitted       metric.Int64Counter
	deliveries    metric.Int64Counter
	dispatchLag   metric.Float64Histogram
}

// New registers the instruments on meter. A nil meter uses the global
// provider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(ScopeName)
	}

	var (
		m    Metrics
		err  error
		errs error
	)
	counter := func(name, desc string) metric.Int64Counter {
		c, cerr := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{count}"))
		errs = errors.Join(errs, cerr)
		return c
	}

	m.runsStarted = counter("casework.runs.started", "Workflow runs created.")
	m.runsFinished = counter("casework.runs.finished", "Workflow runs that reached a terminal status.")
	m.runsSuspended = counter("casework.runs.suspended", "Invocations that ended waiting on a sleep.")
	m.stepsExecuted = counter("casework.steps.executed", "Step bodies executed.")
	m.stepsReplayed = counter("casework.steps.replayed", "Steps answered from the journal.")
	m.retries = counter("casework.runs.attempts", "Function invocations, including retries.")
	m.emitted = counter("casework.events.emitted", "Events persisted for delivery.")
	m.deliveries = counter("casework.events.deliveries", "Scheduled event delivery attempts by outcome.")

	m.dispatchLag, err = meter.Float64Histogram("casework.dispatch.lag",
		metric.WithDescription("Delay between an event's due time and its claim."),
		metric.WithUnit("s"),
	)
	errs = errors.Join(errs, err)

	if errs != nil {
		return nil, errs
	}
	return &m, nil
}

func (m *Metrics) RunStarted(functionID string) {
	m.runsStarted.Add(context.Background(), 1, fn(functionID))
}

func (m *Metrics) RunFinished(functionID string, status journal.RunStatus) {
	m.runsFinished.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("function", functionID),
		attribute.String("status", string(status)),
	))
}

func (m *Metrics) RunSuspended(functionID string) {
	m.runsSuspended.Add(context.Background(), 1, fn(functionID))
}

func (m *Metrics) StepExecuted(functionID, step string) {
	m.stepsExecuted.Add(context.Background(), 1, fnStep(functionID, step))
}

func (m *Metrics) StepReplayed(functionID, step string) {
	m.stepsReplayed.Add(context.Background(), 1, fnStep(functionID, step))
}

func (m *Metrics) RetryAttempt(functionID string, attempt int) {
	m.retries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("function", functionID),
		attribute.Bool("retry", attempt > 1),
	))
}

func (m *Metrics) EventEmitted(name string) {
	m.emitted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", name)))
}

func (m *Metrics) DispatchLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	m.dispatchLag.Record(context.Background(), lag.Seconds())
}

func (m *Metrics) DispatchOutcome(outcome engine.DispatchOutcome) {
	m.deliveries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func fn(functionID string) metric.AddOption {
	return metric.WithAttributes(attribute.String("function", functionID))
}

func fnStep(functionID, step string) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("function", functionID),
		attribute.String("step", step),
	)
}

var _ engine.Metrics = (*Metrics)(nil)
