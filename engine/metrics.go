package engine

import (
	"time"

	"github.com/goliatone/go-casework/journal"
)

// DispatchOutcome classifies one delivery attempt of a scheduled event.
type DispatchOutcome string

const (
	DispatchOutcomeDelivered      DispatchOutcome = "delivered"
	DispatchOutcomeRetryScheduled DispatchOutcome = "retry_scheduled"
	DispatchOutcomeDeadLettered   DispatchOutcome = "dead_lettered"
)

// Metrics receives engine and poller observations.
type Metrics interface {
	RunStarted(functionID string)
	RunFinished(functionID string, status journal.RunStatus)
	RunSuspended(functionID string)
	StepExecuted(functionID, step string)
	StepReplayed(functionID, step string)
	RetryAttempt(functionID string, attempt int)
	EventEmitted(name string)
	DispatchLag(lag time.Duration)
	DispatchOutcome(outcome DispatchOutcome)
}

type noopMetrics struct{}

func (noopMetrics) RunStarted(string)                     {}
func (noopMetrics) RunFinished(string, journal.RunStatus) {}
func (noopMetrics) RunSuspended(string)                   {}
func (noopMetrics) StepExecuted(string, string)           {}
func (noopMetrics) StepReplayed(string, string)           {}
func (noopMetrics) RetryAttempt(string, int)              {}
func (noopMetrics) EventEmitted(string)                   {}
func (noopMetrics) DispatchLag(time.Duration)             {}
func (noopMetrics) DispatchOutcome(DispatchOutcome)       {}
