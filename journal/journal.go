package journal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	casework "github.com/goliatone/go-casework"
)

var (
	// ErrRunNotFound is returned when a run id has no stored row.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunExists is returned by CreateRun when the run id is already stored.
	ErrRunExists = errors.New("run already exists")
	// ErrRunFinished is returned when a terminal transition loses the compare-and-set.
	ErrRunFinished = errors.New("run already finished")
	// ErrStepExists is returned by SaveStep when the step was recorded first by someone else.
	ErrStepExists = errors.New("step already recorded")
	// ErrScheduleNotFound is returned when a scheduled event id is unknown.
	ErrScheduleNotFound = errors.New("scheduled event not found")
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Finished reports whether the status is terminal.
func (s RunStatus) Finished() bool {
	return s == RunCompleted || s == RunFailed
}

// Run is one invocation history of a function for a triggering event.
type Run struct {
	ID         string          `json:"id" yaml:"id"`
	FunctionID string          `json:"function_id" yaml:"function_id"`
	Event      casework.Event  `json:"event" yaml:"-"`
	Status     RunStatus       `json:"status" yaml:"status"`
	Cursor     string          `json:"cursor,omitempty" yaml:"cursor,omitempty"`
	Attempts   int             `json:"attempts" yaml:"attempts"`
	Output     json.RawMessage `json:"output,omitempty" yaml:"-"`
	Error      string          `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" yaml:"updated_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// StepRecord is the memoized output of one named step of a run.
type StepRecord struct {
	RunID       string          `json:"run_id" yaml:"-"`
	Name        string          `json:"name" yaml:"name"`
	Output      json.RawMessage `json:"output,omitempty" yaml:"-"`
	CompletedAt time.Time       `json:"completed_at" yaml:"completed_at"`
}

// ScheduleStatus is the delivery state of a scheduled event.
type ScheduleStatus string

const (
	SchedulePending ScheduleStatus = "pending"
	ScheduleLeased  ScheduleStatus = "leased"
	ScheduleDead    ScheduleStatus = "dead"
)

// ScheduledEvent is an event persisted for delivery at or after DueAt.
type ScheduledEvent struct {
	ID         string         `json:"id"`
	Event      casework.Event `json:"event"`
	DueAt      time.Time      `json:"due_at"`
	DedupeKey  string         `json:"dedupe_key,omitempty"`
	Status     ScheduleStatus `json:"status"`
	Attempts   int            `json:"attempts"`
	LeaseOwner string         `json:"lease_owner,omitempty"`
	LeaseUntil time.Time      `json:"lease_until,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status     RunStatus
	FunctionID string
	// UpdatedBefore keeps runs whose last update is strictly older.
	UpdatedBefore time.Time
	Limit         int
}

// RunStore persists workflow runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	LoadRun(ctx context.Context, id string) (*Run, error)
	TouchRun(ctx context.Context, id string, attempts int, cursor string) error
	FinishRun(ctx context.Context, id string, status RunStatus, output json.RawMessage, errText string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error)
}

// StepStore persists step records keyed by (run id, step name).
type StepStore interface {
	LoadStep(ctx context.Context, runID, name string) (*StepRecord, error)
	SaveStep(ctx context.Context, rec *StepRecord) error
	ListSteps(ctx context.Context, runID string) ([]StepRecord, error)
}

// ScheduleStore exposes lease/claim/retry operations for the poller.
type ScheduleStore interface {
	Schedule(ctx context.Context, evt *ScheduledEvent) error
	ClaimDue(ctx context.Context, workerID string, now time.Time, limit int, leaseTTL time.Duration) ([]ScheduledEvent, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, retryAt time.Time, reason string) error
	MarkDead(ctx context.Context, id, reason string) error
	Pending(ctx context.Context) ([]ScheduledEvent, error)
	ListDead(ctx context.Context, limit int) ([]ScheduledEvent, error)
	HasPendingDedupe(ctx context.Context, prefix string) (bool, error)
}

// Journal is the durable state the engine needs.
type Journal interface {
	RunStore
	StepStore
	ScheduleStore
}

func normalizeScheduled(evt *ScheduledEvent, now time.Time) {
	evt.ID = strings.TrimSpace(evt.ID)
	if evt.ID == "" {
		evt.ID = evt.Event.ID
	}
	evt.DedupeKey = strings.TrimSpace(evt.DedupeKey)
	if evt.DueAt.IsZero() {
		evt.DueAt = now
	}
	evt.DueAt = evt.DueAt.UTC()
	if evt.Status == "" {
		evt.Status = SchedulePending
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = now
	}
	evt.CreatedAt = evt.CreatedAt.UTC()
}

func cloneRun(r Run) Run {
	cp := r
	cp.Event = r.Event.Clone()
	if r.Output != nil {
		cp.Output = append(json.RawMessage(nil), r.Output...)
	}
	if r.FinishedAt != nil {
		ts := *r.FinishedAt
		cp.FinishedAt = &ts
	}
	return cp
}

func cloneStep(s StepRecord) StepRecord {
	cp := s
	if s.Output != nil {
		cp.Output = append(json.RawMessage(nil), s.Output...)
	}
	return cp
}

func cloneScheduled(s ScheduledEvent) ScheduledEvent {
	cp := s
	cp.Event = s.Event.Clone()
	return cp
}

func claimable(evt ScheduledEvent, now time.Time) bool {
	switch evt.Status {
	case SchedulePending:
		return !evt.DueAt.After(now)
	case ScheduleLeased:
		return !evt.LeaseUntil.After(now)
	default:
		return false
	}
}
