package journal

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryJournal is a thread-safe journal for tests and single-process use.
type InMemoryJournal struct {
	mu        sync.RWMutex
	runs      map[string]Run
	steps     map[string]map[string]StepRecord
	scheduled map[string]ScheduledEvent
	now       func() time.Time
}

// NewInMemoryJournal constructs an empty journal.
func NewInMemoryJournal() *InMemoryJournal {
	return &InMemoryJournal{
		runs:      make(map[string]Run),
		steps:     make(map[string]map[string]StepRecord),
		scheduled: make(map[string]ScheduledEvent),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used for row timestamps.
func (j *InMemoryJournal) SetClock(now func() time.Time) {
	if j == nil || now == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.now = now
}

func (j *InMemoryJournal) CreateRun(_ context.Context, run *Run) error {
	if j == nil {
		return errors.New("in-memory journal not configured")
	}
	if run == nil || strings.TrimSpace(run.ID) == "" {
		return errors.New("run id required")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.runs[run.ID]; ok {
		return ErrRunExists
	}
	now := j.now().UTC()
	cp := cloneRun(*run)
	if cp.Status == "" {
		cp.Status = RunRunning
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	j.runs[run.ID] = cp
	*run = cloneRun(cp)
	return nil
}

func (j *InMemoryJournal) LoadRun(_ context.Context, id string) (*Run, error) {
	if j == nil {
		return nil, errors.New("in-memory journal not configured")
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	run, ok := j.runs[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := cloneRun(run)
	return &cp, nil
}

func (j *InMemoryJournal) TouchRun(_ context.Context, id string, attempts int, cursor string) error {
	if j == nil {
		return errors.New("in-memory journal not configured")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	run, ok := j.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if attempts > run.Attempts {
		run.Attempts = attempts
	}
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		run.Cursor = cursor
	}
	run.UpdatedAt = j.now().UTC()
	j.runs[id] = run
	return nil
}

func (j *InMemoryJournal) FinishRun(_ context.Context, id string, status RunStatus, output json.RawMessage, errText string) error {
	if j == nil {
		return errors.New("in-memory journal not configured")
	}
	if !status.Finished() {
		return errors.New("terminal status required")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	run, ok := j.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status != RunRunning {
		return ErrRunFinished
	}
	now := j.now().UTC()
	run.Status = status
	if output != nil {
		run.Output = append(json.RawMessage(nil), output...)
	}
	run.Error = errText
	run.UpdatedAt = now
	run.FinishedAt = &now
	j.runs[id] = run
	return nil
}

func (j *InMemoryJournal) ListRuns(_ context.Context, filter RunFilter) ([]Run, error) {
	if j == nil {
		return nil, errors.New("in-memory journal not configured")
	}
	j.mu.RLock()
	out := make([]Run, 0, len(j.runs))
	for _, run := range j.runs {
		if !matchesFilter(run, filter) {
			continue
		}
		out = append(out, cloneRun(run))
	}
	j.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (j *InMemoryJournal) DeleteFinishedBefore(_ context.Context, before time.Time) (int, error) {
	if j == nil {
		return 0, errors.New("in-memory journal not configured")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	deleted := 0
	for id, run := range j.runs {
		if run.FinishedAt == nil || !run.FinishedAt.Before(before) {
			continue
		}
		delete(j.runs, id)
		delete(j.steps, id)
		deleted++
	}
	return deleted, nil
}

func (j *InMemoryJournal) LoadStep(_ context.Context, runID, name string) (*StepRecord, error) {
	if j == nil {
		return nil, errors.New("in-memory journal not configured")
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	rec, ok := j.steps[runID][name]
	if !ok {
		return nil, nil
	}
	cp := cloneStep(rec)
	return &cp, nil
}

func (j *InMemoryJournal) SaveStep(_ context.Context, rec *StepRecord) error {
	if j == nil {
		return errors.New("in-memory journal not configured")
	}
	if rec == nil || strings.TrimSpace(rec.RunID) == "" || strings.TrimSpace(rec.Name) == "" {
		return errors.New("step run id and name required")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	byName, ok := j.steps[rec.RunID]
	if !ok {
		byName = make(map[string]StepRecord)
		j.steps[rec.RunID] = byName
	}
	if _, exists := byName[rec.Name]; exists {
		return ErrStepExists
	}
	cp := cloneStep(*rec)
	if cp.CompletedAt.IsZero() {
		cp.CompletedAt = j.now().UTC()
	}
	byName[rec.Name] = cp
	return nil
}

func (j *InMemoryJournal) ListSteps(_ context.Context, runID string) ([]StepRecord, error) {
	if j == nil {
		return nil, errors.New("in-memory journal not configured")
	}
	j.mu.RLock()
	out := make([]StepRecord, 0, len(j.steps[runID]))
	for _, rec := range j.steps[runID] {
		out = append(out, cloneStep(rec))
	}
	j.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].CompletedAt.Equal(out[b].CompletedAt) {
			return out[a].Name < out[b].Name
		}
		return out[a].CompletedAt.Before(out[b].CompletedAt)
	})
	return out, nil
}

func (j *InMemoryJournal) Schedule(_ context.Context, evt *ScheduledEvent) error {
	if j == nil {
		return errors.New("in-memory journal not configured")
	}
	if evt == nil {
		return errors.New("scheduled event required")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	normalizeScheduled(evt, j.now().UTC())
	if evt.ID == "" {
		return errors.New("scheduled event id required")
	}
	if _, ok := j.scheduled[evt.ID]; ok {
		return nil
	}
	if evt.DedupeKey != "" {
		for _, existing := range j.scheduled {
			if existing.DedupeKey == evt.DedupeKey {
				return nil
			}
		}
	}
	j.scheduled[evt.ID] = cloneScheduled(*evt)
	return nil
}

func (j *InMemoryJournal) ClaimDue(
	_ context.Context,
	workerID string,
	now time.Time,
	limit int,
	leaseTTL time.Duration,
) ([]ScheduledEvent, error) {
	if j == nil {
		return nil, errors.New("in-memory journal not configured")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, errors.New("worker id required")
	}
	if limit <= 0 {
		limit = 100
	}
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	now = now.UTC()

	j.mu.Lock()
	defer j.mu.Unlock()

	due := make([]ScheduledEvent, 0)
	for _, evt := range j.scheduled {
		if claimable(evt, now) {
			due = append(due, evt)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].DueAt.Equal(due[b].DueAt) {
			return due[a].ID < due[b].ID
		}
		return due[a].DueAt.Before(due[b].DueAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]ScheduledEvent, 0, len(due))
	for _, evt := range due {
		evt.Status = ScheduleLeased
		evt.LeaseOwner = workerID
		evt.LeaseUntil = now.Add(leaseTTL)
		evt.Attempts++
		j.scheduled[evt.ID] = evt
		claimed = append(claimed, cloneScheduled(evt))
	}
	return claimed, nil
}

func (j *InMemoryJournal) MarkDelivered(_ context.Context, id string) error {
	if j == nil {
		return errors.New("in-memory journal not configured")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.scheduled[id]; !ok {
		return ErrScheduleNotFound
	}
	delete(j.scheduled, id)
	return nil
}

func (j *InMemoryJournal) MarkFailed(_ context.Context, id string, retryAt time.Time, reason string) error {
	if j == nil {
		return errors.New("in-memory journal not configured")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	evt, ok := j.scheduled[id]
	if !ok {
		return ErrScheduleNotFound
	}
	evt.Status = SchedulePending
	evt.LeaseOwner = ""
	evt.LeaseUntil = time.Time{}
	evt.DueAt = retryAt.UTC()
	evt.LastError = strings.TrimSpace(reason)
	j.scheduled[id] = evt
	return nil
}

func (j *InMemoryJournal) MarkDead(_ context.Context, id, reason string) error {
	if j == nil {
		return errors.New("in-memory journal not configured")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	evt, ok := j.scheduled[id]
	if !ok {
		return ErrScheduleNotFound
	}
	evt.Status = ScheduleDead
	evt.LeaseOwner = ""
	evt.LeaseUntil = time.Time{}
	evt.LastError = strings.TrimSpace(reason)
	j.scheduled[id] = evt
	return nil
}

func (j *InMemoryJournal) Pending(_ context.Context) ([]ScheduledEvent, error) {
	return j.listScheduled(func(evt ScheduledEvent) bool { return evt.Status != ScheduleDead }, 0)
}

func (j *InMemoryJournal) ListDead(_ context.Context, limit int) ([]ScheduledEvent, error) {
	return j.listScheduled(func(evt ScheduledEvent) bool { return evt.Status == ScheduleDead }, limit)
}

func (j *InMemoryJournal) HasPendingDedupe(_ context.Context, prefix string) (bool, error) {
	if j == nil {
		return false, errors.New("in-memory journal not configured")
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, evt := range j.scheduled {
		if evt.Status != ScheduleDead && evt.DedupeKey != "" && strings.HasPrefix(evt.DedupeKey, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func (j *InMemoryJournal) listScheduled(keep func(ScheduledEvent) bool, limit int) ([]ScheduledEvent, error) {
	if j == nil {
		return nil, errors.New("in-memory journal not configured")
	}
	j.mu.RLock()
	out := make([]ScheduledEvent, 0, len(j.scheduled))
	for _, evt := range j.scheduled {
		if keep(evt) {
			out = append(out, cloneScheduled(evt))
		}
	}
	j.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].DueAt.Equal(out[b].DueAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].DueAt.Before(out[b].DueAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesFilter(run Run, filter RunFilter) bool {
	if filter.Status != "" && run.Status != filter.Status {
		return false
	}
	if filter.FunctionID != "" && run.FunctionID != filter.FunctionID {
		return false
	}
	if !filter.UpdatedBefore.IsZero() && !run.UpdatedAt.Before(filter.UpdatedBefore) {
		return false
	}
	return true
}
