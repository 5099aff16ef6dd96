package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	casework "github.com/goliatone/go-casework"
	"github.com/goliatone/go-casework/journal"
	"github.com/google/uuid"
)

// StepRunner is the durable surface handed to a function invocation.
type StepRunner interface {
	// Run executes fn once per run and step name. Later invocations of the
	// run get the stored output without calling fn.
	Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error)
	// SleepUntil returns nil once instant has passed. Before that it
	// schedules a resume and returns ErrSuspended.
	SleepUntil(ctx context.Context, label string, instant time.Time) error
	// Sleep memoizes now+d as the wake instant, then calls SleepUntil.
	Sleep(ctx context.Context, label string, d time.Duration) error
	// SendEvent emits an event at most once per run and step name.
	SendEvent(ctx context.Context, stepName, name string, data any, opts ...EmitOption) (string, error)
}

// Step runs fn as a memoized step and decodes its output into T.
func Step[T any](ctx context.Context, s StepRunner, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := s.Run(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, cloneError(ErrStepOutputInvalid, err, map[string]any{"step": name})
	}
	return out, nil
}

type stepRunner struct {
	engine *Engine
	fn     *Function
	runID  string
	logger casework.Logger

	mu        sync.Mutex
	seen      map[string]struct{}
	suspended bool
}

func newStepRunner(e *Engine, fn *Function, runID string, logger casework.Logger) *stepRunner {
	return &stepRunner{
		engine: e,
		fn:     fn,
		runID:  runID,
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

func (s *stepRunner) Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrStepNameRequired
	}
	s.mu.Lock()
	if _, dup := s.seen[name]; dup {
		s.mu.Unlock()
		return nil, cloneError(ErrStepDuplicate, nil, map[string]any{"step": name})
	}
	s.seen[name] = struct{}{}
	s.mu.Unlock()

	j := s.engine.journal
	rec, err := j.LoadStep(ctx, s.runID, name)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		s.engine.metrics.StepReplayed(s.fn.id, name)
		s.logger.Trace("step %s replayed", name)
		return rec.Output, nil
	}

	out, err := s.execute(ctx, name, fn)
	if err != nil {
		s.logger.Warn("step %s failed: %v", name, err)
		return nil, err
	}
	raw, err := marshalOutput(out)
	if err != nil {
		return nil, err
	}

	saveErr := j.SaveStep(ctx, &journal.StepRecord{
		RunID:       s.runID,
		Name:        name,
		Output:      raw,
		CompletedAt: s.engine.now().UTC(),
	})
	if errors.Is(saveErr, journal.ErrStepExists) {
		winner, err := j.LoadStep(ctx, s.runID, name)
		if err != nil {
			return nil, err
		}
		if winner != nil {
			s.logger.Debug("step %s recorded concurrently, using stored output", name)
			return winner.Output, nil
		}
	} else if saveErr != nil {
		return nil, saveErr
	}

	if err := j.TouchRun(ctx, s.runID, 0, name); err != nil {
		return nil, err
	}
	s.engine.metrics.StepExecuted(s.fn.id, name)
	s.logger.Debug("step %s completed", name)
	return raw, nil
}

func (s *stepRunner) execute(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (out any, err error) {
	defer s.engine.recoverPanic(s.fn.id+"."+name, &err, map[string]any{"run_id": s.runID, "step": name})
	return fn(ctx)
}

func (s *stepRunner) isSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

type sleepRecord struct {
	WokeAt time.Time `json:"wokeAt"`
}

func (s *stepRunner) SleepUntil(ctx context.Context, label string, instant time.Time) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return ErrStepNameRequired
	}
	name := "sleep:" + label
	j := s.engine.journal

	rec, err := j.LoadStep(ctx, s.runID, name)
	if err != nil {
		return err
	}
	if rec != nil {
		return nil
	}

	now := s.engine.now().UTC()
	if !now.Before(instant) {
		raw, _ := json.Marshal(sleepRecord{WokeAt: now})
		err := j.SaveStep(ctx, &journal.StepRecord{RunID: s.runID, Name: name, Output: raw, CompletedAt: now})
		if err != nil && !errors.Is(err, journal.ErrStepExists) {
			return err
		}
		return j.TouchRun(ctx, s.runID, 0, name)
	}

	payload, _ := json.Marshal(ResumePayload{RunID: s.runID})
	evt := casework.Event{
		ID:        uuid.NewSHA1(runNamespace, []byte(s.runID+"\x00"+name+"\x00"+instant.UTC().Format(time.RFC3339Nano))).String(),
		Name:      ResumeEventName,
		Data:      payload,
		Timestamp: now,
	}
	if err := j.Schedule(ctx, &journal.ScheduledEvent{
		ID:        evt.ID,
		Event:     evt,
		DueAt:     instant.UTC(),
		DedupeKey: resumeKeyPrefix(s.runID) + label,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.suspended = true
	s.mu.Unlock()
	s.logger.Info("sleeping until %s", instant.UTC().Format(time.RFC3339))
	return ErrSuspended
}

func (s *stepRunner) Sleep(ctx context.Context, label string, d time.Duration) error {
	wake, err := Step(ctx, s, "sleep:"+strings.TrimSpace(label)+":until", func(context.Context) (time.Time, error) {
		return s.engine.now().UTC().Add(d), nil
	})
	if err != nil {
		return err
	}
	return s.SleepUntil(ctx, label, wake)
}

func (s *stepRunner) SendEvent(ctx context.Context, stepName, name string, data any, opts ...EmitOption) (string, error) {
	eventID := uuid.NewSHA1(runNamespace, []byte(s.runID+"\x00"+stepName)).String()
	return Step(ctx, s, stepName, func(ctx context.Context) (string, error) {
		return s.engine.Emit(ctx, name, data, append(opts, WithEventID(eventID))...)
	})
}
