package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	casework "github.com/goliatone/go-casework"
	"github.com/goliatone/go-casework/dispatcher"
	"github.com/goliatone/go-casework/journal"
	"github.com/goliatone/go-casework/runner"
	"github.com/google/uuid"
)

// ResumeEventName is the internal event that wakes a suspended run.
const ResumeEventName = "engine/run.resume"

// ResumePayload is the data of a resume event.
type ResumePayload struct {
	RunID string `json:"runId"`
}

var runNamespace = uuid.MustParse("8f0c5a52-3c1e-4f4b-9d7e-6a1f3e2b9c40")

// RunID derives the run id for a function and triggering event. A
// redelivered event maps to the same run.
func RunID(functionID, eventID string) string {
	return uuid.NewSHA1(runNamespace, []byte(functionID+"\x00"+eventID)).String()
}

// Engine executes durable workflow functions against a journal.
type Engine struct {
	journal       journal.Journal
	dispatcher    *dispatcher.Dispatcher
	logger        casework.Logger
	metrics       Metrics
	now           func() time.Time
	retryStrategy runner.RetryStrategy
	retrySleep    func(ctx context.Context, d time.Duration) error
	locker        *runLocker
	recoverPanic  func(funcName string, errp *error, fields ...map[string]any)

	mu        sync.RWMutex
	functions map[string]*Function
	onDue     []func()
}

// New constructs an engine over j.
func New(j journal.Journal, opts ...Option) *Engine {
	e := &Engine{
		journal:    j,
		dispatcher: dispatcher.NewDispatcher(),
		logger:     casework.NormalizeLogger(nil),
		metrics:    noopMetrics{},
		now:        func() time.Time { return time.Now().UTC() },
		retryStrategy: runner.ExponentialBackoffStrategy{
			Base:   2 * time.Second,
			Factor: 2,
			Max:    time.Minute,
		},
		locker:    newRunLocker(),
		functions: make(map[string]*Function),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.recoverPanic = casework.MakePanicHandler(casework.LoggerPanicHandler(e.logger))
	return e
}

// Journal returns the backing journal.
func (e *Engine) Journal() journal.Journal { return e.journal }

// Now returns the engine clock reading.
func (e *Engine) Now() time.Time { return e.now().UTC() }

// Register subscribes functions to their trigger events.
func (e *Engine) Register(fns ...*Function) error {
	for _, fn := range fns {
		if fn == nil || fn.id == "" || fn.trigger == "" || fn.handler == nil {
			return casework.WrapError("InvalidFunction", "function id, trigger and handler required", nil)
		}
		e.mu.Lock()
		if _, exists := e.functions[fn.id]; exists {
			e.mu.Unlock()
			return cloneError(ErrFunctionExists, nil, map[string]any{"function_id": fn.id})
		}
		e.functions[fn.id] = fn
		e.mu.Unlock()

		fn := fn
		e.dispatcher.Subscribe(fn.trigger, fn.id, dispatcher.HandlerFunc(func(ctx context.Context, evt casework.Event) error {
			return e.start(ctx, fn, evt)
		}))
	}
	return nil
}

// Function returns the registered function with id.
func (e *Engine) Function(id string) (*Function, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.functions[id]
	return fn, ok
}

// Functions returns registered functions sorted by id.
func (e *Engine) Functions() []*Function {
	e.mu.RLock()
	out := make([]*Function, 0, len(e.functions))
	for _, fn := range e.functions {
		out = append(out, fn)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out
}

// OnDue registers a callback invoked after an event is scheduled for
// immediate delivery.
func (e *Engine) OnDue(fn func()) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.onDue = append(e.onDue, fn)
	e.mu.Unlock()
}

// Dispatch delivers one event. Resume events re-enter their run; any other
// event starts or resumes one run per subscribed function.
func (e *Engine) Dispatch(ctx context.Context, evt casework.Event) error {
	if evt.Name == ResumeEventName {
		var payload ResumePayload
		if err := evt.Decode(&payload); err != nil {
			return err
		}
		err := e.Resume(ctx, payload.RunID)
		if ErrorCode(err) == ErrCodeRunNotFound {
			e.logger.WithContext(ctx).Warn("resume for unknown run %s ignored", payload.RunID)
			return nil
		}
		return err
	}
	return e.dispatcher.Publish(ctx, evt)
}

// Resume re-invokes a running run from its journal state. Finished runs are
// left untouched.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	run, err := e.journal.LoadRun(ctx, runID)
	if errors.Is(err, journal.ErrRunNotFound) {
		return cloneError(ErrRunNotFound, err, map[string]any{"run_id": runID})
	}
	if err != nil {
		return err
	}
	if run.Status.Finished() {
		return nil
	}
	fn, ok := e.Function(run.FunctionID)
	if !ok {
		return cloneError(ErrFunctionNotFound, nil, map[string]any{"function_id": run.FunctionID, "run_id": runID})
	}
	return e.execute(ctx, fn, run.ID)
}

// RecoverStale resumes running runs untouched for olderThan that have no
// pending resume event, which is the state a crash mid-invocation leaves.
func (e *Engine) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	runs, err := e.journal.ListRuns(ctx, journal.RunFilter{
		Status:        journal.RunRunning,
		UpdatedBefore: e.now().Add(-olderThan),
	})
	if err != nil {
		return 0, err
	}

	var errs error
	recovered := 0
	for _, run := range runs {
		waiting, err := e.journal.HasPendingDedupe(ctx, resumeKeyPrefix(run.ID))
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if waiting {
			continue
		}
		e.logger.WithContext(ctx).Info("recovering stale run %s (%s)", run.ID, run.FunctionID)
		if err := e.Resume(ctx, run.ID); err != nil {
			errs = errors.Join(errs, fmt.Errorf("recover run %s: %w", run.ID, err))
			continue
		}
		recovered++
	}
	return recovered, errs
}

// Prune deletes finished runs, and their steps, finished more than
// olderThan ago.
func (e *Engine) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	deleted, err := e.journal.DeleteFinishedBefore(ctx, e.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		e.logger.WithContext(ctx).Info("pruned %d finished run(s)", deleted)
	}
	return deleted, nil
}

func (e *Engine) start(ctx context.Context, fn *Function, evt casework.Event) error {
	run := &journal.Run{
		ID:         RunID(fn.id, evt.ID),
		FunctionID: fn.id,
		Event:      evt,
		Status:     journal.RunRunning,
	}
	err := e.journal.CreateRun(ctx, run)
	switch {
	case err == nil:
		e.metrics.RunStarted(fn.id)
	case errors.Is(err, journal.ErrRunExists):
		e.logger.WithContext(ctx).Debug("event %s redelivered to %s, resuming run %s", evt.ID, fn.id, run.ID)
	default:
		return err
	}
	return e.execute(ctx, fn, run.ID)
}

// execute drives one invocation of a run under the retry loop and applies
// the terminal transition.
func (e *Engine) execute(ctx context.Context, fn *Function, runID string) error {
	unlock := e.locker.Lock(runID)
	defer unlock()

	run, err := e.journal.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Finished() {
		return nil
	}

	logger := casework.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"run_id":      run.ID,
		"function_id": fn.id,
		"event":       run.Event.Name,
		"event_id":    run.Event.ID,
	})

	opts := []runner.Option{
		runner.WithMaxRetries(fn.retries),
		runner.WithRetryStrategy(e.retryStrategy),
		runner.WithErrorHandler(func(err error) {
			logger.Warn("%v", err)
		}),
		runner.WithAttemptHook(func(attempt int, _ error) {
			e.metrics.RetryAttempt(fn.id, attempt+1)
		}),
		runner.WithSleep(e.retrySleep),
	}
	if fn.timeout > 0 {
		opts = append(opts, runner.WithTimeout(fn.timeout))
	}
	handler := runner.NewHandler(opts...)

	baseAttempts := run.Attempts
	var output any
	err = handler.Run(ctx, func(ctx context.Context) error {
		attempt := baseAttempts + runner.AttemptFromContext(ctx) + 1
		if err := e.journal.TouchRun(ctx, run.ID, attempt, ""); err != nil {
			return runner.Permanent(err)
		}
		attemptLogger := casework.WithLoggerFields(logger, map[string]any{"attempt": attempt})
		steps := newStepRunner(e, fn, run.ID, attemptLogger)

		out, callErr := e.invoke(ctx, fn, Input{
			Event:   run.Event.Clone(),
			RunID:   run.ID,
			Attempt: attempt,
			Step:    steps,
			Logger:  attemptLogger,
		})
		if steps.isSuspended() || errors.Is(callErr, ErrSuspended) {
			return runner.Permanent(ErrSuspended)
		}
		if callErr != nil {
			return callErr
		}
		output = out
		return nil
	})

	if errors.Is(err, ErrSuspended) {
		e.metrics.RunSuspended(fn.id)
		logger.Info("run suspended")
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		// interrupted by shutdown; the run stays running for recovery
		logger.Warn("run interrupted: %v", err)
		return ctxErr
	}

	if err == nil {
		raw, marshalErr := marshalOutput(output)
		if marshalErr != nil {
			err = marshalErr
		} else {
			if finishErr := e.journal.FinishRun(ctx, run.ID, journal.RunCompleted, raw, ""); finishErr != nil {
				if errors.Is(finishErr, journal.ErrRunFinished) {
					return nil
				}
				return finishErr
			}
			e.metrics.RunFinished(fn.id, journal.RunCompleted)
			logger.Info("run completed")
			return nil
		}
	}

	finishErr := e.journal.FinishRun(ctx, run.ID, journal.RunFailed, nil, err.Error())
	if errors.Is(finishErr, journal.ErrRunFinished) {
		return nil
	}
	if finishErr != nil {
		return finishErr
	}
	e.metrics.RunFinished(fn.id, journal.RunFailed)

	latest, loadErr := e.journal.LoadRun(ctx, run.ID)
	attempts := baseAttempts
	if loadErr == nil {
		attempts = latest.Attempts
	}
	e.handleFailure(context.WithoutCancel(ctx), fn, Failure{
		RunID:      run.ID,
		FunctionID: fn.id,
		Event:      run.Event.Clone(),
		Err:        err,
		Attempts:   attempts,
	}, logger)
	return nil
}

func (e *Engine) invoke(ctx context.Context, fn *Function, in Input) (out any, err error) {
	defer e.recoverPanic(fn.id, &err, map[string]any{"run_id": in.RunID})
	return fn.handler(ctx, in)
}

func (e *Engine) handleFailure(ctx context.Context, fn *Function, failure Failure, logger casework.Logger) {
	if fn.onFailure == nil {
		casework.WithLoggerFields(logger, map[string]any{
			"requires_manual_intervention": true,
			"compensated":                  false,
		}).Error("run failed after %d attempt(s): %v", failure.Attempts, failure.Err)
		return
	}

	comp, err := e.callFailureHandler(ctx, fn, failure)
	fields := map[string]any{
		"requires_manual_intervention": comp.RequiresManualIntervention || err != nil,
		"compensated":                  comp.Compensated && err == nil,
	}
	l := casework.WithLoggerFields(logger, fields)
	if err != nil {
		l.Error("failure handler errored: %v; run error: %v", err, failure.Err)
		return
	}
	note := strings.TrimSpace(comp.Note)
	if note == "" {
		note = "no compensation note"
	}
	l.Error("run failed after %d attempt(s): %v; %s", failure.Attempts, failure.Err, note)
}

func (e *Engine) callFailureHandler(ctx context.Context, fn *Function, failure Failure) (comp Compensation, err error) {
	defer e.recoverPanic(fn.id+".onFailure", &err, map[string]any{"run_id": failure.RunID})
	return fn.onFailure(ctx, failure)
}

func (e *Engine) scheduled(due time.Time) {
	if due.After(e.now()) {
		return
	}
	e.mu.RLock()
	hooks := append([]func(){}, e.onDue...)
	e.mu.RUnlock()
	for _, hook := range hooks {
		hook()
	}
}

func marshalOutput(output any) (json.RawMessage, error) {
	if output == nil {
		return nil, nil
	}
	if raw, ok := output.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return nil, cloneError(ErrStepOutputInvalid, err, nil)
	}
	return raw, nil
}

func resumeKeyPrefix(runID string) string {
	return "resume:" + runID + ":"
}
