package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	casework "github.com/goliatone/go-casework"
	"github.com/goliatone/go-casework/detection"
	"github.com/goliatone/go-casework/engine"
	"github.com/goliatone/go-casework/journal"
	"github.com/goliatone/go-casework/notify"
	"github.com/goliatone/go-casework/records"
	"github.com/goliatone/go-casework/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

type detectorFunc func(ctx context.Context, caseID string) (*detection.Result, error)

func (f detectorFunc) Detect(ctx context.Context, caseID string) (*detection.Result, error) {
	return f(ctx, caseID)
}

// failingSender fails for the listed kinds and records the rest.
type failingSender struct {
	notify.Recorder
	fail map[notify.Kind]bool

	mu       sync.Mutex
	failures map[notify.Kind]int
}

func (s *failingSender) Send(ctx context.Context, kind notify.Kind, recipient string, args map[string]any) error {
	if s.fail[kind] {
		s.mu.Lock()
		if s.failures == nil {
			s.failures = make(map[notify.Kind]int)
		}
		s.failures[kind]++
		s.mu.Unlock()
		return fmt.Errorf("relay rejected %s", kind)
	}
	return s.Recorder.Send(ctx, kind, recipient, args)
}

func (s *failingSender) Failures(kind notify.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[kind]
}

type harness struct {
	clock    *testClock
	journal  *journal.InMemoryJournal
	store    *records.InMemoryStore
	sender   *failingSender
	engine   *engine.Engine
	poller   *engine.Poller
	detector detection.Detector
	config   Config
}

type harnessOption func(*harness)

func withConfig(cfg Config) harnessOption {
	return func(h *harness) { h.config = cfg }
}

func withDetector(d detection.Detector) harnessOption {
	return func(h *harness) { h.detector = d }
}

func withFailingKinds(kinds ...notify.Kind) harnessOption {
	return func(h *harness) {
		for _, k := range kinds {
			h.sender.fail[k] = true
		}
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	j := journal.NewInMemoryJournal()
	j.SetClock(clock.Now)
	store := records.NewInMemoryStore()
	store.SetClock(clock.Now)

	h := &harness{
		clock:   clock,
		journal: j,
		store:   store,
		sender:  &failingSender{fail: map[notify.Kind]bool{}},
		detector: detectorFunc(func(context.Context, string) (*detection.Result, error) {
			return &detection.Result{}, nil
		}),
	}
	for _, opt := range opts {
		opt(h)
	}

	logger := casework.NewFmtLogger(testWriter{t})
	h.engine = engine.New(j,
		engine.WithClock(clock.Now),
		engine.WithRetryStrategy(runner.NoDelayStrategy{}),
		engine.WithLogger(logger),
	)
	h.poller = engine.NewPoller(h.engine, engine.WithRedeliveryDelay(time.Second))

	require.NoError(t, Register(h.engine, Deps{
		Store:    store,
		Sender:   h.sender,
		Detector: h.detector,
		Logger:   logger,
		Config:   h.config,
	}))
	return h
}

func (h *harness) emit(t *testing.T, name string, data any) {
	t.Helper()
	_, err := h.engine.Emit(context.Background(), name, data)
	require.NoError(t, err)
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	_, err := h.poller.RunOnce(context.Background())
	require.NoError(t, err)
}

func (h *harness) dispatch(t *testing.T, name string, data any) casework.Event {
	t.Helper()
	evt, err := casework.NewEvent(name, data)
	require.NoError(t, err)
	require.NoError(t, h.engine.Dispatch(context.Background(), evt))
	return evt
}

func (h *harness) runs(t *testing.T, functionID string) []journal.Run {
	t.Helper()
	runs, err := h.journal.ListRuns(context.Background(), journal.RunFilter{FunctionID: functionID})
	require.NoError(t, err)
	return runs
}

func (h *harness) run(t *testing.T, functionID, eventID string) *journal.Run {
	t.Helper()
	run, err := h.journal.LoadRun(context.Background(), engine.RunID(functionID, eventID))
	require.NoError(t, err)
	return run
}

func (h *harness) pendingNamed(t *testing.T, name string) []journal.ScheduledEvent {
	t.Helper()
	pending, err := h.journal.Pending(context.Background())
	require.NoError(t, err)
	var out []journal.ScheduledEvent
	for _, p := range pending {
		if p.Event.Name == name {
			out = append(out, p)
		}
	}
	return out
}

func decodeOutput[T any](t *testing.T, run *journal.Run) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(run.Output, &out))
	return out
}

func TestFunctionsRequireCollaborators(t *testing.T) {
	_, err := Functions(Deps{})
	assert.Error(t, err)

	fns, err := Functions(Deps{
		Store:    records.NewInMemoryStore(),
		Sender:   &notify.Recorder{},
		Detector: detectorFunc(nil),
	})
	require.NoError(t, err)
	ids := make([]string, 0, len(fns))
	for _, fn := range fns {
		ids = append(ids, fn.ID())
		assert.Equal(t, engine.DefaultRetries, fn.Retries())
		assert.True(t, fn.HasFailureHandler())
	}
	assert.Equal(t, []string{
		ConfirmAccountDeletionID,
		ExecuteAccountDeletionID,
		EmailUpdatedID,
		PasswordUpdatedID,
		CaseAnalysisID,
	}, ids)
}

func TestAccountDeletionGracePeriodFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.PutUser(records.User{ID: "u1", Email: "ana@example.com", Name: "Ana"})
	h.store.PutToken(records.Token{Kind: records.TokenKindDeletion, Identifier: "ana@example.com", Value: "tok-1", Expires: h.clock.Now().Add(time.Hour)})

	h.emit(t, EventDeletionConfirmed, DeletionConfirmed{Token: "tok-1"})
	h.drain(t)

	runs := h.runs(t, ConfirmAccountDeletionID)
	require.Len(t, runs, 1)
	assert.Equal(t, journal.RunCompleted, runs[0].Status)

	_, err := h.store.FindToken(ctx, "tok-1")
	assert.ErrorIs(t, err, records.ErrTokenNotFound)

	deletionDate := h.clock.Now().Add(30 * 24 * time.Hour)
	user, err := h.store.FindUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, user.DeletionScheduled())
	assert.True(t, deletionDate.Equal(*user.DeletionScheduledAt))
	assert.Equal(t, 1, h.sender.Count(notify.KindDeletionScheduled))

	result := decodeOutput[ScheduleResult](t, &runs[0])
	assert.Equal(t, DeletionScheduled, result.Outcome)
	assert.NotEmpty(t, result.EventID)

	scheduled := h.pendingNamed(t, EventDeletionExecute)
	require.Len(t, scheduled, 1)
	assert.True(t, deletionDate.Equal(scheduled[0].DueAt))

	// nothing happens before the grace period ends
	h.clock.Advance(29 * 24 * time.Hour)
	h.drain(t)
	assert.Empty(t, h.runs(t, ExecuteAccountDeletionID))

	h.clock.Advance(24 * time.Hour)
	h.drain(t)

	execRuns := h.runs(t, ExecuteAccountDeletionID)
	require.Len(t, execRuns, 1)
	assert.Equal(t, journal.RunCompleted, execRuns[0].Status)
	assert.Equal(t, DeletionDeleted, decodeOutput[DeletionResult](t, &execRuns[0]).Outcome)

	_, err = h.store.FindUser(ctx, "u1")
	assert.ErrorIs(t, err, records.ErrUserNotFound)
	assert.Equal(t, 1, h.sender.Count(notify.KindAccountDeleted))
}

func TestConfirmDeletionIsIdempotentAgainstRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.PutUser(records.User{ID: "u1", Email: "ana@example.com"})
	h.store.PutToken(records.Token{Kind: records.TokenKindDeletion, Identifier: "ana@example.com", Value: "tok-1", Expires: h.clock.Now().Add(time.Hour)})

	evt, err := casework.NewEvent(EventDeletionConfirmed, DeletionConfirmed{Token: "tok-1"})
	require.NoError(t, err)
	require.NoError(t, h.engine.Dispatch(ctx, evt))
	require.NoError(t, h.engine.Dispatch(ctx, evt))

	assert.Len(t, h.runs(t, ConfirmAccountDeletionID), 1)
	assert.Equal(t, 1, h.sender.Count(notify.KindDeletionScheduled))
	assert.Len(t, h.pendingNamed(t, EventDeletionExecute), 1)
}

func TestDuplicateClickWithConsumedTokenChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.PutUser(records.User{ID: "u1", Email: "ana@example.com"})
	h.store.PutToken(records.Token{Kind: records.TokenKindDeletion, Identifier: "ana@example.com", Value: "tok-1", Expires: h.clock.Now().Add(time.Hour)})

	first := h.dispatch(t, EventDeletionConfirmed, DeletionConfirmed{Token: "tok-1"})
	before, err := h.store.FindUser(ctx, "u1")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	second := h.dispatch(t, EventDeletionConfirmed, DeletionConfirmed{Token: "tok-1"})

	assert.Equal(t, journal.RunCompleted, h.run(t, ConfirmAccountDeletionID, first.ID).Status)
	failed := h.run(t, ConfirmAccountDeletionID, second.ID)
	assert.Equal(t, journal.RunFailed, failed.Status)
	assert.Contains(t, failed.Error, "token not found")
	assert.Equal(t, engine.DefaultRetries+1, failed.Attempts)

	after, err := h.store.FindUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, before.DeletionScheduledAt.Equal(*after.DeletionScheduledAt))
	assert.Equal(t, 1, h.sender.Count(notify.KindDeletionScheduled))
	assert.Len(t, h.pendingNamed(t, EventDeletionExecute), 1)
}

func TestExpiredTokenLeavesUserUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.PutUser(records.User{ID: "u1", Email: "ana@example.com"})
	h.store.PutToken(records.Token{Kind: records.TokenKindDeletion, Identifier: "ana@example.com", Value: "tok-old", Expires: h.clock.Now().Add(-time.Minute)})

	evt := h.dispatch(t, EventDeletionConfirmed, DeletionConfirmed{Token: "tok-old"})

	run := h.run(t, ConfirmAccountDeletionID, evt.ID)
	assert.Equal(t, journal.RunFailed, run.Status)
	assert.Contains(t, run.Error, "expired")

	user, err := h.store.FindUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, user.DeletionScheduled())

	// validation failed, so the token was never invalidated
	_, err = h.store.FindToken(ctx, "tok-old")
	assert.NoError(t, err)
}

func TestVerificationTokenCannotConfirmDeletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.PutUser(records.User{ID: "u1", Email: "ana@example.com"})
	issued, err := h.store.IssueToken(ctx, records.TokenKindEmailVerification, "ana@example.com", time.Hour)
	require.NoError(t, err)

	evt := h.dispatch(t, EventDeletionConfirmed, DeletionConfirmed{Token: issued.Value})

	run := h.run(t, ConfirmAccountDeletionID, evt.ID)
	assert.Equal(t, journal.RunFailed, run.Status)
	assert.Empty(t, h.pendingNamed(t, EventDeletionExecute))

	user, err := h.store.FindUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, user.DeletionScheduled())

	// the verification token is left for the email flow
	found, err := h.store.FindToken(ctx, issued.Value)
	require.NoError(t, err)
	assert.Equal(t, records.TokenKindEmailVerification, found.Kind)
}

func TestConfirmDeletionForUnknownOrScheduledUserIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.PutToken(records.Token{Kind: records.TokenKindDeletion, Identifier: "ghost@example.com", Value: "tok-ghost", Expires: h.clock.Now().Add(time.Hour)})

	evt := h.dispatch(t, EventDeletionConfirmed, DeletionConfirmed{Token: "tok-ghost"})
	run := h.run(t, ConfirmAccountDeletionID, evt.ID)
	assert.Equal(t, journal.RunCompleted, run.Status)
	assert.Equal(t, DeletionUserNotFound, decodeOutput[ScheduleResult](t, run).Outcome)
	assert.Empty(t, h.pendingNamed(t, EventDeletionExecute))

	at := h.clock.Now().Add(48 * time.Hour)
	h.store.PutUser(records.User{ID: "u2", Email: "bo@example.com", DeletionScheduledAt: &at})
	h.store.PutToken(records.Token{Kind: records.TokenKindDeletion, Identifier: "bo@example.com", Value: "tok-bo", Expires: h.clock.Now().Add(time.Hour)})

	evt = h.dispatch(t, EventDeletionConfirmed, DeletionConfirmed{Token: "tok-bo"})
	run = h.run(t, ConfirmAccountDeletionID, evt.ID)
	assert.Equal(t, journal.RunCompleted, run.Status)
	assert.Equal(t, DeletionAlreadyScheduled, decodeOutput[ScheduleResult](t, run).Outcome)

	user, err := h.store.FindUser(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, at.Equal(*user.DeletionScheduledAt))
	assert.Equal(t, 0, h.sender.Count(notify.KindDeletionScheduled))
}

func TestExecuteDeletionHonoursGracePeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	scheduledAt := h.clock.Now().Add(3 * time.Hour)
	h.store.PutUser(records.User{ID: "u1", Email: "ana@example.com", DeletionScheduledAt: &scheduledAt})

	early := h.dispatch(t, EventDeletionExecute, DeletionExecute{UserID: "u1"})
	run := h.run(t, ExecuteAccountDeletionID, early.ID)
	assert.Equal(t, journal.RunCompleted, run.Status)
	assert.Equal(t, DeletionPremature, decodeOutput[DeletionResult](t, run).Outcome)
	_, err := h.store.FindUser(ctx, "u1")
	require.NoError(t, err)

	// up to one hour early is accepted
	h.clock.Advance(2*time.Hour + 30*time.Minute)
	onTime := h.dispatch(t, EventDeletionExecute, DeletionExecute{UserID: "u1"})
	run = h.run(t, ExecuteAccountDeletionID, onTime.ID)
	assert.Equal(t, DeletionDeleted, decodeOutput[DeletionResult](t, run).Outcome)
	_, err = h.store.FindUser(ctx, "u1")
	assert.ErrorIs(t, err, records.ErrUserNotFound)
}

func TestExecuteDeletionAcceptsLateTrigger(t *testing.T) {
	h := newHarness(t)
	scheduledAt := h.clock.Now().Add(-72 * time.Hour)
	h.store.PutUser(records.User{ID: "u1", Email: "ana@example.com", DeletionScheduledAt: &scheduledAt})

	evt := h.dispatch(t, EventDeletionExecute, DeletionExecute{UserID: "u1"})
	run := h.run(t, ExecuteAccountDeletionID, evt.ID)
	assert.Equal(t, DeletionDeleted, decodeOutput[DeletionResult](t, run).Outcome)
}

func TestSignInCancellationMakesExecutionNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	scheduledAt := h.clock.Now().Add(-time.Minute)
	h.store.PutUser(records.User{ID: "u1", Email: "ana@example.com", DeletionScheduledAt: &scheduledAt})

	cancelled, err := h.store.CancelDeletion(ctx, "u1")
	require.NoError(t, err)
	require.True(t, cancelled)

	evt := h.dispatch(t, EventDeletionExecute, DeletionExecute{UserID: "u1"})
	run := h.run(t, ExecuteAccountDeletionID, evt.ID)
	assert.Equal(t, journal.RunCompleted, run.Status)
	assert.Equal(t, DeletionCancelled, decodeOutput[DeletionResult](t, run).Outcome)

	user, err := h.store.FindUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, user.DeletionScheduled())
	assert.Equal(t, 0, h.sender.Count(notify.KindAccountDeleted))

	missing := h.dispatch(t, EventDeletionExecute, DeletionExecute{UserID: "nobody"})
	run = h.run(t, ExecuteAccountDeletionID, missing.ID)
	assert.Equal(t, DeletionUserNotFound, decodeOutput[DeletionResult](t, run).Outcome)
}

func TestDeletionRaceHasExactlyOneOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	scheduledAt := h.clock.Now().Add(-time.Minute)

	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("race-%d", i)
		h.store.PutUser(records.User{ID: id, Email: id + "@example.com", DeletionScheduledAt: &scheduledAt})

		evt, err := casework.NewEvent(EventDeletionExecute, DeletionExecute{UserID: id})
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			cancelled bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.engine.Dispatch(ctx, evt))
		}()
		go func() {
			defer wg.Done()
			ok, err := h.store.CancelDeletion(ctx, id)
			if errors.Is(err, records.ErrUserNotFound) {
				return
			}
			assert.NoError(t, err)
			cancelled = ok
		}()
		wg.Wait()

		run := h.run(t, ExecuteAccountDeletionID, evt.ID)
		require.Equal(t, journal.RunCompleted, run.Status)
		outcome := decodeOutput[DeletionResult](t, run).Outcome

		_, err = h.store.FindUser(ctx, id)
		deleted := errors.Is(err, records.ErrUserNotFound)

		assert.True(t, deleted != cancelled, "%s: deleted=%v cancelled=%v", id, deleted, cancelled)
		if deleted {
			assert.Equal(t, DeletionDeleted, outcome)
		} else {
			assert.Equal(t, DeletionCancelled, outcome)
		}
	}
}

func TestGoodbyeEmailFailureDoesNotFailDeletion(t *testing.T) {
	h := newHarness(t, withFailingKinds(notify.KindAccountDeleted))
	scheduledAt := h.clock.Now().Add(-time.Minute)
	h.store.PutUser(records.User{ID: "u1", Email: "ana@example.com", DeletionScheduledAt: &scheduledAt})

	evt := h.dispatch(t, EventDeletionExecute, DeletionExecute{UserID: "u1"})
	run := h.run(t, ExecuteAccountDeletionID, evt.ID)
	assert.Equal(t, journal.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Attempts)
	assert.Equal(t, DeletionDeleted, decodeOutput[DeletionResult](t, run).Outcome)
	assert.Equal(t, 1, h.sender.Failures(notify.KindAccountDeleted))
}

func TestEmailUpdatedSecurityAlertIsBestEffort(t *testing.T) {
	payload := EmailUpdated{UserID: "u1", OldEmail: "old@example.com", NewEmail: "new@example.com", UserName: "Ana"}

	ok := newHarness(t)
	okEvt := ok.dispatch(t, EventEmailUpdated, payload)
	okRun := ok.run(t, EmailUpdatedID, okEvt.ID)

	failing := newHarness(t, withFailingKinds(notify.KindEmailChangedAlert))
	failEvt := failing.dispatch(t, EventEmailUpdated, payload)
	failRun := failing.run(t, EmailUpdatedID, failEvt.ID)

	assert.Equal(t, journal.RunCompleted, okRun.Status)
	assert.Equal(t, journal.RunCompleted, failRun.Status)
	assert.JSONEq(t, string(okRun.Output), string(failRun.Output))
	assert.Equal(t, okRun.Attempts, failRun.Attempts)
	assert.Equal(t, 1, failRun.Attempts)

	assert.Equal(t, 1, failing.sender.Count(notify.KindEmailVerification))
	assert.Equal(t, 1, failing.sender.Failures(notify.KindEmailChangedAlert))
	assert.Equal(t, 1, ok.sender.Count(notify.KindEmailChangedAlert))

	msgs := ok.sender.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "new@example.com", msgs[0].Recipient)
	assert.NotEmpty(t, msgs[0].Args["token"])
	assert.Equal(t, "old@example.com", msgs[1].Recipient)
}

func TestEmailVerificationFailureRetriesWithSameToken(t *testing.T) {
	var calls atomic.Int32
	var tokens sync.Map
	h := newHarness(t)
	h.engine = engine.New(h.journal,
		engine.WithClock(h.clock.Now),
		engine.WithRetryStrategy(runner.NoDelayStrategy{}),
	)
	require.NoError(t, Register(h.engine, Deps{
		Store: h.store,
		Sender: notify.SenderFunc(func(_ context.Context, kind notify.Kind, _ string, args map[string]any) error {
			if kind != notify.KindEmailVerification {
				return nil
			}
			tokens.Store(args["token"], true)
			if calls.Add(1) < 3 {
				return errors.New("relay down")
			}
			return nil
		}),
		Detector: h.detector,
	}))

	evt := h.dispatch(t, EventEmailUpdated, EmailUpdated{UserID: "u1", OldEmail: "old@example.com", NewEmail: "new@example.com"})
	run := h.run(t, EmailUpdatedID, evt.ID)
	assert.Equal(t, journal.RunCompleted, run.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, run.Attempts)

	distinct := 0
	tokens.Range(func(any, any) bool { distinct++; return true })
	assert.Equal(t, 1, distinct, "token step must replay its stored output")
}

func TestPasswordUpdatedFailureRequiresIntervention(t *testing.T) {
	h := newHarness(t, withFailingKinds(notify.KindPasswordChanged))
	evt := h.dispatch(t, EventPasswordUpdated, PasswordUpdated{UserID: "u1", UserEmail: "ana@example.com", UserName: "Ana"})

	run := h.run(t, PasswordUpdatedID, evt.ID)
	assert.Equal(t, journal.RunFailed, run.Status)
	assert.Equal(t, engine.DefaultRetries+1, h.sender.Failures(notify.KindPasswordChanged))

	w := &workflows{}
	comp, err := w.notificationFailed(context.Background(), engine.Failure{
		FunctionID: PasswordUpdatedID,
		Event:      run.Event,
		Err:        errors.New(run.Error),
	})
	require.NoError(t, err)
	assert.True(t, comp.RequiresManualIntervention)
	assert.Contains(t, comp.Note, "u1")
}

func TestZeroRetriesIsHonoured(t *testing.T) {
	zero := 0
	h := newHarness(t, withConfig(Config{Retries: &zero}), withFailingKinds(notify.KindPasswordChanged))
	evt := h.dispatch(t, EventPasswordUpdated, PasswordUpdated{UserID: "u1", UserEmail: "ana@example.com", UserName: "Ana"})

	run := h.run(t, PasswordUpdatedID, evt.ID)
	assert.Equal(t, journal.RunFailed, run.Status)
	assert.Equal(t, 1, run.Attempts)
	assert.Equal(t, 1, h.sender.Failures(notify.KindPasswordChanged))

	fns, err := Functions(Deps{
		Store:    records.NewInMemoryStore(),
		Sender:   &notify.Recorder{},
		Detector: detectorFunc(nil),
		Config:   Config{Retries: &zero},
	})
	require.NoError(t, err)
	for _, fn := range fns {
		assert.Equal(t, 0, fn.Retries(), fn.ID())
	}
}

func TestInvalidPayloadFailsRun(t *testing.T) {
	h := newHarness(t)
	evt, err := casework.NewEvent(EventPasswordUpdated, map[string]any{"userId": "u1", "userEmail": "not-an-email"})
	require.NoError(t, err)
	require.NoError(t, h.engine.Dispatch(context.Background(), evt))

	run := h.run(t, PasswordUpdatedID, evt.ID)
	assert.Equal(t, journal.RunFailed, run.Status)
	assert.Equal(t, 0, h.sender.Failures(notify.KindPasswordChanged))
	assert.Empty(t, h.sender.Messages())
}

func TestCaseAnalysisHappyPath(t *testing.T) {
	days, hours, minutes, adh := 2.0, 48.0, 2880.0, 960.0
	var detectCalls atomic.Int32
	h := newHarness(t, withDetector(detectorFunc(func(_ context.Context, caseID string) (*detection.Result, error) {
		detectCalls.Add(1)
		assert.Equal(t, "c1", caseID)
		return &detection.Result{
			AggregatedResults: &detection.AggregatedResults{
				TotalCounts:         map[string]int{"adult": 3},
				OldestStageDetected: "adult",
			},
			PMIEstimation: &detection.PMIEstimation{
				PMIDays: &days, PMIHours: &hours, PMIMinutes: &minutes,
				StageUsed: "adult", AccumulatedDegreeHours: &adh,
			},
			Explanation: "Three adult blowflies.",
		}, nil
	})))
	ctx := context.Background()
	h.store.PutAnalysis(records.Analysis{CaseID: "c1"})

	h.emit(t, EventAnalysisRequested, AnalysisRequested{CaseID: "c1"})
	h.drain(t)

	// waiting for uploads: nothing touched yet
	a, err := h.store.LoadAnalysis(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, records.AnalysisPending, a.Status)
	assert.Equal(t, int32(0), detectCalls.Load())
	require.Len(t, h.runs(t, CaseAnalysisID), 1)
	assert.Equal(t, journal.RunRunning, h.runs(t, CaseAnalysisID)[0].Status)

	h.clock.Advance(time.Minute)
	h.drain(t)

	a, err = h.store.LoadAnalysis(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, records.AnalysisCompleted, a.Status)
	assert.Equal(t, "Three adult blowflies.", a.Explanation)
	require.NotNil(t, a.Result)
	assert.Equal(t, map[string]int{"adult": 3}, a.Result.TotalCounts)
	assert.Equal(t, "adult", a.Result.OldestStageDetected)
	assert.Equal(t, "adult", a.Result.StageUsed)
	require.NotNil(t, a.Result.PMIHours)
	assert.Equal(t, 48.0, *a.Result.PMIHours)
	require.NotNil(t, a.Result.AccumulatedDegreeHours)
	assert.Equal(t, 960.0, *a.Result.AccumulatedDegreeHours)
	assert.Equal(t, int32(1), detectCalls.Load())

	runs := h.runs(t, CaseAnalysisID)
	require.Len(t, runs, 1)
	assert.Equal(t, journal.RunCompleted, runs[0].Status)
	out := decodeOutput[AnalysisResult](t, &runs[0])
	assert.True(t, out.Detections)

	steps, err := h.journal.ListSteps(ctx, runs[0].ID)
	require.NoError(t, err)
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "mark-processing")
	assert.Contains(t, names, "detect")
	assert.Contains(t, names, "persist-results")
	assert.NotContains(t, names, "record-no-detections")
}

func TestCaseAnalysisWithoutDetectionsCompletes(t *testing.T) {
	h := newHarness(t, withDetector(detectorFunc(func(context.Context, string) (*detection.Result, error) {
		return &detection.Result{AggregatedResults: &detection.AggregatedResults{}}, nil
	})))
	ctx := context.Background()
	h.store.PutAnalysis(records.Analysis{CaseID: "c2"})

	h.emit(t, EventAnalysisRequested, AnalysisRequested{CaseID: "c2"})
	h.drain(t)
	h.clock.Advance(time.Minute)
	h.drain(t)

	a, err := h.store.LoadAnalysis(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, records.AnalysisCompleted, a.Status)
	assert.NotEmpty(t, a.Explanation)
	assert.Equal(t, NoDetectionsExplanation, a.Explanation)
	assert.Nil(t, a.Result)

	runs := h.runs(t, CaseAnalysisID)
	require.Len(t, runs, 1)
	assert.Equal(t, journal.RunCompleted, runs[0].Status)
	assert.False(t, decodeOutput[AnalysisResult](t, &runs[0]).Detections)
}

func TestCaseAnalysisDetectionHTTP500MarksRecordFailed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "inference backend unavailable")
	}))
	defer srv.Close()

	h := newHarness(t, withDetector(detection.NewClient(srv.URL, "key", detection.WithHTTPClient(srv.Client()))))
	ctx := context.Background()
	h.store.PutAnalysis(records.Analysis{CaseID: "c3"})

	h.emit(t, EventAnalysisRequested, AnalysisRequested{CaseID: "c3"})
	h.drain(t)
	h.clock.Advance(time.Minute)
	h.drain(t)

	// first attempt plus two retries
	assert.Equal(t, int32(3), hits.Load())

	runs := h.runs(t, CaseAnalysisID)
	require.Len(t, runs, 1)
	assert.Equal(t, journal.RunFailed, runs[0].Status)

	a, err := h.store.LoadAnalysis(ctx, "c3")
	require.NoError(t, err)
	assert.Equal(t, records.AnalysisFailed, a.Status)
	assert.Contains(t, a.Explanation, "Analysis failed:")
	assert.Contains(t, a.Explanation, "HTTP 500")
}

func TestCaseAnalysisFailureHandlerIsDefensive(t *testing.T) {
	store := records.NewInMemoryStore()
	w := &workflows{store: store}
	ctx := context.Background()

	for _, raw := range []string{`{"caseId": 42}`, `{"caseId": ""}`, `[1,2]`, ``} {
		comp, err := w.caseAnalysisFailed(ctx, engine.Failure{
			Event: casework.Event{Name: EventAnalysisRequested, Data: json.RawMessage(raw)},
			Err:   errors.New("boom"),
		})
		require.NoError(t, err, raw)
		assert.False(t, comp.Compensated, raw)
		assert.True(t, comp.RequiresManualIntervention, raw)
	}

	comp, err := w.caseAnalysisFailed(ctx, engine.Failure{
		Event: casework.Event{Name: EventAnalysisRequested, Data: json.RawMessage(`{"caseId":"missing"}`)},
		Err:   errors.New("boom"),
	})
	assert.ErrorIs(t, err, records.ErrAnalysisNotFound)
	assert.True(t, comp.RequiresManualIntervention)
}

func TestConfirmDeletionFailureClassification(t *testing.T) {
	w := &workflows{}
	comp, err := w.confirmAccountDeletionFailed(context.Background(), engine.Failure{Err: tokenError(ErrTokenExpired, nil, "a@example.com")})
	require.NoError(t, err)
	assert.False(t, comp.RequiresManualIntervention)

	comp, err = w.confirmAccountDeletionFailed(context.Background(), engine.Failure{Err: errors.New("queue unavailable")})
	require.NoError(t, err)
	assert.True(t, comp.RequiresManualIntervention)

	comp, err = w.executeAccountDeletionFailed(context.Background(), engine.Failure{
		Event: casework.Event{Data: json.RawMessage(`{"userId":"u9"}`)},
	})
	require.NoError(t, err)
	assert.True(t, comp.RequiresManualIntervention)
	assert.Contains(t, comp.Note, "u9")
}
