package cron

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func TestScheduleCronRunsAndCancels(t *testing.T) {
	scheduler := NewScheduler(WithParser(SecondsParser), WithLogLevel(LogLevelSilent))
	var count atomic.Int32

	handle, err := scheduler.ScheduleCron(JobConfig{
		Name:       "tick",
		Expression: "@every 1s",
	}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "tick", handle.Name())
	assert.Equal(t, ScheduleStatusScheduled, handle.Status())
	assert.False(t, scheduler.Next(handle).IsZero())

	require.NoError(t, scheduler.Start(context.Background()))
	defer scheduler.Stop(context.Background())

	waitFor(t, 2500*time.Millisecond, func() bool { return count.Load() > 0 })
	waitFor(t, time.Second, func() bool { return handle.Status() == ScheduleStatusIdle })
	assert.GreaterOrEqual(t, handle.Runs(), 1)

	handle.Cancel()
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected cancel to close handle done channel")
	}
	assert.Equal(t, ScheduleStatusCanceled, handle.Status())
	assert.True(t, scheduler.Next(handle).IsZero())
}

func TestScheduleCronRetriesAndReportsFailure(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	scheduler := NewScheduler(
		WithLogLevel(LogLevelSilent),
		WithErrorHandler(func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		}),
	)

	var calls atomic.Int32
	boom := errors.New("boom")
	handle, err := scheduler.ScheduleCron(JobConfig{
		Name:       "flaky",
		Expression: "@every 1s",
		MaxRetries: 2,
	}, func(context.Context) error {
		calls.Add(1)
		return boom
	})
	require.NoError(t, err)

	require.NoError(t, scheduler.Start(context.Background()))
	defer scheduler.Stop(context.Background())

	waitFor(t, 2500*time.Millisecond, func() bool { return handle.Runs() > 0 })

	assert.GreaterOrEqual(t, calls.Load(), int32(3))
	assert.Equal(t, ScheduleStatusFailed, handle.Status())
	assert.ErrorIs(t, handle.Err(), boom)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reported)
	assert.ErrorIs(t, reported[len(reported)-1], boom)
}

func TestSchedulerStopMarksHandleStopped(t *testing.T) {
	scheduler := NewScheduler(WithLogLevel(LogLevelSilent))
	handle, err := scheduler.ScheduleCron(JobConfig{Expression: "@every 5s"}, func(context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", handle.Name())

	require.NoError(t, scheduler.Start(context.Background()))
	require.NoError(t, scheduler.Stop(context.Background()))

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle done on stop")
	}
	assert.Equal(t, ScheduleStatusStopped, handle.Status())
}

func TestScheduleCronValidation(t *testing.T) {
	scheduler := NewScheduler(WithLogLevel(LogLevelSilent))

	_, err := scheduler.ScheduleCron(JobConfig{}, func(context.Context) error { return nil })
	assert.Error(t, err)

	_, err = scheduler.ScheduleCron(JobConfig{Expression: "@every 1s"}, nil)
	assert.Error(t, err)

	_, err = scheduler.ScheduleCron(JobConfig{Expression: "not a cron"}, func(context.Context) error { return nil })
	assert.Error(t, err)
}

type fakeMaintainer struct {
	pruned    atomic.Int32
	recovered atomic.Int32
	olderThan chan time.Duration
}

func (f *fakeMaintainer) Prune(_ context.Context, olderThan time.Duration) (int, error) {
	f.pruned.Add(1)
	return 0, nil
}

func (f *fakeMaintainer) RecoverStale(_ context.Context, olderThan time.Duration) (int, error) {
	f.recovered.Add(1)
	select {
	case f.olderThan <- olderThan:
	default:
	}
	return 1, nil
}

func TestScheduleMaintenance(t *testing.T) {
	scheduler := NewScheduler(WithLogLevel(LogLevelSilent))
	m := &fakeMaintainer{olderThan: make(chan time.Duration, 1)}

	handles, err := ScheduleMaintenance(scheduler, m, MaintenanceConfig{
		PruneExpression:   "@every 1s",
		PruneOlderThan:    time.Hour,
		RecoverExpression: "@every 1s",
		RecoverOlderThan:  2 * time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, "prune-runs", handles[0].Name())
	assert.Equal(t, "recover-stale-runs", handles[1].Name())

	require.NoError(t, scheduler.Start(context.Background()))
	defer scheduler.Stop(context.Background())

	select {
	case d := <-m.olderThan:
		assert.Equal(t, 2*time.Minute, d)
	case <-time.After(2500 * time.Millisecond):
		t.Fatal("recover job did not run")
	}
	waitFor(t, 2500*time.Millisecond, func() bool { return m.pruned.Load() > 0 })
}

func TestScheduleMaintenanceSkipsDisabledJobs(t *testing.T) {
	scheduler := NewScheduler(WithLogLevel(LogLevelSilent))
	cfg := DefaultMaintenanceConfig()
	cfg.PruneExpression = ""

	handles, err := ScheduleMaintenance(scheduler, &fakeMaintainer{}, cfg)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, "recover-stale-runs", handles[0].Name())
}
