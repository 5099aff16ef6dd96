package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestHandler_NoError_NoRetries(t *testing.T) {
	h := NewHandler()

	cf := countingFunc{failUntil: 0}
	if err := h.Run(context.Background(), cf.fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cf.calls != 1 {
		t.Errorf("expected calls=1, got %d", cf.calls)
	}

	runs, success := h.Stats()
	if runs != 1 {
		t.Errorf("Handler.runs should be 1, got %d", runs)
	}
	if success != 1 {
		t.Errorf("Handler.successfulRuns should be 1, got %d", success)
	}
}

func TestHandler_SuccessOnSecondAttempt(t *testing.T) {
	h := NewHandler(WithMaxRetries(3))

	cf := countingFunc{failUntil: 1}
	if err := h.Run(context.Background(), cf.fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cf.calls != 2 {
		t.Errorf("expected calls=2, got %d", cf.calls)
	}
}

func TestHandler_AllAttemptsFail(t *testing.T) {
	h := NewHandler(WithMaxRetries(2))

	cf := countingFunc{failUntil: 5}
	err := h.Run(context.Background(), cf.fn)
	if err == nil {
		t.Fatal("expected final error")
	}

	if cf.calls != 3 {
		t.Errorf("expected calls=3 (1 initial + 2 retries), got %d", cf.calls)
	}
	if _, success := h.Stats(); success != 0 {
		t.Errorf("Handler.successfulRuns should remain 0 for all fail, got %d", success)
	}
}

func TestHandler_ReturnsLastErrorUnwrapped(t *testing.T) {
	sentinel := errors.New("sentinel")
	h := NewHandler(WithMaxRetries(1), WithErrorHandler(nil))

	err := h.Run(context.Background(), func(context.Context) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
}

func TestHandler_PermanentErrorStopsRetries(t *testing.T) {
	h := NewHandler(WithMaxRetries(5), WithErrorHandler(nil))

	calls := 0
	err := h.Run(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errors.New("do not retry"))
	})
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestHandler_AttemptInContext(t *testing.T) {
	h := NewHandler(WithMaxRetries(2), WithErrorHandler(nil))

	var seen []int
	_ = h.Run(context.Background(), func(ctx context.Context) error {
		seen = append(seen, AttemptFromContext(ctx))
		return errors.New("boom")
	})

	if fmt.Sprint(seen) != "[0 1 2]" {
		t.Fatalf("unexpected attempts: %v", seen)
	}
}

func TestHandler_UsesStrategyDelay(t *testing.T) {
	var delays []time.Duration
	h := NewHandler(
		WithMaxRetries(3),
		WithErrorHandler(nil),
		WithRetryStrategy(ExponentialBackoffStrategy{Base: 10 * time.Millisecond, Factor: 2, Max: 30 * time.Millisecond}),
		WithSleep(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
	)

	_ = h.Run(context.Background(), func(context.Context) error { return errors.New("boom") })

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	if fmt.Sprint(delays) != fmt.Sprint(want) {
		t.Fatalf("expected delays %v, got %v", want, delays)
	}
}

func TestHandler_AttemptHook(t *testing.T) {
	hooked := 0
	h := NewHandler(
		WithMaxRetries(2),
		WithErrorHandler(nil),
		WithAttemptHook(func(int, error) { hooked++ }),
	)

	_ = h.Run(context.Background(), func(context.Context) error { return errors.New("boom") })

	if hooked != 2 {
		t.Fatalf("expected hook on the two retried attempts, got %d", hooked)
	}
}

func TestHandler_Timeout(t *testing.T) {
	h := NewHandler(
		WithTimeout(50*time.Millisecond),
		WithMaxRetries(0),
	)

	start := time.Now()
	err := h.Run(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	})
	elapsed := time.Since(start)

	if elapsed >= 500*time.Millisecond {
		t.Error("expected function to time out quickly, but took too long")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestHandler_TimeoutIsPerAttempt(t *testing.T) {
	h := NewHandler(
		WithTimeout(30*time.Millisecond),
		WithMaxRetries(2),
		WithErrorHandler(nil),
		WithRetryStrategy(ExponentialBackoffStrategy{Base: 10 * time.Millisecond, Factor: 1}),
	)

	calls := 0
	err := h.Run(context.Background(), func(ctx context.Context) error {
		calls++
		if AttemptFromContext(ctx) == 0 {
			<-ctx.Done()
			return ctx.Err()
		}
		return ctx.Err()
	})

	if err != nil {
		t.Fatalf("expected retry after timeout to succeed, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestHandler_Deadline(t *testing.T) {
	deadline := time.Now().Add(50 * time.Millisecond)
	h := NewHandler(WithDeadline(deadline))

	start := time.Now()
	_ = h.Run(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	})

	if time.Since(start) >= 500*time.Millisecond {
		t.Error("expected function to stop at deadline, but took too long")
	}
}

func TestHandler_SleepCancelledByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHandler(
		WithMaxRetries(3),
		WithErrorHandler(nil),
		WithRetryStrategy(ExponentialBackoffStrategy{Base: time.Hour, Factor: 1}),
	)

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := h.Run(ctx, func(context.Context) error {
		calls++
		return errors.New("boom")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call before cancellation, got %d", calls)
	}
}

func TestHandler_Concurrency(t *testing.T) {
	h := NewHandler(WithMaxRetries(1), WithErrorHandler(nil))
	wg := sync.WaitGroup{}
	const goroutines = 10

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cf := &countingFunc{failUntil: 1}
			_ = h.Run(context.Background(), cf.fn)
		}()
	}
	wg.Wait()

	runs, success := h.Stats()
	if runs != goroutines {
		t.Errorf("expected Handler.runs=%d, got %d", goroutines, runs)
	}
	if success != goroutines {
		t.Errorf("expected Handler.successfulRuns=%d, got %d", goroutines, success)
	}
}

func TestHandler_Logger(t *testing.T) {
	ml := &mockLogger{}
	h := NewHandler(
		WithLogger(ml),
		WithMaxRetries(1),
		WithErrorHandler(nil),
	)

	cf := countingFunc{failUntil: 2}
	_ = h.Run(context.Background(), cf.fn)

	if len(ml.errorMessages) == 0 {
		t.Error("expected some error logs, got none")
	}
}

type mockLogger struct {
	mu            sync.Mutex
	infoMessages  []string
	errorMessages []string
}

func (m *mockLogger) Info(msg string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMessages = append(m.infoMessages, fmt.Sprintf(msg, args...))
}

func (m *mockLogger) Error(msg string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMessages = append(m.errorMessages, fmt.Sprintf(msg, args...))
}

type countingFunc struct {
	calls     int
	failUntil int // fail this many times, then succeed
}

func (cf *countingFunc) fn(_ context.Context) error {
	cf.calls++
	if cf.calls <= cf.failUntil {
		return fmt.Errorf("forced error attempt %d", cf.calls)
	}
	return nil
}
