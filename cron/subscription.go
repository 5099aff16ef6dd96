package cron

import (
	"context"
	"sync"
)

type Subscription interface {
	Unsubscribe()
}

// ScheduleStatus reports a schedule handle state.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// Handle extends Subscription with lifecycle controls.
type Handle interface {
	Subscription
	Cancel()
	Name() string
	Status() ScheduleStatus
	// Err is the error of the last run, nil after a successful one.
	Err() error
	Runs() int
	Done() <-chan struct{}
	ID() int64
}

type cronSubscription struct {
	scheduler *Scheduler
	id        int64
	name      string
	entryID   int
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.RWMutex
	status  ScheduleStatus
	err     error
	running bool
	runs    int
	once    sync.Once
}

func (s *cronSubscription) Unsubscribe() {
	s.Cancel()
}

// Cancel removes the job from the scheduler and cancels a run in flight.
func (s *cronSubscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.scheduler != nil {
			s.scheduler.removeHandle(s.id)
		}
		s.setTerminal(ScheduleStatusCanceled, nil)
	})
}

func (s *cronSubscription) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

func (s *cronSubscription) Status() ScheduleStatus {
	if s == nil {
		return ScheduleStatusStopped
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *cronSubscription) Err() error {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *cronSubscription) Runs() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs
}

func (s *cronSubscription) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

func (s *cronSubscription) ID() int64 {
	if s == nil {
		return 0
	}
	return s.id
}

func (s *cronSubscription) context() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *cronSubscription) tryStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || isTerminalStatus(s.status) {
		return false
	}
	s.running = true
	s.status = ScheduleStatusRunning
	return true
}

func (s *cronSubscription) finishRun(status ScheduleStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.runs++
	s.err = err
	if !isTerminalStatus(s.status) {
		s.status = status
	}
}

func (s *cronSubscription) setTerminal(status ScheduleStatus, err error) {
	s.mu.Lock()
	s.status = status
	if err != nil {
		s.err = err
	}
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
}
