package cron

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-casework/runner"

	rcron "github.com/robfig/cron/v3"
)

// Logger interface shared across packages
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// JobFunc is the body of a recurring job.
type JobFunc func(ctx context.Context) error

// JobConfig describes a recurring job.
type JobConfig struct {
	Name       string
	Expression string
	MaxRetries int
	Timeout    time.Duration
}

// Scheduler wraps cron functionality.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger    Logger
	parser    Parser
	logWriter io.Writer
	logLevel  LogLevel

	nextHandleID int64
	handles      map[int64]*cronSubscription
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.UTC,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		errorHandler: func(err error) {
			log.Printf("error: %v\n", err)
		},
		handles: make(map[int64]*cronSubscription),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron schedules job to run on every tick of cfg.Expression. A tick
// that fires while the previous run is still going is skipped.
func (s *Scheduler) ScheduleCron(cfg JobConfig, job JobFunc) (Handle, error) {
	if strings.TrimSpace(cfg.Expression) == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	if job == nil {
		return nil, fmt.Errorf("cron job %q has no handler", cfg.Name)
	}

	h := runner.NewHandler(s.runnerOptions(cfg)...)
	sub := s.newHandle(cfg.Name)

	entry := rcron.FuncJob(func() {
		if isTerminalStatus(sub.Status()) {
			return
		}
		if !sub.tryStart() {
			s.logInfo("cron job %s still running, tick skipped", sub.name)
			return
		}

		err := h.Run(sub.context(), func(ctx context.Context) error {
			return job(ctx)
		})
		if err != nil {
			s.errorHandler(fmt.Errorf("cron job %s: %w", sub.name, err))
			sub.finishRun(ScheduleStatusFailed, err)
			return
		}
		sub.finishRun(ScheduleStatusIdle, nil)
	})

	entryID, err := s.cron.AddJob(cfg.Expression, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to add job %s: %w", cfg.Name, err)
	}
	sub.entryID = int(entryID)
	s.storeHandle(sub)
	return sub, nil
}

// Next returns the next activation of a scheduled handle, zero when unknown.
func (s *Scheduler) Next(handle Handle) time.Time {
	if s == nil || handle == nil {
		return time.Time{}
	}
	s.mu.Lock()
	sub := s.handles[handle.ID()]
	s.mu.Unlock()
	if sub == nil || sub.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(rcron.EntryID(sub.entryID)).Next
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop stops the scheduler, waits for running jobs up to ctx and marks
// active handles as stopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stopped := s.cron.Stop()

	var handles []*cronSubscription
	s.mu.Lock()
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[int64]*cronSubscription)
	s.mu.Unlock()

	for _, handle := range handles {
		if handle == nil {
			continue
		}
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		if isTerminalStatus(handle.Status()) {
			continue
		}
		handle.setTerminal(ScheduleStatusStopped, nil)
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) removeHandle(id int64) {
	handle := s.removeStoredHandle(id)
	if handle == nil {
		return
	}
	if handle.entryID > 0 {
		s.cron.Remove(rcron.EntryID(handle.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *cronSubscription {
	if s == nil || id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.handles[id]
	delete(s.handles, id)
	return handle
}

func (s *Scheduler) storeHandle(handle *cronSubscription) {
	if s == nil || handle == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles == nil {
		s.handles = make(map[int64]*cronSubscription)
	}
	s.handles[handle.id] = handle
}

func (s *Scheduler) newHandle(name string) *cronSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("job-%d", s.nextHandleID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &cronSubscription{
		scheduler: s,
		id:        s.nextHandleID,
		name:      name,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func isTerminalStatus(status ScheduleStatus) bool {
	switch status {
	case ScheduleStatusCanceled, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

func (s *Scheduler) runnerOptions(cfg JobConfig) []runner.Option {
	opts := []runner.Option{
		runner.WithMaxRetries(cfg.MaxRetries),
		runner.WithErrorHandler(s.errorHandler),
	}
	if s.logger != nil {
		opts = append(opts, runner.WithLogger(s.logger))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, runner.WithTimeout(cfg.Timeout))
	}
	return opts
}

func (s *Scheduler) logInfo(format string, args ...any) {
	if s.logger != nil && s.logLevel >= LogLevelInfo {
		s.logger.Info(format, args...)
	}
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	stdLogger := log.New(out, "cron: ", log.LstdFlags)
	cronLogger := rcron.PrintfLogger(stdLogger)
	if level >= LogLevelDebug {
		cronLogger = rcron.VerbosePrintfLogger(stdLogger)
	}
	return cronLogger
}

// build converts implementation-agnostic options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	if s.errorHandler != nil {
		opts = append(opts, rcron.WithChain(
			rcron.Recover(panicSink(s.errorHandler)),
		))
	}

	var cronLogger rcron.Logger
	switch {
	case s.logger != nil:
		cronLogger = &cronLog{logger: s.logger, level: s.logLevel}
	case s.logWriter != nil:
		cronLogger = makeLogger(s.logWriter, s.logLevel)
	default:
		if s.logLevel > LogLevelSilent {
			cronLogger = makeLogger(os.Stdout, s.logLevel)
		}
	}

	if cronLogger != nil {
		opts = append(opts, rcron.WithLogger(cronLogger))
	}

	return opts
}
