package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	casework "github.com/goliatone/go-casework"
	"github.com/goliatone/go-casework/journal"
	"golang.org/x/sync/errgroup"
)

// DispatchEntryResult captures one scheduled event delivery result.
type DispatchEntryResult struct {
	ScheduledID string
	Event       string
	Attempt     int
	Outcome     DispatchOutcome
	RetryAt     time.Time
	Error       string
	OccurredAt  time.Time
}

// DispatchReport summarizes one poller cycle.
type DispatchReport struct {
	WorkerID   string
	Claimed    int
	Processed  int
	Lag        time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []DispatchEntryResult
}

// PollerState tracks lifecycle of the background poll loop.
type PollerState string

const (
	PollerStateIdle     PollerState = "idle"
	PollerStateRunning  PollerState = "running"
	PollerStateStopping PollerState = "stopping"
	PollerStateStopped  PollerState = "stopped"
)

// PollerStatus captures the latest runtime state and cycle metrics.
type PollerStatus struct {
	WorkerID            string        `json:"worker_id"`
	State               PollerState   `json:"state"`
	LastRunAt           time.Time     `json:"last_run_at"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastClaimed         int           `json:"last_claimed"`
	LastProcessed       int           `json:"last_processed"`
	LastLag             time.Duration `json:"last_lag"`
}

// PollerHealth reports health derived from runtime status.
type PollerHealth struct {
	Healthy bool         `json:"healthy"`
	Reason  string       `json:"reason,omitempty"`
	Status  PollerStatus `json:"status"`
}

// Poller claims due scheduled events and dispatches them through the engine.
type Poller struct {
	engine        *Engine
	store         journal.ScheduleStore
	workerID      string
	limit         int
	concurrency   int
	leaseDuration time.Duration
	retryDelay    time.Duration
	maxAttempts   int
	runInterval   time.Duration
	backoff       func(attempt int, baseDelay time.Duration) time.Duration
	logger        casework.Logger
	outcomeHook   func(context.Context, DispatchEntryResult)

	stateMu sync.RWMutex
	status  PollerStatus

	wake chan struct{}

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	running   bool
}

// PollerOption customizes the poller.
type PollerOption func(*Poller)

// WithWorkerID overrides the lease owner identifier.
func WithWorkerID(workerID string) PollerOption {
	return func(p *Poller) {
		if id := strings.TrimSpace(workerID); id != "" {
			p.workerID = id
		}
	}
}

// WithBatchSize sets the max events claimed per cycle.
func WithBatchSize(limit int) PollerOption {
	return func(p *Poller) {
		if limit > 0 {
			p.limit = limit
		}
	}
}

// WithConcurrency bounds concurrent deliveries per cycle.
func WithConcurrency(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLeaseDuration sets lease expiration for claimed events.
func WithLeaseDuration(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.leaseDuration = d
		}
	}
}

// WithRedeliveryDelay sets the base delay before a failed delivery is retried.
func WithRedeliveryDelay(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

// WithMaxAttempts sets the delivery attempts before dead-lettering.
func WithMaxAttempts(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithPollInterval sets the background poll cadence.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.runInterval = d
		}
	}
}

// WithRedeliveryBackoff customizes the redelivery schedule per attempt.
func WithRedeliveryBackoff(fn func(attempt int, baseDelay time.Duration) time.Duration) PollerOption {
	return func(p *Poller) {
		if fn != nil {
			p.backoff = fn
		}
	}
}

// WithOutcomeHook receives one callback per delivery outcome.
func WithOutcomeHook(hook func(context.Context, DispatchEntryResult)) PollerOption {
	return func(p *Poller) {
		p.outcomeHook = hook
	}
}

// NewPoller builds a poller for e. Events scheduled as due now wake it.
func NewPoller(e *Engine, opts ...PollerOption) *Poller {
	p := &Poller{
		engine:        e,
		workerID:      "casework-worker-1",
		limit:         100,
		concurrency:   8,
		leaseDuration: 5 * time.Minute,
		retryDelay:    5 * time.Second,
		maxAttempts:   5,
		runInterval:   time.Second,
		backoff: func(attempt int, baseDelay time.Duration) time.Duration {
			if attempt <= 1 {
				return baseDelay
			}
			return time.Duration(attempt) * baseDelay
		},
		wake: make(chan struct{}, 1),
		status: PollerStatus{
			State: PollerStateIdle,
		},
	}
	if e != nil {
		p.store = e.journal
		p.logger = e.logger
		e.OnDue(p.Wake)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = casework.NormalizeLogger(p.logger)
	p.status.WorkerID = p.workerID
	return p
}

// Wake triggers a cycle without waiting for the next tick.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls until context cancellation or Stop.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()
		return fmt.Errorf("poller already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	p.runCancel = cancel
	p.runDone = runDone
	p.running = true
	p.runMu.Unlock()

	p.setState(PollerStateRunning)
	logger := casework.WithLoggerFields(p.logger.WithContext(runCtx), map[string]any{"worker_id": p.workerID})
	logger.Info("poller started")

	defer func() {
		p.runMu.Lock()
		p.running = false
		p.runCancel = nil
		p.runDone = nil
		close(runDone)
		p.runMu.Unlock()
		p.setState(PollerStateStopped)
		logger.Info("poller stopped")
	}()

	ticker := time.NewTicker(p.runInterval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
			logger.Warn("poller cycle failed: %v", err)
		}
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// RunOnce executes one claim, dispatch and acknowledge cycle.
func (p *Poller) RunOnce(ctx context.Context) (DispatchReport, error) {
	report := DispatchReport{}
	if err := p.validate(); err != nil {
		return report, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := p.engine.now().UTC()
	report.WorkerID = p.workerID
	report.StartedAt = now

	claimed, err := p.store.ClaimDue(ctx, p.workerID, now, p.limit, p.leaseDuration)
	if err != nil {
		report.FinishedAt = p.engine.now().UTC()
		p.recordCycle(report, err)
		return report, err
	}
	report.Claimed = len(claimed)
	if lag, ok := dispatchLag(claimed, now); ok {
		report.Lag = lag
		p.engine.metrics.DispatchLag(lag)
	}

	var (
		mu          sync.Mutex
		dispatchErr error
		g           errgroup.Group
	)
	g.SetLimit(p.concurrency)
	for _, evt := range claimed {
		evt := evt
		g.Go(func() error {
			result, err := p.deliver(ctx, evt)
			mu.Lock()
			defer mu.Unlock()
			report.Outcomes = append(report.Outcomes, result)
			if result.Outcome == DispatchOutcomeDelivered {
				report.Processed++
			}
			if err != nil && dispatchErr == nil {
				dispatchErr = err
			}
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = p.engine.now().UTC()
	p.recordCycle(report, dispatchErr)
	return report, dispatchErr
}

func (p *Poller) deliver(ctx context.Context, evt journal.ScheduledEvent) (DispatchEntryResult, error) {
	result := DispatchEntryResult{
		ScheduledID: evt.ID,
		Event:       evt.Event.Name,
		Attempt:     evt.Attempts,
		OccurredAt:  p.engine.now().UTC(),
	}
	logger := casework.WithLoggerFields(p.logger.WithContext(ctx), map[string]any{
		"scheduled_id":     evt.ID,
		"event":            evt.Event.Name,
		"event_id":         evt.Event.ID,
		"dispatch_attempt": evt.Attempts,
		"worker_id":        p.workerID,
	})

	dispatchErr := p.engine.Dispatch(ctx, evt.Event)
	if dispatchErr == nil {
		if err := p.store.MarkDelivered(ctx, evt.ID); err != nil {
			logger.Error("mark delivered failed: %v", err)
			return p.fail(ctx, evt, result, err, logger)
		}
		result.Outcome = DispatchOutcomeDelivered
		p.engine.metrics.DispatchOutcome(DispatchOutcomeDelivered)
		p.emitOutcome(ctx, result)
		return result, nil
	}
	if ctx.Err() != nil {
		// shutting down; the lease expires and another cycle redelivers
		result.Error = dispatchErr.Error()
		return result, ctx.Err()
	}
	logger.Warn("dispatch failed: %v", dispatchErr)
	return p.fail(ctx, evt, result, dispatchErr, logger)
}

func (p *Poller) fail(
	ctx context.Context,
	evt journal.ScheduledEvent,
	result DispatchEntryResult,
	cause error,
	logger casework.Logger,
) (DispatchEntryResult, error) {
	result.Error = cause.Error()
	if evt.Attempts >= p.maxAttempts {
		result.Outcome = DispatchOutcomeDeadLettered
		err := p.store.MarkDead(ctx, evt.ID, result.Error)
		p.engine.metrics.DispatchOutcome(DispatchOutcomeDeadLettered)
		casework.WithLoggerFields(logger, map[string]any{"requires_manual_intervention": true}).
			Error("event dead-lettered after %d attempt(s): %v", evt.Attempts, cause)
		p.emitOutcome(ctx, result)
		if err != nil {
			return result, err
		}
		return result, cause
	}

	delay := p.backoff(evt.Attempts, p.retryDelay)
	if delay <= 0 {
		delay = p.retryDelay
	}
	result.Outcome = DispatchOutcomeRetryScheduled
	result.RetryAt = p.engine.now().UTC().Add(delay)
	err := p.store.MarkFailed(ctx, evt.ID, result.RetryAt, result.Error)
	p.engine.metrics.DispatchOutcome(DispatchOutcomeRetryScheduled)
	p.emitOutcome(ctx, result)
	if err != nil {
		return result, err
	}
	return result, cause
}

// Stop requests background loop termination and waits for graceful stop.
func (p *Poller) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p.runMu.Lock()
	cancel := p.runCancel
	done := p.runDone
	running := p.running
	p.runMu.Unlock()

	if !running || cancel == nil || done == nil {
		p.setState(PollerStateStopped)
		return nil
	}

	p.setState(PollerStateStopping)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a copy of the latest runtime status.
func (p *Poller) Status() PollerStatus {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.status
}

// Health returns a derived health summary.
func (p *Poller) Health(context.Context) PollerHealth {
	status := p.Status()
	health := PollerHealth{
		Healthy: true,
		Status:  status,
	}
	if status.ConsecutiveFailures > 0 {
		health.Healthy = false
		health.Reason = "dispatch failures detected"
	} else if status.State == PollerStateStopped && !status.LastRunAt.IsZero() {
		health.Healthy = false
		health.Reason = "poller stopped"
	}
	return health
}

func (p *Poller) emitOutcome(ctx context.Context, result DispatchEntryResult) {
	if p.outcomeHook != nil {
		p.outcomeHook(ctx, result)
	}
}

func (p *Poller) recordCycle(report DispatchReport, cycleErr error) {
	now := p.engine.now().UTC()
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	status := p.status
	status.WorkerID = p.workerID
	status.LastRunAt = now
	status.LastClaimed = report.Claimed
	status.LastProcessed = report.Processed
	status.LastLag = report.Lag
	if cycleErr == nil {
		status.LastSuccessAt = now
		status.LastError = ""
		status.ConsecutiveFailures = 0
	} else {
		status.LastError = cycleErr.Error()
		status.ConsecutiveFailures++
	}
	p.status = status
}

func (p *Poller) setState(state PollerState) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.status.WorkerID = p.workerID
	p.status.State = state
}

func (p *Poller) validate() error {
	if p == nil || p.engine == nil {
		return fmt.Errorf("poller not configured")
	}
	if p.store == nil {
		return fmt.Errorf("schedule store not configured")
	}
	if strings.TrimSpace(p.workerID) == "" {
		return fmt.Errorf("poller worker id required")
	}
	return nil
}

func dispatchLag(events []journal.ScheduledEvent, now time.Time) (time.Duration, bool) {
	var oldest time.Time
	for _, evt := range events {
		if evt.DueAt.IsZero() {
			continue
		}
		if oldest.IsZero() || evt.DueAt.Before(oldest) {
			oldest = evt.DueAt
		}
	}
	if oldest.IsZero() {
		return 0, false
	}
	if now.Before(oldest) {
		return 0, true
	}
	return now.Sub(oldest), true
}
