package engine

import (
	"context"
	"strings"
	"time"

	casework "github.com/goliatone/go-casework"
	"github.com/goliatone/go-casework/journal"
)

type emitConfig struct {
	at        time.Time
	eventID   string
	dedupeKey string
}

// EmitOption customizes Emit.
type EmitOption func(*emitConfig)

// WithAt schedules the event for delivery at t instead of now.
func WithAt(t time.Time) EmitOption {
	return func(c *emitConfig) {
		c.at = t
	}
}

// WithEventID fixes the event id. Emitting the same id twice stores it once.
func WithEventID(id string) EmitOption {
	return func(c *emitConfig) {
		c.eventID = strings.TrimSpace(id)
	}
}

// WithDedupeKey drops the emission when a stored event has the same key.
func WithDedupeKey(key string) EmitOption {
	return func(c *emitConfig) {
		c.dedupeKey = strings.TrimSpace(key)
	}
}

// Emit persists an event for delivery, immediately or at a future instant,
// and returns its id. Payloads implementing casework.Message are validated.
func (e *Engine) Emit(ctx context.Context, name string, data any, opts ...EmitOption) (string, error) {
	cfg := emitConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	evt, err := casework.NewEvent(name, data)
	if err != nil {
		return "", err
	}
	if cfg.eventID != "" {
		evt.ID = cfg.eventID
	}
	now := e.now().UTC()
	evt.Timestamp = now

	due := cfg.at
	if due.IsZero() || due.Before(now) {
		due = now
	}

	if err := e.journal.Schedule(ctx, &journal.ScheduledEvent{
		ID:        evt.ID,
		Event:     evt,
		DueAt:     due,
		DedupeKey: cfg.dedupeKey,
		CreatedAt: now,
	}); err != nil {
		return "", err
	}

	e.metrics.EventEmitted(evt.Name)
	casework.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"event":    evt.Name,
		"event_id": evt.ID,
		"due_at":   due.Format(time.RFC3339),
	}).Debug("event scheduled")
	e.scheduled(due)
	return evt.ID, nil
}
