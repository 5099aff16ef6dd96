package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	casework "github.com/goliatone/go-casework"
	"github.com/goliatone/go-errors"
)

const ErrCodeSendFailed = "NOTIFICATION_FAILED"

// Kind names a notification template.
type Kind string

const (
	KindDeletionScheduled Kind = "deletion_scheduled"
	KindAccountDeleted    Kind = "account_deleted"
	KindEmailVerification Kind = "email_verification"
	KindEmailChangedAlert Kind = "email_changed_alert"
	KindPasswordChanged   Kind = "password_changed"
)

// Sender delivers a templated notification. Delivery may fail independently
// of the workflow that requested it.
type Sender interface {
	Send(ctx context.Context, kind Kind, recipient string, args map[string]any) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, kind Kind, recipient string, args map[string]any) error

func (f SenderFunc) Send(ctx context.Context, kind Kind, recipient string, args map[string]any) error {
	return f(ctx, kind, recipient, args)
}

// LogSender writes notifications to a logger instead of delivering them.
type LogSender struct {
	Logger casework.Logger
}

func (s LogSender) Send(ctx context.Context, kind Kind, recipient string, args map[string]any) error {
	logger := casework.NormalizeLogger(s.Logger)
	casework.WithLoggerFields(logger, map[string]any{
		"kind":      string(kind),
		"recipient": recipient,
	}).WithContext(ctx).Info("notification %s to %s: %v", kind, recipient, args)
	return nil
}

// Message is one recorded notification.
type Message struct {
	Kind      Kind           `json:"template"`
	Recipient string         `json:"to"`
	Args      map[string]any `json:"args,omitempty"`
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Send(_ context.Context, kind Kind, recipient string, args map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Kind: kind, Recipient: recipient, Args: args})
	return nil
}

// Messages returns a copy of what was sent.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Count returns how many messages of kind were sent.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// HTTPSender posts notifications as JSON to a mail relay.
type HTTPSender struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPSender builds a relay sender. A nil client gets a 30s timeout.
func NewHTTPSender(endpoint, apiKey string, client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSender{endpoint: endpoint, apiKey: apiKey, client: client}
}

func (s *HTTPSender) Send(ctx context.Context, kind Kind, recipient string, args map[string]any) error {
	meta := map[string]any{"kind": string(kind), "recipient": recipient}
	if strings.TrimSpace(recipient) == "" {
		return errors.New("notification recipient required", errors.CategoryBadInput).
			WithTextCode(ErrCodeSendFailed).
			WithMetadata(meta)
	}

	body, err := json.Marshal(Message{Kind: kind, Recipient: recipient, Args: args})
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "notification encoding failed").
			WithTextCode(ErrCodeSendFailed).
			WithMetadata(meta)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "notification request could not be built").
			WithTextCode(ErrCodeSendFailed).
			WithMetadata(meta)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "notification relay unreachable").
			WithTextCode(ErrCodeSendFailed).
			WithMetadata(meta)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		meta["status"] = resp.StatusCode
		return errors.New(fmt.Sprintf("notification relay returned HTTP %d", resp.StatusCode), errors.CategoryExternal).
			WithTextCode(ErrCodeSendFailed).
			WithMetadata(meta)
	}
	return nil
}

var (
	_ Sender = LogSender{}
	_ Sender = (*Recorder)(nil)
	_ Sender = (*HTTPSender)(nil)
	_ Sender = SenderFunc(nil)
)
