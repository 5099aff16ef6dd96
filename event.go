package casework

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// Event is the envelope delivered to workflow functions.
type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// NewEvent encodes data as the event payload. Messages are validated first.
func NewEvent(name string, data any) (Event, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Event{}, errors.New("event name required", errors.CategoryBadInput).
			WithTextCode("EVENT_NAME_REQUIRED")
	}

	if err := ValidateMessage(data); err != nil {
		return Event{}, err
	}

	evt := Event{
		ID:        uuid.NewString(),
		Name:      name,
		Timestamp: time.Now().UTC(),
	}

	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		evt.Data = append(json.RawMessage(nil), v...)
	case []byte:
		if !json.Valid(v) {
			return Event{}, errors.New("event payload is not valid JSON", errors.CategoryBadInput).
				WithTextCode("EVENT_PAYLOAD_INVALID").
				WithMetadata(map[string]any{"event": name})
		}
		evt.Data = append(json.RawMessage(nil), v...)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return Event{}, errors.Wrap(err, errors.CategoryBadInput, "event payload encoding failed").
				WithTextCode("EVENT_PAYLOAD_INVALID").
				WithMetadata(map[string]any{"event": name})
		}
		evt.Data = raw
	}

	return evt, nil
}

// Decode unmarshals the payload into dst.
func (e Event) Decode(dst any) error {
	if len(e.Data) == 0 {
		return errors.New("event has no payload", errors.CategoryBadInput).
			WithTextCode("EVENT_PAYLOAD_MISSING").
			WithMetadata(map[string]any{"event": e.Name, "event_id": e.ID})
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "event payload decoding failed").
			WithTextCode("EVENT_PAYLOAD_INVALID").
			WithMetadata(map[string]any{"event": e.Name, "event_id": e.ID})
	}
	return nil
}

// Fields returns the raw payload as a generic map, nil when it is not an object.
func (e Event) Fields() map[string]any {
	if len(e.Data) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return nil
	}
	return out
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	cp := e
	if e.Data != nil {
		cp.Data = append(json.RawMessage(nil), e.Data...)
	}
	return cp
}

// GetMessageType resolves the event name for a payload value.
func GetMessageType(msg any) string {
	if IsNilMessage(msg) {
		return "unknown_type"
	}

	if msgTyper, ok := msg.(interface{ Type() string }); ok {
		return msgTyper.Type()
	}

	t := reflect.TypeOf(msg)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}
