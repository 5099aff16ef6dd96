package casework

import (
	"reflect"

	"github.com/goliatone/go-errors"
)

// Message is implemented by event payloads that know their event name and
// can validate themselves before being emitted or after being decoded.
type Message interface {
	Type() string
	Validate() error
}

// Validator is the subset of Message needed for payload validation.
type Validator interface {
	Validate() error
}

func IsNilMessage(msg any) bool {
	if msg == nil {
		return true
	}

	v := reflect.ValueOf(msg)
	if v.Kind() != reflect.Ptr {
		return false
	}

	return v.IsNil()
}

// ValidateMessage runs Validate on payloads that implement it. Nil payloads
// are accepted since events may carry no data.
func ValidateMessage(msg any) error {
	if msg == nil {
		return nil
	}
	if IsNilMessage(msg) {
		return errors.New("nil message pointer", errors.CategoryValidation).
			WithTextCode("INVALID_MESSAGE")
	}

	if m, ok := msg.(Validator); ok {
		if err := m.Validate(); err != nil {
			return errors.Wrap(err, errors.CategoryValidation, "message validation failed").
				WithTextCode("VALIDATION_FAILED").
				WithMetadata(map[string]any{"message_type": GetMessageType(msg)})
		}
	}

	return nil
}
