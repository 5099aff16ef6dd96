package casework

import (
	"fmt"
)

// MessageError wraps context around dispatch and delivery failures
type MessageError struct {
	Type    string
	Message string
	Err     error
}

func (e *MessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

// WrapError is a helper to create wrapped errors using MessageError
func WrapError(errType, msg string, err error) *MessageError {
	return &MessageError{
		Type:    errType,
		Message: msg,
		Err:     err,
	}
}
