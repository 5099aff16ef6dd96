package workflows

import (
	"github.com/goliatone/go-errors"
)

const (
	ErrCodeTokenNotFound  = "TOKEN_NOT_FOUND"
	ErrCodeTokenExpired   = "TOKEN_EXPIRED"
	ErrCodePayloadInvalid = "PAYLOAD_INVALID"
)

var (
	ErrTokenNotFound = errors.New("verification token not found", errors.CategoryValidation).
				WithTextCode(ErrCodeTokenNotFound)
	ErrTokenExpired = errors.New("verification token expired", errors.CategoryValidation).
			WithTextCode(ErrCodeTokenExpired)
)

func tokenError(base *errors.Error, source error, identifier string) *errors.Error {
	err := base.Clone()
	if source != nil {
		err.Source = source
	}
	if identifier != "" {
		err = err.WithMetadata(map[string]any{"identifier": identifier})
	}
	return err
}

func payloadError(event string, source error) *errors.Error {
	return errors.Wrap(source, errors.CategoryValidation, "invalid "+event+" payload").
		WithTextCode(ErrCodePayloadInvalid).
		WithMetadata(map[string]any{"event": event})
}
