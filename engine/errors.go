package engine

import (
	stderrors "errors"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeFunctionNotFound = "FUNCTION_NOT_FOUND"
	ErrCodeFunctionExists   = "FUNCTION_ALREADY_REGISTERED"
	ErrCodeStepNameRequired = "STEP_NAME_REQUIRED"
	ErrCodeStepDuplicate    = "STEP_DUPLICATE"
	ErrCodeStepOutput       = "STEP_OUTPUT_INVALID"
	ErrCodeRunNotFound      = "RUN_NOT_FOUND"
)

// ErrSuspended is returned by SleepUntil when the run must wait for a
// scheduled resume. Handlers return it unchanged; it is never retried.
var ErrSuspended = stderrors.New("run suspended until scheduled resume")

var (
	ErrFunctionNotFound = apperrors.New("function not registered", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeFunctionNotFound)
	ErrFunctionExists = apperrors.New("function already registered", apperrors.CategoryConflict).
				WithTextCode(ErrCodeFunctionExists)
	ErrStepNameRequired = apperrors.New("step name required", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeStepNameRequired)
	ErrStepDuplicate = apperrors.New("step name used twice in one invocation", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeStepDuplicate)
	ErrStepOutputInvalid = apperrors.New("step output is not JSON encodable", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeStepOutput)
	ErrRunNotFound = apperrors.New("run not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeRunNotFound)
)

func cloneError(base *apperrors.Error, source error, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of the first go-errors value in err's chain.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}
