package casework

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/goliatone/go-errors"
)

// PanicLogger receives recovered panics together with a cleaned stack.
type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// MakePanicHandler builds a deferred recovery helper. The returned function
// must be invoked with defer; it converts a panic into an error stored in
// errp so callers keep their explicit error flow.
func MakePanicHandler(logger PanicLogger) func(funcName string, errp *error, fields ...map[string]any) {
	return func(funcName string, errp *error, fields ...map[string]any) {
		r := recover()
		if r == nil {
			return
		}

		fullStack := make([]byte, 8096)
		n := runtime.Stack(fullStack, false)
		stack := cleanStackTrace(fullStack[:n])

		if logger != nil {
			logger(funcName, r, stack, fields...)
		}

		if errp == nil {
			return
		}

		var cause error
		if err, ok := r.(error); ok {
			cause = err
		} else {
			cause = fmt.Errorf("%v", r)
		}
		*errp = errors.Wrap(cause, errors.CategoryHandler, fmt.Sprintf("recovered from panic in %s", funcName)).
			WithTextCode("PANIC_RECOVERED")
	}
}

// LoggerPanicHandler reports recovered panics through a Logger.
func LoggerPanicHandler(logger Logger) PanicLogger {
	logger = NormalizeLogger(logger)
	return func(funcName string, err any, stack []byte, fields ...map[string]any) {
		l := logger
		if len(fields) > 0 && fields[0] != nil {
			l = WithLoggerFields(l, fields[0])
		}
		l.Error("recovered from panic in %s: %v\n%s", funcName, err, stack)
	}
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() frame and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
