package cron

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser represents a cron expression parser type
type Parser int

const (
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the timezone location for the scheduler
func WithLocation(loc *time.Location) Option {
	return func(cs *Scheduler) {
		cs.location = loc
	}
}

// WithLogger sets a custom logger for the scheduler
func WithLogger(logger Logger) Option {
	return func(cs *Scheduler) {
		cs.logger = logger
	}
}

// WithLogWriter sets a custom writer for logging
func WithLogWriter(writer io.Writer) Option {
	return func(cs *Scheduler) {
		cs.logWriter = writer
	}
}

// WithLogLevel sets the logging level
func WithLogLevel(level LogLevel) Option {
	return func(cs *Scheduler) {
		cs.logLevel = level
	}
}

// WithErrorHandler sets a custom error handler for the scheduler
func WithErrorHandler(handler func(error)) Option {
	return func(cs *Scheduler) {
		cs.errorHandler = handler
	}
}

// WithParser sets the type of cron expression parser to use
func WithParser(p Parser) Option {
	return func(cs *Scheduler) {
		cs.parser = p
	}
}

// cronLog routes robfig/cron messages to a Logger, filtered by level.
type cronLog struct {
	logger Logger
	level  LogLevel
}

func (l *cronLog) Info(msg string, kv ...any) {
	if l.level < LogLevelInfo {
		return
	}
	l.logger.Info("cron: %s%s", msg, formatPairs(kv))
}

func (l *cronLog) Error(err error, msg string, kv ...any) {
	if l.level < LogLevelError {
		return
	}
	l.logger.Error("cron: %s%s: %v", msg, formatPairs(kv), err)
}

// panicSink feeds recovered job panics to the scheduler error handler.
type panicSink func(error)

func (p panicSink) Info(string, ...any) {}

func (p panicSink) Error(err error, msg string, kv ...any) {
	if p == nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("%s%s", msg, formatPairs(kv))
	}
	p(err)
}

// formatPairs renders robfig/cron key/value pairs as " k=v k=v".
func formatPairs(kv []any) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	if len(kv)%2 == 1 {
		fmt.Fprintf(&b, " %v", kv[len(kv)-1])
	}
	return b.String()
}
