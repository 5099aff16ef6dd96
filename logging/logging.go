package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	casework "github.com/goliatone/go-casework"
	"github.com/goliatone/go-logger/glog"
)

// Formats accepted by New.
const (
	FormatJSON = "json"
	FormatText = "text"
)

var levels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
	"fatal": true,
}

// New builds a go-logger backed casework.Logger. An empty level means info
// and a nil writer means stdout.
func New(level, format string, w io.Writer) (casework.Logger, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	if !levels[level] {
		return nil, fmt.Errorf("logging: unknown level %q", level)
	}
	if w == nil {
		w = os.Stdout
	}

	var base glog.Logger
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		base = glog.NewLogger(glog.WithWriter(w), glog.WithLevel(level), glog.WithLoggerTypeJSON())
	case FormatText:
		base = glog.NewLogger(glog.WithWriter(w), glog.WithLevel(level))
	default:
		return nil, fmt.Errorf("logging: unknown format %q", format)
	}

	return Wrap(base), nil
}

// Wrap adapts a glog logger. A nil logger yields the fallback FmtLogger.
func Wrap(logger glog.Logger) casework.Logger {
	if logger == nil {
		return casework.NewFmtLogger(nil)
	}
	return adapter{logger: logger}
}

type adapter struct {
	logger glog.Logger
}

func (l adapter) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l adapter) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l adapter) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l adapter) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l adapter) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l adapter) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l adapter) WithContext(ctx context.Context) casework.Logger {
	return adapter{logger: l.logger.WithContext(ctx)}
}

func (l adapter) WithFields(fields map[string]any) casework.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return adapter{logger: fl.WithFields(fields)}
	}
	return l
}

var (
	_ casework.Logger       = adapter{}
	_ casework.FieldsLogger = adapter{}
)
