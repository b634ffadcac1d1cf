// Package logger provides a thin structured-logging facade over zap.
//
// Components accept a [Logger] via constructor options and tag themselves
// with With("component", name). The package-level default is used whenever
// no logger is injected; replace it once at startup with [SetDefault].
package logger

import (
	"sync"

	"go.uber.org/zap"
)

// Logger is the structured logging contract used across the project.
// Key-value pairs alternate keys (string) and arbitrary values, in the
// style of zap's SugaredLogger.
type Logger interface {
	// With returns a child logger with the given key-value pairs attached
	// to every subsequent message.
	With(kv ...any) Logger

	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)

	// Sync flushes any buffered log entries.
	Sync() error
}

// Compile-time interface check.
var _ Logger = (*zapLogger)(nil)

type zapLogger struct {
	s *zap.SugaredLogger
}

// New wraps an existing zap logger.
func New(z *zap.Logger) Logger {
	return &zapLogger{s: z.Sugar()}
}

// MustProduction returns a production-configured logger (JSON, info level).
// Panics if the zap core cannot be built.
func MustProduction() Logger {
	return New(zap.Must(zap.NewProduction()))
}

// MustDevelopment returns a development-configured logger (console, debug
// level). Panics if the zap core cannot be built.
func MustDevelopment() Logger {
	return New(zap.Must(zap.NewDevelopment()))
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() Logger {
	return New(zap.NewNop())
}

func (l *zapLogger) With(kv ...any) Logger {
	return &zapLogger{s: l.s.With(kv...)}
}

func (l *zapLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }

func (l *zapLogger) Sync() error { return l.s.Sync() }

// ---------------------------------------------------------------------------
// Package-level default
// ---------------------------------------------------------------------------

var (
	defaultMu sync.RWMutex
	defaultL  Logger = New(zap.NewNop())
)

// Default returns the process-wide default logger.
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultL
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultL = l
}

// SyncDefault flushes the default logger. Safe to call in a defer from main.
func SyncDefault() {
	_ = Default().Sync()
}

// Fatal logs through the default logger and exits the process.
func Fatal(msg string, kv ...any) {
	defaultMu.RLock()
	l := defaultL
	defaultMu.RUnlock()
	if zl, ok := l.(*zapLogger); ok {
		zl.s.Fatalw(msg, kv...)
		return
	}
	l.Error(msg, kv...)
	panic(msg)
}
