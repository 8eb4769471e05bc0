// Package xlog is a thin, leveled logging shim in the spirit of
// go-ethereum's log package: a Logger wraps log/slog and carries
// contextual key/value pairs added via With.
package xlog

import (
	"log/slog"
	"os"
)

// Logger is a leveled, contextual logger.
type Logger struct {
	s *slog.Logger
}

var root = New()

// New builds a Logger that writes text-formatted records to stderr.
func New() *Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{s: slog.New(h)}
}

// SetDefault replaces the package-level root logger.
func SetDefault(l *Logger) { root = l }

// Default returns the package-level root logger.
func Default() *Logger { return root }

// With returns a Logger that prepends the given key/value pairs to every
// subsequent record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{s: l.s.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) { l.s.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.s.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.s.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.s.Error(msg, args...) }

// Package-level convenience wrappers over the default logger.
func Debug(msg string, args ...any) { root.Debug(msg, args...) }
func Info(msg string, args ...any)  { root.Info(msg, args...) }
func Warn(msg string, args ...any)  { root.Warn(msg, args...) }
func Error(msg string, args ...any) { root.Error(msg, args...) }
