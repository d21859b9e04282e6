// Package logging configures the process-wide slog loggers and produces
// per-service file loggers with rotation.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

var (
	defaultLogger *slog.Logger
	levelVar      slog.LevelVar
)

// levelReplaceAttr maps the custom TRACE/FATAL levels to their names.
func levelReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level := a.Value.Any().(slog.Level)
		label, ok := levelNames[level]
		if !ok {
			label = level.String()
		}
		a.Value = slog.StringValue(label)
	}
	return a
}

// Init configures the process-wide logger: JSON to the given writer (stdout
// when nil) at Info level. Call once from the composition root before any
// component starts.
func Init(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	levelVar.Set(slog.LevelInfo)
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       &levelVar,
		ReplaceAttr: levelReplaceAttr,
	})
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// SetLevel changes the minimum level of the process-wide logger. Safe to call
// concurrently with logging.
func SetLevel(level slog.Level) {
	levelVar.Set(level)
}

// Default returns the process-wide logger, or nil before Init.
func Default() *slog.Logger {
	return defaultLogger
}

// ForService derives a logger carrying a 'service' attribute from the
// process-wide logger. Returns slog.Default() derived logger before Init.
func ForService(serviceName string) *slog.Logger {
	base := defaultLogger
	if base == nil {
		base = slog.Default()
	}
	return base.With("service", serviceName)
}

// FileRotation holds lumberjack rotation settings for file loggers.
type FileRotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultRotation is used when NewFileLogger receives a nil rotation.
func DefaultRotation() FileRotation {
	return FileRotation{MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28}
}

// NewFileLogger creates a JSON slog.Logger writing to filePath with
// lumberjack rotation, tagged with a 'service' attribute. It returns the
// logger, a close func for the underlying writer, and an error if the log
// directory cannot be created.
func NewFileLogger(filePath, serviceName string, level slog.Leveler, rot *FileRotation) (*slog.Logger, func() error, error) {
	logDir := filepath.Dir(filePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	r := DefaultRotation()
	if rot != nil {
		r = *rot
	}

	logWriter := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAgeDays,
		Compress:   r.Compress,
	}

	handler := slog.NewJSONHandler(logWriter, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: levelReplaceAttr,
	})

	logger := slog.New(handler).With("service", serviceName)
	return logger, logWriter.Close, nil
}

// Convenience functions on the default logger.

func Debug(msg string, args ...any) { slog.Debug(msg, args...) }
func Info(msg string, args ...any)  { slog.Info(msg, args...) }
func Warn(msg string, args ...any)  { slog.Warn(msg, args...) }
func Error(msg string, args ...any) { slog.Error(msg, args...) }

// Fatal logs at the custom FATAL level and exits.
func Fatal(msg string, args ...any) {
	slog.Log(context.TODO(), LevelFatal, msg, args...)
	os.Exit(1)
}

// Trace logs at the custom TRACE level.
func Trace(msg string, args ...any) {
	slog.Log(context.TODO(), LevelTrace, msg, args...)
}
