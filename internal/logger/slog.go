package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

var slogger *slog.Logger

// Console receives log output next to the log file. Interactive commands
// that own the terminal set it to io.Discard before initializing.
var Console io.Writer = os.Stdout

// InitSlog initializes the slog-based logger and makes it the slog default.
// If jsonOutput is true, logs are formatted as JSON for production
func InitSlog(logDir string, jsonOutput bool, debug bool) error {
	file, err := openShared(logDir)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	writer := io.MultiWriter(Console, file)

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level})
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)

	return nil
}

// CloseSlog restores a stderr default logger and closes the log file
func CloseSlog() error {
	slogger = nil
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	return closeShared()
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyRequestID  contextKey = "request_id"
	ContextKeyChatID     contextKey = "chat_id"
	ContextKeySessionID  contextKey = "session_id"
	ContextKeyScheduleID contextKey = "schedule_id"
)

// WithChatID returns a context that tags log lines with the chat id
func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ContextKeyChatID, chatID)
}

// WithScheduleID returns a context that tags log lines with the schedule id
func WithScheduleID(ctx context.Context, scheduleID string) context.Context {
	return context.WithValue(ctx, ContextKeyScheduleID, scheduleID)
}

// WithContext returns a logger with context fields
func WithContext(ctx context.Context) *slog.Logger {
	logger := Slog()
	if ctx == nil {
		return logger
	}

	for _, key := range []contextKey{ContextKeyRequestID, ContextKeyChatID, ContextKeySessionID, ContextKeyScheduleID} {
		if v := ctx.Value(key); v != nil {
			logger = logger.With(string(key), v)
		}
	}

	return logger
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs debug info with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
