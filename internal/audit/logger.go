// Package audit records who changed schedules or pushed messages through
// the tool server.
package audit

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/HyphaGroup/acpbridge/internal/logger"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpScheduleCreate  Operation = "schedule.create"
	OpScheduleUpdate  Operation = "schedule.update"
	OpScheduleDelete  Operation = "schedule.delete"
	OpScheduleTrigger Operation = "schedule.trigger"
	OpMessageSend     Operation = "message.send"
)

// Event represents an audit log entry
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Operation  Operation      `json:"operation"`
	ClientID   string         `json:"client_id,omitempty"`
	ScheduleID string         `json:"schedule_id,omitempty"`
	ChatID     string         `json:"chat_id,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	enabled bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the audit logger writing through the process logger
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(nil)
	})
	return defaultLogger
}

// New creates an enabled audit logger. A nil logger means the process
// logger as configured at the time each event is logged.
func New(l *slog.Logger) *Logger {
	return &Logger{logger: l, enabled: true}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled, out := l.enabled, l.logger
	l.mu.RUnlock()

	if !enabled {
		return
	}
	if out == nil {
		out = logger.Slog()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.Bool("audit", true),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}
	if event.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", event.ClientID))
	}
	if event.ScheduleID != "" {
		attrs = append(attrs, slog.String("schedule_id", event.ScheduleID))
	}
	if event.ChatID != "" {
		attrs = append(attrs, slog.String("chat_id", event.ChatID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	out.Info("AUDIT", attrs...)
}

// Record logs the outcome of op on a schedule or chat; err == nil means success
func (l *Logger) Record(op Operation, clientID, scheduleID, chatID string, err error) {
	event := &Event{
		Operation:  op,
		ClientID:   clientID,
		ScheduleID: scheduleID,
		ChatID:     chatID,
		Success:    err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// Log records event with the default logger
func Log(event *Event) {
	Default().Log(event)
}

// Record records an outcome with the default logger
func Record(op Operation, clientID, scheduleID, chatID string, err error) {
	Default().Record(op, clientID, scheduleID, chatID, err)
}
