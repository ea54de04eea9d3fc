package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Type is the kind of trigger a schedule has
type Type string

const (
	TypeRecurring         Type = "recurring"          // Fires on a cron expression
	TypeOneTime           Type = "one_time"           // Fires once at RunAt
	TypeAsyncConversation Type = "async_conversation" // Background half of an async chat turn
)

// IsValidType checks if the schedule type is valid
func IsValidType(t Type) bool {
	return t == TypeRecurring || t == TypeOneTime || t == TypeAsyncConversation
}

// IsOneShot reports whether the schedule is removed after it fires
func (t Type) IsOneShot() bool {
	return t == TypeOneTime || t == TypeAsyncConversation
}

// OverlapBehavior defines what to do if a previous run is still active
type OverlapBehavior string

const (
	OverlapSkip     OverlapBehavior = "skip"     // Don't start if previous still running
	OverlapParallel OverlapBehavior = "parallel" // Allow concurrent execution
)

// IsValidOverlapBehavior checks if the overlap behavior is valid
func IsValidOverlapBehavior(b OverlapBehavior) bool {
	return b == OverlapSkip || b == OverlapParallel
}

// Metadata routes a schedule's result
type Metadata struct {
	ChatID      string `json:"chat_id,omitempty"`
	Platform    string `json:"platform,omitempty"`
	RequestText string `json:"request_text,omitempty"` // Original user text for async conversations
	JobRef      string `json:"job_ref,omitempty"`      // Reference shown in the async acknowledgment
}

// Schedule is a persisted definition of a future agent invocation
type Schedule struct {
	ID              string          `json:"id"`
	Type            Type            `json:"type"`
	Message         string          `json:"message"`               // Task text given to the agent
	Description     string          `json:"description,omitempty"` // Human label used in notifications
	CronExpr        string          `json:"cron_expr,omitempty"`   // Standard 5-field cron expression
	RunAt           *time.Time      `json:"run_at,omitempty"`      // One-time trigger
	Metadata        Metadata        `json:"metadata"`
	Enabled         bool            `json:"enabled"`
	OverlapBehavior OverlapBehavior `json:"overlap_behavior"`
	CreatedBy       string          `json:"created_by,omitempty"` // cli, mcp or conversation
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
}

// Label returns the description, falling back to a shortened message
func (s *Schedule) Label() string {
	if s.Description != "" {
		return s.Description
	}
	msg := strings.TrimSpace(s.Message)
	if len([]rune(msg)) > 60 {
		msg = string([]rune(msg)[:57]) + "..."
	}
	return msg
}

// Validate checks the fields required by the schedule's type
func (s *Schedule) Validate() error {
	if !IsValidType(s.Type) {
		return fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, s.Type)
	}
	if strings.TrimSpace(s.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidSchedule)
	}
	if s.OverlapBehavior != "" && !IsValidOverlapBehavior(s.OverlapBehavior) {
		return fmt.Errorf("%w: unknown overlap behavior %q", ErrInvalidSchedule, s.OverlapBehavior)
	}

	switch s.Type {
	case TypeRecurring:
		if err := ValidateCron(s.CronExpr); err != nil {
			return err
		}
	case TypeOneTime:
		if s.RunAt == nil || s.RunAt.IsZero() {
			return fmt.Errorf("%w: one_time schedules require run_at", ErrInvalidSchedule)
		}
	case TypeAsyncConversation:
		if s.Metadata.ChatID == "" {
			return fmt.Errorf("%w: async_conversation schedules require metadata.chat_id", ErrInvalidSchedule)
		}
	}
	return nil
}

// firstRun computes the initial next_run_at for a schedule
func (s *Schedule) firstRun(now time.Time) (*time.Time, error) {
	switch s.Type {
	case TypeRecurring:
		next, err := NextRun(s.CronExpr, now)
		if err != nil {
			return nil, err
		}
		return &next, nil
	case TypeOneTime:
		at := *s.RunAt
		return &at, nil
	default:
		if s.RunAt != nil {
			at := *s.RunAt
			return &at, nil
		}
		return &now, nil
	}
}

// ExecutionStatus represents the outcome of a schedule execution
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// Execution represents a single execution of a scheduled task
type Execution struct {
	ID         string          `json:"id"`
	ScheduleID string          `json:"schedule_id"`
	Type       Type            `json:"type"`
	ExecutedAt time.Time       `json:"executed_at"`
	Status     ExecutionStatus `json:"status"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// ScheduleUpdate contains optional fields for updating a schedule
type ScheduleUpdate struct {
	Message         *string          `json:"message,omitempty"`
	Description     *string          `json:"description,omitempty"`
	CronExpr        *string          `json:"cron_expr,omitempty"`
	RunAt           *time.Time       `json:"run_at,omitempty"`
	Enabled         *bool            `json:"enabled,omitempty"`
	OverlapBehavior *OverlapBehavior `json:"overlap_behavior,omitempty"`
	ChatID          *string          `json:"chat_id,omitempty"`
}

// ListFilter contains optional filters for listing schedules
type ListFilter struct {
	Type    Type   // Filter by schedule type
	ChatID  string // Filter to schedules routed to this chat
	Enabled *bool  // Filter by enabled status
}

// LoadStats summarizes the schedules found at startup
type LoadStats struct {
	Total    int
	ByType   map[Type]int
	Repaired int // next_run_at recomputed
	Dropped  int // invalid async conversations removed
	Disabled int // recurring schedules whose cron never fires
}
