package testutil

import (
	"testing"
	"time"

	"github.com/HyphaGroup/acpbridge/internal/schedule"
)

// ScheduleOption is a function that modifies a Schedule for testing.
type ScheduleOption func(*schedule.Schedule)

// NewTestSchedule creates an enabled recurring schedule with sensible defaults.
// It is not persisted; pass it to a Store's Create to get an ID assigned.
func NewTestSchedule(t *testing.T, opts ...ScheduleOption) *schedule.Schedule {
	t.Helper()

	now := time.Now()
	s := &schedule.Schedule{
		ID:              schedule.NewID(),
		Type:            schedule.TypeRecurring,
		Message:         "summarize open pull requests",
		Description:     "Test schedule for " + t.Name(),
		CronExpr:        "0 9 * * *",
		Enabled:         true,
		OverlapBehavior: schedule.OverlapSkip,
		CreatedBy:       "test",
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// WithMessage sets the task text.
func WithMessage(msg string) ScheduleOption {
	return func(s *schedule.Schedule) {
		s.Message = msg
	}
}

// WithDescription sets the description.
func WithDescription(desc string) ScheduleOption {
	return func(s *schedule.Schedule) {
		s.Description = desc
	}
}

// WithChat routes results to chatID.
func WithChat(chatID string) ScheduleOption {
	return func(s *schedule.Schedule) {
		s.Metadata.ChatID = chatID
	}
}

// OneTime turns the schedule into a one-time schedule firing at runAt.
func OneTime(runAt time.Time) ScheduleOption {
	return func(s *schedule.Schedule) {
		s.Type = schedule.TypeOneTime
		s.CronExpr = ""
		s.RunAt = &runAt
	}
}

// AsyncConversation turns the schedule into a background conversation job
// for chatID, due immediately.
func AsyncConversation(chatID, jobRef string) ScheduleOption {
	return func(s *schedule.Schedule) {
		now := time.Now()
		s.Type = schedule.TypeAsyncConversation
		s.CronExpr = ""
		s.RunAt = &now
		s.Description = ""
		s.CreatedBy = "conversation"
		s.Metadata = schedule.Metadata{
			ChatID:      chatID,
			Platform:    "mock",
			RequestText: s.Message,
			JobRef:      jobRef,
		}
	}
}
