// Package jobs executes fired schedules through a fresh agent session and
// routes the result back to a chat.
//
// Routing:
//   - async_conversation: the chat recorded in the schedule metadata; the
//     result is also appended to that chat's history as a job entry
//   - recurring / one_time: the metadata chat when set, else the default
//     bound chat, else the result is dropped with a log line
//
// A failed run posts an error notification to the same destination.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/HyphaGroup/acpbridge/internal/agent"
	"github.com/HyphaGroup/acpbridge/internal/history"
	"github.com/HyphaGroup/acpbridge/internal/logger"
	"github.com/HyphaGroup/acpbridge/internal/messaging"
	"github.com/HyphaGroup/acpbridge/internal/schedule"
	"github.com/HyphaGroup/acpbridge/internal/stream"
)

// deliverTimeout bounds a result or failure post made after the job's own
// context may already be cancelled
const deliverTimeout = 30 * time.Second

// MessengerSource hands out a Messenger bound to a chat
type MessengerSource interface {
	Messenger(chatID string) messaging.Messenger
}

// HistoryWriter records job results for later prompt context
type HistoryWriter interface {
	Append(ctx context.Context, e *history.Entry) error
}

// Config wires a Runner
type Config struct {
	Agent     agent.Runner
	Messaging MessengerSource
	History   HistoryWriter // optional

	// DefaultChat returns the chat that receives results of schedules
	// without a chat of their own; "" means none is bound yet.
	DefaultChat func() string
}

// Runner executes schedules; Execute matches schedule.ExecutionFunc
type Runner struct {
	cfg Config
}

// NewRunner creates a job runner
func NewRunner(cfg Config) *Runner {
	if cfg.DefaultChat == nil {
		cfg.DefaultChat = func() string { return "" }
	}
	return &Runner{cfg: cfg}
}

// Execute runs one fired schedule and delivers its output. The returned
// string is the agent output recorded in the execution log.
func (r *Runner) Execute(ctx context.Context, s *schedule.Schedule) (string, error) {
	ctx = logger.WithScheduleID(ctx, s.ID)
	log := logger.WithContext(ctx)

	chatID := r.destination(s)
	log.Info("running job", "type", s.Type, "label", s.Label(), "chat_id", chatID)

	output, err := r.cfg.Agent.Run(ctx, &agent.PromptRequest{
		Prompt: BuildPrompt(s),
		Label:  "job:" + s.ID,
	}, nil)
	if err != nil {
		log.Error("job failed", "error", err)
		if chatID != "" {
			r.deliver(ctx, chatID, FailureNotice(s, err))
		}
		return "", err
	}

	output = cleanOutput(output)
	if chatID == "" {
		log.Warn("job result dropped: no chat bound", "chars", len(output))
		return output, nil
	}

	text := output
	if text == "" {
		text = fmt.Sprintf("Job %s finished with no output.", jobName(s))
	}
	if err := r.deliver(ctx, chatID, text); err != nil {
		return output, err
	}

	if s.Type == schedule.TypeAsyncConversation && r.cfg.History != nil {
		entry := &history.Entry{ChatID: chatID, Role: history.RoleJob, Text: text}
		if err := r.cfg.History.Append(context.WithoutCancel(ctx), entry); err != nil {
			log.Warn("failed to record job result in history", "error", err)
		}
	}
	return output, nil
}

func (r *Runner) destination(s *schedule.Schedule) string {
	if s.Metadata.ChatID != "" {
		return s.Metadata.ChatID
	}
	if s.Type == schedule.TypeAsyncConversation {
		return ""
	}
	return r.cfg.DefaultChat()
}

func (r *Runner) deliver(ctx context.Context, chatID, text string) error {
	if r.cfg.Messaging == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
	defer cancel()
	if err := r.cfg.Messaging.Messenger(chatID).SendText(ctx, text); err != nil {
		logger.WarnContext(ctx, "failed to deliver job message", "chat_id", chatID, "error", err)
		return fmt.Errorf("deliver job result: %w", err)
	}
	return nil
}

// BuildPrompt renders the task prompt handed to the agent for a schedule
func BuildPrompt(s *schedule.Schedule) string {
	var b strings.Builder
	b.WriteString("You are running as a background job. There is no user to talk to: ")
	b.WriteString("complete the task directly, with no follow-up questions, ")
	b.WriteString("and reply with only the result to be posted to the chat.\n\n")

	switch s.Type {
	case schedule.TypeAsyncConversation:
		b.WriteString("The user asked for this in conversation")
		if s.Metadata.JobRef != "" {
			b.WriteString(" (reference " + s.Metadata.JobRef + ")")
		}
		b.WriteString(".\n")
	case schedule.TypeRecurring:
		b.WriteString("This is a recurring scheduled task (cron: " + s.CronExpr + ").\n")
	default:
		b.WriteString("This is a one-time scheduled task.\n")
	}
	if s.Description != "" {
		b.WriteString("Description: " + s.Description + "\n")
	}

	b.WriteString("\nTask:\n")
	b.WriteString(s.Message)
	return b.String()
}

// FailureNotice is the chat message posted when a job fails
func FailureNotice(s *schedule.Schedule, err error) string {
	what := s.Description
	if what == "" {
		what = messaging.Truncate(s.Message, 200)
	}
	return fmt.Sprintf("⚠️ Job %s failed: %s\nTask: %s", jobName(s), messaging.Truncate(err.Error(), 300), what)
}

func jobName(s *schedule.Schedule) string {
	if s.Metadata.JobRef != "" {
		return s.Metadata.JobRef
	}
	return s.ID
}

// cleanOutput drops a mode marker the agent may emit out of habit
func cleanOutput(out string) string {
	out = strings.TrimSpace(out)
	for _, marker := range []string{stream.MarkerQuick, stream.MarkerAsync} {
		if strings.HasPrefix(out, marker) {
			return strings.TrimSpace(out[len(marker):])
		}
	}
	return out
}
