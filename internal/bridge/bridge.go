// Package bridge connects a chat platform to the agent.
//
// Every inbound chat message becomes one conversational turn. Turns are
// serialized so at most one agent session converses at a time; arrival
// order is fixed when the message is received, not when its turn starts.
// Async turns are handed to the schedule store as async_conversation
// schedules and picked up immediately by the schedule runner.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/HyphaGroup/acpbridge/internal/agent"
	"github.com/HyphaGroup/acpbridge/internal/history"
	"github.com/HyphaGroup/acpbridge/internal/logger"
	"github.com/HyphaGroup/acpbridge/internal/messaging"
	"github.com/HyphaGroup/acpbridge/internal/queue"
	"github.com/HyphaGroup/acpbridge/internal/schedule"
	"github.com/HyphaGroup/acpbridge/internal/stream"
)

// ErrNoChat is returned by PushText when no chat is given or bound
var ErrNoChat = errors.New("no chat bound")

// ScheduleStore is the part of the schedule store the bridge needs
type ScheduleStore interface {
	Create(s *schedule.Schedule) error
	Count() (int, error)
}

// Waker nudges the schedule runner to check for due schedules
type Waker interface {
	Wake()
}

// HistoryStore is the conversation history the bridge reads and appends
type HistoryStore interface {
	Append(ctx context.Context, e *history.Entry) error
	Recent(ctx context.Context, chatID string, n int) ([]history.Entry, error)
}

// Config wires a Bridge
type Config struct {
	Platform  messaging.Platform
	Agent     agent.Runner
	Stream    stream.Config
	Schedules ScheduleStore
	Waker     Waker        // optional
	History   HistoryStore // optional

	// HistoryEntries is how many recent entries are included in each prompt
	HistoryEntries int

	// DefaultChatID pre-binds the chat that receives scheduled job results;
	// when empty the first chat to send a message is bound.
	DefaultChatID string
}

// Bridge orchestrates conversational turns
type Bridge struct {
	cfg        Config
	controller *stream.Controller
	turns      *queue.Serializer[*turnRequest]

	mu          sync.Mutex
	defaultChat string
	active      *turnRequest
}

type turnRequest struct {
	msg    messaging.InboundMessage
	cancel context.CancelFunc
	// cancelled is set when the user cancelled the turn with /cancel
	cancelled bool
}

// New creates a bridge
func New(cfg Config) (*Bridge, error) {
	if cfg.Platform == nil {
		return nil, errors.New("bridge requires a platform")
	}
	if cfg.Agent == nil {
		return nil, errors.New("bridge requires an agent runner")
	}
	if cfg.Schedules == nil {
		return nil, errors.New("bridge requires a schedule store")
	}

	b := &Bridge{cfg: cfg, defaultChat: cfg.DefaultChatID}
	b.controller = stream.NewController(cfg.Agent, b, cfg.Stream)
	b.turns = queue.New("conversation", b.runTurn)
	return b, nil
}

// Run receives messages from the platform until ctx is done, then waits
// for the turn in progress to finish.
func (b *Bridge) Run(ctx context.Context) error {
	logger.Info("bridge listening on %s", b.cfg.Platform.Name())
	err := b.cfg.Platform.Run(ctx, b.HandleMessage)
	b.turns.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s platform: %w", b.cfg.Platform.Name(), err)
	}
	return nil
}

// DefaultChat returns the chat bound for scheduled job results, or ""
func (b *Bridge) DefaultChat() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.defaultChat
}

// HandleMessage accepts one inbound message without blocking on the agent.
// Commands are answered immediately; everything else queues a turn.
func (b *Bridge) HandleMessage(ctx context.Context, msg messaging.InboundMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	msg.Text = text
	ctx = logger.WithChatID(ctx, msg.ChatID)
	b.bind(ctx, msg.ChatID)

	if b.handleCommand(ctx, msg) {
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	req := &turnRequest{msg: msg, cancel: cancel}
	done, err := b.turns.Submit(turnCtx, req)
	if err != nil {
		cancel()
		logger.WarnContext(ctx, "message rejected", "error", err)
		return
	}

	go func() {
		defer cancel()
		if err := <-done; err != nil {
			logger.WarnContext(ctx, "turn ended with error", "error", err)
		}
	}()
}

func (b *Bridge) bind(ctx context.Context, chatID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.defaultChat == "" && chatID != "" {
		b.defaultChat = chatID
		logger.InfoContext(ctx, "bound default chat for job results")
	}
}

// runTurn is the serializer executor for one conversational turn
func (b *Bridge) runTurn(ctx context.Context, req *turnRequest) error {
	b.mu.Lock()
	b.active = req
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.active = nil
		b.mu.Unlock()
	}()

	msg := req.msg
	log := logger.WithContext(ctx)
	messenger := b.cfg.Platform.Messenger(msg.ChatID)

	var recent []history.Entry
	if b.cfg.History != nil && b.cfg.HistoryEntries > 0 {
		var err error
		recent, err = b.cfg.History.Recent(ctx, msg.ChatID, b.cfg.HistoryEntries)
		if err != nil {
			log.Warn("failed to load history", "error", err)
		}
	}
	b.record(ctx, msg.ChatID, history.RoleUser, msg.Text)

	start := time.Now()
	res, err := b.controller.Run(ctx, &stream.Request{
		Prompt: agent.PromptRequest{
			Prompt: BuildPrompt(recent, msg.Text),
			Label:  "conversation",
		},
		RequestText: msg.Text,
		ChatID:      msg.ChatID,
		Platform:    msg.Platform,
		Messenger:   messenger,
	})
	if err != nil {
		b.reportFailure(ctx, messenger, req, err)
		return err
	}

	log.Info("turn completed", "mode", res.Mode, "fallback", res.Fallback, "duration", time.Since(start).Round(time.Millisecond))
	if res.Mode == stream.ModeAsync {
		b.record(ctx, msg.ChatID, history.RoleAssistant, "Started background job "+res.JobRef+".")
	} else {
		b.record(ctx, msg.ChatID, history.RoleAssistant, res.Text)
	}
	return nil
}

func (b *Bridge) reportFailure(ctx context.Context, m messaging.Messenger, req *turnRequest, err error) {
	b.mu.Lock()
	userCancelled := req.cancelled
	b.mu.Unlock()

	notice := "Cancelled."
	if !userCancelled {
		// The platform is shutting down; there is nobody to tell.
		if ctx.Err() != nil {
			return
		}
		notice = fmt.Sprintf("⚠️ Sorry, that request failed (%s). Please try again.", agent.Outcome(err))
	}
	if sendErr := m.SendText(context.WithoutCancel(ctx), notice); sendErr != nil {
		logger.WarnContext(ctx, "failed to send failure notice", "error", sendErr)
	}
}

func (b *Bridge) record(ctx context.Context, chatID string, role history.Role, text string) {
	if b.cfg.History == nil {
		return
	}
	entry := &history.Entry{ChatID: chatID, Role: role, Text: text}
	if err := b.cfg.History.Append(context.WithoutCancel(ctx), entry); err != nil {
		logger.WarnContext(ctx, "failed to append history", "role", role, "error", err)
	}
}

// ScheduleAsync implements stream.AsyncScheduler by creating an
// async_conversation schedule that is due now and waking the runner.
func (b *Bridge) ScheduleAsync(ctx context.Context, job stream.AsyncJob) error {
	now := time.Now()
	s := &schedule.Schedule{
		ID:        schedule.NewID(),
		Type:      schedule.TypeAsyncConversation,
		Message:   job.RequestText,
		RunAt:     &now,
		Enabled:   true,
		CreatedBy: "conversation",
		Metadata: schedule.Metadata{
			ChatID:      job.ChatID,
			Platform:    job.Platform,
			RequestText: job.RequestText,
			JobRef:      job.Ref,
		},
	}
	if err := b.cfg.Schedules.Create(s); err != nil {
		return fmt.Errorf("create background job: %w", err)
	}
	logger.InfoContext(ctx, "background job scheduled", "job_ref", job.Ref, "schedule_id", s.ID)

	if b.cfg.Waker != nil {
		b.cfg.Waker.Wake()
	}
	return nil
}

// PushText posts text to chatID, or to the bound chat when chatID is empty
func (b *Bridge) PushText(ctx context.Context, chatID, text string) (string, error) {
	if chatID == "" {
		chatID = b.DefaultChat()
	}
	if chatID == "" {
		return "", ErrNoChat
	}
	if err := b.cfg.Platform.Messenger(chatID).SendText(ctx, text); err != nil {
		return chatID, err
	}
	b.record(ctx, chatID, history.RoleAssistant, text)
	return chatID, nil
}

var _ stream.AsyncScheduler = (*Bridge)(nil)
