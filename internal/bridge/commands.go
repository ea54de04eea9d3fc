package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/HyphaGroup/acpbridge/internal/logger"
	"github.com/HyphaGroup/acpbridge/internal/messaging"
)

const (
	cmdStatus = "/status"
	cmdCancel = "/cancel"
)

// handleCommand answers bridge commands outside the turn queue. It
// reports whether msg was a command.
func (b *Bridge) handleCommand(ctx context.Context, msg messaging.InboundMessage) bool {
	var (
		reply string
		after func()
	)
	switch strings.ToLower(strings.Fields(msg.Text)[0]) {
	case cmdStatus:
		reply = b.status()
	case cmdCancel:
		reply, after = b.cancelActive(msg.ChatID)
	default:
		return false
	}

	if err := b.cfg.Platform.Messenger(msg.ChatID).SendText(ctx, reply); err != nil {
		logger.WarnContext(ctx, "failed to answer command", "command", msg.Text, "error", err)
	}
	// Acknowledge first so the reply precedes anything the cancelled turn posts.
	if after != nil {
		after()
	}
	return true
}

func (b *Bridge) status() string {
	state := "idle"
	if b.turns.Busy() {
		state = "running"
	}

	schedules := "unknown"
	if n, err := b.cfg.Schedules.Count(); err == nil {
		schedules = fmt.Sprintf("%d", n)
	}

	chat := b.DefaultChat()
	if chat == "" {
		chat = "none"
	}
	return fmt.Sprintf("Agent: %s, %d queued\nSchedules: %s\nJob results go to: %s",
		state, b.turns.Len(), schedules, chat)
}

// cancelActive marks the turn in progress for chatID as cancelled and
// returns the function that cancels it
func (b *Bridge) cancelActive(chatID string) (string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil || b.active.msg.ChatID != chatID {
		return "Nothing to cancel.", nil
	}
	b.active.cancelled = true
	return "Cancelling the current request…", b.active.cancel
}
