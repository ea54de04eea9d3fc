package slack

import (
	"context"
	"errors"
	"sync"

	"github.com/slack-go/slack"

	"github.com/HyphaGroup/acpbridge/internal/logger"
	"github.com/HyphaGroup/acpbridge/internal/messaging"
)

// Slack API errors that mean an edit had nothing to change.
var notModifiedErrors = map[string]bool{
	"message_not_modified": true,
	"no_text_changes":      true,
}

type messenger struct {
	adapter *Adapter
	channel string

	mu   sync.Mutex
	last map[messaging.Handle]string
}

func (m *messenger) SendText(ctx context.Context, text string) error {
	for _, chunk := range messaging.SplitText(text, m.adapter.maxChars) {
		if _, err := m.post(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (m *messenger) StartLiveMessage(ctx context.Context, text string) (messaging.Handle, error) {
	h, err := m.post(ctx, text)
	if err != nil {
		return "", err
	}
	m.remember(h, text)
	return h, nil
}

func (m *messenger) UpdateLiveMessage(ctx context.Context, h messaging.Handle, text string) error {
	return m.edit(ctx, "update", h, text)
}

func (m *messenger) FinalizeLiveMessage(ctx context.Context, h messaging.Handle, text string) error {
	err := m.edit(ctx, "finalize", h, text)
	m.mu.Lock()
	delete(m.last, h)
	m.mu.Unlock()
	return err
}

func (m *messenger) RemoveMessage(ctx context.Context, h messaging.Handle) error {
	m.mu.Lock()
	delete(m.last, h)
	m.mu.Unlock()

	if _, _, err := m.adapter.client.DeleteMessageContext(ctx, m.channel, string(h)); err != nil {
		return &messaging.DeliveryError{Platform: PlatformName, Op: "delete", Err: err}
	}
	return nil
}

// StartTyping reacts to the latest user message in the chat. Slack bots have
// no typing indicator, so a reaction stands in for one.
func (m *messenger) StartTyping(ctx context.Context) func() {
	ts := m.adapter.latestInbound(m.channel)
	if ts == "" {
		return func() {}
	}
	ref := slack.NewRefToMessage(m.channel, ts)
	if err := m.adapter.client.AddReactionContext(ctx, typingReaction, ref); err != nil {
		logger.Slog().Debug("slack typing reaction failed", "chat_id", m.channel, "error", err)
		return func() {}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The run context may already be cancelled here.
			if err := m.adapter.client.RemoveReactionContext(context.Background(), typingReaction, ref); err != nil {
				logger.Slog().Debug("slack typing reaction removal failed", "chat_id", m.channel, "error", err)
			}
		})
	}
}

func (m *messenger) post(ctx context.Context, text string) (messaging.Handle, error) {
	_, ts, err := m.adapter.client.PostMessageContext(ctx, m.channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return "", &messaging.DeliveryError{Platform: PlatformName, Op: "post", Err: err}
	}
	return messaging.Handle(ts), nil
}

func (m *messenger) edit(ctx context.Context, op string, h messaging.Handle, text string) error {
	m.mu.Lock()
	prev, seen := m.last[h]
	m.mu.Unlock()
	if seen && prev == text {
		return messaging.ErrNotModified
	}

	if err := m.adapter.limiter.Wait(ctx); err != nil {
		return &messaging.DeliveryError{Platform: PlatformName, Op: op, Err: err}
	}

	_, _, _, err := m.adapter.client.UpdateMessageContext(ctx, m.channel, string(h),
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		var apiErr slack.SlackErrorResponse
		if errors.As(err, &apiErr) && notModifiedErrors[apiErr.Err] {
			return messaging.ErrNotModified
		}
		return &messaging.DeliveryError{Platform: PlatformName, Op: op, Err: err}
	}
	m.remember(h, text)
	return nil
}

func (m *messenger) remember(h messaging.Handle, text string) {
	m.mu.Lock()
	m.last[h] = text
	m.mu.Unlock()
}
