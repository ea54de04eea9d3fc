// Package messaging defines the chat-platform capability surface used by the
// bridge, plus helpers shared by every adapter.
//
// messenger.go - Messenger and Platform interfaces
//
// This file contains:
// - Messenger: per-chat send/edit/delete/typing operations
// - Platform: inbound event source that hands out Messengers
// - InboundMessage and the Handler callback
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Handle identifies a sent message that can later be edited or removed.
// Its contents are adapter specific (a Slack timestamp, a console sequence).
type Handle string

// Messenger is the capability set the stream controller and job runner need
// from one chat. Implementations must be safe for use from one goroutine at a
// time per chat; the bridge never drives a chat from two goroutines at once
// except for job deliveries, which only call SendText.
type Messenger interface {
	// SendText posts text, splitting it at the platform limit in order.
	SendText(ctx context.Context, text string) error
	// StartLiveMessage posts a message that will be edited in place.
	StartLiveMessage(ctx context.Context, text string) (Handle, error)
	// UpdateLiveMessage edits a live message. A rejected no-op edit is not an error.
	UpdateLiveMessage(ctx context.Context, h Handle, text string) error
	// FinalizeLiveMessage writes the last text of a live message.
	FinalizeLiveMessage(ctx context.Context, h Handle, text string) error
	// RemoveMessage deletes a message.
	RemoveMessage(ctx context.Context, h Handle) error
	// StartTyping shows a busy indicator until the returned func is called.
	StartTyping(ctx context.Context) (stop func())
}

// InboundMessage is one user message received from a platform.
type InboundMessage struct {
	Platform   string
	ChatID     string
	UserID     string
	MessageID  string
	Text       string
	ReceivedAt time.Time
}

// Handler receives inbound messages. Platforms call it from their event loop
// in arrival order, so it must return quickly.
type Handler func(ctx context.Context, msg InboundMessage)

// Platform is a chat backend.
type Platform interface {
	// Name returns the platform identifier stored in schedule metadata.
	Name() string
	// Run receives events until ctx is done.
	Run(ctx context.Context, h Handler) error
	// Messenger returns the capability set for one chat.
	Messenger(chatID string) Messenger
}

// ErrNotModified reports an edit whose text matched the current message.
// Adapters may return it from UpdateLiveMessage and FinalizeLiveMessage;
// callers treat it as success.
var ErrNotModified = errors.New("message not modified")

// DeliveryError is a platform rejection of a send, edit, or delete.
type DeliveryError struct {
	Platform string
	Op       string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Platform, e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IgnoreNotModified returns nil for ErrNotModified and err otherwise.
func IgnoreNotModified(err error) error {
	if errors.Is(err, ErrNotModified) {
		return nil
	}
	return err
}
