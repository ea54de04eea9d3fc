// Package slack implements the messaging.Platform for Slack using Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/time/rate"

	"github.com/HyphaGroup/acpbridge/internal/logger"
	"github.com/HyphaGroup/acpbridge/internal/messaging"
)

// PlatformName is stored in schedule metadata for chats on this adapter.
const PlatformName = "slack"

const (
	defaultMaxMessageChars = 3900
	defaultEditsPerSecond  = 1.0
	defaultEditBurst       = 3
	typingReaction         = "hourglass_flowing_sand"
)

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+>`)

// Config holds configuration for the Slack adapter.
type Config struct {
	BotToken        string // xoxb-... bot token
	AppToken        string // xapp-... app-level token for Socket Mode
	MaxMessageChars int
	EditsPerSecond  float64
	Debug           bool

	// APIURL overrides the Web API base URL.
	APIURL string
}

// Adapter is a Slack messaging.Platform.
type Adapter struct {
	client     *slack.Client
	socketMode *socketmode.Client
	limiter    *rate.Limiter
	maxChars   int

	mu          sync.Mutex
	botUserID   string
	lastInbound map[string]string // chat -> ts of the latest user message
}

var _ messaging.Platform = (*Adapter)(nil)

// New creates a Slack adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("app token is required for Socket Mode")
	}
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, fmt.Errorf("app token must start with xapp-")
	}

	opts := []slack.Option{
		slack.OptionDebug(cfg.Debug),
		slack.OptionAppLevelToken(cfg.AppToken),
	}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	client := slack.New(cfg.BotToken, opts...)

	a := newAdapter(client, cfg)
	a.socketMode = socketmode.New(client, socketmode.OptionDebug(cfg.Debug))
	return a, nil
}

func newAdapter(client *slack.Client, cfg Config) *Adapter {
	maxChars := cfg.MaxMessageChars
	if maxChars <= 0 {
		maxChars = defaultMaxMessageChars
	}
	eps := cfg.EditsPerSecond
	if eps <= 0 {
		eps = defaultEditsPerSecond
	}
	return &Adapter{
		client:      client,
		limiter:     rate.NewLimiter(rate.Limit(eps), defaultEditBurst),
		maxChars:    maxChars,
		lastInbound: make(map[string]string),
	}
}

// Name implements messaging.Platform.
func (a *Adapter) Name() string {
	return PlatformName
}

// Run starts the Socket Mode event loop. Blocks until ctx is canceled.
func (a *Adapter) Run(ctx context.Context, h messaging.Handler) error {
	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	a.mu.Lock()
	a.botUserID = auth.UserID
	a.mu.Unlock()
	logger.Slog().Info("slack authenticated", "bot_user", auth.UserID, "team", auth.Team)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-a.socketMode.Events:
				if !ok {
					return
				}
				a.handleEvent(ctx, evt, h)
			}
		}
	}()

	err = a.socketMode.RunContext(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Adapter) handleEvent(ctx context.Context, evt socketmode.Event, h messaging.Handler) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		logger.Slog().Info("slack connecting to Socket Mode")

	case socketmode.EventTypeConnected:
		logger.Slog().Info("slack connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		logger.Slog().Warn("slack connection error", "data", evt.Data)

	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socketMode.Ack(*evt.Request)
		}
		if apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		if msg, ok := a.toInbound(apiEvent.InnerEvent.Data); ok {
			a.rememberInbound(msg.ChatID, msg.MessageID)
			h(ctx, msg)
		}
	}
}

// toInbound converts a callback event into an inbound message. Direct
// messages arrive as message events; channel traffic only via mentions.
func (a *Adapter) toInbound(data any) (messaging.InboundMessage, bool) {
	a.mu.Lock()
	self := a.botUserID
	a.mu.Unlock()

	switch ev := data.(type) {
	case *slackevents.MessageEvent:
		if ev.ChannelType != "im" || ev.BotID != "" || ev.SubType != "" || ev.User == "" || ev.User == self {
			return messaging.InboundMessage{}, false
		}
		return a.inbound(ev.Channel, ev.User, ev.TimeStamp, ev.Text), true

	case *slackevents.AppMentionEvent:
		if ev.BotID != "" || ev.User == self {
			return messaging.InboundMessage{}, false
		}
		text := strings.TrimSpace(mentionPattern.ReplaceAllString(ev.Text, ""))
		return a.inbound(ev.Channel, ev.User, ev.TimeStamp, text), true
	}
	return messaging.InboundMessage{}, false
}

func (a *Adapter) inbound(channel, user, ts, text string) messaging.InboundMessage {
	return messaging.InboundMessage{
		Platform:   PlatformName,
		ChatID:     channel,
		UserID:     user,
		MessageID:  ts,
		Text:       strings.TrimSpace(text),
		ReceivedAt: parseTimestamp(ts),
	}
}

func (a *Adapter) rememberInbound(chatID, ts string) {
	a.mu.Lock()
	a.lastInbound[chatID] = ts
	a.mu.Unlock()
}

func (a *Adapter) latestInbound(chatID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastInbound[chatID]
}

// Messenger implements messaging.Platform.
func (a *Adapter) Messenger(chatID string) messaging.Messenger {
	return &messenger{adapter: a, channel: chatID, last: make(map[messaging.Handle]string)}
}

// parseTimestamp converts a Slack "seconds.micros" timestamp.
func parseTimestamp(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		micros, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, micros*int64(time.Microsecond))
}
