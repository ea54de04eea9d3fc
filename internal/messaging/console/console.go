// Package console implements a terminal messaging.Platform: stdin lines are
// inbound messages and replies are rendered to stdout.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/HyphaGroup/acpbridge/internal/messaging"
)

const (
	// PlatformName is stored in schedule metadata for console chats.
	PlatformName = "console"
	// ChatID is the single chat a console session has.
	ChatID = "console"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	mutedColor   = lipgloss.Color("#6B7280")

	agentLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)
)

// Adapter is a console messaging.Platform.
type Adapter struct {
	in   io.Reader
	user string

	mu     sync.Mutex
	out    io.Writer
	nextID int
	live   map[messaging.Handle]string
}

var _ messaging.Platform = (*Adapter)(nil)

// New creates a console adapter reading from in and writing to out.
func New(in io.Reader, out io.Writer, user string) *Adapter {
	if user == "" {
		user = "local"
	}
	return &Adapter{in: in, out: out, user: user, live: make(map[messaging.Handle]string)}
}

// Name implements messaging.Platform.
func (a *Adapter) Name() string {
	return PlatformName
}

// Run reads lines until EOF or ctx is done.
func (a *Adapter) Run(ctx context.Context, h messaging.Handler) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(a.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			seq++
			h(ctx, messaging.InboundMessage{
				Platform:   PlatformName,
				ChatID:     ChatID,
				UserID:     a.user,
				MessageID:  fmt.Sprintf("in-%d", seq),
				Text:       text,
				ReceivedAt: time.Now(),
			})
		}
	}
}

// Messenger implements messaging.Platform. Every chat id maps to the terminal.
func (a *Adapter) Messenger(chatID string) messaging.Messenger {
	return &messenger{adapter: a, chatID: chatID}
}

func (a *Adapter) printf(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

type messenger struct {
	adapter *Adapter
	chatID  string
}

func (m *messenger) label() string {
	if m.chatID == ChatID || m.chatID == "" {
		return agentLabelStyle.Render("agent>")
	}
	return agentLabelStyle.Render(m.chatID + ">")
}

func (m *messenger) SendText(ctx context.Context, text string) error {
	m.adapter.printf("%s %s\n", m.label(), text)
	return nil
}

// StartLiveMessage prints the label and initial text; later edits that
// extend the text print only the new suffix so the reply streams in place.
func (m *messenger) StartLiveMessage(ctx context.Context, text string) (messaging.Handle, error) {
	a := m.adapter
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	h := messaging.Handle(fmt.Sprintf("live-%d", a.nextID))
	a.live[h] = text
	fmt.Fprintf(a.out, "%s %s", m.label(), text)
	return h, nil
}

func (m *messenger) UpdateLiveMessage(ctx context.Context, h messaging.Handle, text string) error {
	return m.extend(h, text, false)
}

func (m *messenger) FinalizeLiveMessage(ctx context.Context, h messaging.Handle, text string) error {
	return m.extend(h, text, true)
}

func (m *messenger) extend(h messaging.Handle, text string, final bool) error {
	a := m.adapter
	a.mu.Lock()
	defer a.mu.Unlock()

	shown, ok := a.live[h]
	if !ok {
		return &messaging.DeliveryError{Platform: PlatformName, Op: "edit", Err: fmt.Errorf("unknown message %s", h)}
	}

	switch {
	case strings.HasPrefix(text, shown):
		fmt.Fprint(a.out, text[len(shown):])
	case !final:
		// A rewrite that is not an append is shown once finalized.
		return nil
	default:
		fmt.Fprintf(a.out, "\n%s %s", m.label(), text)
	}

	if final {
		fmt.Fprintln(a.out)
		delete(a.live, h)
		return nil
	}
	if text == shown {
		return messaging.ErrNotModified
	}
	a.live[h] = text
	return nil
}

func (m *messenger) RemoveMessage(ctx context.Context, h messaging.Handle) error {
	a := m.adapter
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.live[h]; ok {
		delete(a.live, h)
		fmt.Fprintf(a.out, "\n%s\n", mutedStyle.Render("(partial reply discarded)"))
	}
	return nil
}

func (m *messenger) StartTyping(ctx context.Context) func() {
	m.adapter.printf("%s\n", mutedStyle.Render("… working"))
	return func() {}
}
