package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/acpbridge/internal/messaging"
)

// Call records one Messenger operation.
type Call struct {
	Op     string // send, start, update, finalize, remove, typing, typing_stop
	Handle messaging.Handle
	Text   string
}

func (c Call) String() string {
	if c.Text == "" {
		return c.Op
	}
	return c.Op + ":" + c.Text
}

// MockMessenger is a test double for messaging.Messenger.
// It records calls and allows configuring failures for testing.
type MockMessenger struct {
	mu sync.Mutex

	// Configurable responses
	SendError     error
	StartError    error
	UpdateError   error
	FinalizeError error
	RemoveError   error

	// RejectDone makes SendText fail with ctx.Err() once ctx is done,
	// as the platform adapters do
	RejectDone bool

	// Call tracking
	calls  []Call
	nextID int
	notify chan struct{}
}

var _ messaging.Messenger = (*MockMessenger)(nil)

// NewMockMessenger creates a mock messenger with no configured failures.
func NewMockMessenger(t *testing.T) *MockMessenger {
	t.Helper()
	return &MockMessenger{notify: make(chan struct{}, 1)}
}

func (m *MockMessenger) record(c Call) {
	m.calls = append(m.calls, c)
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// SendText implements messaging.Messenger.
func (m *MockMessenger) SendText(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RejectDone && ctx.Err() != nil {
		return ctx.Err()
	}
	m.record(Call{Op: "send", Text: text})
	return m.SendError
}

// StartLiveMessage implements messaging.Messenger.
func (m *MockMessenger) StartLiveMessage(ctx context.Context, text string) (messaging.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartError != nil {
		m.record(Call{Op: "start", Text: text})
		return "", m.StartError
	}
	m.nextID++
	h := messaging.Handle(fmt.Sprintf("msg-%d", m.nextID))
	m.record(Call{Op: "start", Handle: h, Text: text})
	return h, nil
}

// UpdateLiveMessage implements messaging.Messenger.
func (m *MockMessenger) UpdateLiveMessage(ctx context.Context, h messaging.Handle, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "update", Handle: h, Text: text})
	return m.UpdateError
}

// FinalizeLiveMessage implements messaging.Messenger.
func (m *MockMessenger) FinalizeLiveMessage(ctx context.Context, h messaging.Handle, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "finalize", Handle: h, Text: text})
	return m.FinalizeError
}

// RemoveMessage implements messaging.Messenger.
func (m *MockMessenger) RemoveMessage(ctx context.Context, h messaging.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "remove", Handle: h})
	return m.RemoveError
}

// StartTyping implements messaging.Messenger.
func (m *MockMessenger) StartTyping(ctx context.Context) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "typing"})
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.record(Call{Op: "typing_stop"})
		})
	}
}

// Calls returns a copy of every recorded call.
func (m *MockMessenger) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Ops returns recorded calls as "op:text" strings, skipping typing calls.
func (m *MockMessenger) Ops() []string {
	var out []string
	for _, c := range m.Calls() {
		if strings.HasPrefix(c.Op, "typing") {
			continue
		}
		out = append(out, c.String())
	}
	return out
}

// Count returns how many calls of op were recorded.
func (m *MockMessenger) Count(op string) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// WaitFor blocks until a call of op has been recorded n times.
func (m *MockMessenger) WaitFor(t *testing.T, op string, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for m.Count(op) < n {
		select {
		case <-m.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d %q calls; got %v", n, op, m.Calls())
		}
	}
}

// MockPlatform is a test double for messaging.Platform. Each chat id gets
// its own MockMessenger.
type MockPlatform struct {
	t        *testing.T
	mu       sync.Mutex
	name     string
	chats    map[string]*MockMessenger
	handler  messaging.Handler
	handlerC chan struct{}
}

var _ messaging.Platform = (*MockPlatform)(nil)

// NewMockPlatform creates a mock platform with the given name.
func NewMockPlatform(t *testing.T, name string) *MockPlatform {
	t.Helper()
	return &MockPlatform{t: t, name: name, chats: make(map[string]*MockMessenger), handlerC: make(chan struct{})}
}

// Name implements messaging.Platform.
func (p *MockPlatform) Name() string { return p.name }

// Run captures the handler and blocks until ctx is done.
func (p *MockPlatform) Run(ctx context.Context, h messaging.Handler) error {
	p.mu.Lock()
	p.handler = h
	close(p.handlerC)
	p.mu.Unlock()
	<-ctx.Done()
	return nil
}

// Messenger implements messaging.Platform.
func (p *MockPlatform) Messenger(chatID string) messaging.Messenger {
	return p.Chat(chatID)
}

// Chat returns the mock messenger for chatID, creating it on first use.
func (p *MockPlatform) Chat(chatID string) *MockMessenger {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.chats[chatID]
	if !ok {
		m = NewMockMessenger(p.t)
		p.chats[chatID] = m
	}
	return m
}

// Deliver hands msg to the handler captured by Run.
func (p *MockPlatform) Deliver(ctx context.Context, msg messaging.InboundMessage) {
	p.t.Helper()
	select {
	case <-p.handlerC:
	case <-time.After(5 * time.Second):
		p.t.Fatal("platform Run was never called")
	}
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if msg.Platform == "" {
		msg.Platform = p.name
	}
	h(ctx, msg)
}

// Chats returns the chat ids a messenger was requested for.
func (p *MockPlatform) Chats() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.chats))
	for id := range p.chats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
