package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/acpbridge/internal/messaging"
)

type apiCall struct {
	Method string
	Form   map[string]string
}

// fakeSlack serves the Web API methods the adapter uses.
type fakeSlack struct {
	mu       sync.Mutex
	calls    []apiCall
	seq      int
	failWith map[string]string // method -> slack error code
}

func (f *fakeSlack) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	method := strings.TrimPrefix(r.URL.Path, "/")

	form := map[string]string{}
	for k := range r.Form {
		if k != "token" {
			form[k] = r.Form.Get(k)
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Form: form})
	f.seq++
	ts := "1700000000.00000" + string(rune('0'+f.seq%10))
	code := f.failWith[method]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if code != "" {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": code})
		return
	}
	switch method {
	case "auth.test":
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "user_id": "UBOT", "team": "T1"})
	default:
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": form["channel"], "ts": ts, "text": form["text"]})
	}
}

func (f *fakeSlack) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.Method)
	}
	return out
}

func (f *fakeSlack) texts(method string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c.Form["text"])
		}
	}
	return out
}

func newTestAdapter(t *testing.T, cfg Config) (*Adapter, *fakeSlack) {
	t.Helper()
	fake := &fakeSlack{failWith: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	if cfg.EditsPerSecond == 0 {
		cfg.EditsPerSecond = 1000
	}
	client := slack.New("xoxb-test", slack.OptionAPIURL(srv.URL+"/"))
	return newAdapter(client, cfg), fake
}

func TestNewValidatesTokens(t *testing.T) {
	_, err := New(Config{AppToken: "xapp-1"})
	assert.ErrorContains(t, err, "bot token")

	_, err = New(Config{BotToken: "xoxb-1"})
	assert.ErrorContains(t, err, "app token is required")

	_, err = New(Config{BotToken: "xoxb-1", AppToken: "xoxb-2"})
	assert.ErrorContains(t, err, "xapp-")

	a, err := New(Config{BotToken: "xoxb-1", AppToken: "xapp-1"})
	require.NoError(t, err)
	assert.Equal(t, "slack", a.Name())
}

func TestSendTextSplitsInOrder(t *testing.T) {
	a, fake := newTestAdapter(t, Config{MaxMessageChars: 12})
	m := a.Messenger("D1")

	require.NoError(t, m.SendText(context.Background(), "alpha beta\ngamma delta"))

	assert.Equal(t, []string{"alpha beta\n", "gamma delta"}, fake.texts("chat.postMessage"))
}

func TestLiveMessageLifecycle(t *testing.T) {
	a, fake := newTestAdapter(t, Config{})
	m := a.Messenger("D1")
	ctx := context.Background()

	h, err := m.StartLiveMessage(ctx, "Hel")
	require.NoError(t, err)
	require.NotEmpty(t, h)

	require.NoError(t, m.UpdateLiveMessage(ctx, h, "Hello"))
	assert.ErrorIs(t, m.UpdateLiveMessage(ctx, h, "Hello"), messaging.ErrNotModified)
	require.NoError(t, m.FinalizeLiveMessage(ctx, h, "Hello world"))
	require.NoError(t, m.RemoveMessage(ctx, h))

	assert.Equal(t, []string{"chat.postMessage", "chat.update", "chat.update", "chat.delete"}, fake.methods())
	assert.Equal(t, []string{"Hello", "Hello world"}, fake.texts("chat.update"))
}

func TestUpdateErrors(t *testing.T) {
	a, fake := newTestAdapter(t, Config{})
	m := a.Messenger("D1")
	ctx := context.Background()

	fake.failWith["chat.update"] = "message_not_modified"
	assert.ErrorIs(t, m.UpdateLiveMessage(ctx, "1.1", "x"), messaging.ErrNotModified)

	fake.failWith["chat.update"] = "message_not_found"
	err := m.UpdateLiveMessage(ctx, "1.1", "x")
	var de *messaging.DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "update", de.Op)
	assert.Contains(t, err.Error(), "message_not_found")

	fake.failWith["chat.postMessage"] = "channel_not_found"
	assert.Error(t, m.SendText(ctx, "hi"))
}

func TestStartTypingReactsToLatestMessage(t *testing.T) {
	a, fake := newTestAdapter(t, Config{})
	m := a.Messenger("D1")

	stop := m.StartTyping(context.Background())
	stop()
	assert.Empty(t, fake.methods(), "no inbound message to react to")

	a.rememberInbound("D1", "1700000000.000100")
	stop = m.StartTyping(context.Background())
	stop()
	stop()
	assert.Equal(t, []string{"reactions.add", "reactions.remove"}, fake.methods())
}

func TestToInbound(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})
	a.botUserID = "UBOT"

	msg, ok := a.toInbound(&slackevents.MessageEvent{
		ChannelType: "im", Channel: "D1", User: "U1", Text: " hi ", TimeStamp: "1700000000.000100",
	})
	require.True(t, ok)
	assert.Equal(t, "D1", msg.ChatID)
	assert.Equal(t, "U1", msg.UserID)
	assert.Equal(t, "hi", msg.Text)
	assert.Equal(t, "slack", msg.Platform)
	assert.Equal(t, int64(1700000000), msg.ReceivedAt.Unix())

	msg, ok = a.toInbound(&slackevents.AppMentionEvent{
		Channel: "C1", User: "U1", Text: "<@UBOT> summarize this", TimeStamp: "1.2",
	})
	require.True(t, ok)
	assert.Equal(t, "summarize this", msg.Text)

	ignored := []any{
		&slackevents.MessageEvent{ChannelType: "channel", Channel: "C1", User: "U1", Text: "x"},
		&slackevents.MessageEvent{ChannelType: "im", Channel: "D1", BotID: "B1", Text: "x"},
		&slackevents.MessageEvent{ChannelType: "im", Channel: "D1", User: "UBOT", Text: "x"},
		&slackevents.MessageEvent{ChannelType: "im", Channel: "D1", User: "U1", SubType: "message_changed"},
		&slackevents.AppMentionEvent{Channel: "C1", User: "UBOT", Text: "x"},
		"unrelated",
	}
	for _, ev := range ignored {
		_, ok := a.toInbound(ev)
		assert.False(t, ok, "%#v", ev)
	}
}
