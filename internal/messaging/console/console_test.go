package console

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/acpbridge/internal/messaging"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunDeliversLines(t *testing.T) {
	in := strings.NewReader("hello\n\n  /status  \n")
	a := New(in, &syncBuffer{}, "")

	var got []messaging.InboundMessage
	err := a.Run(context.Background(), func(ctx context.Context, msg messaging.InboundMessage) {
		got = append(got, msg)
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, "/status", got[1].Text)
	assert.Equal(t, ChatID, got[0].ChatID)
	assert.Equal(t, "local", got[0].UserID)
	assert.NotEqual(t, got[0].MessageID, got[1].MessageID)
}

func TestRunStopsOnContext(t *testing.T) {
	pr, pw := newBlockingReader()
	defer pw()
	a := New(pr, &syncBuffer{}, "me")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, func(context.Context, messaging.InboundMessage) {}) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLiveMessageStreamsSuffixes(t *testing.T) {
	out := &syncBuffer{}
	a := New(strings.NewReader(""), out, "")
	m := a.Messenger(ChatID)
	ctx := context.Background()

	h, err := m.StartLiveMessage(ctx, "Hel")
	require.NoError(t, err)
	require.NoError(t, m.UpdateLiveMessage(ctx, h, "Hello"))
	assert.ErrorIs(t, m.UpdateLiveMessage(ctx, h, "Hello"), messaging.ErrNotModified)
	require.NoError(t, m.FinalizeLiveMessage(ctx, h, "Hello world"))

	text := out.String()
	assert.Contains(t, text, "Hello world\n")
	assert.Equal(t, 1, strings.Count(text, "Hel"))

	assert.Error(t, m.UpdateLiveMessage(ctx, h, "more"), "finalized handles are gone")
}

func TestRemoveMessage(t *testing.T) {
	out := &syncBuffer{}
	a := New(strings.NewReader(""), out, "")
	m := a.Messenger(ChatID)
	ctx := context.Background()

	h, err := m.StartLiveMessage(ctx, "partial")
	require.NoError(t, err)
	require.NoError(t, m.RemoveMessage(ctx, h))
	require.NoError(t, m.RemoveMessage(ctx, h))

	assert.Equal(t, 1, strings.Count(out.String(), "partial reply discarded"))
}

func TestSendTextLabelsOtherChats(t *testing.T) {
	out := &syncBuffer{}
	a := New(strings.NewReader(""), out, "")

	require.NoError(t, a.Messenger("D42").SendText(context.Background(), "job done"))
	assert.Contains(t, out.String(), "D42>")
	assert.Contains(t, out.String(), "job done")
}

// newBlockingReader returns a reader that blocks until the close func runs.
func newBlockingReader() (*blockingReader, func()) {
	r := &blockingReader{ch: make(chan struct{})}
	return r, func() { close(r.ch) }
}

type blockingReader struct {
	ch chan struct{}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	<-r.ch
	return 0, io.EOF
}
