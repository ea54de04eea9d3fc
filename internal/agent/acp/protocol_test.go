package acp

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/acpbridge/internal/agent"
)

func TestMessageKinds(t *testing.T) {
	tests := []struct {
		line                     string
		request, notify, respond bool
	}{
		{`{"jsonrpc":"2.0","id":1,"method":"initialize"}`, true, false, false},
		{`{"jsonrpc":"2.0","id":"abc","method":"fs/read_text_file"}`, true, false, false},
		{`{"jsonrpc":"2.0","method":"session/update","params":{}}`, false, true, false},
		{`{"jsonrpc":"2.0","id":3,"result":{}}`, false, false, true},
		{`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, false, false, false},
	}

	for _, tt := range tests {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(tt.line), &m))
		assert.Equal(t, tt.request, m.IsRequest(), tt.line)
		assert.Equal(t, tt.notify, m.IsNotification(), tt.line)
		assert.Equal(t, tt.respond, m.IsResponse(), tt.line)
	}
}

func TestNumericID(t *testing.T) {
	m := Message{ID: json.RawMessage(`42`)}
	id, ok := m.numericID()
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	m = Message{ID: json.RawMessage(`"7"`)}
	id, ok = m.numericID()
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)

	m = Message{ID: json.RawMessage(`"perm-1"`)}
	_, ok = m.numericID()
	assert.False(t, ok)
}

func TestChooseOption(t *testing.T) {
	options := []PermissionOption{
		{OptionID: "always", Kind: "allow_always"},
		{OptionID: "once", Kind: "allow_once"},
		{OptionID: "no", Kind: "reject_always"},
	}

	assert.Equal(t, PermissionOutcome{Outcome: "selected", OptionID: "always"}, chooseOption(agent.PermissionAllow, options))
	assert.Equal(t, PermissionOutcome{Outcome: "selected", OptionID: "no"}, chooseOption(agent.PermissionDeny, options))
	assert.Equal(t, PermissionOutcome{Outcome: "cancelled"}, chooseOption(agent.PermissionCancel, options))

	onlyAllow := []PermissionOption{{OptionID: "ok", Kind: "allow_once"}}
	assert.Equal(t, PermissionOutcome{Outcome: "cancelled"}, chooseOption(agent.PermissionDeny, onlyAllow))
	assert.Equal(t, PermissionOutcome{Outcome: "cancelled"}, chooseOption(agent.PermissionAllow, nil))
}

func TestWireServers(t *testing.T) {
	servers := wireServers([]agent.McpServer{
		&agent.StdioServer{Name: "a", Command: "cmd"},
		&agent.RemoteServer{Name: "b", Type: agent.TransportSSE, URL: "https://x/sse"},
	})

	data, err := json.Marshal(servers)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"name":"a","command":"cmd","args":[],"env":[]},
		{"type":"sse","name":"b","url":"https://x/sse","headers":[]}
	]`, string(data))

	empty, err := json.Marshal(NewSessionParams{Cwd: "/w", McpServers: wireServers(nil)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cwd":"/w","mcpServers":[]}`, string(empty))
}

func TestStderrTail(t *testing.T) {
	tail := NewStderrTail(10)

	_, _ = tail.Write([]byte("hello "))
	assert.Equal(t, "hello ", tail.String())

	_, _ = tail.Write([]byte("world!"))
	assert.Equal(t, "llo world!", tail.String())
	assert.Equal(t, int64(2), tail.Dropped())

	_, _ = tail.Write([]byte(strings.Repeat("z", 25) + "0123456789"))
	assert.Equal(t, "0123456789", tail.String())
}
