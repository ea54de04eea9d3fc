//go:build unix

package acp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/acpbridge/internal/agent"
)

func fakeCommand(t *testing.T, mode string, extraEnv ...string) *agent.CommandSpec {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	env := append(os.Environ(), fakeAgentEnv+"="+mode)
	env = append(env, extraEnv...)
	return &agent.CommandSpec{Path: exe, Args: []string{"-test.run=^$"}, Env: env}
}

func newTestSession(t *testing.T, mode string, mutate func(*Options)) *Session {
	t.Helper()
	opts := Options{
		Command:        fakeCommand(t, mode),
		Cwd:            t.TempDir(),
		OverallTimeout: time.Minute,
		IdleTimeout:    30 * time.Second,
		KillGrace:      2 * time.Second,
		Label:          "test",
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewSession(opts)
}

type runResult struct {
	text string
	err  error
}

type chunkRecorder struct {
	ch chan string
}

func newChunkRecorder() *chunkRecorder {
	return &chunkRecorder{ch: make(chan string, 10_000)}
}

func (r *chunkRecorder) onChunk(text string) {
	select {
	case r.ch <- text:
	default:
	}
}

func (r *chunkRecorder) next(t *testing.T) string {
	t.Helper()
	select {
	case c := <-r.ch:
		return c
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a chunk")
		return ""
	}
}

func (r *chunkRecorder) drain() {
	for {
		select {
		case <-r.ch:
		default:
			return
		}
	}
}

func runAsync(ctx context.Context, s *Session, prompt string, onChunk agent.ChunkFunc) <-chan runResult {
	out := make(chan runResult, 1)
	go func() {
		text, err := s.Run(ctx, prompt, onChunk)
		out <- runResult{text: text, err: err}
	}()
	return out
}

func waitResult(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for Run to return")
		return runResult{}
	}
}

func assertPending(t *testing.T, ch <-chan runResult) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("Run returned early: %q, %v", r.text, r.err)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSessionRunCompletes(t *testing.T) {
	s := newTestSession(t, "normal", nil)

	var chunks []string
	text, err := s.Run(context.Background(), "say hello", func(c string) { chunks = append(chunks, c) })

	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
	assert.Equal(t, "sess-1", s.SessionID())
	assert.Equal(t, "end_turn", s.StopReason())
	assert.Equal(t, StateCleaned, s.State())
	assert.LessOrEqual(t, s.signalsSent.Load(), int32(1))
}

func TestSessionRunOnlyOnce(t *testing.T) {
	s := newTestSession(t, "normal", nil)
	_, err := s.Run(context.Background(), "x", nil)
	require.NoError(t, err)

	_, err = s.Run(context.Background(), "x", nil)
	assert.Error(t, err)
}

func TestSessionSendsCwdServersAndPrompt(t *testing.T) {
	cwd := t.TempDir()
	s := newTestSession(t, "echo-session", func(o *Options) {
		o.Cwd = cwd
		o.MCPServers = []agent.McpServer{
			&agent.StdioServer{Name: "files", Command: "mcp-files", Env: []agent.EnvVar{{Name: "ROOT", Value: "/srv"}}},
			&agent.RemoteServer{Name: "bridge", Type: agent.TransportHTTP, URL: "http://127.0.0.1:8765/mcp",
				Headers: []agent.Header{{Name: "Authorization", Value: "Bearer t"}}},
		}
	})

	text, err := s.Run(context.Background(), "the prompt", nil)
	require.NoError(t, err)

	var got struct {
		Session struct {
			Cwd        string           `json:"cwd"`
			McpServers []map[string]any `json:"mcpServers"`
		} `json:"session"`
		Prompt []ContentBlock `json:"prompt"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &got))

	assert.Equal(t, cwd, got.Session.Cwd)
	assert.Equal(t, []ContentBlock{{Type: "text", Text: "the prompt"}}, got.Prompt)
	require.Len(t, got.Session.McpServers, 2)

	stdio := got.Session.McpServers[0]
	assert.Equal(t, "files", stdio["name"])
	assert.Equal(t, []any{}, stdio["args"])
	assert.Equal(t, []any{map[string]any{"name": "ROOT", "value": "/srv"}}, stdio["env"])

	remote := got.Session.McpServers[1]
	assert.Equal(t, "http", remote["type"])
	assert.Equal(t, "http://127.0.0.1:8765/mcp", remote["url"])
	assert.Equal(t, []any{map[string]any{"name": "Authorization", "value": "Bearer t"}}, remote["headers"])
}

func TestSessionAnswersAgentRequests(t *testing.T) {
	tests := []struct {
		strategy agent.PermissionStrategy
		want     string
	}{
		{agent.PermissionAllow, `{"outcome":{"outcome":"selected","optionId":"a1"}}`},
		{agent.PermissionDeny, `{"outcome":{"outcome":"selected","optionId":"r1"}}`},
		{agent.PermissionCancel, `{"outcome":{"outcome":"cancelled"}}`},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			s := newTestSession(t, "permission", func(o *Options) { o.Permission = tt.strategy })
			text, err := s.Run(context.Background(), "use tools", nil)
			require.NoError(t, err)

			parts := strings.Split(text, "|")
			require.Len(t, parts, 4)
			assert.Equal(t, tt.want, parts[0])
			assert.Equal(t, `{"content":""}`, parts[1])
			assert.Equal(t, `{}`, parts[2])
			assert.Equal(t, "-32601", parts[3])
		})
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestSession(t, "chunk-then-block", func(o *Options) {
		o.Clock = clock
		o.IdleTimeout = 10 * time.Second
		o.OverallTimeout = time.Hour
	})

	rec := newChunkRecorder()
	result := runAsync(context.Background(), s, "go", rec.onChunk)

	assert.Equal(t, "partial", rec.next(t))

	clock.Advance(10*time.Second - time.Millisecond)
	assertPending(t, result)

	clock.Advance(time.Millisecond)
	r := waitResult(t, result)

	var te *agent.TimeoutError
	require.ErrorAs(t, r.err, &te)
	assert.Equal(t, agent.TimeoutIdle, te.Kind)
	assert.Equal(t, StateCleaned, s.State())
}

func TestSessionOverallTimeoutDespiteActivity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestSession(t, "ticker", func(o *Options) {
		o.Clock = clock
		o.IdleTimeout = 5 * time.Second
		o.OverallTimeout = 12 * time.Second
	})

	rec := newChunkRecorder()
	result := runAsync(context.Background(), s, "go", rec.onChunk)

	for i := 0; i < 3; i++ {
		rec.drain()
		rec.next(t)
		if i > 0 {
			assertPending(t, result)
		}
		clock.Advance(4 * time.Second)
	}

	r := waitResult(t, result)
	var te *agent.TimeoutError
	require.ErrorAs(t, r.err, &te)
	assert.Equal(t, agent.TimeoutOverall, te.Kind)
	assert.Equal(t, 12*time.Second, te.After)
}

func TestSessionContextCancelSendsCancel(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "cancelled")
	s := newTestSession(t, "cancel-aware", func(o *Options) {
		o.Command = fakeCommand(t, "cancel-aware", fakeMarkerEnv+"="+marker)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := newChunkRecorder()
	result := runAsync(ctx, s, "go", rec.onChunk)

	rec.next(t)
	cancel()
	r := waitResult(t, result)

	var ce *agent.CancelledError
	require.ErrorAs(t, r.err, &ce)
	assert.ErrorIs(t, r.err, context.Canceled)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sessionId":"sess-1"`)
}

func TestSessionKillsAfterGrace(t *testing.T) {
	s := newTestSession(t, "ignore-sigterm", func(o *Options) {
		o.KillGrace = 200 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := newChunkRecorder()
	result := runAsync(ctx, s, "go", rec.onChunk)

	rec.next(t)
	start := time.Now()
	cancel()
	r := waitResult(t, result)

	assert.True(t, agent.IsCancelled(r.err))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, int32(2), s.signalsSent.Load())
	assert.Equal(t, StateCleaned, s.State())
}

func TestSessionCleanupIsIdempotent(t *testing.T) {
	s := newTestSession(t, "chunk-then-block", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := newChunkRecorder()
	result := runAsync(ctx, s, "go", rec.onChunk)
	rec.next(t)

	// Race a deadline against caller cancellation.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.timeout(agent.TimeoutIdle, time.Second) }()
	go func() { defer wg.Done(); cancel() }()
	wg.Wait()

	r := waitResult(t, result)
	require.Error(t, r.err)
	_, isTimeout := agent.IsTimeout(r.err)
	assert.True(t, isTimeout || agent.IsCancelled(r.err))

	s.cleanup()
	s.cleanup()
	assert.LessOrEqual(t, s.signalsSent.Load(), int32(1))
	assert.Equal(t, StateCleaned, s.State())

	select {
	case extra := <-result:
		t.Fatalf("second result delivered: %+v", extra)
	default:
	}
}

func TestSessionProcessFailures(t *testing.T) {
	t.Run("non-zero exit keeps stderr", func(t *testing.T) {
		s := newTestSession(t, "exit-nonzero", nil)
		_, err := s.Run(context.Background(), "go", nil)

		var pe *agent.ProcessError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, 3, pe.ExitCode)
		assert.Contains(t, pe.Stderr, "fatal: boom")
	})

	t.Run("stderr tail is bounded", func(t *testing.T) {
		s := newTestSession(t, "stderr-flood", func(o *Options) { o.StderrTailChars = 1024 })
		_, err := s.Run(context.Background(), "go", nil)

		var pe *agent.ProcessError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, 2, pe.ExitCode)
		assert.LessOrEqual(t, len(pe.Stderr), 1024)
		assert.True(t, strings.HasSuffix(pe.Stderr, "END"))
	})

	t.Run("spawn failure", func(t *testing.T) {
		s := newTestSession(t, "normal", func(o *Options) {
			o.Command = &agent.CommandSpec{Path: filepath.Join(t.TempDir(), "no-such-agent")}
		})
		_, err := s.Run(context.Background(), "go", nil)

		var pe *agent.ProcessError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, -1, pe.ExitCode)
		assert.Equal(t, StateCleaned, s.State())
	})

	t.Run("clean exit mid-prompt", func(t *testing.T) {
		s := newTestSession(t, "exit-early", nil)
		_, err := s.Run(context.Background(), "go", nil)

		var pe *agent.ProtocolError
		require.ErrorAs(t, err, &pe)
	})
}

func TestSessionProtocolFailures(t *testing.T) {
	t.Run("malformed line", func(t *testing.T) {
		s := newTestSession(t, "garbage", nil)
		_, err := s.Run(context.Background(), "go", nil)

		var pe *agent.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Contains(t, pe.Error(), "this is not json")
	})

	t.Run("rpc error response", func(t *testing.T) {
		s := newTestSession(t, "rpc-error", nil)
		_, err := s.Run(context.Background(), "go", nil)

		var pe *agent.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, MethodSessionPrompt, pe.Method)
		assert.Equal(t, CodeInternalError, pe.Code)
		assert.Equal(t, "model overloaded", pe.Msg)
	})
}

func TestSessionTerminatesGroupAfterAgentExits(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "child")
	s := newTestSession(t, "exit-leaving-child", func(o *Options) {
		o.Command = fakeCommand(t, "exit-leaving-child", fakeMarkerEnv+"="+marker)
	})

	_, err := s.Run(context.Background(), "go", nil)
	var pe *agent.ProtocolError
	require.ErrorAs(t, err, &pe)

	assert.Eventually(t, func() bool {
		data, _ := os.ReadFile(marker)
		return string(data) == "terminated"
	}, 10*time.Second, 20*time.Millisecond, "leftover group member never got SIGTERM")
	assert.Equal(t, int32(0), s.signalsSent.Load())
}

func TestSessionAlreadyCancelledContext(t *testing.T) {
	s := newTestSession(t, "normal", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Run(ctx, "go", nil)
	assert.True(t, agent.IsCancelled(err))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(0), s.signalsSent.Load())
}

func TestLauncherRun(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	cwd := t.TempDir()
	launcher, err := NewLauncher(LauncherConfig{
		Command: agent.CommandConfig{
			Name:    "custom",
			Command: exe,
			Args:    []string{"-test.run=^$"},
			Env:     map[string]string{fakeAgentEnv: "echo-session"},
		},
		Servers: &agent.ServerResolver{
			Always: []agent.McpServer{&agent.RemoteServer{Name: "acpbridge", Type: agent.TransportHTTP, URL: "http://127.0.0.1:1/mcp"}},
		},
		OverallTimeout: time.Minute,
		IdleTimeout:    30 * time.Second,
		KillGrace:      time.Second,
	})
	require.NoError(t, err)

	text, err := launcher.Run(context.Background(), &agent.PromptRequest{Prompt: "p", Cwd: cwd, Label: "test"}, nil)
	require.NoError(t, err)
	assert.Contains(t, text, `"cwd":"`+cwd+`"`)
	assert.Contains(t, text, `"name":"acpbridge"`)
}
