// Package acp provides the agent client protocol session.
//
// session.go - One agent subprocess driven through one prompt
//
// This file contains:
// - Session, the owner of one agent process and its protocol connection
// - The initialize -> session/new -> session/prompt handshake
// - Overall and idle deadlines, caller cancellation, and teardown

package acp

/*
SESSION LIFECYCLE

    Idle ──Run──▶ Running ──┬─▶ Completed ─┐
                            ├─▶ TimedOut  ─┤
                            ├─▶ Cancelled ─┼──cleanup──▶ Cleaned
                            └─▶ Failed    ─┘

Every exit path goes through exactly two steps:

    settle(err)  single-assignment outcome. The first caller wins: the prompt
                 response, a deadline timer, the context watcher, or the
                 stdout reader reporting a dead process. The winner stops the
                 timers, sends session/cancel when the session was aborted, and
                 closes the settled channel that every blocked call selects on.

    cleanup()    sync.Once teardown: close stdin, SIGTERM the process group,
                 wait KillGrace on the session clock, SIGKILL if still alive,
                 then close the read ends and wait for both reader goroutines.

After Run returns no goroutine of the session touches onChunk again.

DEADLINES:

    overall  armed once at spawn
    idle     re-armed by every stdout line, decoded chunk and stderr read

Both run on the injected clockwork.Clock so tests drive them with a fake
clock. Neither is retried; the caller decides what to do with the error.

PIPES:

    stdin, stdout and stderr are os.Pipe files handed to the child directly.
    exec.Cmd then starts no copy goroutines, Wait returns as soon as the
    process exits, and closing our read end unblocks a pending Read even if
    a grandchild still holds the write end.
*/

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/HyphaGroup/acpbridge/internal/agent"
	"github.com/HyphaGroup/acpbridge/internal/logger"
	"github.com/HyphaGroup/acpbridge/internal/metrics"
)

const (
	maxLineSize  = 16 * 1024 * 1024
	writeTimeout = 5 * time.Second
)

var errStdinClosed = errors.New("agent stdin closed")

// State is a session's position in its lifecycle
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateCancelled
	StateFailed
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	case StateCleaned:
		return "cleaned"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures one Session
type Options struct {
	Command         *agent.CommandSpec
	Cwd             string // absolute; sent in session/new and used as the process dir
	MCPServers      []agent.McpServer
	Permission      agent.PermissionStrategy
	OverallTimeout  time.Duration // 0 disables
	IdleTimeout     time.Duration // 0 disables
	KillGrace       time.Duration
	StderrTailChars int
	Clock           clockwork.Clock
	Label           string
}

// Session owns one agent subprocess for the lifetime of a single prompt
type Session struct {
	opts  Options
	clock clockwork.Clock
	log   *slog.Logger

	state atomic.Int32

	cmd         *exec.Cmd
	stdin       *os.File
	stdout      *os.File
	stderrPipe  *os.File
	writeMu     sync.Mutex
	stdinClosed bool

	nextID    atomic.Int64
	mu        sync.Mutex
	pending   map[int64]chan *Message
	sessionID string

	onChunk    agent.ChunkFunc
	text       strings.Builder
	stderr     *StderrTail
	stopReason string

	timerMu       sync.Mutex
	timersStopped bool
	idleTimer     clockwork.Timer
	overallTimer  clockwork.Timer

	settleOnce sync.Once
	settled    chan struct{}
	err        error

	exited     chan struct{}
	waitErr    error
	stderrDone chan struct{}
	readers    sync.WaitGroup
	startedAt  time.Time

	cleanupOnce sync.Once
	signalsSent atomic.Int32
}

// NewSession creates an idle session. Run may be called once.
func NewSession(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Permission == "" {
		opts.Permission = agent.PermissionAllow
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}

	name := "agent"
	if opts.Command != nil {
		name = filepath.Base(opts.Command.Path)
	}

	return &Session{
		opts:       opts,
		clock:      opts.Clock,
		log:        logger.Slog().With("agent", name, "label", opts.Label),
		pending:    make(map[int64]chan *Message),
		stderr:     NewStderrTail(opts.StderrTailChars),
		settled:    make(chan struct{}),
		exited:     make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// SessionID returns the agent-assigned session id once session/new succeeded
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// StopReason returns the stopReason of a completed prompt
func (s *Session) StopReason() string {
	return s.stopReason
}

// Stderr returns the retained stderr tail
func (s *Session) Stderr() string {
	return s.stderr.String()
}

// Run spawns the agent, drives one prompt, streams message chunks to onChunk
// and returns the concatenated response text. The process is always torn
// down before Run returns.
func (s *Session) Run(ctx context.Context, prompt string, onChunk agent.ChunkFunc) (string, error) {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return "", fmt.Errorf("acp session already used (state %s)", s.State())
	}
	if onChunk == nil {
		onChunk = func(string) {}
	}
	s.onChunk = onChunk

	if err := ctx.Err(); err != nil {
		s.settle(&agent.CancelledError{Cause: err}, nil)
		s.cleanup()
		return "", s.err
	}

	if err := s.start(); err != nil {
		s.settle(err, nil)
		s.cleanup()
		return "", s.err
	}

	stopWatch := context.AfterFunc(ctx, func() {
		s.abort(&agent.CancelledError{Cause: ctx.Err()})
	})
	defer stopWatch()

	s.settle(s.converse(prompt), nil)
	s.cleanup()

	if s.err != nil {
		s.log.Warn("agent session failed", "state", s.State().String(), "error", s.err)
		return "", s.err
	}
	return s.text.String(), nil
}

func (s *Session) start() error {
	spec := s.opts.Command
	if spec == nil {
		return &agent.ProcessError{ExitCode: -1, Err: errors.New("no agent command configured")}
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	if s.opts.Cwd != "" {
		cmd.Dir = s.opts.Cwd
	}
	setProcessGroup(cmd)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return &agent.ProcessError{ExitCode: -1, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return &agent.ProcessError{ExitCode: -1, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return &agent.ProcessError{ExitCode: -1, Err: fmt.Errorf("stderr pipe: %w", err)}
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return &agent.ProcessError{ExitCode: -1, Err: fmt.Errorf("starting %s: %w", spec.Path, err)}
	}
	// The child holds its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	s.cmd = cmd
	s.stdin = stdinW
	s.stdout = stdoutR
	s.stderrPipe = stderrR
	s.startedAt = s.clock.Now()
	s.log = s.log.With("pid", cmd.Process.Pid)
	s.log.Debug("agent process started", "path", spec.Path, "args", spec.Args, "dir", cmd.Dir)
	metrics.RecordSessionStart()

	s.armTimers()

	go s.waitProcess()
	s.readers.Add(2)
	go s.readStdout()
	go s.readStderr()
	return nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// converse performs the handshake and the prompt round-trip
func (s *Session) converse(prompt string) error {
	var initResult InitializeResult
	err := s.call(MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientCapabilities: ClientCapabilities{
			FS: FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	}, &initResult)
	if err != nil {
		return err
	}
	if initResult.ProtocolVersion != 0 && initResult.ProtocolVersion != ProtocolVersion {
		s.log.Warn("agent negotiated a different protocol version", "version", initResult.ProtocolVersion)
	}

	var created NewSessionResult
	err = s.call(MethodSessionNew, NewSessionParams{
		Cwd:        s.opts.Cwd,
		McpServers: wireServers(s.opts.MCPServers),
	}, &created)
	if err != nil {
		return err
	}
	if created.SessionID == "" {
		return &agent.ProtocolError{Method: MethodSessionNew, Msg: "agent returned an empty sessionId"}
	}
	s.mu.Lock()
	s.sessionID = created.SessionID
	s.mu.Unlock()

	var result PromptResult
	err = s.call(MethodSessionPrompt, PromptParams{
		SessionID: created.SessionID,
		Prompt:    []ContentBlock{{Type: "text", Text: prompt}},
	}, &result)
	if err != nil {
		return err
	}

	s.stopReason = result.StopReason
	switch result.StopReason {
	case "end_turn", "":
	default:
		s.log.Warn("agent ended the turn early", "session_id", created.SessionID, "stop_reason", result.StopReason)
	}
	return nil
}

// call sends a request and blocks until its response or until the session settles
func (s *Session) call(method string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return &agent.ProtocolError{Method: method, Msg: "encoding params", Err: err}
	}

	id := s.nextID.Add(1)
	ch := make(chan *Message, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	idRaw, _ := json.Marshal(id)
	if err := s.write(&Message{JSONRPC: "2.0", ID: idRaw, Method: method, Params: raw}); err != nil {
		select {
		case <-s.settled:
			return s.err
		default:
		}
		if s.deadlinesArmed() {
			// A dead agent is reported by the stdout reader with its exit
			// status; a stuck one by a deadline.
			<-s.settled
			return s.err
		}
		return &agent.ProtocolError{Method: method, Msg: "writing request", Err: err}
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return &agent.ProtocolError{Method: method, Code: resp.Error.Code, Msg: resp.Error.Message}
		}
		if out != nil && len(resp.Result) > 0 && string(resp.Result) != "null" {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return &agent.ProtocolError{Method: method, Msg: "decoding result", Err: err}
			}
		}
		return nil
	case <-s.settled:
		return s.err
	}
}

func (s *Session) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdinClosed {
		return errStdinClosed
	}
	_ = s.stdin.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = s.stdin.Write(data)
	return err
}

func (s *Session) reply(id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.replyError(id, CodeInternalError, err.Error())
		return
	}
	if err := s.write(&Message{JSONRPC: "2.0", ID: id, Result: raw}); err != nil {
		s.log.Debug("failed to answer agent request", "error", err)
	}
}

func (s *Session) replyError(id json.RawMessage, code int, msg string) {
	if err := s.write(&Message{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg}}); err != nil {
		s.log.Debug("failed to answer agent request", "error", err)
	}
}

func (s *Session) sendCancel() {
	sid := s.SessionID()
	if sid == "" {
		return
	}
	raw, _ := json.Marshal(CancelParams{SessionID: sid})
	if err := s.write(&Message{JSONRPC: "2.0", Method: MethodSessionCancel, Params: raw}); err != nil {
		s.log.Debug("failed to send session/cancel", "error", err)
	}
}

// readStdout decodes one message per line in emission order
func (s *Session) readStdout() {
	defer s.readers.Done()

	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		s.touch()
		s.dispatch(line)
	}

	if err := scanner.Err(); err != nil && !s.isSettled() {
		s.abort(&agent.ProtocolError{Msg: "reading agent output", Err: err})
		return
	}
	s.streamClosed()
}

// streamClosed reports an agent that stopped talking before the prompt finished
func (s *Session) streamClosed() {
	if s.isSettled() {
		return
	}
	select {
	case <-s.exited:
	case <-s.settled:
		return
	}
	select {
	case <-s.stderrDone:
	case <-s.settled:
		return
	}

	if s.waitErr != nil {
		pe := &agent.ProcessError{ExitCode: -1, Stderr: s.stderr.String(), Err: s.waitErr}
		var exitErr *exec.ExitError
		if errors.As(s.waitErr, &exitErr) {
			pe.ExitCode = exitErr.ExitCode()
			pe.Signal = exitSignal(exitErr.ProcessState)
		}
		s.settle(pe, nil)
		return
	}
	s.settle(&agent.ProtocolError{Msg: "agent exited before completing the prompt"}, nil)
}

func (s *Session) readStderr() {
	defer s.readers.Done()
	defer close(s.stderrDone)

	buf := make([]byte, 4096)
	for {
		n, err := s.stderrPipe.Read(buf)
		if n > 0 {
			s.touch()
			_, _ = s.stderr.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) waitProcess() {
	s.waitErr = s.cmd.Wait()
	close(s.exited)
}

func (s *Session) dispatch(line []byte) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		s.abort(&agent.ProtocolError{Msg: fmt.Sprintf("malformed message %q", truncate(line, 200)), Err: err})
		return
	}

	switch {
	case msg.IsResponse():
		s.deliver(&msg)
	case msg.IsRequest():
		s.handleRequest(&msg)
	case msg.IsNotification():
		s.handleNotification(&msg)
	case msg.Error != nil:
		s.abort(&agent.ProtocolError{Code: msg.Error.Code, Msg: msg.Error.Message})
	default:
		s.log.Debug("ignoring unrecognized message", "line", truncate(line, 200))
	}
}

func (s *Session) deliver(msg *Message) {
	id, ok := msg.numericID()
	if !ok {
		s.log.Debug("response with foreign id", "id", string(msg.ID))
		return
	}
	s.mu.Lock()
	ch := s.pending[id]
	s.mu.Unlock()
	if ch == nil {
		s.log.Debug("response for unknown request", "id", id)
		return
	}
	select {
	case ch <- msg:
	default:
		s.log.Debug("duplicate response", "id", id)
	}
}

func (s *Session) handleRequest(msg *Message) {
	switch msg.Method {
	case MethodRequestPermission:
		var params RequestPermissionParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.replyError(msg.ID, CodeInvalidParams, err.Error())
			return
		}
		outcome := chooseOption(s.opts.Permission, params.Options)
		s.log.Info("auto-resolved permission request",
			"strategy", string(s.opts.Permission), "outcome", outcome.Outcome, "option", outcome.OptionID)
		s.reply(msg.ID, RequestPermissionResult{Outcome: outcome})
	case MethodReadTextFile:
		s.reply(msg.ID, ReadTextFileResult{Content: ""})
	case MethodWriteTextFile:
		s.reply(msg.ID, struct{}{})
	default:
		s.replyError(msg.ID, CodeMethodNotFound, "method not found: "+msg.Method)
	}
}

func (s *Session) handleNotification(msg *Message) {
	if msg.Method != MethodSessionUpdate || s.isSettled() {
		return
	}
	var n SessionNotification
	if err := json.Unmarshal(msg.Params, &n); err != nil {
		s.log.Debug("undecodable session/update", "error", err)
		return
	}
	if n.Update.SessionUpdate != UpdateAgentMessageChunk {
		return
	}
	var block ContentBlock
	if err := json.Unmarshal(n.Update.Content, &block); err != nil || block.Type != "text" || block.Text == "" {
		return
	}
	s.text.WriteString(block.Text)
	s.onChunk(block.Text)
}

func (s *Session) armTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if d := s.opts.OverallTimeout; d > 0 {
		s.overallTimer = s.clock.AfterFunc(d, func() { s.timeout(agent.TimeoutOverall, d) })
	}
	if d := s.opts.IdleTimeout; d > 0 {
		s.idleTimer = s.clock.AfterFunc(d, func() { s.timeout(agent.TimeoutIdle, d) })
	}
}

func (s *Session) deadlinesArmed() bool {
	return s.opts.OverallTimeout > 0 || s.opts.IdleTimeout > 0
}

// touch records subprocess activity and pushes the idle deadline out
func (s *Session) touch() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.idleTimer != nil && !s.timersStopped {
		s.idleTimer.Reset(s.opts.IdleTimeout)
	}
}

func (s *Session) stopTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.timersStopped = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	if s.overallTimer != nil {
		s.overallTimer.Stop()
	}
}

func (s *Session) timeout(kind agent.TimeoutKind, after time.Duration) {
	if s.abort(&agent.TimeoutError{Kind: kind, After: after}) {
		metrics.RecordTimeout(string(kind))
		s.log.Warn("agent deadline fired", "kind", string(kind), "after", after.String())
	}
}

// abort settles with err and asks the agent to cancel the turn
func (s *Session) abort(err error) bool {
	return s.settle(err, s.sendCancel)
}

// settle assigns the outcome once. hook runs before any waiter is released.
func (s *Session) settle(err error, hook func()) bool {
	won := false
	s.settleOnce.Do(func() {
		won = true
		s.err = err
		s.state.Store(int32(stateFor(err)))
		s.stopTimers()
		if hook != nil {
			hook()
		}
		close(s.settled)
	})
	return won
}

func (s *Session) isSettled() bool {
	select {
	case <-s.settled:
		return true
	default:
		return false
	}
}

func stateFor(err error) State {
	if err == nil {
		return StateCompleted
	}
	var (
		te *agent.TimeoutError
		ce *agent.CancelledError
	)
	switch {
	case errors.As(err, &te):
		return StateTimedOut
	case errors.As(err, &ce):
		return StateCancelled
	default:
		return StateFailed
	}
}

// cleanup releases every resource exactly once
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.stopTimers()

		if s.cmd != nil {
			s.writeMu.Lock()
			s.stdinClosed = true
			_ = s.stdin.Close()
			s.writeMu.Unlock()

			s.teardown()

			_ = s.stdout.Close()
			_ = s.stderrPipe.Close()
			s.readers.Wait()

			metrics.RecordSessionEnd(agent.Outcome(s.err), s.clock.Since(s.startedAt))
			s.log.Debug("agent session cleaned up", "outcome", agent.Outcome(s.err), "signals", s.signalsSent.Load())
		}

		s.state.Store(int32(StateCleaned))
	})
}

// teardown is SIGTERM, KillGrace, SIGKILL. When the agent has already
// exited, only its leftover process group gets SIGTERM.
func (s *Session) teardown() {
	select {
	case <-s.exited:
		if err := terminateOrphans(s.cmd); err != nil {
			s.log.Debug("SIGTERM to process group failed", "error", err)
		}
		return
	default:
	}

	s.signalsSent.Add(1)
	if err := terminate(s.cmd); err != nil {
		s.log.Debug("SIGTERM failed", "error", err)
	}

	grace := s.clock.NewTimer(s.opts.KillGrace)
	defer grace.Stop()
	select {
	case <-s.exited:
		return
	case <-grace.Chan():
	}

	s.log.Warn("agent still running after grace period, killing", "grace", s.opts.KillGrace.String())
	s.signalsSent.Add(1)
	if err := kill(s.cmd); err != nil {
		s.log.Debug("SIGKILL failed", "error", err)
	}
	<-s.exited
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
