// Package stream turns one streamed agent response into chat output.
//
// controller.go - quick/async classification and live-message driving
//
// This file contains:
// - Controller: runs a prompt and classifies the response by its mode marker
// - Config: flush interval, gap threshold, preview limit and clock
// - Request / Result for one conversational turn
//
// LIFECYCLE:
//
//	Run starts the agent call in a goroutine. Chunks are appended to an
//	inbox by the agent's reader goroutine and consumed by the single loop in
//	Run, which also owns the flush and gap timers. Every messenger call for
//	the turn happens on that loop, so live edits are issued in flush order.
//
//	undecided --marker--> quick  --flush--> live message --gap--> finalized
//	          --marker--> async  (drained silently, scheduled on completion)
//	          --no marker possible / completion--> quick (fallback, verbatim)
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/HyphaGroup/acpbridge/internal/agent"
	"github.com/HyphaGroup/acpbridge/internal/logger"
	"github.com/HyphaGroup/acpbridge/internal/messaging"
	"github.com/HyphaGroup/acpbridge/internal/metrics"
)

const (
	defaultUpdateInterval  = time.Second
	defaultGapThreshold    = 8 * time.Second
	defaultMaxPreviewChars = 3500
)

// AsyncJob describes the background work handed off by an async turn.
type AsyncJob struct {
	Ref         string
	ChatID      string
	Platform    string
	RequestText string
}

// AsyncScheduler creates the one-shot schedule that executes an async turn.
type AsyncScheduler interface {
	ScheduleAsync(ctx context.Context, job AsyncJob) error
}

// Config controls live-message pacing.
type Config struct {
	UpdateInterval  time.Duration
	GapThreshold    time.Duration
	MaxPreviewChars int
	Clock           clockwork.Clock
}

// Request is one conversational turn.
type Request struct {
	Prompt      agent.PromptRequest
	RequestText string
	ChatID      string
	Platform    string
	Messenger   messaging.Messenger
}

// Result summarizes a finished turn.
type Result struct {
	Mode     Mode
	Text     string // response text with the marker removed
	JobRef   string // set for async turns
	Fallback bool   // no marker was found
}

// Controller drives prompts through a Runner and renders the output.
type Controller struct {
	runner    agent.Runner
	scheduler AsyncScheduler
	cfg       Config
}

// NewController creates a controller. Zero config fields take defaults.
func NewController(runner agent.Runner, scheduler AsyncScheduler, cfg Config) *Controller {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = defaultUpdateInterval
	}
	if cfg.GapThreshold <= 0 {
		cfg.GapThreshold = defaultGapThreshold
	}
	if cfg.MaxPreviewChars <= 0 {
		cfg.MaxPreviewChars = defaultMaxPreviewChars
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Controller{runner: runner, scheduler: scheduler, cfg: cfg}
}

// NewJobRef returns a short reference shown to users for async work.
func NewJobRef() string {
	return "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// inbox buffers chunks between the agent reader and the controller loop
// without ever blocking the reader.
type inbox struct {
	mu     sync.Mutex
	chunks []string
	notify chan struct{}
}

func (in *inbox) push(text string) {
	in.mu.Lock()
	in.chunks = append(in.chunks, text)
	in.mu.Unlock()
	select {
	case in.notify <- struct{}{}:
	default:
	}
}

func (in *inbox) take() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := in.chunks
	in.chunks = nil
	return out
}

type runResult struct {
	text string
	err  error
}

// Run executes req and delivers its output to req.Messenger.
// Live-edit failures are logged; failures of the final delivery are returned.
func (c *Controller) Run(ctx context.Context, req *Request) (*Result, error) {
	if req.Messenger == nil {
		return nil, errors.New("stream: request has no messenger")
	}

	stopTyping := req.Messenger.StartTyping(ctx)
	defer stopTyping()

	in := &inbox{notify: make(chan struct{}, 1)}
	done := make(chan runResult, 1)
	go func() {
		text, err := c.runner.Run(ctx, &req.Prompt, in.push)
		done <- runResult{text: text, err: err}
	}()

	t := newTurn(ctx, c, req)
	defer t.stopTimers()

	for {
		select {
		case <-in.notify:
			for _, chunk := range in.take() {
				t.handleChunk(chunk)
			}
		case <-t.flushC:
			t.flushC = nil
			t.flush()
		case <-t.gapC:
			t.gapC = nil
			t.rotate()
		case res := <-done:
			// The runner has returned, so every chunk is already in the inbox.
			for _, chunk := range in.take() {
				t.handleChunk(chunk)
			}
			return t.finish(res)
		}
	}
}

// turn is the per-invocation stream state. It is owned by the Run loop.
type turn struct {
	c     *Controller
	req   *Request
	clock clockwork.Clock
	log   *slog.Logger
	// Messenger calls survive ctx cancellation so cleanup still happens.
	deliverCtx context.Context

	mode     Mode
	fallback bool
	prefix   string // raw text seen while undecided
	all      strings.Builder
	segment  strings.Builder // text of the current live segment
	shown    string          // display text last sent for the live message
	trimLead bool            // drop whitespace between marker and content

	live      messaging.Handle
	finalized bool

	lastFlushAt time.Time
	lastChunkAt time.Time

	flushTimer clockwork.Timer
	flushC     <-chan time.Time
	gapTimer   clockwork.Timer
	gapC       <-chan time.Time
}

func newTurn(ctx context.Context, c *Controller, req *Request) *turn {
	return &turn{
		c:           c,
		req:         req,
		clock:       c.cfg.Clock,
		log:         logger.WithContext(ctx),
		deliverCtx:  context.WithoutCancel(ctx),
		lastFlushAt: c.cfg.Clock.Now(),
	}
}

func (t *turn) handleChunk(chunk string) {
	switch t.mode {
	case ModeUndecided:
		t.prefix += chunk
		mode, rest, more := classify(t.prefix)
		switch {
		case mode != ModeUndecided:
			t.decide(mode, false)
			if mode == ModeQuick {
				t.trimLead = true
				t.appendQuick(rest)
			} else {
				t.all.WriteString(rest)
			}
		case !more:
			t.decide(ModeQuick, true)
			t.appendQuick(t.prefix)
		}

	case ModeQuick:
		t.appendQuick(chunk)

	case ModeAsync:
		t.all.WriteString(chunk)
	}
}

func (t *turn) decide(mode Mode, fallback bool) {
	t.mode = mode
	t.fallback = fallback
	label := mode.String()
	if fallback {
		label = "fallback"
		t.log.Warn("agent response has no mode marker, treating as quick",
			"prefix", messaging.Truncate(t.prefix, 40))
	} else {
		t.log.Info("response classified", "mode", label)
	}
	metrics.RecordClassification(label)
}

func (t *turn) appendQuick(text string) {
	if t.trimLead {
		text = strings.TrimLeft(text, " \t\r\n")
		if text == "" {
			return
		}
		t.trimLead = false
	}
	if text == "" {
		return
	}

	now := t.clock.Now()
	if t.live != "" && !t.lastChunkAt.IsZero() && now.Sub(t.lastChunkAt) >= t.c.cfg.GapThreshold {
		t.rotate()
	}
	t.lastChunkAt = now

	t.appendText(text)
	t.resetGap()
	t.scheduleFlush(now)
}

func (t *turn) appendText(text string) {
	t.all.WriteString(text)
	t.segment.WriteString(text)
}

// scheduleFlush arms the flush timer so edits are at least UpdateInterval
// apart. A chunk arriving after a quiet period flushes at once.
func (t *turn) scheduleFlush(now time.Time) {
	if t.flushC != nil {
		return
	}
	wait := t.lastFlushAt.Add(t.c.cfg.UpdateInterval).Sub(now)
	if wait <= 0 {
		t.flush()
		return
	}
	t.flushTimer = rearm(t.clock, t.flushTimer, wait)
	t.flushC = t.flushTimer.Chan()
}

func (t *turn) resetGap() {
	t.gapTimer = rearm(t.clock, t.gapTimer, t.c.cfg.GapThreshold)
	t.gapC = t.gapTimer.Chan()
}

func (t *turn) stopTimers() {
	stopTimer(t.flushTimer)
	stopTimer(t.gapTimer)
	t.flushC = nil
	t.gapC = nil
}

// rearm reuses tm for a new deadline, creating it on first use.
func rearm(clock clockwork.Clock, tm clockwork.Timer, d time.Duration) clockwork.Timer {
	if tm == nil {
		return clock.NewTimer(d)
	}
	stopTimer(tm)
	tm.Reset(d)
	return tm
}

// stopTimer stops tm and discards a tick that fired but was never read.
func stopTimer(tm clockwork.Timer) {
	if tm == nil {
		return
	}
	if !tm.Stop() {
		select {
		case <-tm.Chan():
		default:
		}
	}
}

// flush shows the current segment in the live message, starting one on the
// first non-blank content.
func (t *turn) flush() {
	t.lastFlushAt = t.clock.Now()

	text := t.segment.String()
	if strings.TrimSpace(text) == "" {
		return
	}
	display := messaging.Truncate(text, t.c.cfg.MaxPreviewChars)
	if display == t.shown && t.live != "" {
		return
	}

	m := t.req.Messenger
	if t.live == "" {
		h, err := m.StartLiveMessage(t.deliverCtx, display)
		metrics.RecordLiveEdit("start", err)
		if err != nil {
			t.log.Warn("failed to start live message", "error", err)
			return
		}
		t.live = h
		t.shown = display
		return
	}

	err := messaging.IgnoreNotModified(m.UpdateLiveMessage(t.deliverCtx, t.live, display))
	metrics.RecordLiveEdit("update", err)
	if err != nil {
		t.log.Warn("failed to update live message", "error", err)
		return
	}
	t.shown = display
}

// rotate ends the current segment after a silence so a stalled reply does
// not keep editing one message. The next chunk starts a new segment.
func (t *turn) rotate() {
	if t.flushC != nil {
		stopTimer(t.flushTimer)
		t.flushC = nil
	}
	if strings.TrimSpace(t.segment.String()) == "" {
		return
	}
	if err := t.deliverSegment(); err != nil {
		t.log.Warn("failed to finalize live message after gap", "error", err)
	}
	t.log.Info("live message rotated after gap", "gap", t.c.cfg.GapThreshold.String())
}

// deliverSegment writes the untruncated current segment: into the live
// message if there is one, otherwise as a plain message. Overflow beyond the
// preview limit follows as ordinary messages.
func (t *turn) deliverSegment() error {
	text := t.segment.String()
	live := t.live

	t.segment.Reset()
	t.shown = ""
	t.live = ""

	m := t.req.Messenger
	if live == "" {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		if err := m.SendText(t.deliverCtx, text); err != nil {
			return err
		}
		t.finalized = true
		return nil
	}

	parts := messaging.SplitText(text, t.c.cfg.MaxPreviewChars)
	err := messaging.IgnoreNotModified(m.FinalizeLiveMessage(t.deliverCtx, live, parts[0]))
	metrics.RecordLiveEdit("finalize", err)
	if err != nil {
		return err
	}
	t.finalized = true
	if len(parts) > 1 {
		return m.SendText(t.deliverCtx, strings.Join(parts[1:], ""))
	}
	return nil
}

func (t *turn) finish(res runResult) (*Result, error) {
	t.stopTimers()

	if res.err != nil {
		t.abandon()
		return t.result(), res.err
	}

	if t.mode == ModeUndecided {
		t.decide(ModeQuick, true)
		t.appendText(t.prefix)
	}

	if t.mode == ModeAsync {
		return t.handOff()
	}

	if t.live == "" && strings.TrimSpace(t.segment.String()) == "" {
		if !t.finalized {
			t.log.Warn("agent returned an empty response")
		}
		return t.result(), nil
	}
	if err := t.deliverSegment(); err != nil {
		return t.result(), fmt.Errorf("deliver response: %w", err)
	}
	return t.result(), nil
}

// abandon cleans up after a failed run. A live message is removed unless
// earlier segments were already delivered, in which case it is closed with
// what it shows.
func (t *turn) abandon() {
	if t.live == "" {
		return
	}
	live := t.live
	t.live = ""

	if !t.finalized {
		err := t.req.Messenger.RemoveMessage(t.deliverCtx, live)
		metrics.RecordLiveEdit("remove", err)
		if err != nil {
			t.log.Warn("failed to remove partial live message", "error", err)
		}
		return
	}
	err := messaging.IgnoreNotModified(t.req.Messenger.FinalizeLiveMessage(t.deliverCtx, live, t.shown))
	metrics.RecordLiveEdit("finalize", err)
	if err != nil {
		t.log.Warn("failed to finalize partial live message", "error", err)
	}
}

func (t *turn) handOff() (*Result, error) {
	res := t.result()
	res.JobRef = NewJobRef()

	if t.c.scheduler == nil {
		return res, errors.New("async response but no scheduler is configured")
	}
	job := AsyncJob{
		Ref:         res.JobRef,
		ChatID:      t.req.ChatID,
		Platform:    t.req.Platform,
		RequestText: t.req.RequestText,
	}
	if err := t.c.scheduler.ScheduleAsync(t.deliverCtx, job); err != nil {
		return res, fmt.Errorf("schedule async job: %w", err)
	}
	t.log.Info("async job scheduled", "job_ref", res.JobRef)

	ack := fmt.Sprintf("On it. Working on this in the background (%s); I'll post the result here when it's done.", res.JobRef)
	if err := t.req.Messenger.SendText(t.deliverCtx, ack); err != nil {
		return res, fmt.Errorf("send async acknowledgment: %w", err)
	}
	return res, nil
}

func (t *turn) result() *Result {
	return &Result{
		Mode:     t.mode,
		Text:     t.all.String(),
		Fallback: t.fallback,
	}
}
