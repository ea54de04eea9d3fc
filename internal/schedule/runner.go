package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/HyphaGroup/acpbridge/internal/logger"
	"github.com/HyphaGroup/acpbridge/internal/metrics"
)

// DefaultTickInterval is how often the runner polls for due schedules
const DefaultTickInterval = 30 * time.Second

// maxOutputChars bounds the output kept in execution records
const maxOutputChars = 4000

// ExecutionFunc is called by the runner to execute a fired schedule.
// It returns the agent output for the execution record.
type ExecutionFunc func(ctx context.Context, schedule *Schedule) (string, error)

// RunnerConfig configures a Runner
type RunnerConfig struct {
	TickInterval time.Duration
	Clock        clockwork.Clock
}

// Runner manages scheduled task execution
type Runner struct {
	store       *Store
	executeFunc ExecutionFunc
	clock       clockwork.Clock
	tick        time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	wake        chan struct{}

	// Track running executions per schedule for overlap handling
	running   map[string]int // schedule ID -> count of running executions
	runningMu sync.Mutex
}

// NewRunner creates a new schedule runner
func NewRunner(store *Store, executeFunc ExecutionFunc, cfg RunnerConfig) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:       store,
		executeFunc: executeFunc,
		clock:       cfg.Clock,
		tick:        cfg.TickInterval,
		ctx:         ctx,
		cancel:      cancel,
		wake:        make(chan struct{}, 1),
		running:     make(map[string]int),
	}
}

// Start begins the scheduler loop
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.loop()
	logger.Info("Schedule runner started (tick %s)", r.tick)
}

// Stop cancels in-flight executions and waits for them to return
func (r *Runner) Stop() {
	logger.Info("Stopping schedule runner...")
	r.cancel()
	r.wg.Wait()
	logger.Info("Schedule runner stopped")
}

// Wake asks the loop to check for due schedules now instead of at the next tick
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(r.tick)
	defer ticker.Stop()

	// Run immediately on start
	r.checkDueSchedules()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.Chan():
			r.checkDueSchedules()
		case <-r.wake:
			r.checkDueSchedules()
		}
	}
}

// checkDueSchedules finds and executes due schedules
func (r *Runner) checkDueSchedules() {
	now := r.clock.Now()
	schedules, err := r.store.ListDue(now)
	if err != nil {
		logger.Error("Failed to list due schedules: %v", err)
		return
	}

	for _, schedule := range schedules {
		r.executeSchedule(schedule, now)
	}
}

// executeSchedule claims a due schedule and runs it in its own goroutine
func (r *Runner) executeSchedule(schedule *Schedule, now time.Time) {
	if schedule.Type == TypeAsyncConversation && schedule.Metadata.ChatID == "" {
		logger.Slog().Error("async conversation schedule has no chat id, dropping", "schedule_id", schedule.ID)
		if err := r.store.Delete(schedule.ID); err != nil && !errors.Is(err, ErrScheduleNotFound) {
			logger.Error("Failed to drop schedule %s: %v", schedule.ID, err)
		}
		return
	}

	r.runningMu.Lock()
	busy := r.running[schedule.ID] > 0 && schedule.OverlapBehavior != OverlapParallel
	if !busy {
		r.running[schedule.ID]++
	}
	r.runningMu.Unlock()

	// Claim before executing so one-shot schedules fire at most once and
	// skipped recurring runs still advance to their next occurrence.
	if err := r.store.MarkFired(schedule, now); err != nil {
		if !busy {
			r.release(schedule.ID)
		}
		if errors.Is(err, ErrScheduleNotFound) {
			return
		}
		logger.Error("Failed to claim schedule %s: %v", schedule.ID, err)
		return
	}

	if busy {
		logger.Info("Skipping schedule %s (%s): previous execution still running", schedule.ID, schedule.Label())
		r.record(schedule, now, 0, "", errSkipped)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(schedule.ID)
		_, _ = r.runSchedule(r.ctx, schedule)
	}()
}

var errSkipped = errors.New("previous execution still running")

func (r *Runner) release(id string) {
	r.runningMu.Lock()
	r.running[id]--
	if r.running[id] <= 0 {
		delete(r.running, id)
	}
	r.runningMu.Unlock()
}

// runSchedule executes the schedule and records the outcome
func (r *Runner) runSchedule(ctx context.Context, schedule *Schedule) (string, error) {
	start := r.clock.Now()
	ctx = logger.WithScheduleID(ctx, schedule.ID)
	logger.InfoContext(ctx, "executing schedule", "type", schedule.Type, "label", schedule.Label())

	output, err := r.safeExecute(ctx, schedule)
	elapsed := r.clock.Since(start)
	metrics.RecordJobRun(string(schedule.Type), err)
	r.record(schedule, start, elapsed, output, err)

	if err != nil {
		logger.ErrorContext(ctx, "schedule execution failed", "error", err, "duration", elapsed.String())
	} else {
		logger.InfoContext(ctx, "schedule execution finished", "duration", elapsed.String())
	}
	return output, err
}

// safeExecute converts an executor panic into an error so the loop survives
func (r *Runner) safeExecute(ctx context.Context, schedule *Schedule) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "schedule execution panicked", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("schedule %s panicked: %v", schedule.ID, rec)
		}
	}()
	return r.executeFunc(ctx, schedule)
}

func (r *Runner) record(schedule *Schedule, at time.Time, elapsed time.Duration, output string, err error) {
	exec := &Execution{
		ScheduleID: schedule.ID,
		Type:       schedule.Type,
		ExecutedAt: at,
		Status:     ExecutionSuccess,
		Output:     truncate(output, maxOutputChars),
		DurationMs: elapsed.Milliseconds(),
	}
	switch {
	case errors.Is(err, errSkipped):
		exec.Status = ExecutionSkipped
		exec.Error = err.Error()
	case err != nil:
		exec.Status = ExecutionFailed
		exec.Error = err.Error()
	}
	if err := r.store.RecordExecution(exec); err != nil {
		logger.Error("Failed to record execution for schedule %s: %v", schedule.ID, err)
	}
}

// IsRunning returns the number of running executions for a schedule
func (r *Runner) IsRunning(scheduleID string) int {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	return r.running[scheduleID]
}

// TriggerNow runs a schedule immediately and waits for it. One-shot
// schedules are claimed first; recurring run times are left untouched.
func (r *Runner) TriggerNow(ctx context.Context, id string) (string, error) {
	if r.ctx.Err() != nil {
		return "", errors.New("schedule runner is stopped")
	}
	schedule, err := r.store.Get(id)
	if err != nil {
		return "", err
	}
	logger.Info("Manually triggering schedule %s (%s)", schedule.ID, schedule.Label())

	if schedule.Type.IsOneShot() {
		if err := r.store.MarkFired(schedule, r.clock.Now()); err != nil {
			return "", err
		}
	}

	r.runningMu.Lock()
	r.running[schedule.ID]++
	r.runningMu.Unlock()
	defer r.release(schedule.ID)

	r.wg.Add(1)
	defer r.wg.Done()

	// Either Stop or the caller can end the run.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	return r.runSchedule(runCtx, schedule)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}
