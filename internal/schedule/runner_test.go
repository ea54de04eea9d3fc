package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// recorder is an ExecutionFunc that counts calls per schedule
type recorder struct {
	mu     sync.Mutex
	calls  map[string]int
	called chan string
	fn     func(ctx context.Context, s *Schedule) (string, error)
}

func newRecorder(fn func(ctx context.Context, s *Schedule) (string, error)) *recorder {
	return &recorder{calls: make(map[string]int), called: make(chan string, 100), fn: fn}
}

func (r *recorder) execute(ctx context.Context, s *Schedule) (string, error) {
	r.mu.Lock()
	r.calls[s.ID]++
	r.mu.Unlock()
	r.called <- s.ID
	if r.fn != nil {
		return r.fn(ctx, s)
	}
	return "ok", nil
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func (r *recorder) waitCall(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.called:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for execution")
		return ""
	}
}

func waitExecutions(t *testing.T, store *Store, id string, n int) []*Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		execs, err := store.ListExecutions(id, 10)
		if err != nil {
			t.Fatalf("ListExecutions() error = %v", err)
		}
		if len(execs) >= n {
			return execs
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d executions for %s, want %d", len(execs), id, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestRunner(t *testing.T, store *Store, rec *recorder) (*Runner, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Now())
	r := NewRunner(store, rec.execute, RunnerConfig{TickInterval: 30 * time.Second, Clock: clock})
	return r, clock
}

func TestRunner_OneTimeFiresOnce(t *testing.T) {
	store, _ := setupTestStore(t)
	rec := newRecorder(nil)
	r, _ := newTestRunner(t, store, rec)

	once := &Schedule{Type: TypeOneTime, Message: "once", RunAt: ptr(time.Now().Add(-time.Minute)), Enabled: true}
	if err := store.Create(once); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r.Start()
	defer r.Stop()

	if id := rec.waitCall(t); id != once.ID {
		t.Fatalf("executed %s, want %s", id, once.ID)
	}
	for i := 0; i < 5; i++ {
		r.Wake()
	}
	execs := waitExecutions(t, store, once.ID, 1)
	if execs[0].Status != ExecutionSuccess || execs[0].Output != "ok" {
		t.Errorf("execution = %+v, want success with output", execs[0])
	}

	if n := rec.count(once.ID); n != 1 {
		t.Errorf("one_time schedule executed %d times, want 1", n)
	}
	if _, err := store.Get(once.ID); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("one_time schedule should be gone, Get() error = %v", err)
	}
}

func TestRunner_WakeFiresNewAsyncSchedule(t *testing.T) {
	store, _ := setupTestStore(t)
	rec := newRecorder(nil)
	r, _ := newTestRunner(t, store, rec)

	r.Start()
	defer r.Stop()

	async := &Schedule{Type: TypeAsyncConversation, Message: "bg", Metadata: Metadata{ChatID: "D1"}, Enabled: true}
	if err := store.Create(async); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	r.Wake()

	if id := rec.waitCall(t); id != async.ID {
		t.Errorf("executed %s, want %s", id, async.ID)
	}
}

func TestRunner_TickerFiresRecurring(t *testing.T) {
	store, _ := setupTestStore(t)
	rec := newRecorder(nil)
	r, clock := newTestRunner(t, store, rec)

	sched := recurring("* * * * *", "every minute")
	if err := store.Create(sched); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r.Start()
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker never started: %v", err)
	}
	clock.Advance(61 * time.Second)
	rec.waitCall(t)

	waitExecutions(t, store, sched.ID, 1)
	got, err := store.Get(sched.ID)
	if err != nil {
		t.Fatalf("recurring schedule should survive: %v", err)
	}
	if got.LastRunAt == nil || got.NextRunAt == nil || !got.NextRunAt.After(*got.LastRunAt) {
		t.Errorf("run times not advanced: last=%v next=%v", got.LastRunAt, got.NextRunAt)
	}
}

func TestRunner_FailuresAndPanicsDoNotStopLoop(t *testing.T) {
	store, _ := setupTestStore(t)
	rec := newRecorder(func(ctx context.Context, s *Schedule) (string, error) {
		switch s.Message {
		case "fail":
			return "", errors.New("agent exploded")
		case "panic":
			panic("boom")
		}
		return "fine", nil
	})
	r, _ := newTestRunner(t, store, rec)

	past := ptr(time.Now().Add(-time.Minute))
	failing := &Schedule{Type: TypeOneTime, Message: "fail", RunAt: past, Enabled: true}
	panicking := &Schedule{Type: TypeOneTime, Message: "panic", RunAt: past, Enabled: true}
	for _, s := range []*Schedule{failing, panicking} {
		if err := store.Create(s); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	r.Start()
	defer r.Stop()

	f := waitExecutions(t, store, failing.ID, 1)
	p := waitExecutions(t, store, panicking.ID, 1)
	if f[0].Status != ExecutionFailed || f[0].Error != "agent exploded" {
		t.Errorf("failing execution = %+v", f[0])
	}
	if p[0].Status != ExecutionFailed {
		t.Errorf("panicking execution = %+v, want failed", p[0])
	}

	later := &Schedule{Type: TypeOneTime, Message: "ok", RunAt: past, Enabled: true}
	if err := store.Create(later); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	r.Wake()
	waitExecutions(t, store, later.ID, 1)
}

func TestRunner_OverlapSkip(t *testing.T) {
	store, _ := setupTestStore(t)
	release := make(chan struct{})
	rec := newRecorder(func(ctx context.Context, s *Schedule) (string, error) {
		<-release
		return "", nil
	})
	r, clock := newTestRunner(t, store, rec)
	defer r.Stop()

	sched := recurring("* * * * *", "slow")
	if err := store.Create(sched); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r.executeSchedule(sched, clock.Now())
	rec.waitCall(t)
	if r.IsRunning(sched.ID) != 1 {
		t.Fatalf("IsRunning() = %d, want 1", r.IsRunning(sched.ID))
	}

	r.executeSchedule(sched, clock.Now().Add(time.Minute))
	execs := waitExecutions(t, store, sched.ID, 1)
	if execs[0].Status != ExecutionSkipped {
		t.Errorf("second execution status = %s, want skipped", execs[0].Status)
	}
	if n := rec.count(sched.ID); n != 1 {
		t.Errorf("executed %d times, want 1", n)
	}

	close(release)
	waitExecutions(t, store, sched.ID, 2)
}

func TestRunner_DropsAsyncWithoutChat(t *testing.T) {
	store, _ := setupTestStore(t)
	rec := newRecorder(nil)
	r, clock := newTestRunner(t, store, rec)
	defer r.Stop()

	if _, err := store.db.Exec(`INSERT INTO schedules (id, type, message, metadata, created_at, updated_at, next_run_at)
		VALUES ('sched_nochat', 'async_conversation', 'x', '{}', 0, 0, 0)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	due, err := store.ListDue(clock.Now())
	if err != nil || len(due) != 1 {
		t.Fatalf("ListDue() = %v, %v", due, err)
	}

	r.executeSchedule(due[0], clock.Now())
	if n := rec.count("sched_nochat"); n != 0 {
		t.Errorf("executed %d times, want 0", n)
	}
	if _, err := store.Get("sched_nochat"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("schedule should be dropped, Get() error = %v", err)
	}
}

func TestRunner_TriggerNow(t *testing.T) {
	store, _ := setupTestStore(t)
	rec := newRecorder(nil)
	r, _ := newTestRunner(t, store, rec)
	defer r.Stop()

	sched := recurring("0 0 1 1 *", "yearly")
	if err := store.Create(sched); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	out, err := r.TriggerNow(context.Background(), sched.ID)
	if err != nil || out != "ok" {
		t.Fatalf("TriggerNow() = %q, %v", out, err)
	}
	got, _ := store.Get(sched.ID)
	if got.LastRunAt != nil {
		t.Errorf("manual trigger should not update LastRunAt, got %v", got.LastRunAt)
	}

	once := &Schedule{Type: TypeOneTime, Message: "later", RunAt: ptr(time.Now().Add(time.Hour)), Enabled: true}
	if err := store.Create(once); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := r.TriggerNow(context.Background(), once.ID); err != nil {
		t.Fatalf("TriggerNow(one_time) error = %v", err)
	}
	if _, err := store.Get(once.ID); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("triggered one_time schedule should be consumed, Get() error = %v", err)
	}

	if _, err := r.TriggerNow(context.Background(), "missing"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("TriggerNow(missing) error = %v, want ErrScheduleNotFound", err)
	}
}

func TestRunner_StopCancelsAndWaits(t *testing.T) {
	store, _ := setupTestStore(t)
	var sawCancel sync.WaitGroup
	sawCancel.Add(1)
	rec := newRecorder(func(ctx context.Context, s *Schedule) (string, error) {
		<-ctx.Done()
		sawCancel.Done()
		return "", ctx.Err()
	})
	r, _ := newTestRunner(t, store, rec)

	once := &Schedule{Type: TypeOneTime, Message: "long", RunAt: ptr(time.Now().Add(-time.Minute)), Enabled: true}
	if err := store.Create(once); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r.Start()
	rec.waitCall(t)
	r.Stop()

	// Stop returned, so the execution has finished and been recorded.
	sawCancel.Wait()
	execs, _ := store.ListExecutions(once.ID, 10)
	if len(execs) != 1 || execs[0].Status != ExecutionFailed {
		t.Errorf("executions after Stop = %+v, want one failed", execs)
	}
	if _, err := r.TriggerNow(context.Background(), once.ID); err == nil {
		t.Error("TriggerNow() after Stop should fail")
	}
}
