package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitLen blocks until n items are pending so arrival order is fixed
func waitLen[T any](t *testing.T, s *Serializer[T], n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Len() == n }, 5*time.Second, time.Millisecond)
}

func TestSerializerOrderAndExclusion(t *testing.T) {
	const n = 20

	var (
		mu     sync.Mutex
		order  []int
		active atomic.Int32
		maxAct atomic.Int32
	)
	gate := make(chan struct{})

	s := New("test", func(ctx context.Context, v int) error {
		if v == 0 {
			<-gate
		}
		cur := active.Add(1)
		if cur > maxAct.Load() {
			maxAct.Store(cur)
		}
		time.Sleep(time.Millisecond)
		mu.Lock()
		order = append(order, v)
		mu.Unlock()
		active.Add(-1)
		return nil
	})

	var wg sync.WaitGroup
	enqueue := func(v int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Enqueue(context.Background(), v))
		}()
	}

	enqueue(0)
	require.Eventually(t, s.Busy, time.Second, time.Millisecond)
	waitLen(t, s, 0)
	for i := 1; i < n; i++ {
		enqueue(i)
		waitLen(t, s, i)
	}
	close(gate)
	wg.Wait()

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
	assert.Equal(t, int32(1), maxAct.Load())
	assert.False(t, s.Busy())
}

func TestSerializerFailureIsolation(t *testing.T) {
	boom := errors.New("boom")
	s := New("test", func(ctx context.Context, v string) error {
		switch v {
		case "fail":
			return boom
		case "panic":
			panic("kaboom")
		}
		return nil
	})

	assert.ErrorIs(t, s.Enqueue(context.Background(), "fail"), boom)

	err := s.Enqueue(context.Background(), "panic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	assert.NoError(t, s.Enqueue(context.Background(), "ok"))
}

func TestSerializerDrainsItemsAddedDuringExecution(t *testing.T) {
	var ran atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	s := New("test", func(ctx context.Context, v int) error {
		if v == 1 {
			close(started)
			<-release
		}
		ran.Add(1)
		return nil
	})

	errs := make(chan error, 3)
	go func() { errs <- s.Enqueue(context.Background(), 1) }()
	<-started
	go func() { errs <- s.Enqueue(context.Background(), 2) }()
	go func() { errs <- s.Enqueue(context.Background(), 3) }()
	waitLen(t, s, 2)
	close(release)

	for i := 0; i < 3; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(3), ran.Load())
}

func TestSerializerCancelledWaiterIsSkipped(t *testing.T) {
	var executed []string
	var mu sync.Mutex
	release := make(chan struct{})

	s := New("test", func(ctx context.Context, v string) error {
		if v == "first" {
			<-release
		}
		mu.Lock()
		executed = append(executed, v)
		mu.Unlock()
		return nil
	})

	firstDone := make(chan error, 1)
	go func() { firstDone <- s.Enqueue(context.Background(), "first") }()
	require.Eventually(t, s.Busy, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	secondDone := make(chan error, 1)
	go func() { secondDone <- s.Enqueue(ctx, "second") }()
	waitLen(t, s, 1)

	cancel()
	assert.ErrorIs(t, <-secondDone, context.Canceled)

	close(release)
	require.NoError(t, <-firstDone)
	require.NoError(t, s.Enqueue(context.Background(), "third"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "third"}, executed)
}

func TestSerializerClose(t *testing.T) {
	s := New("test", func(ctx context.Context, v int) error { return nil })
	require.NoError(t, s.Enqueue(context.Background(), 1))

	s.Close()
	assert.ErrorIs(t, s.Enqueue(context.Background(), 2), ErrClosed)
}

func TestSerializerSubmitFixesOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	s := New("test", func(ctx context.Context, v string) error {
		mu.Lock()
		order = append(order, v)
		mu.Unlock()
		return nil
	})

	var chans []<-chan error
	for _, v := range []string{"a", "b", "c"} {
		done, err := s.Submit(context.Background(), v)
		require.NoError(t, err)
		chans = append(chans, done)
	}
	for _, done := range chans {
		require.NoError(t, <-done)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}
