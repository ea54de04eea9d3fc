package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/HyphaGroup/acpbridge/internal/logger"
	"github.com/HyphaGroup/acpbridge/internal/metrics"
)

// ErrClosed is returned by Enqueue after Close
var ErrClosed = errors.New("queue closed")

// ExecFunc processes one payload. It runs with the enqueuing caller's context.
type ExecFunc[T any] func(ctx context.Context, payload T) error

type item[T any] struct {
	seq     uint64
	ctx     context.Context
	payload T
	done    chan error
}

// Serializer runs payloads one at a time in strict arrival order.
//
// A single drain goroutine exists while there is work. After finishing an
// item it re-checks the pending slice and keeps going, so items enqueued
// during execution run without a handoff back to their callers. A failing or
// panicking executor fails only its own item.
type Serializer[T any] struct {
	name string
	exec ExecFunc[T]

	mu      sync.Mutex
	pending []*item[T]
	running bool
	closed  bool
	seq     uint64
	wg      sync.WaitGroup
}

// New creates a serializer; name labels its log lines
func New[T any](name string, exec ExecFunc[T]) *Serializer[T] {
	return &Serializer[T]{name: name, exec: exec}
}

// Enqueue adds payload and blocks until its executor finishes, returning the
// executor's error. If ctx ends first Enqueue returns ctx.Err(); the item is
// then skipped when its turn comes, never reordered or retried.
func (s *Serializer[T]) Enqueue(ctx context.Context, payload T) error {
	done, err := s.Submit(ctx, payload)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit adds payload without waiting. The returned channel receives the
// executor's result exactly once. Arrival order is fixed when Submit returns,
// so callers that must not block an event loop submit there and wait elsewhere.
func (s *Serializer[T]) Submit(ctx context.Context, payload T) (<-chan error, error) {
	it := &item[T]{ctx: ctx, payload: payload, done: make(chan error, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.seq++
	it.seq = s.seq
	ahead := len(s.pending)
	if s.running {
		ahead++
	}
	s.pending = append(s.pending, it)
	depth := len(s.pending)
	startDrain := !s.running
	if startDrain {
		s.running = true
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if ahead > 0 {
		metrics.SetQueueDepth(depth)
		logger.WithContext(ctx).Info("request queued", "queue", s.name, "seq", it.seq, "ahead", ahead)
	}
	if startDrain {
		go s.drain()
	}
	return it.done, nil
}

// Len returns the number of items waiting to start
func (s *Serializer[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Busy reports whether an item is executing or waiting
func (s *Serializer[T]) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close rejects new items and waits for everything already queued to finish
func (s *Serializer[T]) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Serializer[T]) drain() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.running = false
			s.mu.Unlock()
			metrics.SetQueueDepth(0)
			return
		}
		it := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		remaining := len(s.pending)
		s.mu.Unlock()

		metrics.SetQueueDepth(remaining)
		it.done <- s.execute(it)
	}
}

func (s *Serializer[T]) execute(it *item[T]) (err error) {
	if err := it.ctx.Err(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			logger.WithContext(it.ctx).Error("queued executor panicked",
				"queue", s.name, "seq", it.seq, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s executor panicked: %v", s.name, r)
		}
	}()
	return s.exec(it.ctx, it.payload)
}
