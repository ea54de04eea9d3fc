package acp

import "sync"

// StderrTail keeps the last max bytes written to it. Older output is
// discarded as new output arrives, so memory never exceeds max.
type StderrTail struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	dropped int64
}

// NewStderrTail creates a tail buffer holding at most max bytes
func NewStderrTail(max int) *StderrTail {
	if max <= 0 {
		max = 8192
	}
	return &StderrTail{max: max, buf: make([]byte, 0, max)}
}

// Write implements io.Writer and never fails
func (t *StderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if n >= t.max {
		t.dropped += int64(len(t.buf) + n - t.max)
		t.buf = append(t.buf[:0], p[n-t.max:]...)
		return n, nil
	}

	if overflow := len(t.buf) + n - t.max; overflow > 0 {
		t.dropped += int64(overflow)
		copy(t.buf, t.buf[overflow:])
		t.buf = t.buf[:len(t.buf)-overflow]
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

// String returns the retained tail
func (t *StderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// Dropped returns how many bytes have been discarded
func (t *StderrTail) Dropped() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}
