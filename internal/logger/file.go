package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FilePrefix starts every log file name; cleanup matches on it
const FilePrefix = "acpbridge-"

// dailyFile appends to FilePrefix+YYYY-MM-DD.log in dir and moves to a new
// file on the first write after midnight. Writes after Close are dropped.
type dailyFile struct {
	dir string
	now func() time.Time

	mu     sync.Mutex
	day    string
	f      *os.File
	closed bool
}

var (
	sharedMu   sync.Mutex
	sharedFile *dailyFile
)

// openShared returns the log file used by both the printf and slog loggers
func openShared(dir string) (*dailyFile, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedFile != nil && sharedFile.dir == dir && !sharedFile.isClosed() {
		return sharedFile, nil
	}
	d := &dailyFile{dir: dir, now: time.Now}
	if err := d.rotate(d.now()); err != nil {
		return nil, err
	}
	sharedFile = d
	return d, nil
}

func closeShared() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedFile == nil {
		return nil
	}
	err := sharedFile.Close()
	sharedFile = nil
	return err
}

func fileName(t time.Time) string {
	return fmt.Sprintf("%s%s.log", FilePrefix, t.Format("2006-01-02"))
}

// rotate opens the file for t's date; callers hold d.mu or own d exclusively
func (d *dailyFile) rotate(t time.Time) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(d.dir, fileName(t)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if d.f != nil {
		_ = d.f.Close()
	}
	d.f = f
	d.day = t.Format("2006-01-02")
	return nil
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return len(p), nil
	}
	now := d.now()
	if now.Format("2006-01-02") != d.day {
		if err := d.rotate(now); err != nil {
			return 0, err
		}
	}
	return d.f.Write(p)
}

// Path returns the file currently written to
func (d *dailyFile) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Name()
}

func (d *dailyFile) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.f.Close()
}
