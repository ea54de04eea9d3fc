package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another process holds the data directory lock
var ErrAlreadyRunning = errors.New("another acpbridge instance is using this data directory")

// InstanceLock guards a data directory against concurrent bridge processes
type InstanceLock struct {
	fl *flock.Flock
}

// AcquireInstanceLock takes a non-blocking exclusive lock on dataDir/acpbridge.lock
func AcquireInstanceLock(dataDir string) (*InstanceLock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fl := flock.New(filepath.Join(dataDir, "acpbridge.lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}
	return &InstanceLock{fl: fl}, nil
}

// Release drops the lock
func (l *InstanceLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
