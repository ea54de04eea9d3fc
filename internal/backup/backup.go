// Package backup snapshots the acpbridge stores into compressed archives and
// restores them.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HyphaGroup/acpbridge/internal/logger"
)

const (
	filePrefix = "acpbridge_"
	fileSuffix = ".tar.gz"
	timeLayout = "20060102_150405"
)

// Source is a store that can write a consistent copy of itself
type Source interface {
	SnapshotTo(ctx context.Context, path string) error
}

// Manager handles backup and restore operations.
type Manager struct {
	dataDir   string
	backupDir string
	retention int
	interval  time.Duration
	sources   map[string]Source
	now       func() time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
}

// Config holds backup configuration.
type Config struct {
	DataDir   string
	BackupDir string
	Retention int           // Number of snapshots to keep
	Interval  time.Duration // How often to snapshot (0 = disabled)

	// Sources maps a database file name in DataDir to the open store that
	// owns it. Restore only writes these names.
	Sources map[string]Source
}

// Snapshot describes one archive in the backup directory.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	Files     []string  `json:"files,omitempty"`
}

// New creates a new backup Manager.
func New(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7
	}

	return &Manager{
		dataDir:   cfg.DataDir,
		backupDir: cfg.BackupDir,
		retention: cfg.Retention,
		interval:  cfg.Interval,
		sources:   cfg.Sources,
		now:       time.Now,
	}, nil
}

// Dir returns the backup directory.
func (m *Manager) Dir() string {
	return m.backupDir
}

// Start begins periodic snapshots if interval > 0.
func (m *Manager) Start() {
	if m.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Create(ctx); err != nil {
					logger.Printf("⚠️  Backup failed: %v", err)
				}
			}
		}
	}()

	logger.Printf("📦 Backup automation started (interval=%v, retention=%d)", m.interval, m.retention)
}

// Stop halts periodic snapshots.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
		logger.Println("📦 Backup automation stopped")
	}
}

// Create snapshots every source into a new archive and enforces retention.
func (m *Manager) Create(ctx context.Context) (*Snapshot, error) {
	if len(m.sources) == 0 {
		return nil, fmt.Errorf("no stores to back up")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	staging, err := os.MkdirTemp(m.backupDir, ".staging-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := m.sources[name].SnapshotTo(ctx, filepath.Join(staging, name)); err != nil {
			return nil, err
		}
	}

	timestamp := m.now()
	filename := filePrefix + timestamp.Format(timeLayout) + fileSuffix
	backupPath := filepath.Join(m.backupDir, filename)

	if err := writeArchive(backupPath, staging, names); err != nil {
		_ = os.Remove(backupPath)
		return nil, fmt.Errorf("failed to create backup: %w", err)
	}

	stat, err := os.Stat(backupPath)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		Timestamp: timestamp,
		Filename:  filename,
		SizeBytes: stat.Size(),
		Files:     names,
	}

	logger.Printf("📦 Created backup: %s (%d bytes)", filename, stat.Size())

	m.enforceRetention()

	return snapshot, nil
}

func writeArchive(path, dir string, names []string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	gw := gzip.NewWriter(file)
	tw := tar.NewWriter(gw)

	for _, name := range names {
		if err := addFile(tw, filepath.Join(dir, name), name); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return file.Sync()
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// Restore replaces the database files in the data directory with the ones
// in filename. The stores must be closed and no bridge may be running.
func (m *Manager) Restore(filename string) ([]string, error) {
	if filepath.Base(filename) != filename {
		return nil, fmt.Errorf("invalid backup name: %s", filename)
	}
	backupPath := filepath.Join(m.backupDir, filename)
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("backup not found: %s", filename)
	}

	file, err := os.Open(backupPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = file.Close() }()

	gr, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress backup: %w", err)
	}
	defer func() { _ = gr.Close() }()

	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	tr := tar.NewReader(gr)
	var restored []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("failed to read backup: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if _, known := m.sources[header.Name]; !known {
			logger.Printf("⚠️  Skipping unexpected backup entry %q", header.Name)
			continue
		}
		if err := m.restoreFile(header.Name, tr); err != nil {
			return restored, err
		}
		restored = append(restored, header.Name)
	}

	logger.Printf("📦 Restored from backup: %s (%s)", filename, strings.Join(restored, ", "))
	return restored, nil
}

func (m *Manager) restoreFile(name string, r io.Reader) error {
	target := filepath.Join(m.dataDir, name)
	tmp := target + ".restore"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	// A leftover write-ahead log belongs to the replaced database.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(target + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", name+suffix, err)
		}
	}
	return os.Rename(tmp, target)
}

// ListSnapshots returns all available snapshots, newest first.
func (m *Manager) ListSnapshots() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}

		stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		timestamp, err := time.ParseInLocation(timeLayout, stamp, time.Local)
		if err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		snapshots = append(snapshots, Snapshot{
			Timestamp: timestamp,
			Filename:  name,
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})

	return snapshots, nil
}

// enforceRetention removes old snapshots beyond the retention limit.
func (m *Manager) enforceRetention() {
	snapshots, err := m.ListSnapshots()
	if err != nil {
		return
	}

	if len(snapshots) <= m.retention {
		return
	}

	for i := m.retention; i < len(snapshots); i++ {
		backupPath := filepath.Join(m.backupDir, snapshots[i].Filename)
		if err := os.Remove(backupPath); err == nil {
			logger.Printf("📦 Removed old backup: %s", snapshots[i].Filename)
		}
	}
}

// ExportManifest creates a JSON manifest of all snapshots.
func (m *Manager) ExportManifest() ([]byte, error) {
	snapshots, err := m.ListSnapshots()
	if err != nil {
		return nil, err
	}

	manifest := struct {
		ExportedAt time.Time  `json:"exported_at"`
		BackupDir  string     `json:"backup_dir"`
		Snapshots  []Snapshot `json:"snapshots"`
	}{
		ExportedAt: m.now(),
		BackupDir:  m.backupDir,
		Snapshots:  snapshots,
	}

	return json.MarshalIndent(manifest, "", "  ")
}
