package backup

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/acpbridge/internal/history"
	"github.com/HyphaGroup/acpbridge/internal/schedule"
)

type fixture struct {
	dataDir   string
	schedules *schedule.Store
	history   *history.Store
	mgr       *Manager
	clock     time.Time
}

func newFixture(t *testing.T, retention int) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{dataDir: filepath.Join(root, "data"), clock: time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)}

	var err error
	f.schedules, err = schedule.NewStore(f.dataDir)
	require.NoError(t, err)
	f.history, err = history.NewStore(f.dataDir)
	require.NoError(t, err)
	t.Cleanup(f.close)

	f.mgr, err = New(Config{
		DataDir:   f.dataDir,
		BackupDir: filepath.Join(root, "backups"),
		Retention: retention,
		Sources: map[string]Source{
			schedule.DBFileName: f.schedules,
			history.DBFileName:  f.history,
		},
	})
	require.NoError(t, err)
	f.mgr.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) close() {
	if f.schedules != nil {
		_ = f.schedules.Close()
		f.schedules = nil
	}
	if f.history != nil {
		_ = f.history.Close()
		f.history = nil
	}
}

func (f *fixture) snapshot(t *testing.T) *Snapshot {
	t.Helper()
	snap, err := f.mgr.Create(context.Background())
	require.NoError(t, err)
	f.clock = f.clock.Add(time.Hour)
	return snap
}

func recurring(msg string) *schedule.Schedule {
	return &schedule.Schedule{Type: schedule.TypeRecurring, Message: msg, CronExpr: "0 9 * * *", Enabled: true}
}

func TestCreateAndRestore(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	kept := recurring("daily digest")
	require.NoError(t, f.schedules.Create(kept))
	require.NoError(t, f.history.Append(ctx, &history.Entry{ChatID: "C1", Role: history.RoleUser, Text: "hello"}))

	snap := f.snapshot(t)
	assert.Equal(t, "acpbridge_20260301_090000.tar.gz", snap.Filename)
	assert.ElementsMatch(t, []string{schedule.DBFileName, history.DBFileName}, snap.Files)
	assert.Positive(t, snap.SizeBytes)

	// Changes after the snapshot are rolled back by the restore.
	require.NoError(t, f.schedules.Delete(kept.ID))
	require.NoError(t, f.schedules.Create(recurring("added later")))
	f.close()

	restored, err := f.mgr.Restore(snap.Filename)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{schedule.DBFileName, history.DBFileName}, restored)

	schedules, err := schedule.NewStore(f.dataDir)
	require.NoError(t, err)
	defer func() { _ = schedules.Close() }()
	all, err := schedules.List(nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, kept.ID, all[0].ID)

	hist, err := history.NewStore(f.dataDir)
	require.NoError(t, err)
	defer func() { _ = hist.Close() }()
	n, err := hist.Count(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRetention(t *testing.T) {
	f := newFixture(t, 2)

	first := f.snapshot(t)
	f.snapshot(t)
	third := f.snapshot(t)

	snaps, err := f.mgr.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, third.Filename, snaps[0].Filename, "newest first")

	_, err = os.Stat(filepath.Join(f.mgr.Dir(), first.Filename))
	assert.True(t, os.IsNotExist(err), "oldest snapshot removed")
}

func TestRestoreRejectsUnknownNames(t *testing.T) {
	f := newFixture(t, 5)

	_, err := f.mgr.Restore("../schedules.db")
	assert.Error(t, err)

	_, err = f.mgr.Restore("acpbridge_19990101_000000.tar.gz")
	assert.ErrorContains(t, err, "not found")
}

type failingSource struct{}

func (failingSource) SnapshotTo(ctx context.Context, path string) error {
	return errors.New("disk full")
}

func TestCreateFailureLeavesNoArchive(t *testing.T) {
	dir := t.TempDir()
	mgr, err := New(Config{
		DataDir:   dir,
		BackupDir: filepath.Join(dir, "backups"),
		Sources:   map[string]Source{"broken.db": failingSource{}},
	})
	require.NoError(t, err)

	_, err = mgr.Create(context.Background())
	assert.ErrorContains(t, err, "disk full")

	snaps, err := mgr.ListSnapshots()
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestExportManifest(t *testing.T) {
	f := newFixture(t, 5)
	f.snapshot(t)

	data, err := f.mgr.ExportManifest()
	require.NoError(t, err)

	var manifest struct {
		BackupDir string     `json:"backup_dir"`
		Snapshots []Snapshot `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(data, &manifest))
	assert.Equal(t, f.mgr.Dir(), manifest.BackupDir)
	assert.Len(t, manifest.Snapshots, 1)
}
