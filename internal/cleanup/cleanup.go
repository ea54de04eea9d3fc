// Package cleanup prunes the data that grows without bound: conversation
// history, schedule execution records and dated log files.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/HyphaGroup/acpbridge/internal/logger"
)

// HistoryPruner deletes conversation history older than a cutoff
type HistoryPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// ExecutionPruner deletes schedule execution records older than a cutoff
type ExecutionPruner interface {
	PruneExecutions(before time.Time) (int64, error)
}

// Cleaner performs periodic cleanup.
type Cleaner struct {
	cfg    Config
	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds cleanup configuration.
type Config struct {
	DataDir            string
	LogDir             string
	History            HistoryPruner   // optional
	Executions         ExecutionPruner // optional
	Interval           time.Duration   // How often to run cleanup
	HistoryRetention   time.Duration
	ExecutionRetention time.Duration
	LogRetention       time.Duration
	DiskWarnPercent    float64 // Warn at this disk usage percentage
	DiskErrorPercent   float64 // Error at this disk usage percentage
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(dataDir, logDir string) Config {
	return Config{
		DataDir:            dataDir,
		LogDir:             logDir,
		Interval:           time.Hour,
		HistoryRetention:   30 * 24 * time.Hour,
		ExecutionRetention: 30 * 24 * time.Hour,
		LogRetention:       14 * 24 * time.Hour,
		DiskWarnPercent:    80.0,
		DiskErrorPercent:   90.0,
	}
}

// New creates a new Cleaner with the given configuration.
func New(cfg Config) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Cleaner{cfg: cfg, now: time.Now}
}

// Start begins the periodic cleanup loop.
func (c *Cleaner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()

		// Run immediately on start
		c.RunOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunOnce(ctx)
			}
		}
	}()

	logger.Printf("🧹 Cleanup started (interval=%v, history retention=%v)", c.cfg.Interval, c.cfg.HistoryRetention)
}

// Stop halts the cleanup loop.
func (c *Cleaner) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
		logger.Println("🧹 Cleanup stopped")
	}
}

// Result counts what one pass removed
type Result struct {
	History    int64
	Executions int64
	LogFiles   int
}

// RunOnce performs all cleanup tasks once.
func (c *Cleaner) RunOnce(ctx context.Context) Result {
	var res Result
	now := c.now()

	if c.cfg.History != nil && c.cfg.HistoryRetention > 0 {
		n, err := c.cfg.History.Prune(ctx, now.Add(-c.cfg.HistoryRetention))
		if err != nil {
			logger.Printf("⚠️  History prune failed: %v", err)
		}
		res.History = n
	}

	if c.cfg.Executions != nil && c.cfg.ExecutionRetention > 0 {
		n, err := c.cfg.Executions.PruneExecutions(now.Add(-c.cfg.ExecutionRetention))
		if err != nil {
			logger.Printf("⚠️  Execution prune failed: %v", err)
		}
		res.Executions = n
	}

	res.LogFiles = c.cleanupLogFiles(now)
	c.checkDiskUsage()

	if res.History > 0 || res.Executions > 0 || res.LogFiles > 0 {
		logger.Printf("🧹 Removed %d history entries, %d execution records, %d log files",
			res.History, res.Executions, res.LogFiles)
	}
	return res
}

// cleanupLogFiles removes dated log files older than the log retention.
func (c *Cleaner) cleanupLogFiles(now time.Time) int {
	if c.cfg.LogDir == "" || c.cfg.LogRetention <= 0 {
		return 0
	}
	cutoff := now.Add(-c.cfg.LogRetention)

	entries, err := os.ReadDir(c.cfg.LogDir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, logger.FilePrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.cfg.LogDir, name)); err == nil {
				removed++
			}
		}
	}
	return removed
}

// checkDiskUsage monitors disk usage and logs warnings.
func (c *Cleaner) checkDiskUsage() {
	_, _, usedPercent, err := c.DiskUsage()
	if err != nil {
		return
	}

	if c.cfg.DiskErrorPercent > 0 && usedPercent >= c.cfg.DiskErrorPercent {
		logger.Printf("🔴 CRITICAL: Disk usage at %.1f%% (data dir)", usedPercent)
	} else if c.cfg.DiskWarnPercent > 0 && usedPercent >= c.cfg.DiskWarnPercent {
		logger.Printf("🟠 WARNING: Disk usage at %.1f%% (data dir)", usedPercent)
	}
}

// DiskUsage returns current disk usage stats for the data directory.
func (c *Cleaner) DiskUsage() (usedBytes, totalBytes uint64, usedPercent float64, err error) {
	return diskUsage(c.cfg.DataDir)
}
