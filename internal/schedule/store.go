package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/HyphaGroup/acpbridge/internal/logger"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidCron      = errors.New("invalid cron expression")
	ErrInvalidSchedule  = errors.New("invalid schedule")
)

// DBFileName is the schedule database inside the data directory
const DBFileName = "schedules.db"

const scheduleColumns = `id, type, message, description, cron_expr, run_at, metadata, enabled,
	overlap_behavior, created_by, created_at, updated_at, last_run_at, next_run_at`

// Store handles schedule persistence
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new schedule store with SQLite backend
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := OpenDB(filepath.Join(dataDir, DBFileName))
	if err != nil {
		return nil, err
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// OpenDB opens a SQLite database with WAL and a busy timeout. A single
// connection serializes writers from the runner, the MCP server and the CLI.
func OpenDB(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		message TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		cron_expr TEXT NOT NULL DEFAULT '',
		run_at INTEGER,
		metadata TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		overlap_behavior TEXT NOT NULL DEFAULT 'skip',
		created_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_run_at INTEGER,
		next_run_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled);
	CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(next_run_at);

	CREATE TABLE IF NOT EXISTS schedule_executions (
		id TEXT PRIMARY KEY,
		schedule_id TEXT NOT NULL,
		type TEXT NOT NULL,
		executed_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_executions_schedule ON schedule_executions(schedule_id, executed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Create validates and inserts a new schedule
func (s *Store) Create(schedule *Schedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}

	if schedule.ID == "" {
		schedule.ID = NewID()
	}
	if schedule.OverlapBehavior == "" {
		schedule.OverlapBehavior = OverlapSkip
	}
	now := s.now()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now

	if schedule.NextRunAt == nil && schedule.Enabled {
		next, err := schedule.firstRun(now)
		if err != nil {
			return err
		}
		schedule.NextRunAt = next
	}

	meta, err := json.Marshal(schedule.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID, schedule.Type, schedule.Message, schedule.Description, schedule.CronExpr,
		toMillis(schedule.RunAt), string(meta), boolInt(schedule.Enabled),
		schedule.OverlapBehavior, schedule.CreatedBy,
		now.UnixMilli(), now.UnixMilli(), toMillis(schedule.LastRunAt), toMillis(schedule.NextRunAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

// NewID returns a fresh schedule id
func NewID() string {
	return "sched_" + uuid.New().String()[:8]
}

// Get retrieves a schedule by ID
func (s *Store) Get(id string) (*Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	schedule, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}
	return schedule, nil
}

// List returns schedules matching the filter, oldest first
func (s *Store) List(filter *ListFilter) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var args []interface{}
	var conditions []string

	if filter != nil {
		if filter.Type != "" {
			conditions = append(conditions, "type = ?")
			args = append(args, filter.Type)
		}
		if filter.ChatID != "" {
			conditions = append(conditions, "json_extract(metadata, '$.chat_id') = ?")
			args = append(args, filter.ChatID)
		}
		if filter.Enabled != nil {
			conditions = append(conditions, "enabled = ?")
			args = append(args, boolInt(*filter.Enabled))
		}
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	return s.query(query, args...)
}

// ListDue returns enabled schedules where next_run_at <= now
func (s *Store) ListDue(now time.Time) ([]*Schedule, error) {
	return s.query(`
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`, now.UnixMilli(),
	)
}

// Count returns the number of stored schedules
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schedules`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count schedules: %w", err)
	}
	return n, nil
}

func (s *Store) query(query string, args ...interface{}) ([]*Schedule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var schedules []*Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}
	return schedules, rows.Err()
}

// Update applies partial updates to a schedule and recomputes next_run_at
// when the trigger or enabled state changes
func (s *Store) Update(id string, update *ScheduleUpdate) (*Schedule, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	schedule, err := scanSchedule(tx.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}

	triggerChanged := false
	if update.Message != nil {
		schedule.Message = *update.Message
	}
	if update.Description != nil {
		schedule.Description = *update.Description
	}
	if update.CronExpr != nil {
		schedule.CronExpr = *update.CronExpr
		triggerChanged = true
	}
	if update.RunAt != nil {
		at := *update.RunAt
		schedule.RunAt = &at
		triggerChanged = true
	}
	if update.Enabled != nil {
		triggerChanged = triggerChanged || schedule.Enabled != *update.Enabled
		schedule.Enabled = *update.Enabled
	}
	if update.OverlapBehavior != nil {
		schedule.OverlapBehavior = *update.OverlapBehavior
	}
	if update.ChatID != nil {
		schedule.Metadata.ChatID = *update.ChatID
	}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	schedule.UpdatedAt = now
	if triggerChanged {
		schedule.NextRunAt = nil
		if schedule.Enabled {
			next, err := schedule.firstRun(now)
			if err != nil {
				return nil, err
			}
			schedule.NextRunAt = next
		}
	}

	meta, err := json.Marshal(schedule.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = tx.Exec(`
		UPDATE schedules SET message = ?, description = ?, cron_expr = ?, run_at = ?, metadata = ?,
		       enabled = ?, overlap_behavior = ?, updated_at = ?, next_run_at = ?
		WHERE id = ?`,
		schedule.Message, schedule.Description, schedule.CronExpr, toMillis(schedule.RunAt), string(meta),
		boolInt(schedule.Enabled), schedule.OverlapBehavior, now.UnixMilli(), toMillis(schedule.NextRunAt),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return schedule, nil
}

// Delete removes a schedule
func (s *Store) Delete(id string) error {
	result, err := s.db.Exec("DELETE FROM schedules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrScheduleNotFound
	}

	return nil
}

// MarkFired claims a due schedule. Recurring schedules get last_run_at and
// their next cron occurrence, or are disabled when there is none; one-time
// and async schedules are deleted.
// ErrScheduleNotFound means another caller already claimed it.
func (s *Store) MarkFired(schedule *Schedule, firedAt time.Time) error {
	if schedule.Type.IsOneShot() {
		return s.Delete(schedule.ID)
	}

	next, err := NextRun(schedule.CronExpr, firedAt)
	if err != nil {
		logger.Slog().Error("disabling recurring schedule with no next run", "schedule_id", schedule.ID, "error", err)
		if err := s.disable(schedule.ID, &firedAt); err != nil {
			return err
		}
		schedule.LastRunAt = &firedAt
		schedule.NextRunAt = nil
		schedule.Enabled = false
		return nil
	}
	if err := s.UpdateRunTimes(schedule.ID, firedAt, next); err != nil {
		return err
	}
	schedule.LastRunAt = &firedAt
	schedule.NextRunAt = &next
	return nil
}

// UpdateRunTimes updates last_run_at and next_run_at for a schedule
func (s *Store) UpdateRunTimes(id string, lastRun, nextRun time.Time) error {
	result, err := s.db.Exec(`
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		lastRun.UnixMilli(), nextRun.UnixMilli(), s.now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run times: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrScheduleNotFound
	}

	return nil
}

// disable turns a schedule off and clears next_run_at so ListDue skips it
func (s *Store) disable(id string, lastRun *time.Time) error {
	result, err := s.db.Exec(`
		UPDATE schedules SET enabled = 0, next_run_at = NULL, last_run_at = COALESCE(?, last_run_at), updated_at = ?
		WHERE id = ?`,
		toMillis(lastRun), s.now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to disable schedule: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrScheduleNotFound
	}

	return nil
}

// Load reads every schedule at startup. Enabled recurring schedules get a
// missing next run recomputed, or are disabled when their cron never fires.
// Async conversations without a chat are dropped.
func (s *Store) Load() (*LoadStats, error) {
	all, err := s.List(nil)
	if err != nil {
		return nil, err
	}

	stats := &LoadStats{ByType: make(map[Type]int)}
	now := s.now()
	for _, sched := range all {
		if sched.Type == TypeAsyncConversation && sched.Metadata.ChatID == "" {
			logger.Slog().Error("dropping async conversation schedule without chat id", "schedule_id", sched.ID)
			if err := s.Delete(sched.ID); err != nil && !errors.Is(err, ErrScheduleNotFound) {
				return nil, err
			}
			stats.Dropped++
			continue
		}
		if sched.Type == TypeRecurring && sched.Enabled {
			next, err := NextRun(sched.CronExpr, now)
			switch {
			case err != nil:
				logger.Slog().Error("disabling recurring schedule with unusable cron", "schedule_id", sched.ID, "cron", sched.CronExpr, "error", err)
				if err := s.disable(sched.ID, nil); err != nil && !errors.Is(err, ErrScheduleNotFound) {
					return nil, err
				}
				stats.Disabled++
			case sched.NextRunAt == nil:
				if _, err := s.db.Exec(`UPDATE schedules SET next_run_at = ? WHERE id = ?`, next.UnixMilli(), sched.ID); err != nil {
					return nil, fmt.Errorf("failed to repair next_run_at: %w", err)
				}
				stats.Repaired++
			}
		}
		stats.Total++
		stats.ByType[sched.Type]++
	}

	logger.Slog().Info("schedules loaded",
		"total", stats.Total,
		"recurring", stats.ByType[TypeRecurring],
		"one_time", stats.ByType[TypeOneTime],
		"async_conversation", stats.ByType[TypeAsyncConversation],
		"repaired", stats.Repaired,
		"disabled", stats.Disabled,
		"dropped", stats.Dropped,
	)
	return stats, nil
}

// RecordExecution appends an execution record
func (s *Store) RecordExecution(exec *Execution) error {
	if exec.ID == "" {
		exec.ID = "exec_" + uuid.New().String()[:8]
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO schedule_executions (id, schedule_id, type, executed_at, status, output, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.ScheduleID, exec.Type, exec.ExecutedAt.UnixMilli(), exec.Status,
		exec.Output, exec.Error, exec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// ListExecutions returns the most recent executions, newest first. An empty
// scheduleID lists executions of every schedule.
func (s *Store) ListExecutions(scheduleID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, schedule_id, type, executed_at, status, output, error, duration_ms FROM schedule_executions`
	var args []interface{}
	if scheduleID != "" {
		query += ` WHERE schedule_id = ?`
		args = append(args, scheduleID)
	}
	query += ` ORDER BY executed_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var execs []*Execution
	for rows.Next() {
		var e Execution
		var executedAt int64
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.Type, &executedAt, &e.Status, &e.Output, &e.Error, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.ExecutedAt = time.UnixMilli(executedAt)
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

// PruneExecutions deletes execution records older than before
func (s *Store) PruneExecutions(before time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM schedule_executions WHERE executed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}
	return result.RowsAffected()
}

// SnapshotTo writes a consistent copy of the database to path, which must not exist
func (s *Store) SnapshotTo(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("failed to snapshot schedules: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var schedule Schedule
	var runAt, lastRunAt, nextRunAt sql.NullInt64
	var createdAt, updatedAt int64
	var meta string
	var enabled int

	if err := row.Scan(
		&schedule.ID, &schedule.Type, &schedule.Message, &schedule.Description, &schedule.CronExpr,
		&runAt, &meta, &enabled, &schedule.OverlapBehavior, &schedule.CreatedBy,
		&createdAt, &updatedAt, &lastRunAt, &nextRunAt,
	); err != nil {
		return nil, err
	}

	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &schedule.Metadata); err != nil {
			return nil, fmt.Errorf("schedule %s has corrupt metadata: %w", schedule.ID, err)
		}
	}
	schedule.Enabled = enabled != 0
	schedule.CreatedAt = time.UnixMilli(createdAt)
	schedule.UpdatedAt = time.UnixMilli(updatedAt)
	schedule.RunAt = fromMillis(runAt)
	schedule.LastRunAt = fromMillis(lastRunAt)
	schedule.NextRunAt = fromMillis(nextRunAt)
	return &schedule, nil
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
