// Package history keeps the append-only conversation log that gives each
// new agent session the recent context of its chat.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DBFileName is the history database inside the data directory
const DBFileName = "history.db"

// Role identifies who produced an entry
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleJob       Role = "job" // Result of a background job delivered to the chat
)

// Entry is one message in a chat's history
type Entry struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists history entries in SQLite
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the history database in dataDir
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := "file:" + filepath.Join(dataDir, DBFileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Conversation turns and background jobs append concurrently.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_chat ON history(chat_id, id);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Append adds an entry. Blank text is ignored.
func (s *Store) Append(ctx context.Context, e *Entry) error {
	if strings.TrimSpace(e.Text) == "" {
		return nil
	}
	if e.ChatID == "" {
		return errors.New("history entry has no chat id")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO history (chat_id, role, text, created_at) VALUES (?, ?, ?, ?)`,
		e.ChatID, e.Role, e.Text, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// Recent returns up to n of the chat's latest entries, oldest first
func (s *Store) Recent(ctx context.Context, chatID string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, text, created_at FROM (
			SELECT id, chat_id, role, text, created_at FROM history
			WHERE chat_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, chatID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.ChatID, &e.Role, &e.Text, &created); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than before
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of entries for a chat, or all entries when chatID is empty
func (s *Store) Count(ctx context.Context, chatID string) (int, error) {
	query := `SELECT COUNT(*) FROM history`
	var args []any
	if chatID != "" {
		query += ` WHERE chat_id = ?`
		args = append(args, chatID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return n, nil
}

// SnapshotTo writes a consistent copy of the database to path, which must not exist
func (s *Store) SnapshotTo(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("failed to snapshot history: %w", err)
	}
	return nil
}

var roleLabels = map[Role]string{
	RoleUser:      "User",
	RoleAssistant: "Assistant",
	RoleJob:       "Background job result",
}

// Format renders entries as prompt context, dropping the oldest entries
// until the result fits in maxChars (0 means unlimited)
func Format(entries []Entry, maxChars int) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		label := roleLabels[e.Role]
		if label == "" {
			label = string(e.Role)
		}
		lines = append(lines, label+": "+strings.TrimSpace(e.Text))
	}

	for maxChars > 0 && len(lines) > 0 && len(strings.Join(lines, "\n")) > maxChars {
		lines = lines[1:]
	}
	return strings.Join(lines, "\n")
}
