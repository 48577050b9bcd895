package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prebuildops/agent/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS prebuild_events (
    id         INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS vm_tasks (
    id                TEXT PRIMARY KEY,
    prebuild_event_id INTEGER NOT NULL,
    idx               INTEGER NOT NULL,
    command           TEXT NOT NULL,
    status            TEXT NOT NULL,
    log_group_id      TEXT NOT NULL,
    FOREIGN KEY (prebuild_event_id) REFERENCES prebuild_events(id)
);
CREATE INDEX IF NOT EXISTS idx_vm_tasks_event ON vm_tasks(prebuild_event_id);

CREATE TABLE IF NOT EXISTS log_chunks (
    log_group_id TEXT NOT NULL,
    idx          INTEGER NOT NULL,
    content      BLOB NOT NULL,
    created_at   DATETIME NOT NULL,
    PRIMARY KEY (log_group_id, idx)
);
`

// ErrOutOfOrderLogChunk is returned when a log chunk's idx does not follow
// the previous chunk for the same log group.
var ErrOutOfOrderLogChunk = errors.New("log chunk idx is not the next expected value")

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SeedPrebuildEvent inserts a prebuild event and its tasks. Not part of the
// Store interface: the activity core never creates events, only the test
// harness / CLI seeding path does.
func (s *SQLiteStore) SeedPrebuildEvent(ctx context.Context, event model.PrebuildEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "INSERT INTO prebuild_events (id) VALUES (?)", event.ID); err != nil {
		return fmt.Errorf("insert prebuild event: %w", err)
	}
	for _, task := range event.Tasks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vm_tasks (id, prebuild_event_id, idx, command, status, log_group_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			task.ID, event.ID, task.Idx, task.Command, task.Status, task.LogGroupID,
		); err != nil {
			return fmt.Errorf("insert task %s: %w", task.ID, err)
		}
	}
	return tx.Commit()
}

// GetPrebuildEvent loads a prebuild event and its tasks ordered by idx.
func (s *SQLiteStore) GetPrebuildEvent(ctx context.Context, id int64) (*model.PrebuildEvent, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM prebuild_events WHERE id = ?)", id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check prebuild event %d: %w", id, err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, idx, command, status, log_group_id FROM vm_tasks
		WHERE prebuild_event_id = ? ORDER BY idx`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks for event %d: %w", id, err)
	}
	defer rows.Close()

	event := &model.PrebuildEvent{ID: id}
	for rows.Next() {
		var t model.VmTask
		if err := rows.Scan(&t.ID, &t.Idx, &t.Command, &t.Status, &t.LogGroupID); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		event.Tasks = append(event.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks for event %d: %w", id, err)
	}

	return event, nil
}

// UpdateTaskStatus transitions a single task's status, enforcing the
// pending -> running -> {success, error, cancelled} state machine.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM vm_tasks WHERE id = ?", taskID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task %s status: %w", taskID, err)
	}

	if !model.ValidTaskTransition(current, status) {
		return fmt.Errorf("task %s: %s -> %s: %w", taskID, current, status, ErrInvalidTransition)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE vm_tasks SET status = ? WHERE id = ?", status, taskID); err != nil {
		return fmt.Errorf("update task %s status: %w", taskID, err)
	}

	return tx.Commit()
}

// AppendLogChunk inserts a log chunk, enforcing that idx is exactly the
// next expected value for logGroupID (gap-free, monotonically increasing).
func (s *SQLiteStore) AppendLogChunk(ctx context.Context, chunk model.LogChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log append tx: %w", err)
	}
	defer tx.Rollback()

	var maxIdx sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT MAX(idx) FROM log_chunks WHERE log_group_id = ?", chunk.LogGroupID,
	).Scan(&maxIdx); err != nil {
		return fmt.Errorf("read max log idx for group %s: %w", chunk.LogGroupID, err)
	}

	nextIdx := 0
	if maxIdx.Valid {
		nextIdx = int(maxIdx.Int64) + 1
	}
	if chunk.Idx != nextIdx {
		return fmt.Errorf("log group %s: idx %d, want %d: %w", chunk.LogGroupID, chunk.Idx, nextIdx, ErrOutOfOrderLogChunk)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO log_chunks (log_group_id, idx, content, created_at) VALUES (?, ?, ?, ?)",
		chunk.LogGroupID, chunk.Idx, chunk.Content, chunk.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert log chunk: %w", err)
	}

	return tx.Commit()
}

// ListLogChunks returns all chunks for a log group ordered by idx.
func (s *SQLiteStore) ListLogChunks(ctx context.Context, logGroupID string) ([]model.LogChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT log_group_id, idx, content, created_at FROM log_chunks WHERE log_group_id = ? ORDER BY idx",
		logGroupID,
	)
	if err != nil {
		return nil, fmt.Errorf("list log chunks for group %s: %w", logGroupID, err)
	}
	defer rows.Close()

	var chunks []model.LogChunk
	for rows.Next() {
		var c model.LogChunk
		if err := rows.Scan(&c.LogGroupID, &c.Idx, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log chunks for group %s: %w", logGroupID, err)
	}

	return chunks, nil
}
