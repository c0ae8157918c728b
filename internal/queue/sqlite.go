package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteOption configures a SQLite journal.
type SQLiteOption func(*SQLite)

// WithSQLiteLogger sets a structured logger for the journal.
func WithSQLiteLogger(l *slog.Logger) SQLiteOption {
	return func(s *SQLite) { s.logger = l }
}

// SQLite implements Journal on a local SQLite file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Journal = (*SQLite)(nil)

// NewSQLite opens the journal at dbPath. A single shared connection
// (SetMaxOpenConns(1)) serializes all goroutines through one handle,
// eliminating SQLITE_BUSY errors from concurrent writers.
func NewSQLite(dbPath string, opts ...SQLiteOption) *SQLite {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("queue: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("queue: sqlite journal opened", "path", dbPath)
	return s
}

// Init creates the tasks table and its indexes.
func (s *SQLite) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		queue_type TEXT NOT NULL,
		repository TEXT NOT NULL,
		status TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		exit_code INTEGER,
		error TEXT
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue_type, status)`)
	return nil
}

func (s *SQLite) Enqueue(ctx context.Context, t Task) (Task, error) {
	t.ID = uuid.NewString()
	t.Status = StatusQueued
	t.EnqueuedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, request_id, queue_type, repository, status, enqueued_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.RequestID, t.QueueType, t.Repository, t.Status, t.EnqueuedAt.UnixMilli())
	if err != nil {
		return Task{}, fmt.Errorf("enqueue: %w", err)
	}
	s.logger.Debug("queue: task enqueued", "task_id", t.ID, "request_id", t.RequestID, "queue_type", t.QueueType)
	return t, nil
}

func (s *SQLite) MarkRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ? WHERE id = ?`,
		StatusRunning, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLite) MarkDone(ctx context.Context, id string, exitCode int, errMsg string) error {
	status := StatusDone
	if errMsg != "" {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, finished_at = ?, exit_code = ?, error = ? WHERE id = ?`,
		status, time.Now().UTC().UnixMilli(), exitCode, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLite) Pending(ctx context.Context, queueType string) ([]Task, error) {
	query := `SELECT id, request_id, queue_type, repository, status, enqueued_at,
		COALESCE(started_at, 0), COALESCE(finished_at, 0), COALESCE(exit_code, 0), COALESCE(error, '')
		FROM tasks WHERE status IN (?, ?)`
	args := []any{StatusQueued, StatusRunning}
	if queueType != "" {
		query += ` AND queue_type = ?`
		args = append(args, queueType)
	}
	query += ` ORDER BY enqueued_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pending: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		var enq, started, finished int64
		if err := rows.Scan(&t.ID, &t.RequestID, &t.QueueType, &t.Repository, &t.Status,
			&enq, &started, &finished, &t.ExitCode, &t.Error); err != nil {
			return nil, fmt.Errorf("pending scan: %w", err)
		}
		t.EnqueuedAt = time.UnixMilli(enq).UTC()
		if started > 0 {
			t.StartedAt = time.UnixMilli(started).UTC()
		}
		if finished > 0 {
			t.FinishedAt = time.UnixMilli(finished).UTC()
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("stats scan: %w", err)
		}
		switch status {
		case StatusQueued:
			st.Queued = n
		case StatusRunning:
			st.Running = n
		case StatusDone:
			st.Done = n
		case StatusFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}
