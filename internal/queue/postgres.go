package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Journal on PostgreSQL. It accepts an externally-owned
// *pgxpool.Pool via constructor injection; the caller creates and closes
// the pool. Use it when several service replicas share one journal.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Journal = (*Postgres)(nil)

// NewPostgres creates a journal on an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Init creates the tasks table and its indexes. Idempotent.
func (p *Postgres) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			queue_type TEXT NOT NULL,
			repository TEXT NOT NULL,
			status TEXT NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			exit_code INTEGER,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue_type, status)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Enqueue(ctx context.Context, t Task) (Task, error) {
	t.ID = uuid.NewString()
	t.Status = StatusQueued
	t.EnqueuedAt = time.Now().UTC()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO tasks (id, request_id, queue_type, repository, status, enqueued_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.RequestID, t.QueueType, t.Repository, t.Status, t.EnqueuedAt)
	if err != nil {
		return Task{}, fmt.Errorf("enqueue: %w", err)
	}
	return t, nil
}

func (p *Postgres) MarkRunning(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, started_at = $2 WHERE id = $3`,
		StatusRunning, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

func (p *Postgres) MarkDone(ctx context.Context, id string, exitCode int, errMsg string) error {
	status := StatusDone
	if errMsg != "" {
		status = StatusFailed
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, finished_at = $2, exit_code = $3, error = $4 WHERE id = $5`,
		status, time.Now().UTC(), exitCode, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

func (p *Postgres) Pending(ctx context.Context, queueType string) ([]Task, error) {
	query := `SELECT id, request_id, queue_type, repository, status, enqueued_at,
		COALESCE(started_at, 'epoch'::timestamptz), COALESCE(finished_at, 'epoch'::timestamptz),
		COALESCE(exit_code, 0), COALESCE(error, '')
		FROM tasks WHERE status IN ($1, $2)`
	args := []any{StatusQueued, StatusRunning}
	if queueType != "" {
		query += ` AND queue_type = $3`
		args = append(args, queueType)
	}
	query += ` ORDER BY enqueued_at ASC`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pending: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.RequestID, &t.QueueType, &t.Repository, &t.Status,
			&t.EnqueuedAt, &t.StartedAt, &t.FinishedAt, &t.ExitCode, &t.Error); err != nil {
			return nil, fmt.Errorf("pending scan: %w", err)
		}
		if t.StartedAt.Unix() == 0 {
			t.StartedAt = time.Time{}
		}
		if t.FinishedAt.Unix() == 0 {
			t.FinishedAt = time.Time{}
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
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

// Close is a no-op; the pool is owned by the caller.
func (p *Postgres) Close() error { return nil }
