// Package queue records async execution tasks in a durable journal so that
// queue depth and recent history survive restarts and are inspectable over
// the health endpoints. The journal is bookkeeping only; admission control
// lives in the supervisor semaphore.
package queue

import (
	"context"
	"errors"
	"time"
)

// Task statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// ErrTaskNotFound reports a journal id with no task.
var ErrTaskNotFound = errors.New("task not found")

// Task is one async execution recorded in the journal.
type Task struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"requestId"`
	QueueType  string    `json:"queueType"` // cursor | telegram
	Repository string    `json:"repository"`
	Status     string    `json:"status"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	ExitCode   int       `json:"exitCode"`
	Error      string    `json:"error,omitempty"`
}

// Stats summarizes the journal for health reporting.
type Stats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// Journal is the durable task record. SQLite backs it locally; Postgres
// backs it when several replicas share one database.
type Journal interface {
	// Init creates the schema. Safe to call repeatedly.
	Init(ctx context.Context) error
	// Enqueue inserts a queued task, filling in ID and EnqueuedAt.
	Enqueue(ctx context.Context, t Task) (Task, error)
	// MarkRunning transitions a task to running.
	MarkRunning(ctx context.Context, id string) error
	// MarkDone transitions a task to done or failed depending on errMsg.
	MarkDone(ctx context.Context, id string, exitCode int, errMsg string) error
	// Pending lists queued and running tasks for a queue type, oldest first.
	// An empty queueType matches all.
	Pending(ctx context.Context, queueType string) ([]Task, error)
	// Stats counts tasks by status.
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
