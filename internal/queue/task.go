// Package queue runs background tasks stored in Postgres. Tasks are claimed
// in batches, dispatched to a handler registered for their kind and retried
// with exponential backoff until they succeed or run out of attempts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is used when a task is enqueued without a limit.
const DefaultMaxAttempts = 5

// Status is the lifecycle state of a stored task.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Task is one unit of background work.
type Task struct {
	ID          uuid.UUID       `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Handler processes tasks of one kind.
type Handler interface {
	Handle(ctx context.Context, task Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task) error

// Handle calls f(ctx, task).
func (f HandlerFunc) Handle(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// Store persists tasks. Claim must hand each ready task to one caller only
// and keep it invisible to other callers for the visibility timeout.
type Store interface {
	Enqueue(ctx context.Context, task Task) error
	Claim(ctx context.Context, limit int, visibility time.Duration) ([]Task, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Retry(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error
	Fail(ctx context.Context, id uuid.UUID, lastError string) error
}

// ErrNoHandler is recorded on tasks whose kind has no registered handler.
var ErrNoHandler = errors.New("queue: no handler registered for task kind")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
