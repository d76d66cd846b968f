package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTaskNotFound is returned when a task update matches no row.
var ErrTaskNotFound = errors.New("queue: task not found")

const claimSQL = `
UPDATE queue_tasks
SET status = 'running',
    attempts = attempts + 1,
    run_at = now() + $2::float8 * interval '1 millisecond',
    updated_at = now()
WHERE id IN (
    SELECT id FROM queue_tasks
    WHERE status IN ('queued', 'running') AND run_at <= now()
    ORDER BY run_at
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
RETURNING id, kind, payload, status, attempts, max_attempts, run_at, COALESCE(last_error, '')`

// PgStore keeps tasks in the queue_tasks table. A running task whose lease
// (run_at) expired is claimable again, so a crashed worker's tasks come back.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a store over pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Enqueue inserts a queued task.
func (s *PgStore) Enqueue(ctx context.Context, task Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_tasks (id, kind, payload, status, max_attempts, run_at)
		VALUES ($1, $2, $3, 'queued', $4, $5)`,
		task.ID, task.Kind, []byte(task.Payload), task.MaxAttempts, task.RunAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Claim leases up to limit ready tasks for visibility.
func (s *PgStore) Claim(ctx context.Context, limit int, visibility time.Duration) ([]Task, error) {
	rows, err := s.pool.Query(ctx, claimSQL, limit, float64(visibility.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}

	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Task, error) {
		var t Task
		var status string
		err := row.Scan(&t.ID, &t.Kind, &t.Payload, &status, &t.Attempts, &t.MaxAttempts, &t.RunAt, &t.LastError)
		t.Status = Status(status)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed tasks: %w", err)
	}
	return tasks, nil
}

// Complete marks a task done.
func (s *PgStore) Complete(ctx context.Context, id uuid.UUID) error {
	return s.update(ctx, `
		UPDATE queue_tasks SET status = 'done', last_error = NULL, updated_at = now()
		WHERE id = $1`, id)
}

// Retry puts a task back in the queue to run at runAt.
func (s *PgStore) Retry(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	return s.update(ctx, `
		UPDATE queue_tasks SET status = 'queued', run_at = $2, last_error = $3, updated_at = now()
		WHERE id = $1`, id, runAt, lastError)
}

// Fail marks a task failed for good.
func (s *PgStore) Fail(ctx context.Context, id uuid.UUID, lastError string) error {
	return s.update(ctx, `
		UPDATE queue_tasks SET status = 'failed', last_error = $2, updated_at = now()
		WHERE id = $1`, id, lastError)
}

func (s *PgStore) update(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}
