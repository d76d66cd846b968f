package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/recipebox/recipebox/internal/config"
	"github.com/recipebox/recipebox/internal/watch"
)

// maxRetryDelay caps the exponential retry delay of a single task.
const maxRetryDelay = time.Hour

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// Worker claims tasks from a Store and dispatches them to handlers. Its
// poll interval, batch size and rate limit follow the live configuration.
type Worker struct {
	store  Store
	cfgs   *watch.Channel[*config.Config]
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorker creates a worker over store reading its settings from cfgs.
func NewWorker(store Store, cfgs *watch.Channel[*config.Config], opts ...WorkerOption) *Worker {
	w := &Worker{
		store:    store,
		cfgs:     cfgs,
		logger:   slog.Default(),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "queue")
	return w
}

// Register installs h for tasks of kind, replacing any previous handler.
func (w *Worker) Register(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Enqueue stores a task of kind with payload marshalled as JSON.
func (w *Worker) Enqueue(ctx context.Context, kind string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	task := Task{
		ID:          uuid.New(),
		Kind:        kind,
		Payload:     data,
		Status:      StatusQueued,
		MaxAttempts: DefaultMaxAttempts,
		RunAt:       w.now(),
	}
	if err := w.store.Enqueue(ctx, task); err != nil {
		return uuid.Nil, err
	}

	w.logger.Debug("task enqueued", "task_id", task.ID.String(), "kind", kind)
	return task.ID, nil
}

// Run polls for tasks until ctx is done. A store error ends the run so the
// supervisor can classify and restart it.
func (w *Worker) Run(ctx context.Context) error {
	rx := w.cfgs.Subscribe()
	cfg := rx.Borrow().Queue

	limiter := rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	ticker := time.NewTicker(cfg.PollInterval())
	defer ticker.Stop()

	w.logger.Info("queue worker starting",
		"enabled", cfg.Enabled,
		"poll_interval_ms", cfg.PollIntervalMS,
		"batch_size", cfg.BatchSize,
		"rate_per_second", cfg.RatePerSecond,
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("queue worker stopping")
			return nil

		case <-rx.Changes():
			next := rx.Borrow().Queue
			if next != cfg {
				limiter.SetLimit(rate.Limit(next.RatePerSecond))
				limiter.SetBurst(next.Burst)
				if next.PollIntervalMS != cfg.PollIntervalMS {
					ticker.Reset(next.PollInterval())
				}
				w.logger.Info("queue settings updated",
					"enabled", next.Enabled,
					"poll_interval_ms", next.PollIntervalMS,
					"batch_size", next.BatchSize,
					"rate_per_second", next.RatePerSecond,
				)
				cfg = next
			}

		case <-ticker.C:
			if !cfg.Enabled {
				continue
			}
			if err := w.poll(ctx, cfg, limiter); err != nil {
				return err
			}
		}
	}
}

// poll claims one batch and processes it. It returns only store errors.
func (w *Worker) poll(ctx context.Context, cfg config.QueueConfig, limiter *rate.Limiter) error {
	tasks, err := w.store.Claim(ctx, cfg.BatchSize, cfg.VisibilityTimeout())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for _, task := range tasks {
		if err := limiter.Wait(ctx); err != nil {
			// unprocessed tasks become claimable again when their lease expires
			return nil
		}
		if err := w.process(ctx, task, cfg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

func (w *Worker) process(ctx context.Context, task Task, cfg config.QueueConfig) error {
	logger := w.logger.With("task_id", task.ID.String(), "kind", task.Kind, "attempt", task.Attempts)

	w.mu.RLock()
	h, ok := w.handlers[task.Kind]
	w.mu.RUnlock()
	if !ok {
		logger.Error("no handler for task kind")
		return w.store.Fail(ctx, task.ID, ErrNoHandler.Error())
	}

	start := w.now()
	err := invoke(ctx, h, task)
	if err == nil {
		logger.Debug("task completed", "duration_ms", w.now().Sub(start).Milliseconds())
		return w.store.Complete(ctx, task.ID)
	}

	if IsPermanent(err) || task.Attempts >= task.MaxAttempts {
		logger.Error("task failed", "error", err, "max_attempts", task.MaxAttempts)
		return w.store.Fail(ctx, task.ID, err.Error())
	}

	delay := retryDelay(cfg.RetryBase(), task.Attempts)
	logger.Warn("task failed, retrying", "error", err, "retry_in", delay.String())
	return w.store.Retry(ctx, task.ID, w.now().Add(delay), err.Error())
}

// retryDelay doubles base for every attempt already made.
func retryDelay(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

func invoke(ctx context.Context, h Handler, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Handle(ctx, task)
}
