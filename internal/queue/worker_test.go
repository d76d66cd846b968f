package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recipebox/recipebox/internal/config"
	"github.com/recipebox/recipebox/internal/eventbus"
	"github.com/recipebox/recipebox/internal/watch"
)

type retryCall struct {
	id    uuid.UUID
	runAt time.Time
	err   string
}

type fakeStore struct {
	mu        sync.Mutex
	ready     []Task
	enqueued  []Task
	limits    []int
	completed []uuid.UUID
	retried   []retryCall
	failed    map[uuid.UUID]string
	claimErr  error
}

func newFakeStore(tasks ...Task) *fakeStore {
	return &fakeStore{ready: tasks, failed: make(map[uuid.UUID]string)}
}

func (s *fakeStore) Enqueue(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, task)
	return nil
}

func (s *fakeStore) Claim(_ context.Context, limit int, _ time.Duration) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = append(s.limits, limit)
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	n := min(limit, len(s.ready))
	out := s.ready[:n]
	s.ready = s.ready[n:]
	for i := range out {
		out[i].Attempts++
		out[i].Status = StatusRunning
	}
	return out, nil
}

func (s *fakeStore) Complete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return nil
}

func (s *fakeStore) Retry(_ context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried = append(s.retried, retryCall{id: id, runAt: runAt, err: lastError})
	return nil
}

func (s *fakeStore) Fail(_ context.Context, id uuid.UUID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = lastError
	return nil
}

func (s *fakeStore) snapshot() (completed int, retried int, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed), len(s.retried), len(s.failed)
}

func testConfig() *config.Config {
	return &config.Config{Queue: config.QueueConfig{
		Enabled:                  true,
		PollIntervalMS:           5,
		BatchSize:                10,
		RatePerSecond:            1000,
		Burst:                    10,
		VisibilityTimeoutSeconds: 30,
		RetryBaseMS:              1000,
	}}
}

func newTask(kind string, attempts, maxAttempts int) Task {
	return Task{
		ID:          uuid.New(),
		Kind:        kind,
		Payload:     json.RawMessage(`{}`),
		Status:      StatusQueued,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
}

func runWorker(t *testing.T, w *Worker) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
}

func TestWorker_ProcessesTasks(t *testing.T) {
	ok := newTask("email", 0, 5)
	store := newFakeStore(ok)
	w := NewWorker(store, watch.New(testConfig()))

	var seen []uuid.UUID
	var mu sync.Mutex
	w.Register("email", HandlerFunc(func(_ context.Context, task Task) error {
		mu.Lock()
		seen = append(seen, task.ID)
		mu.Unlock()
		return nil
	}))

	stop := runWorker(t, w)
	require.Eventually(t, func() bool {
		c, _, _ := store.snapshot()
		return c == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uuid.UUID{ok.ID}, seen)
}

func TestWorker_FailureHandling(t *testing.T) {
	retrying := newTask("flaky", 0, 5)
	exhausted := newTask("flaky", 4, 5)
	permanent := newTask("broken", 0, 5)
	orphan := newTask("unknown", 0, 5)
	panicking := newTask("panics", 0, 5)
	store := newFakeStore(retrying, exhausted, permanent, orphan, panicking)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w := NewWorker(store, watch.New(testConfig()))
	w.now = func() time.Time { return now }

	w.Register("flaky", HandlerFunc(func(context.Context, Task) error {
		return errors.New("smtp timeout")
	}))
	w.Register("broken", HandlerFunc(func(context.Context, Task) error {
		return Permanent(errors.New("bad address"))
	}))
	w.Register("panics", HandlerFunc(func(context.Context, Task) error {
		panic("nil map")
	}))

	stop := runWorker(t, w)
	require.Eventually(t, func() bool {
		_, r, f := store.snapshot()
		return r+f == 5
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	store.mu.Lock()
	defer store.mu.Unlock()

	require.Len(t, store.retried, 2)
	assert.Equal(t, retrying.ID, store.retried[0].id)
	assert.Equal(t, now.Add(time.Second), store.retried[0].runAt)
	assert.Equal(t, "smtp timeout", store.retried[0].err)
	assert.Equal(t, panicking.ID, store.retried[1].id)
	assert.Contains(t, store.retried[1].err, "handler panicked: nil map")

	assert.Equal(t, "smtp timeout", store.failed[exhausted.ID])
	assert.Equal(t, "bad address", store.failed[permanent.ID])
	assert.Equal(t, ErrNoHandler.Error(), store.failed[orphan.ID])
}

func TestWorker_StoreErrorEndsRun(t *testing.T) {
	store := newFakeStore()
	store.claimErr = errors.New("connection reset")
	w := NewWorker(store, watch.New(testConfig()))

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.EqualError(t, err, "connection reset")
	case <-time.After(2 * time.Second):
		t.Fatal("worker should have returned the store error")
	}
}

func TestWorker_FollowsConfigChanges(t *testing.T) {
	store := newFakeStore()
	cfgs := watch.New(testConfig())
	w := NewWorker(store, cfgs)

	stop := runWorker(t, w)
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.limits) > 0
	}, time.Second, 5*time.Millisecond)

	next := testConfig()
	next.Queue.BatchSize = 3
	cfgs.Publish(next)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.limits[len(store.limits)-1] == 3
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
}

func TestWorker_DisabledDoesNotPoll(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Enabled = false
	store := newFakeStore(newTask("email", 0, 5))
	w := NewWorker(store, watch.New(cfg))

	stop := runWorker(t, w)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, stop())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.limits)
}

func TestWorker_Enqueue(t *testing.T) {
	store := newFakeStore()
	w := NewWorker(store, watch.New(testConfig()))

	id, err := w.Enqueue(context.Background(), "email", map[string]string{"to": "cook@example.com"})
	require.NoError(t, err)

	require.Len(t, store.enqueued, 1)
	task := store.enqueued[0]
	assert.Equal(t, id, task.ID)
	assert.Equal(t, "email", task.Kind)
	assert.Equal(t, DefaultMaxAttempts, task.MaxAttempts)
	assert.JSONEq(t, `{"to":"cook@example.com"}`, string(task.Payload))
}

func TestRetryDelay(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Second, retryDelay(base, 1))
	assert.Equal(t, 2*time.Second, retryDelay(base, 2))
	assert.Equal(t, 8*time.Second, retryDelay(base, 4))
	assert.Equal(t, maxRetryDelay, retryDelay(base, 40))
}

func TestNotifyHandler(t *testing.T) {
	bus := eventbus.New(eventbus.Config{})
	sub, err := bus.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	h := NotifyHandler(bus)

	payload, err := json.Marshal(NotifyPayload{Kind: "new_recipe", Payload: json.RawMessage(`{"name":"Soup"}`)})
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), Task{Kind: KindNotify, Payload: payload}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, eventbus.KindNewRecipe, n.Kind)
	assert.JSONEq(t, `{"name":"Soup"}`, string(n.Payload.(json.RawMessage)))

	err = h.Handle(context.Background(), Task{Kind: KindNotify, Payload: json.RawMessage(`{"kind":"bogus"}`)})
	assert.True(t, IsPermanent(err))
}
