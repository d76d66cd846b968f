package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recipebox/recipebox/internal/eventbus"
	"github.com/recipebox/recipebox/internal/shutdown"
	"github.com/recipebox/recipebox/internal/stream"
	"github.com/recipebox/recipebox/internal/supervisor"
)

var fast = supervisor.WithBackoff(supervisor.Backoff{
	Min:        time.Millisecond,
	Max:        5 * time.Millisecond,
	Multiplier: 2,
	ResetAfter: time.Hour,
})

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func runAsync(o *Orchestrator) <-chan error {
	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not return")
		return nil
	}
}

func TestOrchestrator_FatalJobShutsDownEverything(t *testing.T) {
	sig := shutdown.New()
	o := New(sig, WithGracePeriod(time.Second))

	errCreds := errors.New("invalid credentials")
	require.NoError(t, o.Add(supervisor.New("search", func(ctx context.Context) error {
		return supervisor.Fatal(errCreds)
	}, fast)))
	require.NoError(t, o.Add(supervisor.New("queue", blockUntilDone, fast)))

	var listenerStopped atomic.Bool
	o.AddListener("server", func(ctx context.Context) error {
		<-ctx.Done()
		listenerStopped.Store(true)
		return nil
	})

	err := wait(t, runAsync(o))

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, "search", exitErr.Job)
	assert.ErrorIs(t, err, errCreds)
	assert.Equal(t, 1, ExitCode(err))

	assert.True(t, sig.Fired())
	assert.Contains(t, sig.Reason(), "search")
	assert.True(t, listenerStopped.Load())

	queue, ok := o.Job("queue")
	require.True(t, ok)
	assert.Equal(t, supervisor.StateStopped, queue.State())
}

type failureLog struct {
	mu       sync.Mutex
	failures map[string]error
}

func (f *failureLog) JobFailed(job string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = make(map[string]error)
	}
	f.failures[job] = err
}

func TestOrchestrator_FatalJobIsReported(t *testing.T) {
	sig := shutdown.New()
	reports := &failureLog{}
	o := New(sig, WithFailureReporter(reports))

	errCreds := errors.New("invalid credentials")
	require.NoError(t, o.Add(supervisor.New("search", func(ctx context.Context) error {
		return supervisor.Fatal(errCreds)
	}, fast)))
	require.NoError(t, o.Add(supervisor.New("queue", blockUntilDone, fast)))

	require.Error(t, wait(t, runAsync(o)))

	reports.mu.Lock()
	defer reports.mu.Unlock()
	require.Len(t, reports.failures, 1)
	assert.ErrorIs(t, reports.failures["search"], errCreds)
}

// A fatal job with three open push streams: every stream ends with the
// shutdown reason and the bus refuses new subscribers.
func TestOrchestrator_FatalJobClosesStreams(t *testing.T) {
	sig := shutdown.New()
	bus := eventbus.New(eventbus.Config{Capacity: 16})
	bus.CloseOn(sig.Done())
	bridge := stream.NewBridge(bus, sig)

	type served struct{ reason stream.Reason }
	results := make(chan served, 3)
	for i := 0; i < 3; i++ {
		go func() {
			reason, _ := bridge.Serve(context.Background(), nopSink{})
			results <- served{reason}
		}()
	}
	require.Eventually(t, func() bool { return bus.Len() == 3 }, time.Second, time.Millisecond)

	o := New(sig, WithGracePeriod(time.Second))
	require.NoError(t, o.Add(supervisor.New("search", func(ctx context.Context) error {
		return supervisor.Fatal(errors.New("unauthorized"))
	}, fast)))

	err := wait(t, runAsync(o))
	require.Error(t, err)

	for i := 0; i < 3; i++ {
		select {
		case res := <-results:
			assert.Contains(t, []stream.Reason{stream.ReasonShutdown, stream.ReasonBusClosed}, res.reason)
		case <-time.After(2 * time.Second):
			t.Fatal("stream not terminated")
		}
	}

	require.Eventually(t, func() bool {
		_, err := bus.Subscribe()
		return errors.Is(err, eventbus.ErrClosed)
	}, time.Second, time.Millisecond)
}

type nopSink struct{}

func (nopSink) Send(stream.Frame) error { return nil }
func (nopSink) KeepAlive() error { return nil }
func (nopSink) Close(stream.Reason) error { return nil }

func TestOrchestrator_TransientJobDoesNotShutDown(t *testing.T) {
	sig := shutdown.New()
	o := New(sig)

	var calls atomic.Int32
	require.NoError(t, o.Add(supervisor.New("queue", func(ctx context.Context) error {
		if calls.Add(1) <= 2 {
			return errors.New("connection reset")
		}
		return blockUntilDone(ctx)
	}, fast)))

	done := runAsync(o)

	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, time.Millisecond)
	assert.False(t, sig.Fired())

	sig.Trigger("operator")
	err := wait(t, done)
	assert.NoError(t, err)
	assert.Equal(t, 0, ExitCode(err))
}

func TestOrchestrator_AllJobsFinish(t *testing.T) {
	sig := shutdown.New()
	o := New(sig)
	require.NoError(t, o.Add(supervisor.New("once", func(ctx context.Context) error { return nil }, fast)))

	err := wait(t, runAsync(o))
	assert.NoError(t, err)
	assert.True(t, sig.Fired())
}

func TestOrchestrator_GracePeriodAbandonsStragglers(t *testing.T) {
	sig := shutdown.New()
	o := New(sig, WithGracePeriod(30*time.Millisecond))

	stuck := make(chan struct{})
	defer close(stuck)
	require.NoError(t, o.Add(supervisor.New("stubborn", func(ctx context.Context) error {
		<-stuck // ignores cancellation
		return nil
	}, fast)))

	done := runAsync(o)
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	sig.Trigger("operator")
	err := wait(t, done)

	assert.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"stubborn"}, o.pendingNames())
}

func TestOrchestrator_ListenerFailureIsFatal(t *testing.T) {
	sig := shutdown.New()
	o := New(sig)
	require.NoError(t, o.Add(supervisor.New("queue", blockUntilDone, fast)))

	bindErr := errors.New("address already in use")
	o.AddListener("server", func(ctx context.Context) error { return bindErr })

	err := wait(t, runAsync(o))

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, "server", exitErr.Job)
	assert.ErrorIs(t, err, bindErr)
}

func TestOrchestrator_ListenerReturningEarlyIsFatal(t *testing.T) {
	o := New(shutdown.New())
	o.AddListener("server", func(ctx context.Context) error { return nil })

	err := wait(t, runAsync(o))
	assert.ErrorIs(t, err, ErrListenerExited)
}

func TestOrchestrator_ParentContextCancel(t *testing.T) {
	sig := shutdown.New()
	o := New(sig)
	require.NoError(t, o.Add(supervisor.New("queue", blockUntilDone, fast)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.NoError(t, wait(t, done))
	assert.True(t, sig.Fired())
}

func TestOrchestrator_DuplicateJob(t *testing.T) {
	o := New(shutdown.New())
	require.NoError(t, o.Add(supervisor.New("queue", blockUntilDone)))
	assert.Error(t, o.Add(supervisor.New("queue", blockUntilDone)))

	assert.Len(t, o.Jobs(), 1)
	_, ok := o.Job("missing")
	assert.False(t, ok)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(&ExitError{Job: "x", Err: errors.New("y")}))
	assert.Equal(t, 2, ExitCode(errors.New("bad config")))
}

func TestJobNotifier(t *testing.T) {
	bus := eventbus.New(eventbus.Config{Capacity: 8})
	sub, err := bus.Subscribe()
	require.NoError(t, err)

	s := supervisor.New("queue", func(ctx context.Context) error { return nil },
		supervisor.WithObserver(NewJobNotifier(bus)))
	s.Run(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var states []string
	for {
		n, err := sub.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, eventbus.KindJobState, n.Kind)
		js := n.Payload.(eventbus.JobState)
		states = append(states, js.State)
		if js.Outcome != "" {
			assert.Equal(t, "success", js.Outcome)
			break
		}
	}
	assert.Equal(t, []string{"running", "stopped"}, states)
}
