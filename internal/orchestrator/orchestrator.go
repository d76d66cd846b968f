// Package orchestrator runs the supervised jobs and the HTTP listener of the
// process together and owns the shutdown sequence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recipebox/recipebox/internal/shutdown"
	"github.com/recipebox/recipebox/internal/supervisor"
)

// DefaultGracePeriod bounds how long Run waits for jobs to drain.
const DefaultGracePeriod = 5 * time.Second

// ErrListenerExited is recorded when a listener returns before shutdown.
var ErrListenerExited = errors.New("listener exited unexpectedly")

// ExitError names the job whose failure shut the process down.
type ExitError struct {
	Job string
	Err error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.Job, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps the error returned by Run (or by startup) to a process exit
// status: 0 for a clean stop, 1 when a job failed, 2 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return 1
	}
	return 2
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGracePeriod sets the drain deadline applied after shutdown begins.
func WithGracePeriod(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.grace = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// FailureReporter is told about the failure that shuts the process down.
type FailureReporter interface {
	JobFailed(job string, err error)
}

// WithFailureReporter sets where fatal job and listener failures are
// reported.
func WithFailureReporter(r FailureReporter) Option {
	return func(o *Orchestrator) {
		o.reporter = r
	}
}

type listener struct {
	name string
	run  func(ctx context.Context) error
}

// Orchestrator starts every registered job concurrently, turns a fatal job
// outcome into a process-wide shutdown and bounds the drain.
type Orchestrator struct {
	sig      *shutdown.Signal
	grace    time.Duration
	logger   *slog.Logger
	reporter FailureReporter

	mu        sync.RWMutex
	jobs      []*supervisor.Supervisor
	byName    map[string]*supervisor.Supervisor
	listeners []listener
	running   bool

	// pendingMu protects pending and exitErr
	pendingMu sync.Mutex
	pending   map[string]struct{}
	exitErr   *ExitError
}

// New creates an orchestrator bound to sig.
func New(sig *shutdown.Signal, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sig:     sig,
		grace:   DefaultGracePeriod,
		logger:  slog.Default(),
		byName:  make(map[string]*supervisor.Supervisor),
		pending: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Add registers a supervised job. Names must be unique.
func (o *Orchestrator) Add(s *supervisor.Supervisor) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return errors.New("orchestrator already running")
	}
	if _, exists := o.byName[s.Name()]; exists {
		return fmt.Errorf("job %q already registered", s.Name())
	}
	o.jobs = append(o.jobs, s)
	o.byName[s.Name()] = s
	return nil
}

// AddListener registers a listener. A listener runs until ctx is done; any
// error it returns, or returning early, shuts the process down.
func (o *Orchestrator) AddListener(name string, run func(ctx context.Context) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, listener{name: name, run: run})
}

// Job looks up a supervised job by name.
func (o *Orchestrator) Job(name string) (*supervisor.Supervisor, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.byName[name]
	return s, ok
}

// Jobs returns the supervised jobs in registration order.
func (o *Orchestrator) Jobs() []*supervisor.Supervisor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]*supervisor.Supervisor(nil), o.jobs...)
}

// Run starts everything and blocks until the process should exit.
//
// It returns when all jobs finished on their own, or after shutdown began
// (OS signal, operator, parent ctx or a fatal job) and the jobs drained or
// the grace period elapsed. The error is an *ExitError when a job caused
// the shutdown, nil otherwise.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator already running")
	}
	o.running = true
	jobs := append([]*supervisor.Supervisor(nil), o.jobs...)
	listeners := append([]listener(nil), o.listeners...)
	o.mu.Unlock()

	runCtx, cancel := o.sig.Context(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	for _, job := range jobs {
		o.track(job.Name())
		g.Go(func() error {
			defer o.untrack(job.Name())

			res := job.Run(gctx)
			if res.Outcome == supervisor.OutcomeFatal {
				return o.fail(job.Name(), res.Err)
			}
			o.logger.Info("job finished", "job", job.Name(), "outcome", res.Outcome.String(), "attempts", res.Attempts)
			return nil
		})
	}

	for _, l := range listeners {
		o.track(l.name)
		g.Go(func() error {
			defer o.untrack(l.name)

			err := l.run(gctx)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				return o.fail(l.name, err)
			case gctx.Err() == nil:
				return o.fail(l.name, ErrListenerExited)
			}
			o.logger.Info("listener stopped", "listener", l.name)
			return nil
		})
	}

	o.logger.Info("orchestrator started", "jobs", len(jobs), "listeners", len(listeners))

	waitCh := make(chan error, 1)
	go func() { waitCh <- g.Wait() }()

	select {
	case <-gctx.Done():
	case err := <-waitCh:
		o.sig.Trigger("all jobs finished")
		o.logger.Info("all jobs finished")
		return o.exitError(err)
	}

	if o.sig.Trigger("context cancelled") {
		o.logger.Info("shutdown requested", "reason", "context cancelled")
	} else {
		o.logger.Info("shutdown requested", "reason", o.sig.Reason())
	}

	o.stopAll(jobs)

	timer := time.NewTimer(o.grace)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		o.logger.Info("all jobs drained")
		return o.exitError(err)
	case <-timer.C:
		o.logger.Warn("grace period elapsed, abandoning jobs",
			"grace", o.grace.String(),
			"pending", o.pendingNames(),
		)
		return o.exitError(nil)
	}
}

// fail records the first fatal failure and fires the shutdown signal.
func (o *Orchestrator) fail(name string, err error) error {
	exitErr := &ExitError{Job: name, Err: err}
	o.pendingMu.Lock()
	if o.exitErr == nil {
		o.exitErr = exitErr
	}
	o.pendingMu.Unlock()

	o.logger.Error("job failed, shutting down", "job", name, "error", err)
	if o.reporter != nil {
		o.reporter.JobFailed(name, err)
	}
	o.sig.Trigger(fmt.Sprintf("job %s failed", name))
	return exitErr
}

func (o *Orchestrator) exitError(err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}

	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	if o.exitErr != nil {
		return o.exitErr
	}
	return nil
}

func (o *Orchestrator) stopAll(jobs []*supervisor.Supervisor) {
	for i := len(jobs) - 1; i >= 0; i-- {
		job := jobs[i]
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		err := job.Send(ctx, supervisor.CommandStop)
		cancel()
		if err != nil && !errors.Is(err, supervisor.ErrStopped) {
			o.logger.Warn("could not deliver stop", "job", job.Name(), "error", err)
		}
	}
}

func (o *Orchestrator) track(name string) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	o.pending[name] = struct{}{}
}

func (o *Orchestrator) untrack(name string) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	delete(o.pending, name)
}

func (o *Orchestrator) pendingNames() []string {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	names := make([]string, 0, len(o.pending))
	for name := range o.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
