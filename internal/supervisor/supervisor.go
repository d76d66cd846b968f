// Package supervisor restarts long-running jobs that fail transiently.
//
// A Supervisor owns one job. It runs the job's attempts strictly one after
// another: a transient failure is followed by a backoff delay and a fresh
// attempt, a fatal failure or a clean return ends the run. Operators steer a
// running supervisor through Pause, Resume and Stop commands.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrStopped is returned by Send once the supervisor has finished.
	ErrStopped = errors.New("supervisor: stopped")
	// ErrAlreadyRunning is reported when Run is called twice.
	ErrAlreadyRunning = errors.New("supervisor: already running")
)

const commandBuffer = 8

// Factory starts one attempt of a job. It should return when ctx is done.
type Factory func(ctx context.Context) error

// State is the lifecycle state of a supervised job.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateRestarting
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Command is an operator instruction for a supervisor.
type Command int

const (
	CommandPause Command = iota + 1
	CommandResume
	CommandStop
)

func (c Command) String() string {
	switch c {
	case CommandPause:
		return "pause"
	case CommandResume:
		return "resume"
	case CommandStop:
		return "stop"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// ParseCommand maps "pause", "resume" and "stop" to commands.
func ParseCommand(s string) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pause":
		return CommandPause, nil
	case "resume":
		return CommandResume, nil
	case "stop":
		return CommandStop, nil
	default:
		return 0, fmt.Errorf("unknown command %q", s)
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithBackoff sets the restart backoff.
func WithBackoff(b Backoff) Option {
	return func(s *Supervisor) {
		s.backoff = b.normalize()
	}
}

// WithFatalRule adds a rule that turns matching attempt errors into fatal
// outcomes. Errors explicitly marked with Transient are not checked.
func WithFatalRule(rule FatalRule) Option {
	return func(s *Supervisor) {
		s.rules = append(s.rules, rule)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) {
		if o != nil {
			s.observer = o
		}
	}
}

// Supervisor runs and restarts a single job.
type Supervisor struct {
	name     string
	factory  Factory
	backoff  Backoff
	rules    []FatalRule
	logger   *slog.Logger
	observer Observer

	cmds     chan Command
	done     chan struct{}
	state    atomic.Int32
	attempts atomic.Int64
	started  atomic.Bool

	mu       sync.Mutex
	finished bool

	paused bool // owned by the Run goroutine
}

// New creates a supervisor for the job produced by factory.
func New(name string, factory Factory, opts ...Option) *Supervisor {
	s := &Supervisor{
		name:     name,
		factory:  factory,
		backoff:  DefaultBackoff(),
		logger:   slog.Default(),
		observer: nopObserver{},
		cmds:     make(chan Command, commandBuffer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "supervisor", "job", name)
	return s
}

// Name returns the job name.
func (s *Supervisor) Name() string {
	return s.name
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Attempts returns how many attempts have been started.
func (s *Supervisor) Attempts() int {
	return int(s.attempts.Load())
}

// Send queues a command. Commands are consumed once each, in receipt order.
// Once the supervisor has finished, Send returns ErrStopped; commands still
// queued at that point are discarded.
func (s *Supervisor) Send(ctx context.Context, cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return ErrStopped
	}
	select {
	case <-s.done:
		return ErrStopped
	default:
	}

	select {
	case s.cmds <- cmd:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes attempts until the job succeeds, fails fatally, is stopped
// by command or ctx is done. It returns exactly once per supervisor.
func (s *Supervisor) Run(ctx context.Context) Result {
	if !s.started.CompareAndSwap(false, true) {
		return Result{Job: s.name, Outcome: OutcomeStopped, Err: ErrAlreadyRunning}
	}

	res := s.loop(ctx)
	s.finish()

	s.setState(StateStopped)
	s.observer.JobFinished(s.name, res.Outcome, res.Attempts)

	switch res.Outcome {
	case OutcomeFatal:
		s.logger.Error("job failed fatally", "attempts", res.Attempts, "error", res.Err)
	case OutcomeSuccess:
		s.logger.Info("job completed", "attempts", res.Attempts)
	default:
		s.logger.Info("job stopped", "attempts", res.Attempts, "outcome", res.Outcome.String())
	}
	return res
}

// finish refuses further commands and discards any left in the queue.
func (s *Supervisor) finish() {
	close(s.done)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	for {
		select {
		case cmd := <-s.cmds:
			s.logger.Debug("discarding command received while finishing", "command", cmd.String())
		default:
			return
		}
	}
}

func (s *Supervisor) loop(ctx context.Context) Result {
	var delay time.Duration

	for {
		// commands queued between attempts apply before the next one starts
		if stop := s.drainPending(); stop {
			return s.result(OutcomeStopped, nil)
		}
		if s.paused {
			if stop := s.waitResume(ctx); stop {
				return s.result(OutcomeStopped, nil)
			}
		}

		attempt := int(s.attempts.Add(1))
		if attempt == 1 {
			s.setState(StateStarting)
		}
		s.observer.JobAttempt(s.name, attempt)
		s.logger.Debug("starting attempt", "attempt", attempt)
		s.setState(StateRunning)

		startedAt := time.Now()
		stopped, err := s.runAttempt(ctx)
		ranFor := time.Since(startedAt)

		outcome := classify(err, s.rules)
		if stopped && outcome != OutcomeFatal {
			return s.result(OutcomeStopped, nil)
		}

		switch outcome {
		case OutcomeSuccess:
			return s.result(OutcomeSuccess, nil)
		case OutcomeFatal:
			return s.result(OutcomeFatal, err)
		}

		if ranFor >= s.backoff.ResetAfter {
			delay = 0
		}
		delay = s.backoff.next(delay)

		s.setState(StateRestarting)
		s.observer.JobRestart(s.name, attempt, delay, err)
		s.logger.Warn("attempt failed, restarting",
			"attempt", attempt,
			"delay", delay.String(),
			"ran_for", ranFor.String(),
			"error", err,
		)

		if stop := s.waitBackoff(ctx, delay); stop {
			return s.result(OutcomeStopped, nil)
		}
	}
}

// runAttempt runs one attempt while consuming commands. It reports whether
// a stop was requested (by command or ctx) during the attempt.
func (s *Supervisor) runAttempt(ctx context.Context) (bool, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.invoke(attemptCtx)
	}()

	stopped := false
	parentDone := ctx.Done()
	for {
		select {
		case err := <-done:
			return stopped || ctx.Err() != nil, err
		case cmd := <-s.cmds:
			switch cmd {
			case CommandStop:
				s.logger.Info("stop requested, cancelling attempt")
				stopped = true
				cancel()
			default:
				s.apply(cmd)
			}
		case <-parentDone:
			stopped = true
			parentDone = nil
		}
	}
}

func (s *Supervisor) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return s.factory(ctx)
}

// waitBackoff sleeps for delay while consuming commands.
func (s *Supervisor) waitBackoff(ctx context.Context, delay time.Duration) (stop bool) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return false
		case cmd := <-s.cmds:
			if cmd == CommandStop {
				return true
			}
			s.apply(cmd)
		case <-ctx.Done():
			return true
		}
	}
}

// waitResume blocks while the job is paused.
func (s *Supervisor) waitResume(ctx context.Context) (stop bool) {
	s.setState(StatePaused)
	s.logger.Info("job paused")

	for s.paused {
		select {
		case cmd := <-s.cmds:
			if cmd == CommandStop {
				return true
			}
			s.apply(cmd)
		case <-ctx.Done():
			return true
		}
	}

	s.logger.Info("job resumed")
	return false
}

// drainPending applies queued commands without blocking. It reports whether
// one of them was a stop.
func (s *Supervisor) drainPending() (stop bool) {
	for {
		select {
		case cmd := <-s.cmds:
			if cmd == CommandStop {
				s.logger.Info("stop requested before attempt")
				return true
			}
			s.apply(cmd)
		default:
			return false
		}
	}
}

func (s *Supervisor) apply(cmd Command) {
	switch cmd {
	case CommandPause:
		s.paused = true
	case CommandResume:
		s.paused = false
	}
	s.logger.Debug("command applied", "command", cmd.String())
}

func (s *Supervisor) setState(st State) {
	if State(s.state.Swap(int32(st))) != st {
		s.observer.JobState(s.name, st)
	}
}

func (s *Supervisor) result(outcome Outcome, err error) Result {
	return Result{
		Job:      s.name,
		Outcome:  outcome,
		Err:      err,
		Attempts: s.Attempts(),
	}
}
