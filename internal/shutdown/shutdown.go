// Package shutdown provides a one-shot, process-wide termination signal.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ErrShutdown is the cancellation cause of contexts derived with
// Signal.Context once the signal fires.
var ErrShutdown = errors.New("shutdown requested")

// Signal fires at most once. Every observer sees it fire, including those
// that start observing after the fact.
type Signal struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.RWMutex
	reason string
}

// New creates an unfired signal.
func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Trigger fires the signal. Only the first call has any effect; it returns
// true for that call and false for every later one.
func (s *Signal) Trigger(reason string) bool {
	fired := false
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
		fired = true
	})
	return fired
}

// Done returns a channel that is closed once the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Fired reports whether Trigger has been called.
func (s *Signal) Fired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Reason returns the reason given to the first Trigger call.
func (s *Signal) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Wait blocks until the signal fires or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Context derives a context from parent that is cancelled with cause
// ErrShutdown when the signal fires.
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-s.done:
			cancel(ErrShutdown)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

// NotifyOS triggers the signal on the first received OS signal (SIGINT and
// SIGTERM when none are given). The returned function stops listening.
func (s *Signal) NotifyOS(ctx context.Context, sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, sigs...)

	stopCh := make(chan struct{})
	var stopOnce sync.Once

	go func() {
		defer signal.Stop(quit)
		select {
		case sig := <-quit:
			s.Trigger("signal: " + sig.String())
		case <-ctx.Done():
		case <-stopCh:
		case <-s.done:
		}
	}()

	return func() { stopOnce.Do(func() { close(stopCh) }) }
}
