// Package blocking runs CPU-bound or otherwise blocking work on a bounded
// set of goroutines so request handlers and jobs can await it without
// starving each other.
package blocking

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// PanicError is returned when the submitted function panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("blocking: task panicked: %v", e.Value)
}

// Pool bounds the number of blocking tasks running at once.
type Pool struct {
	sem    *semaphore.Weighted
	size   int64
	active atomic.Int64
}

// NewPool creates a pool running at most size tasks concurrently.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: int64(size),
	}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int {
	return int(p.size)
}

// Active returns the number of tasks currently running.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Do runs fn on its own goroutine once a slot is free and waits for it.
// If ctx ends first Do returns ctx.Err(); a task that already started keeps
// its slot until it returns.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	done := make(chan error, 1)
	p.active.Add(1)
	go func() {
		defer p.sem.Release(1)
		defer p.active.Add(-1)
		done <- run(fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on p and returns its result.
func Do[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}
