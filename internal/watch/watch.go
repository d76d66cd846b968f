// Package watch provides a single-value broadcast channel.
//
// A Channel holds exactly one current value. Publishing replaces it and wakes
// every reader that is waiting for a change. Readers never see history: two
// publishes between reads collapse into the latest one.
package watch

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Receiver.Changed once the channel has been closed
// and the reader has observed the final value.
var ErrClosed = errors.New("watch: channel closed")

// Channel is a last-value-wins broadcast cell.
//
// Values passed to Publish must be treated as immutable by everyone after the
// call; readers share the same value.
type Channel[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
	changed chan struct{} // closed and replaced on every publish
	closed  bool
}

// New creates a channel holding initial as version 1.
func New[T any](initial T) *Channel[T] {
	return &Channel[T]{
		value:   initial,
		version: 1,
		changed: make(chan struct{}),
	}
}

// Publish replaces the current value and wakes all waiting receivers.
// Publishing on a closed channel is a no-op.
func (c *Channel[T]) Publish(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.value = v
	c.version++
	close(c.changed)
	c.changed = make(chan struct{})
}

// Current returns the latest value without blocking.
func (c *Channel[T]) Current() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Version returns the number of values the channel has held so far.
func (c *Channel[T]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Close marks the channel as finished. Receivers blocked in Changed return
// ErrClosed once they have nothing new to observe.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.changed)
}

// Subscribe returns a receiver positioned at the current version, so its
// first Changed call blocks until the next publish.
func (c *Channel[T]) Subscribe() *Receiver[T] {
	return &Receiver[T]{ch: c, seen: c.Version()}
}

// Receiver tracks the last version one reader has observed.
// A Receiver must not be shared between goroutines; call Subscribe again for
// each concurrent reader.
type Receiver[T any] struct {
	ch   *Channel[T]
	seen uint64
}

// Borrow returns the latest value and marks it observed.
func (r *Receiver[T]) Borrow() T {
	r.ch.mu.RLock()
	defer r.ch.mu.RUnlock()
	r.seen = r.ch.version
	return r.ch.value
}

// HasChanged reports whether a value newer than the last observed one exists.
func (r *Receiver[T]) HasChanged() bool {
	return r.ch.Version() > r.seen
}

// Changes returns a channel that is closed once a value newer than the last
// observed one is available. Intended for use in select statements; the
// returned channel must be re-obtained after every Borrow.
func (r *Receiver[T]) Changes() <-chan struct{} {
	r.ch.mu.RLock()
	defer r.ch.mu.RUnlock()

	if r.ch.version > r.seen {
		return closedChan
	}
	if r.ch.closed {
		// nothing will ever change again
		return nil
	}
	return r.ch.changed
}

// Changed blocks until a newer value exists or ctx is done. It does not mark
// the value observed; call Borrow for that.
func (r *Receiver[T]) Changed(ctx context.Context) error {
	for {
		r.ch.mu.RLock()
		newer := r.ch.version > r.seen
		wait := r.ch.changed
		closed := r.ch.closed
		r.ch.mu.RUnlock()

		if newer {
			return nil
		}
		if closed {
			return ErrClosed
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
