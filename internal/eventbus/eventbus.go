// Package eventbus provides a thread-safe, non-blocking broadcast bus for
// domain notifications. Every subscriber receives every notification in
// publish order through its own bounded ring buffer; a slow subscriber loses
// its oldest buffered notifications and is told how many it missed.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultCapacity is the per-subscriber buffer size used when none is set.
const DefaultCapacity = 16

// ErrClosed is returned by Subscribe after Close, and by Recv once a closed
// subscription has been drained.
var ErrClosed = errors.New("eventbus: closed")

// LagError reports that a subscriber fell behind and Missed notifications
// were dropped from its buffer.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("eventbus: subscriber lagged, %d notifications missed", e.Missed)
}

// Config configures a Bus.
type Config struct {
	// Capacity is the ring buffer size of each subscription.
	Capacity int
}

// Observer receives bus statistics. Implementations must not block.
type Observer interface {
	EventPublished(delivered int)
	EventsDropped(n int)
	SubscriberLagged(missed uint64)
	SubscribersChanged(n int)
}

type nopObserver struct{}

func (nopObserver) EventPublished(int) {}
func (nopObserver) EventsDropped(int) {}
func (nopObserver) SubscriberLagged(uint64) {}
func (nopObserver) SubscribersChanged(int) {}

// Option configures a Bus.
type Option func(*Bus)

// WithObserver sets the statistics observer.
func WithObserver(o Observer) Option {
	return func(b *Bus) {
		if o != nil {
			b.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// Bus fans each published Notification out to all attached subscriptions.
//
// The subscriber table is locked only while attaching, detaching and taking
// the publish snapshot. Delivery into a subscription never blocks the
// publisher: a full buffer drops its oldest entry instead.
type Bus struct {
	// pubMu serializes publishers so every subscriber sees one global order
	pubMu sync.Mutex

	// mu protects subs and closed
	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	closed bool

	capacity  int
	closeOnce sync.Once
	observer  Observer
	logger    *slog.Logger
}

// New creates a new Bus.
//
// Parameters:
//   - cfg: bus configuration; a Capacity below 1 falls back to DefaultCapacity
//   - opts: optional observer and logger
//
// Returns:
//   - *Bus: a bus ready for Subscribe and Publish
//
// Example:
//
//	bus := eventbus.New(eventbus.Config{Capacity: 16})
//	sub, _ := bus.Subscribe()
//	defer sub.Close()
//	bus.Publish(eventbus.NewNotification(eventbus.KindNewRecipe, eventbus.NewRecipe{Name: "Soup"}))
func New(cfg Config, opts ...Option) *Bus {
	capacity := cfg.Capacity
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		subs:     make(map[uuid.UUID]*Subscription),
		capacity: capacity,
		observer: nopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "eventbus")
	return b
}

// Subscribe attaches a new subscription that receives every notification
// published from now on. Nothing published earlier is replayed.
//
// Returns:
//   - *Subscription: the new subscription; call Close when done with it
//   - error: ErrClosed if the bus has been closed
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{
		id:     uuid.New(),
		bus:    b,
		buf:    make([]Notification, b.capacity),
		notify: make(chan struct{}, 1),
	}
	b.subs[sub.id] = sub
	b.observer.SubscribersChanged(len(b.subs))
	b.logger.Debug("subscriber attached", "subscriber_id", sub.id.String(), "subscribers", len(b.subs))

	return sub, nil
}

// Publish delivers n to every attached subscription without blocking.
//
// Returns:
//   - int: the number of subscriptions the notification was delivered to;
//     0 when there are none or the bus is closed
func (b *Bus) Publish(n Notification) int {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}

	dropped := 0
	for _, sub := range b.subs {
		if sub.push(n) {
			dropped++
		}
	}

	b.observer.EventPublished(len(b.subs))
	if dropped > 0 {
		b.observer.EventsDropped(dropped)
	}
	return len(b.subs)
}

// Len returns the number of attached subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes the bus. Further Subscribe calls fail with ErrClosed and
// Publish becomes a no-op. Existing subscriptions can still drain what they
// buffered before Recv reports ErrClosed. Close is idempotent.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subs := make([]*Subscription, 0, len(b.subs))
		for _, sub := range b.subs {
			subs = append(subs, sub)
		}
		b.subs = make(map[uuid.UUID]*Subscription)
		b.mu.Unlock()

		for _, sub := range subs {
			sub.markClosed(false)
		}
		b.observer.SubscribersChanged(0)
		b.logger.Info("event bus closed", "subscribers", len(subs))
	})
}

// CloseOn closes the bus once done is closed. It returns immediately.
func (b *Bus) CloseOn(done <-chan struct{}) {
	go func() {
		<-done
		b.Close()
	}()
}

func (b *Bus) detach(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	b.observer.SubscribersChanged(len(b.subs))
	b.logger.Debug("subscriber detached", "subscriber_id", id.String(), "subscribers", len(b.subs))
}

// Subscription is one subscriber's view of the bus. It is safe to call Close
// concurrently with Recv, but Recv itself is meant for a single consumer.
type Subscription struct {
	id  uuid.UUID
	bus *Bus

	mu     sync.Mutex
	buf    []Notification
	head   int
	size   int
	missed uint64
	closed bool

	notify    chan struct{}
	closeOnce sync.Once
}

// ID returns the subscription id.
func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Recv returns the next notification.
//
// Returns:
//   - Notification: the next notification in publish order
//   - error: *LagError when notifications were dropped since the previous
//     call (delivery resumes with the retained ones on the next call),
//     ErrClosed once closed and drained, or ctx.Err()
func (s *Subscription) Recv(ctx context.Context) (Notification, error) {
	for {
		s.mu.Lock()
		if s.missed > 0 {
			missed := s.missed
			s.missed = 0
			s.mu.Unlock()
			s.bus.observer.SubscriberLagged(missed)
			return Notification{}, &LagError{Missed: missed}
		}
		if s.size > 0 {
			n := s.buf[s.head]
			s.buf[s.head] = Notification{}
			s.head = (s.head + 1) % len(s.buf)
			s.size--
			s.mu.Unlock()
			return n, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Notification{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		}
	}
}

// Close detaches the subscription from the bus and discards anything still
// buffered. It is idempotent.
func (s *Subscription) Close() {
	s.bus.detach(s.id)
	s.markClosed(true)
}

// push appends n, dropping the oldest entry when full. It reports whether
// an entry was dropped.
func (s *Subscription) push(n Notification) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	dropped := false
	if s.size == len(s.buf) {
		s.buf[s.head] = Notification{}
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		s.missed++
		dropped = true
	}
	s.buf[(s.head+s.size)%len(s.buf)] = n
	s.size++
	s.mu.Unlock()

	s.wake()
	return dropped
}

func (s *Subscription) markClosed(discard bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	if discard {
		s.mu.Lock()
		for i := range s.buf {
			s.buf[i] = Notification{}
		}
		s.size = 0
		s.missed = 0
		s.mu.Unlock()
	}
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
