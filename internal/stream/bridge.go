// Package stream bridges the event bus to long-lived client push streams.
//
// A Bridge serves one client at a time per Serve call: it attaches a bus
// subscription, forwards every notification to the client's Sink, keeps an
// idle connection alive, and tears everything down when the client goes
// away, the bus closes, shutdown begins or the client falls too far behind.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/recipebox/recipebox/internal/eventbus"
	"github.com/recipebox/recipebox/internal/shutdown"
)

// DefaultKeepAlive is the idle interval after which a keep-alive is sent.
const DefaultKeepAlive = 15 * time.Second

// Reason says why a stream terminated.
type Reason string

const (
	ReasonBusClosed    Reason = "bus_closed"
	ReasonDisconnected Reason = "disconnected"
	ReasonShutdown     Reason = "shutdown"
	ReasonLagged       Reason = "lagged"
)

// LagPolicy decides what happens after a client has been told it lagged.
type LagPolicy int

const (
	// LagClose ends the stream after the lag frame.
	LagClose LagPolicy = iota
	// LagContinue keeps streaming the retained notifications.
	LagContinue
)

// ParseLagPolicy maps "close" and "continue" to a policy.
func ParseLagPolicy(s string) (LagPolicy, error) {
	switch strings.ToLower(s) {
	case "", "close":
		return LagClose, nil
	case "continue":
		return LagContinue, nil
	default:
		return LagClose, fmt.Errorf("unknown lag policy %q", s)
	}
}

// Observer receives stream statistics. Implementations must not block.
type Observer interface {
	StreamOpened(transport string)
	StreamClosed(transport string, reason Reason)
}

type nopObserver struct{}

func (nopObserver) StreamOpened(string) {}
func (nopObserver) StreamClosed(string, Reason) {}

// Option configures a Bridge.
type Option func(*Bridge)

// WithKeepAlive sets the idle keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.keepAlive = d
		}
	}
}

// WithLagPolicy sets the lag policy.
func WithLagPolicy(p LagPolicy) Option {
	return func(b *Bridge) {
		b.lagPolicy = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithObserver sets the statistics observer.
func WithObserver(o Observer) Option {
	return func(b *Bridge) {
		if o != nil {
			b.observer = o
		}
	}
}

// Bridge connects client sinks to the bus.
type Bridge struct {
	bus       *eventbus.Bus
	sig       *shutdown.Signal
	keepAlive time.Duration
	lagPolicy LagPolicy
	logger    *slog.Logger
	observer  Observer
}

// NewBridge creates a bridge over bus that stops all streams when sig fires.
func NewBridge(bus *eventbus.Bus, sig *shutdown.Signal, opts ...Option) *Bridge {
	b := &Bridge{
		bus:       bus,
		sig:       sig,
		keepAlive: DefaultKeepAlive,
		lagPolicy: LagClose,
		logger:    slog.Default(),
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "stream")
	return b
}

type transportNamer interface {
	Transport() string
}

// Serve streams notifications into sink until the stream terminates, then
// closes the sink with the termination reason. The bus subscription is
// released before Serve returns. A client disconnect is reported as
// ReasonDisconnected with a nil error; the error is non-nil only when the
// stream could not be started.
func (b *Bridge) Serve(ctx context.Context, sink Sink) (Reason, error) {
	transport := "unknown"
	if tn, ok := sink.(transportNamer); ok {
		transport = tn.Transport()
	}

	if b.sig.Fired() {
		_ = sink.Close(ReasonShutdown)
		return ReasonShutdown, shutdown.ErrShutdown
	}

	sub, err := b.bus.Subscribe()
	if err != nil {
		_ = sink.Close(ReasonBusClosed)
		return ReasonBusClosed, fmt.Errorf("subscribe: %w", err)
	}

	logger := b.logger.With("subscriber_id", sub.ID().String(), "transport", transport)
	logger.Info("stream opened")
	b.observer.StreamOpened(transport)

	reason := b.pump(ctx, sub, sink, logger)

	sub.Close()
	if err := sink.Close(reason); err != nil && reason != ReasonDisconnected {
		logger.Debug("closing sink failed", "error", err)
	}

	b.observer.StreamClosed(transport, reason)
	logger.Info("stream closed", "reason", string(reason))
	return reason, nil
}

func (b *Bridge) pump(ctx context.Context, sub *eventbus.Subscription, sink Sink, logger *slog.Logger) Reason {
	runCtx, cancel := b.sig.Context(ctx)
	defer cancel()

	stopped := func() Reason {
		if b.sig.Fired() {
			return ReasonShutdown
		}
		return ReasonDisconnected
	}

	for {
		recvCtx, cancelRecv := context.WithTimeout(runCtx, b.keepAlive)
		n, err := sub.Recv(recvCtx)
		cancelRecv()

		// nothing is sent once termination has begun
		if runCtx.Err() != nil {
			return stopped()
		}

		var lag *eventbus.LagError
		switch {
		case err == nil:
			frame, err := Encode(n)
			if err != nil {
				logger.Error("dropping unencodable notification", "kind", string(n.Kind), "error", err)
				continue
			}
			if err := sink.Send(frame); err != nil {
				logger.Debug("send failed", "error", err)
				return ReasonDisconnected
			}

		case errors.As(err, &lag):
			logger.Warn("subscriber lagged", "missed", lag.Missed)
			if err := sink.Send(LagFrame(lag.Missed)); err != nil {
				return ReasonDisconnected
			}
			if b.lagPolicy == LagClose {
				return ReasonLagged
			}

		case errors.Is(err, eventbus.ErrClosed):
			return ReasonBusClosed

		case errors.Is(err, context.DeadlineExceeded):
			if err := sink.KeepAlive(); err != nil {
				return ReasonDisconnected
			}

		default:
			logger.Error("unexpected receive error", "error", err)
			return ReasonDisconnected
		}
	}
}
