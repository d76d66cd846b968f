package stream

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSESink writes frames as server-sent events.
type SSESink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSESink writes the event-stream headers and flushes them. Any write
// deadline set by the server is cleared because the stream is long-lived.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	_ = rc.SetWriteDeadline(time.Time{})

	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		if errors.Is(err, http.ErrNotSupported) {
			return nil, ErrStreamingUnsupported
		}
		return nil, err
	}
	return &SSESink{w: w, rc: rc}, nil
}

func (s *SSESink) Transport() string { return "sse" }

func (s *SSESink) Send(f Frame) error {
	if f.ID != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", f.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", f.Event, f.Data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *SSESink) KeepAlive() error {
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Close sends a final close event unless the client is already gone.
func (s *SSESink) Close(reason Reason) error {
	if reason == ReasonDisconnected {
		return nil
	}
	return s.Send(Frame{Event: EventClose, Data: closeData(reason)})
}
