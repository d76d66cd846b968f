package stream

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/recipebox/recipebox/internal/eventbus"
)

// Event names that are not notification kinds.
const (
	EventLagged = "lagged"
	EventClose  = "close"
)

// Frame is one client-facing message.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

// Sink is a client transport. A Bridge calls Send and KeepAlive from a
// single goroutine and calls Close exactly once, after which no other
// method is called.
type Sink interface {
	Send(f Frame) error
	KeepAlive() error
	Close(reason Reason) error
}

// Encode converts a notification into a frame. The event name is the
// notification kind and the data is the JSON encoded payload.
func Encode(n eventbus.Notification) (Frame, error) {
	data, err := json.Marshal(n.Payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", n.Kind, err)
	}
	return Frame{
		ID:    uuid.NewString(),
		Event: string(n.Kind),
		Data:  data,
	}, nil
}

// LagFrame tells the client that missed notifications were dropped.
func LagFrame(missed uint64) Frame {
	data, _ := json.Marshal(struct {
		Missed uint64 `json:"missed"`
	}{Missed: missed})
	return Frame{
		ID:    uuid.NewString(),
		Event: EventLagged,
		Data:  data,
	}
}

func closeData(reason Reason) []byte {
	data, _ := json.Marshal(struct {
		Reason string `json:"reason"`
	}{Reason: string(reason)})
	return data
}
