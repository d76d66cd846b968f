package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/recipebox/recipebox/internal/eventbus"
)

// KindNotify tasks publish a notification on the event bus when processed.
const KindNotify = "notify"

// NotifyPayload is the payload of a KindNotify task.
type NotifyPayload struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NotifyHandler returns a handler publishing KindNotify tasks on bus.
func NotifyHandler(bus *eventbus.Bus) Handler {
	return HandlerFunc(func(ctx context.Context, task Task) error {
		var p NotifyPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return Permanent(fmt.Errorf("decode notify payload: %w", err))
		}
		kind, ok := eventbus.ParseKind(p.Kind)
		if !ok {
			return Permanent(fmt.Errorf("unknown notification kind %q", p.Kind))
		}
		bus.Publish(eventbus.NewNotification(kind, p.Payload))
		return nil
	})
}
