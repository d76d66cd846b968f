package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/recipebox/recipebox/internal/stream"
)

// EventsHandler serves the client push streams.
type EventsHandler struct {
	bridge  *stream.Bridge
	origins func() []string
	logger  *slog.Logger
}

// NewEventsHandler creates the stream handlers. WebSocket upgrades from
// browsers are accepted only from origins.
func NewEventsHandler(bridge *stream.Bridge, origins func() []string, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{bridge: bridge, origins: origins, logger: logger}
}

// SSE handles GET /events
func (h *EventsHandler) SSE(w http.ResponseWriter, r *http.Request) {
	sink, err := stream.NewSSESink(w)
	if err != nil {
		if errors.Is(err, stream.ErrStreamingUnsupported) {
			sendError(w, r, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming is not supported", nil)
		}
		return
	}

	reason, err := h.bridge.Serve(r.Context(), sink)
	if err != nil {
		h.logger.Debug("sse stream not started", "reason", string(reason), "error", err)
	}
}

// WebSocket handles GET /events/ws
func (h *EventsHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	// the upgrader writes its own error response
	sink, err := stream.NewWSSink(w, r,
		stream.WithAllowedOrigins(h.origins),
		stream.WithSinkLogger(h.logger),
	)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	// a hijacked connection does not cancel the request context
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-sink.Gone():
			cancel()
		case <-ctx.Done():
		}
	}()

	reason, err := h.bridge.Serve(ctx, sink)
	if err != nil {
		h.logger.Debug("websocket stream not started", "reason", string(reason), "error", err)
	}
}
