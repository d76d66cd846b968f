package api

import (
	"context"
	"net/http"
	"time"

	"github.com/recipebox/recipebox/internal/shutdown"
)

// readyTimeout bounds each readiness probe.
const readyTimeout = 2 * time.Second

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler handles health check endpoints
type HealthHandler struct {
	sig    *shutdown.Signal
	probes map[string]Pinger
}

// NewHealthHandler creates a new health handler. probes are checked by
// Ready; a nil probe is skipped.
func NewHealthHandler(sig *shutdown.Signal, probes map[string]Pinger) *HealthHandler {
	return &HealthHandler{sig: sig, probes: probes}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Health handles GET /health (liveness probe)
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
	})
}

// Ready handles GET /ready (readiness probe). It fails once shutdown has
// begun so load balancers stop routing new clients here.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadinessResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(h.probes)),
	}

	if h.sig != nil && h.sig.Fired() {
		resp.Status = "shutting_down"
		resp.Error = h.sig.Reason()
		sendJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	status := http.StatusOK
	for name, p := range h.probes {
		if p == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	sendJSON(w, status, resp)
}
