package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/recipebox/recipebox/internal/auth"
	"github.com/recipebox/recipebox/internal/config"
	"github.com/recipebox/recipebox/internal/eventbus"
	"github.com/recipebox/recipebox/internal/middleware"
	"github.com/recipebox/recipebox/internal/queue"
	"github.com/recipebox/recipebox/internal/shutdown"
	"github.com/recipebox/recipebox/internal/supervisor"
	"github.com/recipebox/recipebox/internal/watch"
)

// commandTimeout bounds how long a control request waits for a supervisor
// to accept the command.
const commandTimeout = 5 * time.Second

// Authenticator issues and validates admin tokens.
type Authenticator interface {
	middleware.TokenValidator
	Login(ctx context.Context, username, password string) (*auth.LoginResponse, error)
}

// KeyCounter reports the number of keys in the session store.
type KeyCounter interface {
	Count(ctx context.Context) (int64, error)
}

// JobRegistry exposes the supervised jobs.
type JobRegistry interface {
	Jobs() []*supervisor.Supervisor
	Job(name string) (*supervisor.Supervisor, bool)
}

// Reloader re-reads the configuration file.
type Reloader interface {
	Reload() (bool, error)
}

// Enqueuer schedules background tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any) (uuid.UUID, error)
}

// AdminHandler serves the operator control surface.
type AdminHandler struct {
	auth     Authenticator
	db       Pinger
	sessions KeyCounter
	jobs     JobRegistry
	reloader Reloader
	queue    Enqueuer
	bus      *eventbus.Bus
	cfgs     *watch.Channel[*config.Config]
	sig      *shutdown.Signal
	logger   *slog.Logger
}

// JobStatus is one entry of GET /admin/jobs.
type JobStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
}

// NotifyRequest is the body of POST /admin/notify. With Async set the
// notification is delivered through the task queue instead of directly.
type NotifyRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Async   bool            `json:"async,omitempty"`
}

// Login handles POST /admin/login
func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[auth.LoginRequest](w, r)
	if !ok {
		return
	}
	if req.Username == "" || req.Password == "" {
		sendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "Username and password are required", nil)
		return
	}

	resp, err := h.auth.Login(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
		sendJSON(w, http.StatusOK, resp)
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.logger.Warn("admin login rejected", "username", req.Username, "remote_addr", r.RemoteAddr)
		sendError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials", nil)
	case r.Context().Err() != nil:
		// client went away
	default:
		h.logger.Error("admin login failed", "error", err)
		sendError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Login failed", nil)
	}
}

// HealthCheck handles GET /admin/health_check
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"username": middleware.UsernameFrom(r.Context()),
	})
}

// Postgres handles GET /admin/pg
func (h *AdminHandler) Postgres(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		sendError(w, r, http.StatusServiceUnavailable, "DB_ERROR", "Database unavailable", err.Error())
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Redis handles GET /admin/redis
func (h *AdminHandler) Redis(w http.ResponseWriter, r *http.Request) {
	n, err := h.sessions.Count(r.Context())
	if err != nil {
		sendError(w, r, http.StatusServiceUnavailable, "REDIS_ERROR", "Session store unavailable", err.Error())
		return
	}
	sendJSON(w, http.StatusOK, map[string]int64{"sessions": n})
}

// ListJobs handles GET /admin/jobs
func (h *AdminHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobs.Jobs()
	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobStatus{
			Name:     j.Name(),
			State:    j.State().String(),
			Attempts: j.Attempts(),
		})
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"data":  out,
		"total": len(out),
	})
}

// ControlJob handles POST /admin/jobs/{name}/{action}
func (h *AdminHandler) ControlJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cmd, err := supervisor.ParseCommand(chi.URLParam(r, "action"))
	if err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_ACTION", "Action must be pause, resume or stop", err.Error())
		return
	}

	job, ok := h.jobs.Job(name)
	if !ok {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	if err := job.Send(ctx, cmd); err != nil {
		if errors.Is(err, supervisor.ErrStopped) {
			sendError(w, r, http.StatusConflict, "JOB_STOPPED", "Job has already stopped", nil)
			return
		}
		sendError(w, r, http.StatusServiceUnavailable, "COMMAND_TIMEOUT", "Job did not accept the command", err.Error())
		return
	}

	h.logger.Info("job command sent",
		"job", name,
		"command", cmd.String(),
		"username", middleware.UsernameFrom(r.Context()),
	)
	sendJSON(w, http.StatusAccepted, map[string]string{
		"job":     name,
		"command": cmd.String(),
	})
}

// ReloadConfig handles POST /admin/config/reload
func (h *AdminHandler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	changed, err := h.reloader.Reload()
	if err != nil {
		var verrs *config.ValidationErrors
		if errors.As(err, &verrs) {
			sendError(w, r, http.StatusUnprocessableEntity, "INVALID_CONFIG", "Configuration rejected", verrs.Errors)
			return
		}
		sendError(w, r, http.StatusUnprocessableEntity, "INVALID_CONFIG", "Configuration rejected", err.Error())
		return
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"changed": changed,
		"version": h.cfgs.Version(),
	})
}

// Notify handles POST /admin/notify
func (h *AdminHandler) Notify(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[NotifyRequest](w, r)
	if !ok {
		return
	}
	kind, ok := eventbus.ParseKind(req.Kind)
	if !ok {
		sendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "Unknown notification kind", req.Kind)
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}

	if req.Async {
		id, err := h.queue.Enqueue(r.Context(), queue.KindNotify, queue.NotifyPayload{
			Kind:    string(kind),
			Payload: req.Payload,
		})
		if err != nil {
			h.logger.Error("enqueue notify task failed", "error", err)
			sendError(w, r, http.StatusServiceUnavailable, "QUEUE_ERROR", "Could not enqueue notification", nil)
			return
		}
		sendJSON(w, http.StatusAccepted, map[string]string{"task_id": id.String()})
		return
	}

	delivered := h.bus.Publish(eventbus.NewNotification(kind, req.Payload))
	sendJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

// Shutdown handles POST /admin/shutdown. The process drains and exits
// cleanly, as it would on SIGTERM.
func (h *AdminHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	username := middleware.UsernameFrom(r.Context())
	if !h.sig.Trigger("operator: " + username) {
		sendError(w, r, http.StatusConflict, "SHUTTING_DOWN", "Shutdown already in progress", h.sig.Reason())
		return
	}

	h.logger.Warn("shutdown requested by operator", "username", username)
	sendJSON(w, http.StatusAccepted, map[string]string{
		"status": "shutting_down",
		"reason": h.sig.Reason(),
	})
}
