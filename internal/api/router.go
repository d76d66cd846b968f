package api

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/recipebox/recipebox/internal/config"
	"github.com/recipebox/recipebox/internal/eventbus"
	"github.com/recipebox/recipebox/internal/middleware"
	"github.com/recipebox/recipebox/internal/shutdown"
	"github.com/recipebox/recipebox/internal/stream"
	"github.com/recipebox/recipebox/internal/watch"
)

const (
	// loginRequestsPerMinute limits login attempts per client address.
	loginRequestsPerMinute = 10
	// adminTimeout bounds admin requests; streams are not subject to it.
	adminTimeout = 30 * time.Second
)

// SessionStore is the Redis session store as seen by the probes.
type SessionStore interface {
	Pinger
	KeyCounter
}

// Dependencies holds what the listener's handlers need.
type Dependencies struct {
	Configs  *watch.Channel[*config.Config]
	Signal   *shutdown.Signal
	Bus      *eventbus.Bus
	Bridge   *stream.Bridge
	Jobs     JobRegistry
	Auth     Authenticator
	DB       Pinger
	Redis    SessionStore
	Queue    Enqueuer
	Reloader Reloader
	Metrics  http.Handler
	Panics   middleware.PanicReporter
	Logger   *slog.Logger
}

// NewRouter NewRouter creates and configures the API router
func NewRouter(deps *Dependencies) http.Handler {
	cfg := deps.Configs.Current()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	// allowed origins follow reloads
	origins := func() []string { return deps.Configs.Current().AllowedOrigins() }

	// Global middleware
	r.Use(middleware.RequestID)
	if deps.Panics != nil {
		r.Use(middleware.Recovery(logger, deps.Panics))
	} else {
		r.Use(middleware.Recovery(logger))
	}
	r.Use(middleware.Logger(logger))
	r.Use(chimw.StripSlashes)

	// CORS (if enabled at startup)
	if cfg.CORS.Enabled {
		r.Use(middleware.CORS(
			origins,
			cfg.CORS.AllowedMethods,
			cfg.CORS.AllowedHeaders,
			cfg.CORS.MaxAgeSeconds,
		))
	}

	probes := map[string]Pinger{"database": deps.DB}
	if deps.Redis != nil {
		probes["redis"] = deps.Redis
	}
	healthHandler := NewHealthHandler(deps.Signal, probes)
	eventsHandler := NewEventsHandler(deps.Bridge, origins, logger.With("component", "events"))
	adminHandler := &AdminHandler{
		auth:     deps.Auth,
		db:       deps.DB,
		sessions: deps.Redis,
		jobs:     deps.Jobs,
		reloader: deps.Reloader,
		queue:    deps.Queue,
		bus:      deps.Bus,
		cfgs:     deps.Configs,
		sig:      deps.Signal,
		logger:   logger.With("component", "admin"),
	}

	// Public routes (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// Client push streams
	r.Get("/events", eventsHandler.SSE)
	r.Get("/events/ws", eventsHandler.WebSocket)

	r.Route("/admin", func(r chi.Router) {
		r.Use(chimw.Timeout(adminTimeout))
		r.With(middleware.RateLimit(loginRequestsPerMinute)).Post("/login", adminHandler.Login)

		// Protected routes (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(middleware.JWTAuth(deps.Auth))

			r.Get("/health_check", adminHandler.HealthCheck)
			r.Get("/pg", adminHandler.Postgres)
			r.Get("/redis", adminHandler.Redis)

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", adminHandler.ListJobs)
				r.Post("/{name}/{action}", adminHandler.ControlJob)
			})

			r.Post("/config/reload", adminHandler.ReloadConfig)
			r.Post("/notify", adminHandler.Notify)
			r.Post("/shutdown", adminHandler.Shutdown)
		})
	})

	if dir := cfg.Server.StaticDir; dir != "" {
		r.NotFound(staticHandler(dir))
	}

	return r
}

// staticHandler serves the frontend build, falling back to index.html for
// client-side routes.
func staticHandler(dir string) http.HandlerFunc {
	files := http.FileServer(http.Dir(dir))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
			return
		}
		path := filepath.Join(dir, filepath.FromSlash(filepath.Clean("/"+r.URL.Path)))
		if _, err := os.Stat(path); err != nil {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
			return
		}
		files.ServeHTTP(w, r)
	}
}
