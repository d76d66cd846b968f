// Package reporting sends fatal job failures and recovered panics to Sentry.
package reporting

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/recipebox/recipebox/internal/config"
	"github.com/recipebox/recipebox/internal/supervisor"
)

// Reporter captures errors on a Sentry hub. A Reporter built from a config
// without DSN is disabled and every method is a no-op.
type Reporter struct {
	hub    *sentry.Hub
	logger *slog.Logger
}

// New initializes the Sentry client from cfg and binds it to the global hub,
// which the HTTP panic handler reads from.
func New(cfg config.SentryConfig, release string, logger *slog.Logger) (*Reporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reporting")
	if cfg.DSN == "" {
		return &Reporter{logger: logger}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Release:          release,
		Environment:      cfg.Environment,
		SampleRate:       cfg.SampleRate,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	logger.Info("Error reporting enabled", "environment", cfg.Environment)
	return &Reporter{hub: sentry.CurrentHub(), logger: logger}, nil
}

// NewWithClient wraps an existing client on its own hub.
func NewWithClient(client *sentry.Client, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger.With("component", "reporting"),
	}
}

// Enabled reports whether events are sent anywhere.
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil && r.hub.Client() != nil
}

// JobFailed reports the failure that shuts the process down.
func (r *Reporter) JobFailed(job string, err error) {
	if !r.Enabled() || err == nil {
		return
	}
	r.capture(job, sentry.LevelFatal, err)
}

// JobRestart reports attempts that ended in a recovered panic. Ordinary
// transient errors are only logged by the supervisor.
func (r *Reporter) JobRestart(job string, attempt int, _ time.Duration, err error) {
	var pe *supervisor.PanicError
	if !r.Enabled() || !errors.As(err, &pe) {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job", job)
		scope.SetLevel(sentry.LevelError)
		scope.SetContext("panic", sentry.Context{
			"value":   fmt.Sprint(pe.Value),
			"attempt": attempt,
			"stack":   string(pe.Stack),
		})
		r.hub.CaptureException(err)
	})
}

// ReportPanic reports a panic recovered by the HTTP middleware.
func (r *Reporter) ReportPanic(req *http.Request, requestID string, value any, stack []byte) {
	if !r.Enabled() {
		return
	}
	hub := r.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetTag("request_id", requestID)
		scope.SetContext("panic", sentry.Context{"stack": string(stack)})
	})
	hub.Recover(value)
}

func (r *Reporter) JobAttempt(string, int) {}
func (r *Reporter) JobFinished(string, supervisor.Outcome, int) {}
func (r *Reporter) JobState(string, supervisor.State) {}

// Flush waits up to timeout for buffered events to be delivered.
func (r *Reporter) Flush(timeout time.Duration) {
	if !r.Enabled() {
		return
	}
	if !r.hub.Flush(timeout) {
		r.logger.Warn("error reports not delivered before exit", "timeout", timeout.String())
	}
}

func (r *Reporter) capture(job string, level sentry.Level, err error) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job", job)
		scope.SetLevel(level)
		r.hub.CaptureException(err)
	})
}
