// Package metrics exposes runtime statistics in Prometheus format. A single
// Registry observes supervised jobs, the event bus and client streams.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/recipebox/recipebox/internal/stream"
	"github.com/recipebox/recipebox/internal/supervisor"
)

const namespace = "recipebox"

// Registry owns the Prometheus registry and the runtime metrics.
type Registry struct {
	reg *prometheus.Registry

	jobAttempts  *prometheus.CounterVec
	jobRestarts  *prometheus.CounterVec
	jobFinished  *prometheus.CounterVec
	jobBackoff   *prometheus.HistogramVec
	jobState     *prometheus.GaugeVec
	published    prometheus.Counter
	delivered    prometheus.Counter
	dropped      prometheus.Counter
	lagged       prometheus.Counter
	subscribers  prometheus.Gauge
	streamsOpen  *prometheus.GaugeVec
	streamsEnded *prometheus.CounterVec
	reloads      prometheus.Counter
	configVer    prometheus.Gauge
}

// NewRegistry creates a registry with runtime metrics plus the Go and
// process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		jobAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "attempts_total",
			Help:      "Job attempts started, by job.",
		}, []string{"job"}),
		jobRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "restarts_total",
			Help:      "Job restarts after a transient failure, by job.",
		}, []string{"job"}),
		jobFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "finished_total",
			Help:      "Jobs that stopped for good, by job and outcome.",
		}, []string{"job", "outcome"}),
		jobBackoff: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "backoff_seconds",
			Help:      "Delay before each job restart.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"job"}),
		jobState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "state",
			Help:      "Current job state as a number: 0 starting, 1 running, 2 restarting, 3 paused, 4 stopped.",
		}, []string{"job"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "published_total",
			Help:      "Notifications published on the bus.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "delivered_total",
			Help:      "Notifications delivered into subscriber buffers.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "dropped_total",
			Help:      "Buffered notifications overwritten because a subscriber was full.",
		}),
		lagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "lag_reports_total",
			Help:      "Lag errors reported to subscribers.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "subscribers",
			Help:      "Currently attached subscribers.",
		}),
		streamsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "open",
			Help:      "Open client streams, by transport.",
		}, []string{"transport"}),
		streamsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "closed_total",
			Help:      "Closed client streams, by transport and reason.",
		}, []string{"transport", "reason"}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Configuration versions published after startup.",
		}),
		configVer: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "version",
			Help:      "Current configuration version.",
		}),
		reg: prometheus.NewRegistry(),
	}

	r.reg.MustRegister(
		r.jobAttempts, r.jobRestarts, r.jobFinished, r.jobBackoff, r.jobState,
		r.published, r.delivered, r.dropped, r.lagged, r.subscribers,
		r.streamsOpen, r.streamsEnded,
		r.reloads, r.configVer,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.configVer.Set(1)
	return r
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// JobAttempt implements supervisor.Observer.
func (r *Registry) JobAttempt(job string, _ int) {
	r.jobAttempts.WithLabelValues(job).Inc()
}

// JobRestart implements supervisor.Observer.
func (r *Registry) JobRestart(job string, _ int, delay time.Duration, _ error) {
	r.jobRestarts.WithLabelValues(job).Inc()
	r.jobBackoff.WithLabelValues(job).Observe(delay.Seconds())
}

// JobFinished implements supervisor.Observer.
func (r *Registry) JobFinished(job string, outcome supervisor.Outcome, _ int) {
	r.jobFinished.WithLabelValues(job, outcome.String()).Inc()
}

// JobState implements supervisor.Observer.
func (r *Registry) JobState(job string, state supervisor.State) {
	r.jobState.WithLabelValues(job).Set(float64(state))
}

// EventPublished implements eventbus.Observer.
func (r *Registry) EventPublished(delivered int) {
	r.published.Inc()
	r.delivered.Add(float64(delivered))
}

// EventsDropped implements eventbus.Observer.
func (r *Registry) EventsDropped(n int) {
	r.dropped.Add(float64(n))
}

// SubscriberLagged implements eventbus.Observer.
func (r *Registry) SubscriberLagged(uint64) {
	r.lagged.Inc()
}

// SubscribersChanged implements eventbus.Observer.
func (r *Registry) SubscribersChanged(n int) {
	r.subscribers.Set(float64(n))
}

// StreamOpened implements stream.Observer.
func (r *Registry) StreamOpened(transport string) {
	r.streamsOpen.WithLabelValues(transport).Inc()
}

// StreamClosed implements stream.Observer.
func (r *Registry) StreamClosed(transport string, reason stream.Reason) {
	r.streamsOpen.WithLabelValues(transport).Dec()
	r.streamsEnded.WithLabelValues(transport, string(reason)).Inc()
}

// ConfigReloaded records a newly published configuration version.
func (r *Registry) ConfigReloaded(version uint64) {
	r.reloads.Inc()
	r.configVer.Set(float64(version))
}
