// Package metrics exposes batch counters for node-exporter textfiles and
// the HTTP server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry so tests and commands never share state.
// All methods are safe on a nil receiver.
type Recorder struct {
	Registry     *prometheus.Registry
	outcomes     *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	scores       *prometheus.GaugeVec
}

// New registers the reid collectors on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reid_subject_outcomes_total",
			Help: "Per-subject stage outcomes by stage and status.",
		}, []string{"stage", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reid_tool_duration_seconds",
			Help:    "Wall time of external tool invocations.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"tool"}),
		scores: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reid_score",
			Help: "Mean persisted score across subjects.",
		}, []string{"target", "cost_function", "metric"}),
	}
	r.Registry.MustRegister(r.outcomes, r.toolDuration, r.scores)
	return r
}

// ObserveOutcome counts one subject outcome.
func (r *Recorder) ObserveOutcome(stage, status string) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(stage, status).Inc()
}

// ObserveTool records one tool invocation.
func (r *Recorder) ObserveTool(tool string, d time.Duration) {
	if r == nil {
		return
	}
	r.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveScore sets the mean score gauge of a (target, cost function, metric).
func (r *Recorder) ObserveScore(target, costFunction, metric string, value float64) {
	if r == nil {
		return
	}
	r.scores.WithLabelValues(target, costFunction, metric).Set(value)
}

// WriteTextfile writes the registry in text exposition format. An empty
// path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.Registry)
}

// Handler serves the registry over HTTP.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{})
}
