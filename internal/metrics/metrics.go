// Package metrics collects replay outcomes as Prometheus series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Step outcomes
const (
	OutcomePassed = "passed"
	OutcomeFailed = "failed"
	OutcomeError  = "error"
)

// Recorder owns a private registry so repeated runs in one process never collide.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry  *prometheus.Registry
	steps     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	artifacts *prometheus.CounterVec
}

// New creates a recorder with its collectors registered
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reqreplay_steps_total",
			Help: "Replayed steps by artifact and outcome.",
		}, []string{"artifact", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reqreplay_step_duration_seconds",
			Help:    "Round-trip time of replayed requests.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"method"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reqreplay_artifacts_total",
			Help: "Replayed artifacts by result.",
		}, []string{"result"}),
	}
	r.registry.MustRegister(r.steps, r.duration, r.artifacts)
	return r
}

// ObserveStep records one replayed step
func (r *Recorder) ObserveStep(artifact, method, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(artifact, outcome).Inc()
	r.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveArtifact records the result of one artifact replay
func (r *Recorder) ObserveArtifact(failed int, aborted bool) {
	if r == nil {
		return
	}
	result := OutcomePassed
	switch {
	case aborted:
		result = "aborted"
	case failed > 0:
		result = OutcomeFailed
	}
	r.artifacts.WithLabelValues(result).Inc()
}

// Gatherer exposes the registry for export
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes the current values in the node-exporter textfile format
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
