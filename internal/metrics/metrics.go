// Package metrics provides Prometheus metrics for a scheduler invocation. drctl is not a daemon, so
// the metrics are written to a node-exporter textfile at the end of each invocation instead of being
// served.
package metrics

import (
	"time"

	"dagrunner/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dagrunner"

type Metrics struct {
	registry *prometheus.Registry

	// TransitionsTotal counts task status changes by target status.
	TransitionsTotal *prometheus.CounterVec

	// Tasks is the number of task records per status seen by the last scan.
	Tasks *prometheus.GaugeVec

	// BatchCommandDuration tracks the latency of the batch system tools.
	BatchCommandDuration *prometheus.HistogramVec

	// BatchCommandFailures counts failed submissions, polls and kills.
	BatchCommandFailures *prometheus.CounterVec

	// LastRunTimestamp is the unix time at which the last step finished.
	LastRunTimestamp prometheus.Gauge
}

// New registers the metrics on a fresh registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_transitions_total",
				Help:      "Total number of task status transitions by target status",
			},
			[]string{"status"},
		),
		Tasks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks",
				Help:      "Number of tasks per status",
			},
			[]string{"status"},
		),
		BatchCommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_command_duration_seconds",
				Help:      "Duration of batch system commands in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"backend", "operation"},
		),
		BatchCommandFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_command_failures_total",
				Help:      "Total number of failed batch system commands",
			},
			[]string{"backend", "operation"},
		),
		LastRunTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time at which the last scheduler step finished",
			},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveTransition(to models.TaskStatus) {
	m.TransitionsTotal.WithLabelValues(string(to)).Inc()
}

// ObserveBatchCommand records one call to the batch system
func (m *Metrics) ObserveBatchCommand(backend, operation string, elapsed time.Duration, err error) {
	m.BatchCommandDuration.WithLabelValues(backend, operation).Observe(elapsed.Seconds())
	if err != nil {
		m.BatchCommandFailures.WithLabelValues(backend, operation).Inc()
	}
}

// SetTaskCounts replaces the per status gauges. Statuses missing from counts are reset to zero.
func (m *Metrics) SetTaskCounts(counts map[models.TaskStatus]int) {
	for _, s := range []models.TaskStatus{models.StatusPending, models.StatusRunning, models.StatusCompleted, models.StatusError} {
		m.Tasks.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (m *Metrics) MarkRun(at time.Time) {
	m.LastRunTimestamp.Set(float64(at.Unix()))
}

// WriteTextfile atomically writes the metrics in the text exposition format
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
