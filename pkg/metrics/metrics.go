// Package metrics defines the key→scalar reporting surface of the engine and
// a Prometheus-backed implementation.
//
// Loss reporting is strictly best effort: a sink must never propagate a
// failure into the training or sampling computation that produced the value.
package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink receives one scalar per reported key (per-variable losses, auxiliary
// distance terms, aggregate loss). Implementations must not panic into the
// caller and must not block computation.
type Sink interface {
	Report(stage, key string, value float64)
}

// Define global variables for metrics.
// We use 'promauto' which automatically registers metrics without complex initialization.

var (
	// Per-key loss values, labeled by training stage and loss key.
	lossValues = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "molgen_loss",
			Help: "Most recent loss value per stage and key",
		},
		[]string{"stage", "key"},
	)

	// Counts every reported value, useful to spot silent metric gaps.
	reportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "molgen_loss_reports_total",
			Help: "Total number of loss values reported",
		},
		[]string{"stage", "key"},
	)

	// Sampling runs completed, labeled by outcome. Validation-time sampling
	// is best effort, so failures land here instead of aborting training.
	SamplingRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "molgen_sampling_runs_total",
			Help: "Total number of sampling runs by outcome",
		},
		[]string{"outcome"},
	)
)

// PrometheusSink reports into the package-level Prometheus collectors.
type PrometheusSink struct{}

// Report records the value. Any panic from the collector (e.g. a label
// cardinality bug) is swallowed and logged: monitoring never breaks training.
func (PrometheusSink) Report(stage, key string, value float64) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("metrics report failed", "stage", stage, "key", key, "error", r)
		}
	}()
	lossValues.WithLabelValues(stage, key).Set(value)
	reportsTotal.WithLabelValues(stage, key).Inc()
}

// NopSink discards every report.
type NopSink struct{}

// Report does nothing.
func (NopSink) Report(string, string, float64) {}
