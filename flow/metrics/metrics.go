// Package metrics exposes Flowcraft's execution counters and histograms
// as Prometheus collectors, covering node activation latency, retries,
// join conflicts, and frontier backpressure.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors the local orchestrator and distributed
// adapter publish into. Disabled when nil: every recording method is a
// no-op on a nil *Metrics, so callers may hold it as a pointer field and
// call through it unconditionally.
type Metrics struct {
	registry prometheus.Registerer
	enabled  bool

	InflightActivations prometheus.Gauge
	FrontierDepth       prometheus.Gauge
	StepLatency         *prometheus.HistogramVec
	RetriesTotal        *prometheus.CounterVec
	JoinConflictsTotal  *prometheus.CounterVec
	BackpressureTotal   *prometheus.CounterVec
}

// New registers Flowcraft's collector set against registry and returns a
// ready-to-use Metrics.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		registry: registry,
		enabled:  true,
		InflightActivations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowcraft_inflight_activations",
			Help: "Number of node activations currently executing.",
		}),
		FrontierDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowcraft_frontier_depth",
			Help: "Number of work items currently queued in the local orchestrator's frontier.",
		}),
		StepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowcraft_step_latency_seconds",
			Help:    "Node activation latency in seconds, by node and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"node_id", "status"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcraft_retries_total",
			Help: "Cumulative retry attempts, by node.",
		}, []string{"node_id"}),
		JoinConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcraft_join_conflicts_total",
			Help: "Cumulative fan-in join races observed, by node.",
		}, []string{"node_id"}),
		BackpressureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcraft_backpressure_events_total",
			Help: "Cumulative frontier backpressure events, by reason.",
		}, []string{"reason"}),
	}
	registry.MustRegister(
		m.InflightActivations,
		m.FrontierDepth,
		m.StepLatency,
		m.RetriesTotal,
		m.JoinConflictsTotal,
		m.BackpressureTotal,
	)
	return m
}

// RecordStepLatency observes a node activation's duration under its node
// ID and outcome ("success", "error", "timeout", "fallback").
func (m *Metrics) RecordStepLatency(nodeID, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepLatency.WithLabelValues(nodeID, status).Observe(d.Seconds())
}

// IncRetry increments the retry counter for nodeID.
func (m *Metrics) IncRetry(nodeID string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(nodeID).Inc()
}

// IncJoinConflict increments the join-conflict counter for nodeID.
func (m *Metrics) IncJoinConflict(nodeID string) {
	if m == nil {
		return
	}
	m.JoinConflictsTotal.WithLabelValues(nodeID).Inc()
}

// IncBackpressure increments the backpressure counter for reason.
func (m *Metrics) IncBackpressure(reason string) {
	if m == nil {
		return
	}
	m.BackpressureTotal.WithLabelValues(reason).Inc()
}

// SetInflight sets the current inflight-activation gauge.
func (m *Metrics) SetInflight(n int) {
	if m == nil {
		return
	}
	m.InflightActivations.Set(float64(n))
}

// SetFrontierDepth sets the current frontier-depth gauge.
func (m *Metrics) SetFrontierDepth(n int) {
	if m == nil {
		return
	}
	m.FrontierDepth.Set(float64(n))
}
