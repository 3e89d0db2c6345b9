package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting orchestrator metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Worker invocations and their latency, by worker type and model
//   - Router routing decisions and reroute attempts
//   - Tool-bridge pending registrations and resolutions
//   - ACP session lifecycle and terminal activity
//   - Trust/eval signal volume
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.WorkerStarted("chat_model", "google/gemini-2.5-flash")
//	defer metrics.WorkerDuration("chat_model", "google/gemini-2.5-flash").Observe(time.Since(start).Seconds())
type Metrics struct {
	// WorkerRequests counts worker invocations by type, model, and outcome.
	// Labels: worker_type, model_id, outcome (complete|error)
	WorkerRequests *prometheus.CounterVec

	// WorkerDurationSeconds measures worker invocation latency in seconds.
	// Labels: worker_type, model_id
	WorkerDurationSeconds *prometheus.HistogramVec

	// RerouteAttempts counts reroute decisions by task type.
	// Labels: task_type, outcome (rerouted|exhausted)
	RerouteAttempts *prometheus.CounterVec

	// ToolCallsTotal counts tool call dispatches by execution site.
	// Labels: site (local|remote), outcome (success|error|timeout)
	ToolCallsTotal *prometheus.CounterVec

	// ToolBridgePending is a gauge of outstanding tool-bridge registrations.
	ToolBridgePending prometheus.Gauge

	// ACPSessionsActive is a gauge of live ACP sessions by status.
	// Labels: status (initializing|ready|prompting|error|terminated)
	ACPSessionsActive *prometheus.GaugeVec

	// ACPHandshakeDuration measures agent handshake latency in seconds.
	ACPHandshakeDuration prometheus.Histogram

	// TerminalsActive is a gauge of live terminal subprocesses.
	TerminalsActive prometheus.Gauge

	// EvalSignalsTotal counts recorded satisfaction signals.
	// Labels: task_type, satisfaction (0|1)
	EvalSignalsTotal *prometheus.CounterVec

	// ClassifyDurationSeconds measures classifier latency in seconds.
	ClassifyDurationSeconds prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
func NewMetrics() *Metrics {
	return &Metrics{
		WorkerRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_worker_requests_total",
				Help: "Total worker invocations by type, model, and outcome",
			},
			[]string{"worker_type", "model_id", "outcome"},
		),

		WorkerDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_worker_duration_seconds",
				Help:    "Duration of worker invocations in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"worker_type", "model_id"},
		),

		RerouteAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_reroute_attempts_total",
				Help: "Total reroute decisions by task type and outcome",
			},
			[]string{"task_type", "outcome"},
		),

		ToolCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_tool_calls_total",
				Help: "Total tool call dispatches by execution site and outcome",
			},
			[]string{"site", "outcome"},
		),

		ToolBridgePending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_tool_bridge_pending",
				Help: "Current number of outstanding tool-bridge registrations",
			},
		),

		ACPSessionsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_acp_sessions_active",
				Help: "Current number of ACP sessions by status",
			},
			[]string{"status"},
		),

		ACPHandshakeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrator_acp_handshake_duration_seconds",
				Help:    "Duration of ACP agent handshakes in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),

		TerminalsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_terminals_active",
				Help: "Current number of live terminal subprocesses",
			},
		),

		EvalSignalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_eval_signals_total",
				Help: "Total satisfaction signals recorded by task type and value",
			},
			[]string{"task_type", "satisfaction"},
		),

		ClassifyDurationSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrator_classify_duration_seconds",
				Help:    "Duration of prompt classification in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),
	}
}

// RecordWorker records the outcome and latency of a worker invocation.
func (m *Metrics) RecordWorker(workerType, modelID, outcome string, durationSeconds float64) {
	m.WorkerRequests.WithLabelValues(workerType, modelID, outcome).Inc()
	m.WorkerDurationSeconds.WithLabelValues(workerType, modelID).Observe(durationSeconds)
}

// RecordReroute records a reroute decision for a task type.
func (m *Metrics) RecordReroute(taskType, outcome string) {
	m.RerouteAttempts.WithLabelValues(taskType, outcome).Inc()
}

// RecordToolCall records a tool call dispatch outcome.
func (m *Metrics) RecordToolCall(site, outcome string) {
	m.ToolCallsTotal.WithLabelValues(site, outcome).Inc()
}

// SetToolBridgePending sets the current tool-bridge pending registration count.
func (m *Metrics) SetToolBridgePending(count int) {
	m.ToolBridgePending.Set(float64(count))
}

// SetACPSessionStatus adjusts the ACP session gauge when a session transitions status.
func (m *Metrics) SetACPSessionStatus(status string, delta float64) {
	m.ACPSessionsActive.WithLabelValues(status).Add(delta)
}

// RecordEvalSignal records a satisfaction signal.
func (m *Metrics) RecordEvalSignal(taskType string, satisfaction int) {
	label := "0"
	if satisfaction == 1 {
		label = "1"
	}
	m.EvalSignalsTotal.WithLabelValues(taskType, label).Inc()
}
