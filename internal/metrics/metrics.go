// ABOUTME: Prometheus collectors for connections, runs, tool calls, compaction, and transfers.
// ABOUTME: Collectors are package-level and registered once with the default registry.

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coven_relay_connections_active",
			Help: "Number of connected clients, nodes, and channels",
		},
		[]string{"mode"},
	)

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_relay_frames_total",
			Help: "Inbound request frames by method and outcome",
		},
		[]string{"method", "status"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_relay_runs_total",
			Help: "Agent runs by terminal state",
		},
		[]string{"state"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coven_relay_run_duration_seconds",
			Help:    "Agent run duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	llmCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coven_relay_llm_call_duration_seconds",
			Help:    "Completion call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model", "status"},
	)

	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_relay_tool_calls_total",
			Help: "Tool calls by tool and outcome",
		},
		[]string{"tool", "status"},
	)

	compactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_relay_compactions_total",
			Help: "Context compactions by tier and trigger",
		},
		[]string{"tier", "trigger"},
	)

	transfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_relay_transfers_total",
			Help: "Transfers by outcome",
		},
		[]string{"status"},
	)

	transferBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coven_relay_transfer_bytes_total",
			Help: "Bytes relayed by completed transfers",
		},
	)

	activeActors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coven_relay_session_actors",
			Help: "Session actors currently held in memory",
		},
	)

	initOnce sync.Once
)

// Init registers every collector. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			connectionsActive,
			framesTotal,
			runsTotal,
			runDuration,
			llmCallDuration,
			toolCallsTotal,
			compactionsTotal,
			transfersTotal,
			transferBytes,
			activeActors,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetConnections sets the connected count for a mode.
func SetConnections(mode string, n int) {
	connectionsActive.WithLabelValues(mode).Set(float64(n))
}

// RecordFrame counts one dispatched request.
func RecordFrame(method string, ok bool) {
	framesTotal.WithLabelValues(method, status(ok)).Inc()
}

// RecordRun counts a finished run.
func RecordRun(state string, d time.Duration) {
	runsTotal.WithLabelValues(state).Inc()
	runDuration.Observe(d.Seconds())
}

// RecordLLMCall observes one completion call.
func RecordLLMCall(model string, ok bool, d time.Duration) {
	llmCallDuration.WithLabelValues(model, status(ok)).Observe(d.Seconds())
}

// RecordToolCall counts a resolved tool call.
func RecordToolCall(tool string, ok bool) {
	toolCallsTotal.WithLabelValues(tool, status(ok)).Inc()
}

// RecordCompaction counts a compaction by tier ("full", "partial", "fallback", "manual").
func RecordCompaction(tier, trigger string) {
	compactionsTotal.WithLabelValues(tier, trigger).Inc()
}

// RecordTransfer counts a finished transfer.
func RecordTransfer(ok bool, bytes int64) {
	transfersTotal.WithLabelValues(status(ok)).Inc()
	if ok {
		transferBytes.Add(float64(bytes))
	}
}

// SetActors sets the in-memory actor gauge.
func SetActors(n int) {
	activeActors.Set(float64(n))
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
