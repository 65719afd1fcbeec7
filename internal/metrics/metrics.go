// Package metrics exposes Prometheus instrumentation for the relay: agent
// run outcomes, queue pressure, and heartbeat activity.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run outcomes recorded on AgentRuns.
const (
	OutcomeOK      = "ok"
	OutcomeTimeout = "timeout"
	OutcomeExit    = "nonzero_exit"
	OutcomeError   = "error"
)

var (
	// AgentRuns counts agent invocations by outcome.
	AgentRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warelay_agent_runs_total",
		Help: "Agent CLI invocations by outcome.",
	}, []string{"outcome"})

	// AgentRunSeconds observes wall-clock agent run durations.
	AgentRunSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warelay_agent_run_seconds",
		Help:    "Agent run duration in seconds.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	// QueueDepth tracks active plus queued command runs.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warelay_command_queue_depth",
		Help: "Active plus queued agent runs.",
	})

	// QueueWaits counts runs that waited behind another run.
	QueueWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warelay_command_queue_waits_total",
		Help: "Runs that observed at least one run ahead of them.",
	})

	// InboundMessages counts admitted inbound messages.
	InboundMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warelay_inbound_messages_total",
		Help: "Inbound messages admitted by the allow list.",
	})

	// HeartbeatProbes counts heartbeat probes sent to sessions.
	HeartbeatProbes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warelay_heartbeat_probes_total",
		Help: "Heartbeat probes dispatched to idle sessions.",
	})

	// HeartbeatOKs counts probes answered with the all-quiet token.
	HeartbeatOKs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warelay_heartbeat_ok_total",
		Help: "Heartbeat probes answered with HEARTBEAT_OK.",
	})

	// Reconnects counts WhatsApp reconnect attempts.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warelay_whatsapp_reconnects_total",
		Help: "WhatsApp client reconnect attempts.",
	})
)

// Serve starts the /metrics listener on addr and returns a shutdown func.
// An empty addr disables the listener and returns a no-op.
func Serve(addr string, logger *slog.Logger) func(context.Context) error {
	if addr == "" {
		return func(context.Context) error { return nil }
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics listener started", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", "error", err)
		}
	}()

	return server.Shutdown
}
