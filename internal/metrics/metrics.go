package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Agent service metrics for production monitoring
var (
	// Turn metrics
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidara_ai_turns_total",
			Help: "Total number of agent turns started",
		},
		[]string{"provider", "status"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evidara_ai_turn_duration_seconds",
			Help:    "Agent turn duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
		[]string{"provider"},
	)

	TurnIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evidara_ai_turn_iterations",
			Help:    "Provider round-trips per agent turn",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
		[]string{"provider"},
	)

	// LLM metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidara_ai_llm_requests_total",
			Help: "Total number of LLM API requests",
		},
		[]string{"provider", "model", "status"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidara_ai_llm_tokens_total",
			Help: "Total number of LLM tokens consumed",
		},
		[]string{"provider", "model", "type"}, // type: input/output
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evidara_ai_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "model"},
	)

	// Tool metrics
	ToolDispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidara_ai_tool_dispatches_total",
			Help: "Total number of tool dispatches through the registry",
		},
		[]string{"tool", "status"},
	)

	ToolDispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evidara_ai_tool_dispatch_duration_seconds",
			Help:    "Tool dispatch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"tool"},
	)

	ToolEnvelopeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidara_ai_tool_envelope_errors_total",
			Help: "Error envelopes returned to the model, by taxonomy code",
		},
		[]string{"code"},
	)

	// Transport metrics
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evidara_ai_ws_connections_active",
			Help: "Currently open WebSocket chat connections",
		},
	)

	EventsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidara_ai_events_emitted_total",
			Help: "Outbound agent events emitted to clients",
		},
		[]string{"type"},
	)
)
