package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Upstream LLM request performance, token usage and cost
//   - Tool call execution patterns and latencies, by tool server
//   - Error rates categorized by type and component
//   - Active tool server counts and connection churn
//   - Gateway HTTP request latency
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	defer metrics.RecordUpstreamRequest("openai", "gpt-4o", "success", time.Since(start).Seconds(), 100, 500)
type Metrics struct {
	// UpstreamRequestDuration measures upstream LLM call latency in seconds.
	// Labels: dialect (openai|gemini), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	UpstreamRequestDuration *prometheus.HistogramVec

	// UpstreamRequestCounter counts upstream requests by dialect, model, and status.
	// Labels: dialect, model, status (success|error)
	UpstreamRequestCounter *prometheus.CounterVec

	// UpstreamTokensUsed tracks token consumption.
	// Labels: dialect, model, type (prompt|completion)
	UpstreamTokensUsed *prometheus.CounterVec

	// UpstreamCostUSD tracks estimated cost in USD.
	// Labels: dialect, model
	UpstreamCostUSD *prometheus.CounterVec

	// UpstreamRetries counts retried upstream calls.
	// Labels: dialect, model
	UpstreamRetries *prometheus.CounterVec

	// ToolCallCounter counts tool invocations.
	// Labels: tool_server_id, tool_name, status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool call round-trip time in seconds.
	// Labels: tool_server_id, tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolCallDuration *prometheus.HistogramVec

	// ActiveToolServers is a gauge tracking currently connected tool servers.
	// Labels: transport (stdio|http|sse)
	ActiveToolServers *prometheus.GaugeVec

	// ToolServerRestarts counts tool server adapter restarts (crash + reconnect).
	// Labels: tool_server_id
	ToolServerRestarts *prometheus.CounterVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (engine|mcp|upstream|gateway), error_type
	ErrorCounter *prometheus.CounterVec

	// IterationsPerTurn records how many iterations a turn took before
	// producing a final reply.
	// Buckets: 1, 2, 3, 5, 8, 13, 21
	IterationsPerTurn prometheus.Histogram

	// IterationCapHits counts turns that were cut short by the iteration cap.
	IterationCapHits prometheus.Counter

	// HTTPRequestDuration measures gateway HTTP request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts gateway HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint when using prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		UpstreamRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_upstream_request_duration_seconds",
				Help:    "Duration of upstream LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"dialect", "model"},
		),

		UpstreamRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_requests_total",
				Help: "Total number of upstream requests by dialect, model, and status",
			},
			[]string{"dialect", "model", "status"},
		),

		UpstreamTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_tokens_total",
				Help: "Total number of tokens used by dialect, model, and type",
			},
			[]string{"dialect", "model", "type"},
		),

		UpstreamCostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_cost_usd_total",
				Help: "Estimated upstream LLM API cost in USD",
			},
			[]string{"dialect", "model"},
		),

		UpstreamRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_retries_total",
				Help: "Total number of upstream request retries",
			},
			[]string{"dialect", "model"},
		),

		ToolCallCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_tool_calls_total",
				Help: "Total number of tool calls by tool server, tool name, and status",
			},
			[]string{"tool_server_id", "tool_name", "status"},
		),

		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_tool_call_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_server_id", "tool_name"},
		),

		ActiveToolServers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_active_tool_servers",
				Help: "Current number of connected tool servers by transport",
			},
			[]string{"transport"},
		),

		ToolServerRestarts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_tool_server_restarts_total",
				Help: "Total number of tool server adapter restarts",
			},
			[]string{"tool_server_id"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		IterationsPerTurn: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "proxy_iterations_per_turn",
				Help:    "Number of request/tool-call/tool-result iterations per turn",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),

		IterationCapHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_iteration_cap_hits_total",
				Help: "Total number of turns cut short by the iteration cap",
			},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_duration_seconds",
				Help:    "Duration of gateway HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total number of gateway HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordUpstreamRequest records metrics for an upstream LLM API request.
//
// Example:
//
//	start := time.Now()
//	// ... call upstream ...
//	metrics.RecordUpstreamRequest("openai", "gpt-4o", "success", time.Since(start).Seconds(), 100, 500)
func (m *Metrics) RecordUpstreamRequest(dialect, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.UpstreamRequestCounter.WithLabelValues(dialect, model, status).Inc()
	m.UpstreamRequestDuration.WithLabelValues(dialect, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.UpstreamTokensUsed.WithLabelValues(dialect, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.UpstreamTokensUsed.WithLabelValues(dialect, model, "completion").Add(float64(completionTokens))
	}
}

// RecordUpstreamRetry records a retried upstream request.
func (m *Metrics) RecordUpstreamRetry(dialect, model string) {
	m.UpstreamRetries.WithLabelValues(dialect, model).Inc()
}

// RecordUpstreamCost records estimated API cost.
func (m *Metrics) RecordUpstreamCost(dialect, model string, costUSD float64) {
	m.UpstreamCostUSD.WithLabelValues(dialect, model).Add(costUSD)
}

// RecordToolCall records metrics for a tool call.
//
// Example:
//
//	start := time.Now()
//	// ... call tool ...
//	metrics.RecordToolCall("filesystem", "read_file", "success", time.Since(start).Seconds())
func (m *Metrics) RecordToolCall(serverID, toolName, status string, durationSeconds float64) {
	m.ToolCallCounter.WithLabelValues(serverID, toolName, status).Inc()
	m.ToolCallDuration.WithLabelValues(serverID, toolName).Observe(durationSeconds)
}

// SetActiveToolServers sets the gauge of connected tool servers for a transport.
func (m *Metrics) SetActiveToolServers(transport string, count int) {
	m.ActiveToolServers.WithLabelValues(transport).Set(float64(count))
}

// RecordToolServerRestart records a tool server adapter restart.
func (m *Metrics) RecordToolServerRestart(serverID string) {
	m.ToolServerRestarts.WithLabelValues(serverID).Inc()
}

// RecordError increments the error counter for a given component and error type.
//
// Example:
//
//	metrics.RecordError("engine", "iteration_cap_exceeded")
//	metrics.RecordError("mcp", "tool_not_found")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordTurn records the iteration count for a completed turn and whether it
// was cut short by the iteration cap.
func (m *Metrics) RecordTurn(iterations int, capped bool) {
	m.IterationsPerTurn.Observe(float64(iterations))
	if capped {
		m.IterationCapHits.Inc()
	}
}

// RecordHTTPRequest records metrics for a gateway HTTP request.
//
// Example:
//
//	start := time.Now()
//	// ... handle HTTP request ...
//	metrics.RecordHTTPRequest("POST", "/v1/chat/completions", "200", time.Since(start).Seconds())
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
