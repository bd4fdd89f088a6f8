package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// Built on Prometheus, it tracks:
//   - Agent run counts and latency by mode and outcome
//   - LLM token consumption by provider and model
//   - Tool execution counts and latencies
//   - Guard rejections by stage and category
//   - Circuit breaker state per endpoint
//   - Scheduled job executions by status
type Metrics struct {
	// RunCounter counts agent runs.
	// Labels: mode (standard|react|streaming), status (success|error)
	RunCounter *prometheus.CounterVec

	// RunDuration measures end-to-end run latency in seconds.
	// Labels: mode
	RunDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|rejected)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// GuardRejections counts guard pipeline rejections.
	// Labels: stage, category
	GuardRejections *prometheus.CounterVec

	// BreakerState reports circuit breaker state per endpoint.
	// 0 = closed, 1 = open. Labels: endpoint
	BreakerState *prometheus.GaugeVec

	// SchedulerExecutions counts scheduled job executions.
	// Labels: job_type (MCP_TOOL|AGENT), status (SUCCESS|FAILED)
	SchedulerExecutions *prometheus.CounterVec

	// ActiveRuns is a gauge tracking in-flight agent runs.
	ActiveRuns prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at application startup.
func NewMetrics() *Metrics {
	return newMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsFor registers the metrics with a caller-owned registry. Tests
// use this to avoid duplicate registration panics.
func NewMetricsFor(reg prometheus.Registerer) *Metrics {
	return newMetricsWith(reg)
}

func newMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alloy_agent_runs_total",
				Help: "Total number of agent runs by mode and status",
			},
			[]string{"mode", "status"},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alloy_agent_run_duration_seconds",
				Help:    "End-to-end agent run duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alloy_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alloy_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alloy_tool_executions_total",
				Help: "Total number of tool invocations by name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alloy_tool_execution_duration_seconds",
				Help:    "Tool execution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		GuardRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alloy_guard_rejections_total",
				Help: "Total number of guard pipeline rejections by stage and category",
			},
			[]string{"stage", "category"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alloy_breaker_open",
				Help: "Circuit breaker state per endpoint (0 closed, 1 open)",
			},
			[]string{"endpoint"},
		),

		SchedulerExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alloy_scheduler_executions_total",
				Help: "Total number of scheduled job executions by job type and status",
			},
			[]string{"job_type", "status"},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "alloy_active_runs",
				Help: "Number of agent runs currently in flight",
			},
		),
	}
}
