package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentErrorsTotal *prometheus.CounterVec
	providerCooldown *prometheus.GaugeVec

	llmRequestTotal    *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmFailoverTotal   *prometheus.CounterVec
	llmTokensTotal     *prometheus.CounterVec

	websocketClients prometheus.Gauge
	broadcastTotal   *prometheus.CounterVec
	broadcastDropped *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current running session count.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Session write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by outcome.",
				},
				[]string{"outcome"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by outcome.",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
				},
				[]string{"outcome"},
			),
			agentErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_errors_total",
					Help: "Total failed agent runs by outcome.",
				},
				[]string{"outcome"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			llmRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_request_total",
					Help: "Total LLM requests by provider and status.",
				},
				[]string{"provider", "status"},
			),
			llmRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "llm_request_duration_seconds",
					Help:    "LLM request duration in seconds by provider.",
					Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
				},
				[]string{"provider"},
			),
			llmFailoverTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_failover_total",
					Help: "Total failovers away from a provider.",
				},
				[]string{"provider"},
			),
			llmTokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_tokens_total",
					Help: "Total LLM tokens by provider and direction.",
				},
				[]string{"provider", "direction"},
			),
			websocketClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "websocket_clients",
					Help: "Currently connected websocket clients.",
				},
			),
			broadcastTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "broadcast_total",
					Help: "Total realtime events broadcast by event type.",
				},
				[]string{"event"},
			),
			broadcastDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "broadcast_dropped_total",
					Help: "Realtime events dropped because a client buffer was full.",
				},
				[]string{"event"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentErrorsTotal,
			m.providerCooldown,
			m.llmRequestTotal,
			m.llmRequestDuration,
			m.llmFailoverTotal,
			m.llmTokensTotal,
			m.websocketClients,
			m.broadcastTotal,
			m.broadcastDropped,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	m := getMetrics()
	m.sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	m := getMetrics()
	m.sessionSaveDuration.Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

// RecordAgentRun counts one completed agent run; outcome is the terminal
// session status ("completed", "failed", "cancelled").
func RecordAgentRun(outcome string, duration time.Duration) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(outcome).Inc()
	m.agentRunDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if outcome != "completed" {
		m.agentErrorsTotal.WithLabelValues(outcome).Inc()
	}
}

func SetProviderCooldown(provider string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordLLMRequest(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.llmRequestTotal.WithLabelValues(provider, status).Inc()
	m.llmRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordLLMFailover(provider string) {
	m := getMetrics()
	m.llmFailoverTotal.WithLabelValues(provider).Inc()
}

func RecordLLMTokens(provider string, input, output int) {
	m := getMetrics()
	m.llmTokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	m.llmTokensTotal.WithLabelValues(provider, "output").Add(float64(output))
}

func SetWebsocketClients(count int) {
	m := getMetrics()
	m.websocketClients.Set(float64(count))
}

func RecordBroadcast(event string) {
	m := getMetrics()
	m.broadcastTotal.WithLabelValues(event).Inc()
}

func RecordBroadcastDropped(event string) {
	m := getMetrics()
	m.broadcastDropped.WithLabelValues(event).Inc()
}
