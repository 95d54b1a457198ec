// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the ptcgate gateway.
package observability

import "github.com/prometheus/client_golang/prometheus"

// StepBuckets defines histogram buckets for request and step latencies.
// A step may wait for sandboxed code up to the execution timeout.
var StepBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

// SandboxBuckets defines histogram buckets for container runtime operations.
var SandboxBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptcgate_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ptcgate_request_duration_seconds",
			Help:    "Request duration",
			Buckets: StepBuckets,
		},
		[]string{"method", "route"},
	)

	// ActiveSessions tracks sessions that currently own a sandbox.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ptcgate_sessions_active",
			Help: "Sessions holding a live sandbox",
		},
	)

	// StepsInFlight tracks host-side waits on sandbox status.
	StepsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ptcgate_steps_in_flight",
			Help: "Steps currently waiting on a sandbox",
		},
	)

	// SessionsTotal counts retired sessions by final state and error type.
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptcgate_sessions_total",
			Help: "Retired sessions",
		},
		[]string{"state", "reason"},
	)

	// SandboxOperationDuration records container runtime call latency.
	SandboxOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ptcgate_sandbox_operation_duration_seconds",
			Help:    "Sandbox operation latency",
			Buckets: SandboxBuckets,
		},
		[]string{"operation", "status"},
	)

	// ToolCallBatchesTotal counts batches emitted to the driver.
	ToolCallBatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ptcgate_tool_call_batches_total",
			Help: "Tool call batches emitted",
		},
	)

	// ToolCallBatchSize records the number of calls per emitted batch.
	ToolCallBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ptcgate_tool_call_batch_size",
			Help:    "Tool calls per batch",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	// SessionIterations records tool-call rounds completed per retired session.
	SessionIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ptcgate_session_iterations",
			Help:    "Tool-call rounds per session",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 10, 20},
		},
	)

	// ToolResultRejectionsTotal counts result submissions refused by the session manager.
	ToolResultRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptcgate_tool_result_rejections_total",
			Help: "Rejected tool result submissions",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveSessions,
		StepsInFlight,
		SessionsTotal,
		SandboxOperationDuration,
		ToolCallBatchesTotal,
		ToolCallBatchSize,
		SessionIterations,
		ToolResultRejectionsTotal,
	)
}
