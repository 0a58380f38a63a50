// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the scheduler, transport, and executor packages.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stagesDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pydpiper_stages_dispatched_total",
			Help: "Total number of stage dispatches handed out by RequestWork",
		},
		[]string{"pipeline"},
	)

	stagesFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pydpiper_stages_finished_total",
			Help: "Total number of stages that reported FINISHED",
		},
		[]string{"pipeline"},
	)

	stagesFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pydpiper_stages_failed_total",
			Help: "Total number of stage attempts that reported FAILED",
		},
		[]string{"pipeline", "permanent"}, // permanent: "true"/"false"
	)

	stagesRetriedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pydpiper_stages_retried_total",
			Help: "Total number of stage retries (transient failure or executor loss)",
		},
		[]string{"pipeline"},
	)

	executorsRegisteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pydpiper_executors_registered_total",
			Help: "Total number of executors that successfully registered",
		},
		[]string{"pipeline"},
	)

	executorsLostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pydpiper_executors_lost_total",
			Help: "Total number of executors declared LOST by the heartbeat sweep",
		},
		[]string{"pipeline"},
	)

	executorLostInFlight = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pydpiper_executor_lost_inflight_stages",
			Help:    "Number of in-flight stages requeued when an executor was declared LOST",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		},
		[]string{"pipeline"},
	)

	heartbeatLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pydpiper_heartbeat_latency_seconds",
			Help:    "Observed gap since an executor's previous heartbeat",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"pipeline"},
	)

	executorRunningStages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pydpiper_executor_running_stages",
			Help: "Number of stages currently running on an executor",
		},
		[]string{"pipeline", "executor_id", "hostname"},
	)

	executorReservedMemoryGB = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pydpiper_executor_reserved_memory_gb",
			Help: "Memory currently reserved against an executor's declared total",
		},
		[]string{"pipeline", "executor_id", "hostname"},
	)

	executorDeclaredMemoryGB = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pydpiper_executor_declared_memory_gb",
			Help: "Memory an executor declared at registration",
		},
		[]string{"pipeline", "executor_id", "hostname"},
	)
)

// ExecutorStatus is the subset of scheduler.ExecutorStatus this package
// needs, kept local so observability doesn't import scheduler for its
// full Scheduler surface — just this narrow status snapshot shape.
type ExecutorStatus struct {
	ID               string
	Hostname         string
	RunningStages    int
	ReservedMemoryGB float64
	DeclaredMemoryGB float64
}

// ObserveExecutorStatuses sets the per-executor gauges from a QueryStatus
// snapshot. Called on a timer (see the cleanup-loop cadence in
// cmd/pydpiper-server) rather than per-RPC, since these are point-in-time
// readings, not monotonic counters.
func ObserveExecutorStatuses(pipeline string, executors []ExecutorStatus) {
	for _, e := range executors {
		executorRunningStages.WithLabelValues(pipeline, e.ID, e.Hostname).Set(float64(e.RunningStages))
		executorReservedMemoryGB.WithLabelValues(pipeline, e.ID, e.Hostname).Set(e.ReservedMemoryGB)
		executorDeclaredMemoryGB.WithLabelValues(pipeline, e.ID, e.Hostname).Set(e.DeclaredMemoryGB)
	}
}

// PrometheusRecorder implements scheduler.Recorder by incrementing the
// package's promauto collectors. A process running several schedulers
// (tests, or a multi-pipeline supervisor) shares one collector set,
// partitioned by the "pipeline" label.
type PrometheusRecorder struct {
	Pipeline string
}

func (r *PrometheusRecorder) StageDispatched(stageID string) {
	stagesDispatchedTotal.WithLabelValues(r.Pipeline).Inc()
}

func (r *PrometheusRecorder) StageFinished(stageID string, attempt int) {
	stagesFinishedTotal.WithLabelValues(r.Pipeline).Inc()
}

func (r *PrometheusRecorder) StageFailed(stageID string, permanent bool) {
	label := "false"
	if permanent {
		label = "true"
	}
	stagesFailedTotal.WithLabelValues(r.Pipeline, label).Inc()
}

func (r *PrometheusRecorder) StageRetried(stageID string, attempt int) {
	stagesRetriedTotal.WithLabelValues(r.Pipeline).Inc()
}

func (r *PrometheusRecorder) ExecutorRegistered(executorID string) {
	executorsRegisteredTotal.WithLabelValues(r.Pipeline).Inc()
}

func (r *PrometheusRecorder) ExecutorLost(executorID string, inFlight int) {
	executorsLostTotal.WithLabelValues(r.Pipeline).Inc()
	executorLostInFlight.WithLabelValues(r.Pipeline).Observe(float64(inFlight))
}

func (r *PrometheusRecorder) HeartbeatLatency(executorID string, since time.Duration) {
	heartbeatLatencySeconds.WithLabelValues(r.Pipeline).Observe(since.Seconds())
}
