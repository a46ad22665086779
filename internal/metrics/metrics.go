package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the weft engine.
type Metrics struct {
	// Memory store metrics
	MemoriesStored    *prometheus.CounterVec
	MemoriesPruned    prometheus.Counter
	MemoryWriteErrors prometheus.Counter

	// Retrieval metrics
	RetrievalQueries  prometheus.Counter
	RetrievalDegraded prometheus.Counter

	// Matcher metrics
	MatchesTotal     *prometheus.CounterVec
	MatchScore       prometheus.Histogram
	MatchNoCandidate prometheus.Counter

	// Planner metrics
	PlansCreated  prometheus.Counter
	SubtasksTotal *prometheus.CounterVec
	PlanFailures  prometheus.Counter

	// Executor metrics
	WorkflowsStarted   prometheus.Counter
	WorkflowsResumed   prometheus.Counter
	WorkflowsCompleted prometheus.Counter
	StepsExecuted      *prometheus.CounterVec
	StepDuration       prometheus.Histogram

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics. Registration is
// process-wide, so the instance is shared.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			MemoriesStored: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weft_memories_stored_total",
					Help: "Memory records written, by class",
				},
				[]string{"class"},
			),
			MemoriesPruned: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "weft_memories_pruned_total",
					Help: "Expired ephemeral memory records removed",
				},
			),
			MemoryWriteErrors: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "weft_memory_write_errors_total",
					Help: "Failed memory store writes",
				},
			),
			RetrievalQueries: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "weft_retrieval_queries_total",
					Help: "Memory retrieval queries served",
				},
			),
			RetrievalDegraded: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "weft_retrieval_degraded_total",
					Help: "Retrievals that degraded to an empty result after a store failure",
				},
			),
			MatchesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weft_matches_total",
					Help: "Worker matches performed, by winning worker",
				},
				[]string{"worker_id"},
			),
			MatchScore: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "weft_match_score",
					Help:    "Combined score of the winning worker",
					Buckets: prometheus.LinearBuckets(0, 0.1, 11),
				},
			),
			MatchNoCandidate: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "weft_match_no_candidate_total",
					Help: "Match attempts with an empty candidate set",
				},
			),
			PlansCreated: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "weft_plans_created_total",
					Help: "Coordination plans created",
				},
			),
			SubtasksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weft_plan_subtasks_total",
					Help: "Plan subtask terminal states",
				},
				[]string{"status"},
			),
			PlanFailures: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "weft_plan_failures_total",
					Help: "Plans that finished with at least one failed branch",
				},
			),
			WorkflowsStarted: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "weft_workflows_started_total",
					Help: "Checkpointed executions started fresh",
				},
			),
			WorkflowsResumed: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "weft_workflows_resumed_total",
					Help: "Checkpointed executions resumed from a saved step index",
				},
			),
			WorkflowsCompleted: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "weft_workflows_completed_total",
					Help: "Checkpointed executions that ran to completion",
				},
			),
			StepsExecuted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weft_workflow_steps_total",
					Help: "Workflow steps executed, by result",
				},
				[]string{"result"},
			),
			StepDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "weft_workflow_step_duration_seconds",
					Help:    "Duration of workflow steps in seconds",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
				},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weft_http_requests_total",
					Help: "HTTP requests served",
				},
				[]string{"path", "method", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "weft_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"path"},
			),
		}
	})
	return sharedMetrics
}
