package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirage_workflows_started_total",
			Help: "Total number of query workflows started",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirage_workflows_completed_total",
			Help: "Total number of query workflows completed",
		},
		[]string{"consensus"},
	)

	WorkflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mirage_workflow_duration_seconds",
			Help:    "End-to-end workflow duration excluding human-loop wait",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkflowIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mirage_workflow_iterations",
			Help:    "Verifier/Reformer loop passes per workflow",
			Buckets: []float64{1, 2, 3},
		},
	)

	// Agent metrics
	AgentInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirage_agent_invocations_total",
			Help: "Total agent invocations",
		},
		[]string{"role", "status"},
	)

	AgentLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mirage_agent_latency_ms",
			Help:    "Agent invocation latency in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"role"},
	)

	LLMRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirage_llm_retries_total",
			Help: "Total LLM call retries after transient failures",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirage_cache_hits_total",
			Help: "Response cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirage_cache_misses_total",
			Help: "Response cache misses",
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirage_cache_evictions_total",
			Help: "Response cache entries evicted by TTL or sweep",
		},
	)

	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mirage_cache_entries",
			Help: "Live response cache entries",
		},
	)

	InflightCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirage_inflight_coalesced_total",
			Help: "Requests coalesced onto an in-flight identical workflow",
		},
	)

	// Human loop metrics
	ValidationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirage_validations_created_total",
			Help: "Validation requests created",
		},
		[]string{"trigger_kind"},
	)

	ValidationsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirage_validations_resolved_total",
			Help: "Validation requests resolved",
		},
		[]string{"status"},
	)

	ValidationsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mirage_validations_pending",
			Help: "Validation requests currently pending",
		},
	)

	ValidationWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mirage_validation_wait_seconds",
			Help:    "Wait between validation creation and resolution",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600},
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mirage_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirage_circuit_breaker_trips_total",
			Help: "Circuit breaker transitions to open",
		},
		[]string{"name"},
	)
)
