package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_tasks",
			Help: "Number of tasks by status",
		},
		[]string{"status"},
	)

	TaskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_task_transitions_total",
			Help: "Total task status transitions by resulting status",
		},
		[]string{"status"},
	)

	TaskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_task_retries_total",
			Help: "Total task retry attempts",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_queue_depth",
			Help: "Number of tasks waiting in the dispatch queue",
		},
	)

	// Provider metrics
	ProvidersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_providers",
			Help: "Number of registered providers by health state",
		},
		[]string{"state"},
	)

	ProviderInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_provider_in_flight",
			Help: "In-flight invocations per provider",
		},
		[]string{"provider_id"},
	)

	ProviderInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_provider_invocations_total",
			Help: "Total provider invocations by provider and outcome",
		},
		[]string{"provider_id", "outcome"},
	)

	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_provider_latency_seconds",
			Help:    "Provider invocation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider_id"},
	)

	BatchDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_batch_dispatches_total",
			Help: "Total batched invocations by provider",
		},
		[]string{"provider_id"},
	)

	// Quota metrics
	QuotaUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_quota_used_units",
			Help: "Consumed quota units in the current window",
		},
		[]string{"provider_id", "sub_key"},
	)

	QuotaLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_quota_limit_units",
			Help: "Configured quota limit per window",
		},
		[]string{"provider_id", "sub_key"},
	)

	// Dedup metrics
	DedupEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_dedup_events_total",
			Help: "Dedup cache decisions by result (hit, follow, claim)",
		},
		[]string{"result"},
	)

	DedupEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_dedup_entries",
			Help: "Entries currently held by the dedup cache",
		},
	)

	// Event bus metrics
	EventsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_events_dropped_total",
			Help: "Events dropped due to slow subscribers or a full broker buffer",
		},
	)

	// Workflow metrics
	RunsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_workflow_runs",
			Help: "Number of workflow runs by status",
		},
		[]string{"status"},
	)

	ScheduleFires = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_schedule_fires_total",
			Help: "Total cron schedule fires, including catch-up fires",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksByStatus)
	prometheus.MustRegister(TaskTransitions)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ProvidersByState)
	prometheus.MustRegister(ProviderInFlight)
	prometheus.MustRegister(ProviderInvocations)
	prometheus.MustRegister(ProviderLatency)
	prometheus.MustRegister(BatchDispatches)
	prometheus.MustRegister(QuotaUsed)
	prometheus.MustRegister(QuotaLimit)
	prometheus.MustRegister(DedupEvents)
	prometheus.MustRegister(DedupEntries)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(RunsByStatus)
	prometheus.MustRegister(ScheduleFires)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
