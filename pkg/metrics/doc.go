/*
Package metrics provides Prometheus metrics collection and exposition for Loom.

All metrics are registered against the default registry at package init and
exposed through promhttp for scraping. A Collector samples engine state
(tasks, providers, quota, runs) into gauges on a fixed interval; counters and
histograms are updated inline on the hot path by the processor and registry.

# Metrics Catalog

Task metrics:

loom_tasks{status}:
  - Type: Gauge
  - Description: Tasks by status (pending/queued/running/succeeded/failed/cancelled/dead_lettered)

loom_task_transitions_total{status}:
  - Type: Counter
  - Description: Status transitions by resulting status

loom_task_retries_total:
  - Type: Counter
  - Description: Retry attempts scheduled after transient failures

loom_queue_depth:
  - Type: Gauge
  - Description: Tasks waiting in the dispatch queue, ready or delayed

Provider metrics:

loom_providers{state}:
  - Type: Gauge
  - Description: Registered providers by health state (healthy/degraded/unhealthy)

loom_provider_in_flight{provider_id}:
  - Type: Gauge
  - Description: Concurrent invocations per provider

loom_provider_invocations_total{provider_id, outcome}:
  - Type: Counter
  - Description: Invocations by outcome ("success" or the error kind)

loom_provider_latency_seconds{provider_id}:
  - Type: Histogram
  - Description: Upstream call latency

loom_batch_dispatches_total{provider_id}:
  - Type: Counter
  - Description: Batched upstream calls

Quota metrics:

loom_quota_used_units{provider_id, sub_key}:
  - Type: Gauge
  - Description: Units consumed in the current window

loom_quota_limit_units{provider_id, sub_key}:
  - Type: Gauge
  - Description: Configured per-window limit

Dedup metrics:

loom_dedup_events_total{result}:
  - Type: Counter
  - Description: Cache decisions (hit/follow/claim)

loom_dedup_entries:
  - Type: Gauge
  - Description: Live cache entries across shards

Workflow metrics:

loom_workflow_runs{status}:
  - Type: Gauge
  - Description: Runs by status

loom_schedule_fires_total:
  - Type: Counter
  - Description: Cron fires, including catch-up fires after downtime

# Usage

Inline updates:

	metrics.TaskRetries.Inc()
	metrics.ProviderInvocations.WithLabelValues("openai-1", "success").Inc()

Timing an operation:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.ProviderLatency, providerID)

The health endpoints (/health, /ready, /live) report component readiness
tracked through RegisterComponent and UpdateComponent; the engine registers
its store, broker and processor during startup.

Label discipline: provider_id and sub_key are operator-configured and
bounded; task and run IDs never appear as labels.
*/
package metrics
