/*
Package processor drives task execution.

A fixed pool of workers drains a priority queue (priority desc, then
ready-at, then submission order). For each popped task a worker consults
the dedup cache, asks the coordinator for a provider, reserves quota,
invokes the provider under the task deadline and settles the outcome:

  - success commits the reservation, publishes the result to the dedup
    cache and marks the task Succeeded
  - a non-retryable error marks the task Failed
  - a retryable error refunds the reservation, blacklists the failing
    provider for this task and re-queues with exponential backoff and
    jitter, until the retry budget is spent and the task dead-letters
  - quota exhaustion re-queues aligned to the nearest window reset

Duplicate submissions collapse: the first claim executes while followers
park on the producer's outcome channel and inherit its result. Providers
declaring the Batching capability get opportunistic batches assembled
from queued work of the same kind.

All task state changes go through optimistic-concurrency updates against
the store, so a crash between transitions never loses a task; queued and
running tasks are re-queued on startup.
*/
package processor
