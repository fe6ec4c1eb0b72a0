/*
Package engine wires the orchestration components into one facade.

An Engine owns the provider registry, quota ledger, dedup cache,
coordinator, task processor, workflow engine, scheduler and event broker,
and exposes the consumer-facing operations: task submission and
cancellation, provider and kind registration, workflow definition,
execution and cron scheduling, and event subscription.

Start recovers persisted state: interrupted tasks re-enter the queue,
non-terminal workflow runs resume at their stage index and stored cron
schedules are re-registered with catch-up anchored at the last run.
Stop drains in flight work before returning.
*/
package engine
