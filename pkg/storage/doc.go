/*
Package storage persists engine state across five collections: tasks,
providers, quota records, workflows and workflow runs.

Two implementations back the Store interface:

  - BoltStore: BoltDB with one bucket per collection and JSON-encoded
    values. This is the production store; it gives durable task intake
    (queued tasks survive a restart) without an external database.
  - MemoryStore: map-backed, for tests and ephemeral runs.

Task and run updates are optimistic: UpdateTask/UpdateRun compare the
record's version counter against the stored one and fail with
ErrVersionConflict on a lost race. Callers re-read and retry; status
transitions are never blind writes.

Secondary lookups (tasks by status, tasks by run, runs by workflow, quota
records by provider) are collection scans in both implementations. Quota
records are keyed "<provider-id>/<sub-key>" so a prefix cursor serves the
per-provider listing in BoltDB.
*/
package storage
