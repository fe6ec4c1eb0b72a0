// Package log wraps zerolog with Loom's logging conventions: a global
// logger initialized once by the binary, JSON output in production and
// console output for development, and child-logger helpers carrying the
// standard correlation fields (component, task_id, provider_id,
// workflow_id, run_id).
package log
