/*
Package types defines the core data model shared across Loom components.

The model is intentionally flat: tasks, providers, quota records, workflows
and workflow runs map one-to-one onto the five persisted collections. Every
component imports types; types imports nothing from the rest of the module,
keeping dependencies unidirectional.

# Core Types

Task: a single unit of work with a kind and payload, dispatched to exactly
one provider. Status advances monotonically (Pending → Queued → Running →
terminal) with the one sanctioned exception of Failed → Queued on retry.
Terminal states (Succeeded, Cancelled, DeadLettered) are immutable.

ProviderSpec / Health: the static declaration of an upstream AI service and
its live health. Health transitions are driven only by outcome recording
and explicit probes (see pkg/provider).

QuotaRecord: per (provider, sub-key) sliding-window usage. Sub-keys model
multiple credentials behind one logical provider.

Workflow / WorkflowRun: a DAG of TaskTemplates with conditional edges, and
one execution of it with an append-only per-stage context.

TaskError: failures carry a kind and a retryability bit instead of being
encoded in error strings. Classify folds arbitrary errors (including
context cancellation) into the taxonomy.

KindRegistry: the closed enumeration of accepted task kinds. Unknown kinds
are rejected at submission time rather than discovered mid-dispatch.
*/
package types
