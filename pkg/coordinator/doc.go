/*
Package coordinator picks a provider for a task.

Selection is a pure function over registry and ledger snapshots: capability
filter, health filter (Unhealthy dropped, Degraded at half weight), quota
filter, workflow affinity bias, then one of five strategies over the
survivors (round-robin, least-loaded, fastest-response, priority-based,
capability-based). Ties resolve deterministically, ending at the lowest
provider ID. No I/O happens inside a selection; the only mutable state is
the round-robin cursor.

An empty capability filter result is fatal for the task
(CapabilityMismatch); an empty survivor set after the remaining filters is
transient (NoProviderAvailable) and the processor re-queues with backoff.
*/
package coordinator
