/*
Package provider defines the provider plug-in contract and the registry
that tracks live provider health.

A Provider is any upstream AI service behind the uniform interface:
Execute (and optionally ExecuteBatch), Capabilities, Probe and
EstimateCost. The engine dispatches on declared capabilities; there is no
provider type hierarchy.

# Health state machine

Every provider starts Healthy. Recorded failures increment a consecutive
failure counter: at 3 the provider is Degraded (still selectable, at half
weight), at 5 it is Unhealthy (skipped by selection). Any recorded success
or passing probe resets the counter and restores Healthy. A background
prober re-checks Unhealthy providers on a fixed interval, rate-limited so
probes cannot stampede a struggling upstream.

The registry hands out snapshot copies of provider state so the
coordinator's selection runs over stable data with no lock held. Latency
is averaged over the trailing 50 recorded outcomes.
*/
package provider
