/*
Package events provides the in-memory event bus for status transitions.

The Broker fans events out to filtered subscribers over buffered channels.
Publishing never blocks: the broker buffer absorbs bursts, per-subscriber
buffers absorb slow consumers, and a subscriber that stays behind long
enough to miss slowThreshold events is evicted and must resubscribe. A
bounded history ring lets late subscribers snapshot recent activity.

Delivery is best effort by design. Components that need durable state read
the store; the bus exists for the external streaming facade and for
metrics, not for correctness.
*/
package events
