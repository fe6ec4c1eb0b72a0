/*
Package dedup collapses duplicate requests and caches completed results.

Tasks are identified by a fingerprint over (kind, canonical payload,
capability flags). GetOrClaim resolves a fingerprint atomically to one of
three outcomes: a cached Hit, a Follow on an in-flight producer, or the
producer Claim itself. Followers block on a channel and receive the
producer's result verbatim when it publishes, or a re-queue signal when it
abandons — an abandoned producer's error is never inherited.

The cache is sharded by fingerprint hash; each shard carries its own
mutex. Published entries expire on a TTL and are removed by a background
sweeper; in-flight entries live exactly as long as their producing task.
*/
package dedup
