package dedup

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/clock"
	"github.com/loomworks/loom/pkg/types"
)

// ErrClaimMismatch is returned when a publish or abandon does not match the
// in-flight producer for the fingerprint
var ErrClaimMismatch = errors.New("claim does not match in-flight producer")

const shardCount = 32

// DecisionKind distinguishes the three outcomes of GetOrClaim
type DecisionKind int

const (
	// DecisionHit means a fresh cached result was returned
	DecisionHit DecisionKind = iota
	// DecisionFollow means an in-flight producer exists; wait on Outcome
	DecisionFollow
	// DecisionClaim means the caller is now the producer
	DecisionClaim
)

// Outcome is what a follower receives when its producer settles
type Outcome struct {
	Result  *types.TaskResult
	Requeue bool // producer abandoned; follower re-enters the queue fresh
}

// Claim is the producer's handle for Publish or Abandon
type Claim struct {
	fingerprint string
	taskID      string
}

// TaskID returns the producing task's ID
func (c *Claim) TaskID() string { return c.taskID }

// Decision is the result of GetOrClaim
type Decision struct {
	Kind    DecisionKind
	Result  *types.TaskResult // set for DecisionHit
	Claim   *Claim            // set for DecisionClaim
	Outcome <-chan Outcome    // set for DecisionFollow
}

type entryState int

const (
	stateInFlight entryState = iota
	statePublished
)

type entry struct {
	state          entryState
	producerTaskID string
	result         *types.TaskResult
	expiresAt      time.Time
	followers      []chan Outcome
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Cache collapses duplicate requests and caches completed results.
// Sharded by fingerprint to keep contention off the hot path; each shard
// has its own mutex. At most one non-terminal producer exists per
// fingerprint at any time.
type Cache struct {
	shards     [shardCount]*shard
	defaultTTL time.Duration
	clock      clock.Clock
}

// NewCache creates a dedup cache. defaultTTL applies to published results
// unless Publish overrides it.
func NewCache(clk clock.Clock, defaultTTL time.Duration) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	c := &Cache{defaultTTL: defaultTTL, clock: clk}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return c
}

func (c *Cache) shard(fingerprint string) *shard {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return c.shards[h.Sum32()%shardCount]
}

// GetOrClaim is the atomic entry point: a fresh cached result is a Hit, an
// in-flight producer makes the caller a follower, otherwise the caller is
// granted the producer claim.
func (c *Cache) GetOrClaim(fingerprint, taskID string) Decision {
	s := c.shard(fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fingerprint]
	if ok {
		switch e.state {
		case statePublished:
			if c.clock.Now().Before(e.expiresAt) {
				return Decision{Kind: DecisionHit, Result: e.result}
			}
			delete(s.entries, fingerprint)
		case stateInFlight:
			ch := make(chan Outcome, 1)
			e.followers = append(e.followers, ch)
			return Decision{Kind: DecisionFollow, Outcome: ch}
		}
	}

	s.entries[fingerprint] = &entry{
		state:          stateInFlight,
		producerTaskID: taskID,
	}
	return Decision{Kind: DecisionClaim, Claim: &Claim{fingerprint: fingerprint, taskID: taskID}}
}

// Publish stores the producer's completed result, wakes all followers and
// starts the TTL. A non-positive ttl falls back to the cache default; pass
// Transient to deliver to followers without retaining the result.
func (c *Cache) Publish(claim *Claim, result *types.TaskResult, ttl time.Duration) error {
	if ttl <= 0 && ttl != Transient {
		ttl = c.defaultTTL
	}

	s := c.shard(claim.fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[claim.fingerprint]
	if !ok || e.state != stateInFlight || e.producerTaskID != claim.taskID {
		return ErrClaimMismatch
	}

	for _, ch := range e.followers {
		ch <- Outcome{Result: result}
	}

	if ttl == Transient {
		delete(s.entries, claim.fingerprint)
		return nil
	}
	e.state = statePublished
	e.result = result
	e.expiresAt = c.clock.Now().Add(ttl)
	e.followers = nil
	return nil
}

// Transient marks a publish whose result must not be cached (per-kind
// cache opt-out); followers still receive it.
const Transient = time.Duration(-1)

// Abandon releases a claim whose producer failed or was cancelled.
// Followers are told to re-queue as fresh tasks; they do not inherit the
// producer's error.
func (c *Cache) Abandon(claim *Claim) error {
	s := c.shard(claim.fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[claim.fingerprint]
	if !ok || e.state != stateInFlight || e.producerTaskID != claim.taskID {
		return ErrClaimMismatch
	}
	for _, ch := range e.followers {
		ch <- Outcome{Requeue: true}
	}
	delete(s.entries, claim.fingerprint)
	return nil
}

// Len reports the total number of entries across shards
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// StartSweeper launches the TTL sweep loop for published entries.
// In-flight entries are never swept; their lifetime is bounded by the
// producing task.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *Cache) sweep() {
	now := c.clock.Now()
	for _, s := range c.shards {
		s.mu.Lock()
		for fp, e := range s.entries {
			if e.state == statePublished && !now.Before(e.expiresAt) {
				delete(s.entries, fp)
			}
		}
		s.mu.Unlock()
	}
}
