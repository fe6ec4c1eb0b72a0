package coordinator

import (
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/types"
)

// QuotaView is the read-only ledger view used by the quota filter
type QuotaView interface {
	HasHeadroom(providerID string, amount int64) bool
}

// Request carries everything selection needs about one task. All fields
// are snapshots; Select performs no I/O and takes no locks beyond the
// round-robin cursor.
type Request struct {
	Task          *types.Task
	RequiredFlags []string
	CostUnits     int64
	Affinity      string          // provider that already succeeded in this workflow run
	Blacklist     map[string]bool // providers excluded for this task (failed attempts)
}

type candidate struct {
	info   *types.ProviderInfo
	weight float64 // 1.0 healthy, 0.5 degraded
}

// Coordinator picks a provider for a task. Selection is deterministic
// given its inputs: the same snapshots and cursor position always produce
// the same provider.
type Coordinator struct {
	mu       sync.Mutex
	strategy config.Strategy
	rr       uint64
}

// New creates a coordinator with the given load-balancing strategy
func New(strategy config.Strategy) *Coordinator {
	return &Coordinator{strategy: strategy}
}

// Select picks a provider for the request, or fails with
// CapabilityMismatch (no registered provider can ever serve the task) or
// NoProviderAvailable (all capable providers are unhealthy, blacklisted or
// out of quota right now).
func (c *Coordinator) Select(req Request, providers []*types.ProviderInfo, quota QuotaView) (string, error) {
	// 1. Capability filter. An empty result here is fatal for the task.
	capable := make([]*types.ProviderInfo, 0, len(providers))
	for _, p := range providers {
		if covers(p.Spec.Capabilities, req.Task.Kind, req.RequiredFlags) {
			capable = append(capable, p)
		}
	}
	if len(capable) == 0 {
		return "", types.NewTaskError(types.ErrCapabilityMismatch,
			"no provider serves kind %q with flags %v", req.Task.Kind, req.RequiredFlags)
	}

	// 2–3. Health, blacklist and quota filters. The blacklist is a
	// preference, not a hard exclusion: when it would leave nothing, the
	// task retries on a previously failed provider rather than starving.
	filter := func(honorBlacklist bool) []candidate {
		survivors := make([]candidate, 0, len(capable))
		for _, p := range capable {
			if p.Health.State == types.ProviderUnhealthy {
				continue
			}
			if honorBlacklist && req.Blacklist[p.Spec.ID] {
				continue
			}
			if quota != nil && !quota.HasHeadroom(p.Spec.ID, req.CostUnits) {
				continue
			}
			w := 1.0
			if p.Health.State == types.ProviderDegraded {
				w = 0.5
			}
			survivors = append(survivors, candidate{info: p, weight: w})
		}
		return survivors
	}
	survivors := filter(true)
	if len(survivors) == 0 && len(req.Blacklist) > 0 {
		survivors = filter(false)
	}
	if len(survivors) == 0 {
		return "", types.NewTaskError(types.ErrNoProviderAvailable,
			"no provider available for kind %q", req.Task.Kind)
	}

	// 4. Affinity bias: stick with a provider that already succeeded in
	// this workflow run, as long as it survived the filters.
	if req.Affinity != "" {
		for _, s := range survivors {
			if s.info.Spec.ID == req.Affinity {
				return req.Affinity, nil
			}
		}
	}

	// 5. Strategy over the survivors.
	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].info.Spec.ID < survivors[j].info.Spec.ID
	})
	switch c.strategy {
	case config.StrategyLeastLoaded:
		return best(survivors, lessLoaded), nil
	case config.StrategyFastestResponse:
		return best(survivors, fasterResponse), nil
	case config.StrategyPriorityBased:
		return best(survivors, higherPriority), nil
	case config.StrategyCapabilityBased:
		return best(survivors, moreCapable(req.RequiredFlags)), nil
	default: // round robin
		return c.roundRobin(survivors), nil
	}
}

func covers(caps types.Capabilities, kind string, flags []string) bool {
	if !caps.SupportsKind(kind) {
		return false
	}
	for _, f := range flags {
		if !caps.HasFlag(f) {
			return false
		}
	}
	return true
}

// roundRobin rotates over healthy survivors, falling back to degraded ones
// only when no healthy provider remains. The cursor advances once per
// selection.
func (c *Coordinator) roundRobin(survivors []candidate) string {
	pool := survivors[:0:0]
	for _, s := range survivors {
		if s.weight == 1.0 {
			pool = append(pool, s)
		}
	}
	if len(pool) == 0 {
		pool = survivors
	}
	c.mu.Lock()
	idx := c.rr % uint64(len(pool))
	c.rr++
	c.mu.Unlock()
	return pool[idx].info.Spec.ID
}

// best returns the ID of the minimum candidate under the comparator.
// Survivors arrive sorted by ID, so equal candidates resolve to the lowest
// provider ID deterministically.
func best(survivors []candidate, less func(a, b candidate) bool) string {
	chosen := survivors[0]
	for _, s := range survivors[1:] {
		if less(s, chosen) {
			chosen = s
		}
	}
	return chosen.info.Spec.ID
}

// Degraded providers compete at half weight: their load, latency and
// priority scores are doubled before comparison.

func effectiveLoad(s candidate) float64 {
	return float64(s.info.InFlight) / s.weight
}

func lessLoaded(a, b candidate) bool {
	la, lb := effectiveLoad(a), effectiveLoad(b)
	if la != lb {
		return la < lb
	}
	return a.info.Spec.Priority < b.info.Spec.Priority
}

func fasterResponse(a, b candidate) bool {
	la := a.info.Health.AvgLatencyMS / a.weight
	lb := b.info.Health.AvgLatencyMS / b.weight
	if la != lb {
		return la < lb
	}
	return lessLoaded(a, b)
}

func higherPriority(a, b candidate) bool {
	pa := float64(a.info.Spec.Priority) / a.weight
	pb := float64(b.info.Spec.Priority) / b.weight
	if pa != pb {
		return pa < pb
	}
	return lessLoaded(a, b)
}

// moreCapable prefers the provider declaring the most capability flags
// beyond the required minimum
func moreCapable(required []string) func(a, b candidate) bool {
	extra := func(s candidate) float64 {
		n := 0
		for _, f := range s.info.Spec.Capabilities.Flags {
			req := false
			for _, r := range required {
				if r == f {
					req = true
					break
				}
			}
			if !req {
				n++
			}
		}
		return float64(n) * s.weight
	}
	return func(a, b candidate) bool {
		ea, eb := extra(a), extra(b)
		if ea != eb {
			return ea > eb
		}
		return higherPriority(a, b)
	}
}
