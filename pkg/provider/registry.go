package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/clock"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyExists is returned on duplicate registration
	ErrAlreadyExists = errors.New("provider already registered")

	// ErrNotFound is returned for unknown provider IDs
	ErrNotFound = errors.New("provider not found")
)

const (
	// Consecutive failures before a provider degrades / goes unhealthy
	degradedThreshold  = 3
	unhealthyThreshold = 5

	// Trailing window of outcomes used for the latency average
	latencyWindow = 50

	// Probe pacing: at most 2 probes/s across the registry, burst 4.
	// Keeps an on-demand probe storm from hammering a struggling upstream.
	probeRate  = 2
	probeBurst = 4
)

type entry struct {
	spec      types.ProviderSpec
	impl      Provider
	health    types.Health
	inFlight  int
	latencies []float64 // ring, newest overwrite
	latPos    int
}

func (e *entry) avgLatency() float64 {
	if len(e.latencies) == 0 {
		return 0
	}
	var sum float64
	for _, l := range e.latencies {
		sum += l
	}
	return sum / float64(len(e.latencies))
}

func (e *entry) recordLatency(ms float64) {
	if len(e.latencies) < latencyWindow {
		e.latencies = append(e.latencies, ms)
		return
	}
	e.latencies[e.latPos] = ms
	e.latPos = (e.latPos + 1) % latencyWindow
}

// Registry is the authoritative list of providers and their live health.
// Reads hand out snapshot copies; health updates are atomic per provider
// under the registry lock, and no lock is held across provider I/O.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	probeLimiter *rate.Limiter
	clock        clock.Clock
	logger       zerolog.Logger
}

// NewRegistry creates an empty provider registry
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		entries:      make(map[string]*entry),
		probeLimiter: rate.NewLimiter(probeRate, probeBurst),
		clock:        clk,
		logger:       log.WithComponent("registry"),
	}
}

// Register installs a provider. Duplicate IDs fail; re-registration
// requires an explicit Deregister first.
func (r *Registry) Register(spec types.ProviderSpec, impl Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[spec.ID]; ok {
		return ErrAlreadyExists
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = r.clock.Now()
	}
	r.entries[spec.ID] = &entry{
		spec: spec,
		impl: impl,
		health: types.Health{
			State:       types.ProviderHealthy,
			LastCheckAt: r.clock.Now(),
		},
	}
	r.logger.Info().Str("provider_id", spec.ID).Str("kind", spec.Kind).Msg("provider registered")
	return nil
}

// Deregister removes a provider. In-flight tasks on it are not cancelled,
// but no new selection targets it.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return ErrNotFound
	}
	delete(r.entries, id)
	r.logger.Info().Str("provider_id", id).Msg("provider deregistered")
	return nil
}

// Get returns a snapshot of one provider
func (r *Registry) Get(id string) (*types.ProviderInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.snapshot(e), nil
}

// List returns snapshots of all providers. The slice and its elements are
// copies; callers may hold them across selection without locking.
func (r *Registry) List() []*types.ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]*types.ProviderInfo, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, r.snapshot(e))
	}
	return infos
}

func (r *Registry) snapshot(e *entry) *types.ProviderInfo {
	health := e.health
	health.AvgLatencyMS = e.avgLatency()
	return &types.ProviderInfo{
		Spec:     e.spec,
		Health:   health,
		InFlight: e.inFlight,
	}
}

// Impl returns the provider implementation for invocation
func (r *Registry) Impl(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.impl, nil
}

// IncInFlight records the start of an invocation
func (r *Registry) IncInFlight(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.inFlight++
	}
}

// DecInFlight records the end of an invocation
func (r *Registry) DecInFlight(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok && e.inFlight > 0 {
		e.inFlight--
	}
}

// Observe records an invocation outcome and drives the health state
// machine: 3 consecutive failures degrade the provider, 5 mark it
// unhealthy; any success resets it to healthy.
func (r *Registry) Observe(id string, err error, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.health.LastCheckAt = r.clock.Now()
	e.recordLatency(float64(latency.Milliseconds()))

	if err == nil {
		if e.health.State != types.ProviderHealthy {
			r.logger.Info().Str("provider_id", id).Msg("provider recovered")
		}
		e.health.ConsecutiveFailures = 0
		e.health.State = types.ProviderHealthy
		return
	}

	// Cancellation says nothing about the upstream
	if te := types.Classify(err); te.Kind == types.ErrCancelled {
		return
	}

	e.health.ConsecutiveFailures++
	prev := e.health.State
	switch {
	case e.health.ConsecutiveFailures >= unhealthyThreshold:
		e.health.State = types.ProviderUnhealthy
	case e.health.ConsecutiveFailures >= degradedThreshold:
		e.health.State = types.ProviderDegraded
	}
	if e.health.State != prev {
		r.logger.Warn().
			Str("provider_id", id).
			Str("state", string(e.health.State)).
			Int("consecutive_failures", e.health.ConsecutiveFailures).
			Msg("provider health changed")
	}
}

// Probe runs an on-demand health check and updates state. A passing probe
// restores an unhealthy provider to healthy.
func (r *Registry) Probe(ctx context.Context, id string) (types.ProbeResult, error) {
	impl, err := r.Impl(id)
	if err != nil {
		return types.ProbeResult{}, err
	}
	if err := r.probeLimiter.Wait(ctx); err != nil {
		return types.ProbeResult{}, err
	}

	res := impl.Probe(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return res, ErrNotFound
	}
	e.health.LastCheckAt = r.clock.Now()
	if res.Healthy {
		e.health.ConsecutiveFailures = 0
		e.health.State = types.ProviderHealthy
		e.recordLatency(res.LatencyMS)
	} else if e.health.State == types.ProviderHealthy {
		e.health.State = types.ProviderDegraded
	}
	return res, nil
}

// StartProber launches the background probe loop: every interval it probes
// providers currently marked unhealthy so they can rejoin selection.
func (r *Registry) StartProber(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.probeUnhealthy(ctx)
			}
		}
	}()
}

func (r *Registry) probeUnhealthy(ctx context.Context) {
	r.mu.RLock()
	var ids []string
	for id, e := range r.entries {
		if e.health.State == types.ProviderUnhealthy {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if _, err := r.Probe(ctx, id); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.logger.Debug().Err(err).Str("provider_id", id).Msg("probe failed")
		}
	}
}
