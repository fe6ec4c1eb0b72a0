package provider

import (
	"context"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/clock"
	"github.com/loomworks/loom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	probe types.ProbeResult
}

func (s *stubProvider) Execute(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	return &types.TaskResult{TaskID: task.ID}, nil
}

func (s *stubProvider) ExecuteBatch(ctx context.Context, tasks []*types.Task) ([]BatchItem, error) {
	items := make([]BatchItem, len(tasks))
	for i, t := range tasks {
		items[i] = BatchItem{TaskID: t.ID, Result: &types.TaskResult{TaskID: t.ID}}
	}
	return items, nil
}

func (s *stubProvider) Capabilities() types.Capabilities {
	return types.Capabilities{TaskKinds: []string{"code-review"}}
}

func (s *stubProvider) Probe(ctx context.Context) types.ProbeResult { return s.probe }

func (s *stubProvider) EstimateCost(task *types.Task) types.CostEstimate {
	return types.CostEstimate{Units: 1}
}

func spec(id string) types.ProviderSpec {
	return types.ProviderSpec{ID: id, Kind: "openai"}
}

func newTestRegistry() (*Registry, *clock.Fake) {
	clk := clock.NewFake(time.Unix(1000, 0))
	return NewRegistry(clk), clk
}

func TestRegisterDeregister(t *testing.T) {
	r, _ := newTestRegistry()

	require.NoError(t, r.Register(spec("p1"), &stubProvider{}))
	assert.ErrorIs(t, r.Register(spec("p1"), &stubProvider{}), ErrAlreadyExists)

	info, err := r.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, types.ProviderHealthy, info.Health.State)

	require.NoError(t, r.Deregister("p1"))
	assert.ErrorIs(t, r.Deregister("p1"), ErrNotFound)
	_, err = r.Get("p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestObserveDegradesAfterThreeFailures(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Register(spec("p1"), &stubProvider{}))

	boom := types.NewTaskError(types.ErrProviderTransport, "boom")
	for i := 0; i < 2; i++ {
		r.Observe("p1", boom, 10*time.Millisecond)
	}
	info, _ := r.Get("p1")
	assert.Equal(t, types.ProviderHealthy, info.Health.State)

	r.Observe("p1", boom, 10*time.Millisecond)
	info, _ = r.Get("p1")
	assert.Equal(t, types.ProviderDegraded, info.Health.State)
	assert.Equal(t, 3, info.Health.ConsecutiveFailures)
}

func TestObserveUnhealthyAfterFiveFailures(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Register(spec("p1"), &stubProvider{}))

	boom := types.NewTaskError(types.ErrProviderTransport, "boom")
	for i := 0; i < 5; i++ {
		r.Observe("p1", boom, 10*time.Millisecond)
	}
	info, _ := r.Get("p1")
	assert.Equal(t, types.ProviderUnhealthy, info.Health.State)
}

func TestObserveSuccessResets(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Register(spec("p1"), &stubProvider{}))

	boom := types.NewTaskError(types.ErrProviderTransport, "boom")
	for i := 0; i < 4; i++ {
		r.Observe("p1", boom, 10*time.Millisecond)
	}
	r.Observe("p1", nil, 10*time.Millisecond)

	info, _ := r.Get("p1")
	assert.Equal(t, types.ProviderHealthy, info.Health.State)
	assert.Equal(t, 0, info.Health.ConsecutiveFailures)
}

func TestObserveIgnoresCancellation(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Register(spec("p1"), &stubProvider{}))

	cancelled := types.NewTaskError(types.ErrCancelled, "caller gave up")
	for i := 0; i < 10; i++ {
		r.Observe("p1", cancelled, time.Millisecond)
	}
	info, _ := r.Get("p1")
	assert.Equal(t, types.ProviderHealthy, info.Health.State, "cancellation says nothing about the upstream")
	assert.Equal(t, 0, info.Health.ConsecutiveFailures)
}

func TestObserveTracksLatencyAverage(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Register(spec("p1"), &stubProvider{}))

	r.Observe("p1", nil, 100*time.Millisecond)
	r.Observe("p1", nil, 300*time.Millisecond)

	info, _ := r.Get("p1")
	assert.InDelta(t, 200.0, info.Health.AvgLatencyMS, 0.01)
}

func TestProbeRestoresUnhealthyProvider(t *testing.T) {
	r, _ := newTestRegistry()
	p := &stubProvider{probe: types.ProbeResult{Healthy: true, LatencyMS: 12}}
	require.NoError(t, r.Register(spec("p1"), p))

	boom := types.NewTaskError(types.ErrProviderTransport, "boom")
	for i := 0; i < 5; i++ {
		r.Observe("p1", boom, time.Millisecond)
	}

	res, err := r.Probe(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, res.Healthy)

	info, _ := r.Get("p1")
	assert.Equal(t, types.ProviderHealthy, info.Health.State)
}

func TestFailedProbeDegradesHealthyProvider(t *testing.T) {
	r, _ := newTestRegistry()
	p := &stubProvider{probe: types.ProbeResult{Healthy: false}}
	require.NoError(t, r.Register(spec("p1"), p))

	_, err := r.Probe(context.Background(), "p1")
	require.NoError(t, err)

	info, _ := r.Get("p1")
	assert.Equal(t, types.ProviderDegraded, info.Health.State)
}

func TestInFlightCounting(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Register(spec("p1"), &stubProvider{}))

	r.IncInFlight("p1")
	r.IncInFlight("p1")
	info, _ := r.Get("p1")
	assert.Equal(t, 2, info.InFlight)

	r.DecInFlight("p1")
	r.DecInFlight("p1")
	r.DecInFlight("p1") // never goes negative
	info, _ = r.Get("p1")
	assert.Equal(t, 0, info.InFlight)
}
