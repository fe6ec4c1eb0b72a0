package provider

import (
	"context"

	"github.com/loomworks/loom/pkg/types"
)

// Provider is the uniform interface every upstream AI service implements.
// Behavior differences between provider kinds are expressed through
// declared capabilities, not through concrete types; the engine never type
// asserts on an implementation.
//
// Implementations must honor ctx deadlines on Execute, ExecuteBatch and
// Probe, and must return *types.TaskError (wrapped or direct) so failures
// classify without string matching.
type Provider interface {
	// Execute runs a single task and returns its result
	Execute(ctx context.Context, task *types.Task) (*types.TaskResult, error)

	// ExecuteBatch runs up to Capabilities().MaxBatchSize tasks in one
	// upstream call. Only called when the Batching capability is declared.
	// Results are positional; a nil Err marks a successful item.
	ExecuteBatch(ctx context.Context, tasks []*types.Task) ([]BatchItem, error)

	// Capabilities reports the supported task kinds and feature flags
	Capabilities() types.Capabilities

	// Probe performs an on-demand health check
	Probe(ctx context.Context) types.ProbeResult

	// EstimateCost estimates quota units for a task, optionally pinning a
	// sub-key (credential) the reservation should be made against
	EstimateCost(task *types.Task) types.CostEstimate
}

// BatchItem is the per-task outcome of a batched invocation
type BatchItem struct {
	TaskID string
	Result *types.TaskResult
	Err    error
}
