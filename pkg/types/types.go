package types

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusQueued       TaskStatus = "queued"
	TaskStatusRunning      TaskStatus = "running"
	TaskStatusSucceeded    TaskStatus = "succeeded"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusCancelled    TaskStatus = "cancelled"
	TaskStatusDeadLettered TaskStatus = "dead_lettered"
)

// Terminal reports whether the status is immutable. A task in a terminal
// state never transitions again; Failed is not terminal because a retry
// moves it back to Queued.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusCancelled, TaskStatusDeadLettered:
		return true
	}
	return false
}

// Task represents a single unit of work dispatched to one provider
type Task struct {
	ID               string
	Kind             string
	Payload          []byte
	Metadata         map[string]string
	Priority         int // higher dispatches first
	OwnerID          string
	Status           TaskStatus
	Attempts         int
	LastError        string
	AssignedProvider string
	Result           *TaskResult // set when the task succeeds
	ParentWorkflowID string      // workflow run ID, set for workflow-spawned tasks
	ParentStageID    string
	ReadyAt          time.Time // earliest eligible dispatch time
	Deadline         time.Time // zero means no task-level deadline
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Version          uint64 // optimistic concurrency counter, bumped by the store
}

// TaskResult is the outcome a provider produced for a task
type TaskResult struct {
	TaskID      string
	ProviderID  string
	Output      map[string]interface{} // structured output, addressable from workflow conditions
	Raw         []byte
	CompletedAt time.Time
}

// ProviderState represents the health state of a provider
type ProviderState string

const (
	ProviderHealthy   ProviderState = "healthy"
	ProviderDegraded  ProviderState = "degraded"
	ProviderUnhealthy ProviderState = "unhealthy"
)

// Capabilities declares what a provider can do
type Capabilities struct {
	TaskKinds    []string
	Flags        []string // feature flags beyond the baseline (e.g. "code-context", "vision")
	Streaming    bool
	Batching     bool
	MaxBatchSize int
}

// SupportsKind reports whether the provider serves the given task kind
func (c Capabilities) SupportsKind(kind string) bool {
	for _, k := range c.TaskKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// HasFlag reports whether the provider declares the given feature flag
func (c Capabilities) HasFlag(flag string) bool {
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Health tracks the live health of a provider
type Health struct {
	State               ProviderState
	ConsecutiveFailures int
	LastCheckAt         time.Time
	AvgLatencyMS        float64
}

// ProviderSpec is the static declaration of a provider
type ProviderSpec struct {
	ID           string
	Kind         string // upstream family (e.g. "anthropic", "openai", "local")
	Priority     int    // lower runs first
	Capabilities Capabilities
	Config       map[string]string
	CreatedAt    time.Time
}

// ProviderInfo is a read-only snapshot of a provider handed to the coordinator
type ProviderInfo struct {
	Spec     ProviderSpec
	Health   Health
	InFlight int
}

// QuotaRecord tracks usage for one (provider, sub-key) window. Sub-keys
// distinguish multiple credentials under one logical provider.
type QuotaRecord struct {
	ProviderID  string
	SubKey      string
	WindowStart time.Time
	Used        int64
	Limit       int64
	ResetAt     time.Time
}

// CostEstimate is a provider's estimate for executing a task
type CostEstimate struct {
	Units  int64
	SubKey string // empty lets the ledger pick a sub-key
}

// ProbeResult is the outcome of an on-demand provider health check
type ProbeResult struct {
	Healthy   bool
	LatencyMS float64
}
