package types

import (
	"time"
)

// TaskTemplate declares one stage of a workflow. Payload may reference
// upstream outputs with ${stage-id.output.path} placeholders, resolved
// against the run context when the stage is submitted.
type TaskTemplate struct {
	StageID           string
	Kind              string
	Payload           string
	Metadata          map[string]string
	Priority          int
	ContinueOnFailure bool
}

// Edge is a dependency between two stages. An optional condition gates
// the downstream stage; a false condition marks it Skipped.
type Edge struct {
	From      string
	To        string
	Condition string
}

// Workflow is a named DAG of task templates
type Workflow struct {
	ID        string
	Name      string
	Stages    []TaskTemplate
	Edges     []Edge
	Schedule  string // cron expression, empty for on-demand only
	Timezone  string // IANA name, defaults to UTC
	OwnerID   string
	CreatedAt time.Time
}

// Stage looks up a template by stage ID
func (w *Workflow) Stage(stageID string) (TaskTemplate, bool) {
	for _, t := range w.Stages {
		if t.StageID == stageID {
			return t, true
		}
	}
	return TaskTemplate{}, false
}

// RunStatus represents the lifecycle state of a workflow run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Stage result statuses as addressable from workflow conditions
// ($stage.status == "succeeded" | "failed" | "skipped").
const (
	StageSucceeded = "succeeded"
	StageFailed    = "failed"
	StageSkipped   = "skipped"
)

// StageResult is the per-stage entry in a run's context
type StageResult struct {
	StageID    string
	TaskID     string
	ProviderID string
	Status     string // succeeded, failed or skipped
	Output     map[string]interface{}
	Error      string
}

// WorkflowRun is one execution of a workflow. Context is append-only for
// the lifetime of the run; only the stage currently executing writes to it.
type WorkflowRun struct {
	ID         string
	WorkflowID string
	Status     RunStatus
	StageIndex int
	Context    map[string]StageResult // keyed by stage ID
	Inputs     map[string]string
	StartedAt  time.Time
	FinishedAt time.Time // zero until terminal
	LastError  string
	Version    uint64
}
