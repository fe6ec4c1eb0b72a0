package storage

import (
	"errors"

	"github.com/loomworks/loom/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when creating a record with a duplicate key
	ErrAlreadyExists = errors.New("record already exists")

	// ErrVersionConflict is returned when an optimistic update lost a race
	ErrVersionConflict = errors.New("version conflict")
)

// Store defines the interface for engine state storage. Five collections
// back it: tasks, providers, quota records, workflows and workflow runs.
type Store interface {
	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error)
	ListTasksByRun(runID string) ([]*types.Task, error)
	// UpdateTask applies an optimistic update: it fails with
	// ErrVersionConflict unless task.Version matches the stored record, and
	// bumps the version on success.
	UpdateTask(task *types.Task) error
	DeleteTask(id string) error

	// Providers
	CreateProvider(spec *types.ProviderSpec) error
	GetProvider(id string) (*types.ProviderSpec, error)
	ListProviders() ([]*types.ProviderSpec, error)
	DeleteProvider(id string) error

	// Quota records
	PutQuotaRecord(rec *types.QuotaRecord) error
	ListQuotaRecords(providerID string) ([]*types.QuotaRecord, error)
	DeleteQuotaRecords(providerID string) error

	// Workflows
	CreateWorkflow(wf *types.Workflow) error
	GetWorkflow(id string) (*types.Workflow, error)
	ListWorkflows() ([]*types.Workflow, error)
	UpdateWorkflow(wf *types.Workflow) error
	DeleteWorkflow(id string) error

	// Workflow runs
	CreateRun(run *types.WorkflowRun) error
	GetRun(id string) (*types.WorkflowRun, error)
	ListRunsByWorkflow(workflowID string) ([]*types.WorkflowRun, error)
	UpdateRun(run *types.WorkflowRun) error

	// Utility
	Close() error
}
