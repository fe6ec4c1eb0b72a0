package engine

import (
	"github.com/google/uuid"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/workflow"
)

// DefineWorkflow compiles and persists a workflow. Compilation errors
// (cycles, unknown stage references, malformed conditions) reject the
// definition; a workflow that is stored always produces a valid plan.
func (e *Engine) DefineWorkflow(wf *types.Workflow) (string, error) {
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = e.clock.Now()
	}
	if _, err := workflow.Compile(wf); err != nil {
		return "", err
	}
	if err := e.store.CreateWorkflow(wf); err != nil {
		return "", err
	}
	if wf.Schedule != "" {
		if err := e.scheduler.Add(wf.ID, wf.Schedule, wf.Timezone, e.clock.Now()); err != nil {
			return "", err
		}
	}
	e.broker.Publish(&events.Event{
		Type:       events.EventWorkflowDefined,
		WorkflowID: wf.ID,
		Message:    "workflow defined",
	})
	return wf.ID, nil
}

// GetWorkflow returns a stored workflow definition
func (e *Engine) GetWorkflow(id string) (*types.Workflow, error) {
	return e.store.GetWorkflow(id)
}

// ListWorkflows returns all stored workflow definitions
func (e *Engine) ListWorkflows() ([]*types.Workflow, error) {
	return e.store.ListWorkflows()
}

// RunWorkflow starts a run of a stored workflow and returns the run ID.
// The run executes asynchronously; observe it via GetRun or the event bus.
func (e *Engine) RunWorkflow(workflowID string, inputs map[string]string) (string, error) {
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return "", err
	}
	plan, err := workflow.Compile(wf)
	if err != nil {
		return "", err
	}

	run := &types.WorkflowRun{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Status:     types.RunStatusPending,
		Context:    make(map[string]types.StageResult),
		Inputs:     inputs,
		StartedAt:  e.clock.Now(),
	}
	if err := e.store.CreateRun(run); err != nil {
		return "", err
	}
	e.workflows.Launch(e.ctx, wf, plan, run)
	return run.ID, nil
}

// GetRun returns a run with its context
func (e *Engine) GetRun(runID string) (*types.WorkflowRun, error) {
	return e.store.GetRun(runID)
}

// ListRuns returns all runs of a workflow
func (e *Engine) ListRuns(workflowID string) ([]*types.WorkflowRun, error) {
	return e.store.ListRunsByWorkflow(workflowID)
}

// CancelRun cancels a run: in-flight tasks of the current stage are
// cancelled and later stages never start.
func (e *Engine) CancelRun(runID string) error {
	return e.workflows.CancelRun(runID)
}

// ScheduleWorkflow attaches a cron schedule to a stored workflow
func (e *Engine) ScheduleWorkflow(workflowID, cronExpr, timezone string) error {
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
	if err := e.scheduler.Add(workflowID, cronExpr, timezone, e.lastRunStart(workflowID)); err != nil {
		return err
	}
	wf.Schedule = cronExpr
	wf.Timezone = timezone
	if err := e.store.UpdateWorkflow(wf); err != nil {
		e.logger.Warn().Err(err).Str("workflow_id", wf.ID).Msg("failed to persist schedule")
	}
	return nil
}

// UnscheduleWorkflow detaches a workflow's cron schedule
func (e *Engine) UnscheduleWorkflow(workflowID string) error {
	e.scheduler.Remove(workflowID)
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
	wf.Schedule = ""
	wf.Timezone = ""
	if err := e.store.UpdateWorkflow(wf); err != nil {
		e.logger.Warn().Err(err).Str("workflow_id", wf.ID).Msg("failed to persist schedule removal")
	}
	return nil
}
