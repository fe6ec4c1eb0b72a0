package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loom/pkg/clock"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
	"github.com/rs/zerolog"
)

// settleInterval is how often the runner polls stage tasks for terminal state
const settleInterval = 100 * time.Millisecond

// TaskRunner is the slice of the task processor the workflow engine
// drives: it submits stage tasks and cancels them when a run is cancelled.
type TaskRunner interface {
	Submit(task *types.Task) error
	Cancel(taskID string) error
}

// Engine executes workflow runs. Each active run has one coordinator
// goroutine that walks the execution plan level by level, submitting
// stage tasks to the shared processor and folding their outcomes into
// the run context.
type Engine struct {
	store  storage.Store
	tasks  TaskRunner
	broker *events.Broker
	clock  clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // run ID → coordinator cancel
	wg      sync.WaitGroup
}

// NewEngine creates a workflow engine
func NewEngine(store storage.Store, tasks TaskRunner, broker *events.Broker, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		store:   store,
		tasks:   tasks,
		broker:  broker,
		clock:   clk,
		cancels: make(map[string]context.CancelFunc),
		logger:  log.WithComponent("workflow"),
	}
}

// Launch starts the coordinator goroutine for a run. The run record must
// already be persisted.
func (e *Engine) Launch(ctx context.Context, wf *types.Workflow, plan *ExecutionPlan, run *types.WorkflowRun) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[run.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, run.ID)
			e.mu.Unlock()
		}()
		e.execute(runCtx, wf, plan, run)
	}()
}

// CancelRun cancels a run. An active coordinator is signalled and settles
// the record itself; a dormant run (e.g. found after a restart) is marked
// Cancelled directly and its open tasks are cancelled.
func (e *Engine) CancelRun(runID string) error {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	e.mu.Lock()
	cancel, active := e.cancels[runID]
	e.mu.Unlock()
	if active {
		cancel()
		return nil
	}

	tasks, err := e.store.ListTasksByRun(runID)
	if err == nil {
		for _, t := range tasks {
			if !t.Status.Terminal() {
				_ = e.tasks.Cancel(t.ID)
			}
		}
	}
	_, err = e.transitionRun(runID, func(r *types.WorkflowRun) {
		r.Status = types.RunStatusCancelled
		r.FinishedAt = e.clock.Now()
	})
	if err != nil {
		return err
	}
	e.emitRun(events.EventRunCancelled, run.WorkflowID, runID, "run cancelled")
	return nil
}

// Wait blocks until all active coordinators have finished
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) execute(ctx context.Context, wf *types.Workflow, plan *ExecutionPlan, run *types.WorkflowRun) {
	logger := e.logger.With().Str("workflow_id", wf.ID).Str("run_id", run.ID).Logger()

	run, err := e.transitionRun(run.ID, func(r *types.WorkflowRun) {
		if r.Status == types.RunStatusPending {
			r.Status = types.RunStatusRunning
			r.StartedAt = e.clock.Now()
		}
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to start run")
		return
	}
	if run.StageIndex == 0 {
		e.emitRun(events.EventRunStarted, wf.ID, run.ID, "run started")
	}

	for levelIdx := run.StageIndex; levelIdx < len(plan.Levels); levelIdx++ {
		if ctx.Err() != nil {
			e.settleCancelled(wf, run, nil)
			return
		}

		// Gate each template of the level and submit the survivors.
		results := make(map[string]types.StageResult)
		var submitted []*types.Task
		for _, tmpl := range plan.Levels[levelIdx] {
			open, gateErr := plan.Gate(tmpl.StageID, run.Context)
			if gateErr != nil {
				e.settleFailed(wf, run, tmpl.StageID, "", gateErr.Error())
				return
			}
			if !open {
				results[tmpl.StageID] = types.StageResult{
					StageID: tmpl.StageID,
					Status:  types.StageSkipped,
				}
				continue
			}

			task := e.buildTask(wf, run, tmpl)
			if err := e.tasks.Submit(task); err != nil {
				e.settleFailed(wf, run, tmpl.StageID, task.ID, fmt.Sprintf("submit failed: %v", err))
				return
			}
			submitted = append(submitted, task)
		}

		settled, cancelled := e.awaitStage(ctx, submitted)
		if cancelled {
			e.settleCancelled(wf, run, submitted)
			return
		}

		// Fold task outcomes into stage results.
		for _, task := range submitted {
			final := settled[task.ID]
			tmpl, _ := wf.Stage(task.ParentStageID)
			switch final.Status {
			case types.TaskStatusSucceeded:
				sr := types.StageResult{
					StageID:    task.ParentStageID,
					TaskID:     task.ID,
					ProviderID: final.AssignedProvider,
					Status:     types.StageSucceeded,
				}
				if final.Result != nil {
					sr.Output = final.Result.Output
				}
				results[task.ParentStageID] = sr
			case types.TaskStatusCancelled:
				e.settleCancelled(wf, run, nil)
				return
			default: // Failed or DeadLettered
				if !tmpl.ContinueOnFailure {
					e.settleFailed(wf, run, task.ParentStageID, task.ID, final.LastError)
					return
				}
				// The stage absorbs the failure: the error record becomes
				// the output slot and execution continues.
				results[task.ParentStageID] = types.StageResult{
					StageID: task.ParentStageID,
					TaskID:  task.ID,
					Status:  types.StageFailed,
					Error:   final.LastError,
					Output:  map[string]interface{}{"error": final.LastError},
				}
			}
		}

		run, err = e.transitionRun(run.ID, func(r *types.WorkflowRun) {
			if r.Context == nil {
				r.Context = make(map[string]types.StageResult)
			}
			for id, sr := range results {
				r.Context[id] = sr
			}
			r.StageIndex = levelIdx + 1
		})
		if err != nil {
			logger.Error().Err(err).Int("level", levelIdx).Msg("failed to persist stage results")
			return
		}
		e.emitRun(events.EventRunStage, wf.ID, run.ID, fmt.Sprintf("stage %d completed", levelIdx))
	}

	_, err = e.transitionRun(run.ID, func(r *types.WorkflowRun) {
		r.Status = types.RunStatusSucceeded
		r.FinishedAt = e.clock.Now()
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to finish run")
		return
	}
	e.emitRun(events.EventRunSucceeded, wf.ID, run.ID, "run succeeded")
	logger.Info().Msg("run succeeded")
}

// buildTask instantiates a template into a concrete task for this run
func (e *Engine) buildTask(wf *types.Workflow, run *types.WorkflowRun, tmpl types.TaskTemplate) *types.Task {
	now := e.clock.Now()
	payload := Substitute(tmpl.Payload, run)
	meta := make(map[string]string, len(tmpl.Metadata))
	for k, v := range tmpl.Metadata {
		meta[k] = v
	}
	return &types.Task{
		ID:               uuid.New().String(),
		Kind:             tmpl.Kind,
		Payload:          []byte(payload),
		Metadata:         meta,
		Priority:         tmpl.Priority,
		OwnerID:          wf.OwnerID,
		Status:           types.TaskStatusQueued,
		ParentWorkflowID: run.ID,
		ParentStageID:    tmpl.StageID,
		ReadyAt:          now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// awaitStage polls until every submitted task is terminal. It returns the
// final task records, or cancelled=true when the run context fires first.
func (e *Engine) awaitStage(ctx context.Context, submitted []*types.Task) (map[string]*types.Task, bool) {
	settled := make(map[string]*types.Task, len(submitted))
	for len(settled) < len(submitted) {
		progress := false
		for _, task := range submitted {
			if _, done := settled[task.ID]; done {
				continue
			}
			current, err := e.store.GetTask(task.ID)
			if err != nil {
				continue
			}
			// Failed is retryable and therefore not terminal for the task
			// machine, but a stage task with no retry budget left stays
			// Failed; treat it as settled once the processor stops moving it.
			if current.Status.Terminal() || current.Status == types.TaskStatusFailed {
				settled[task.ID] = current
				progress = true
			}
		}
		if len(settled) == len(submitted) {
			break
		}
		if !progress {
			select {
			case <-ctx.Done():
				return settled, true
			case <-e.clock.After(settleInterval):
			}
		}
	}
	return settled, false
}

func (e *Engine) settleFailed(wf *types.Workflow, run *types.WorkflowRun, stageID, taskID, msg string) {
	reason := fmt.Sprintf("stage %s failed", stageID)
	if taskID != "" {
		reason = fmt.Sprintf("stage %s failed (task %s)", stageID, taskID)
	}
	if msg != "" {
		reason += ": " + msg
	}
	_, err := e.transitionRun(run.ID, func(r *types.WorkflowRun) {
		r.Status = types.RunStatusFailed
		r.LastError = reason
		r.FinishedAt = e.clock.Now()
	})
	if err != nil {
		e.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to settle failed run")
		return
	}
	e.emitRun(events.EventRunFailed, wf.ID, run.ID, reason)
}

func (e *Engine) settleCancelled(wf *types.Workflow, run *types.WorkflowRun, inFlight []*types.Task) {
	for _, task := range inFlight {
		_ = e.tasks.Cancel(task.ID)
	}
	_, err := e.transitionRun(run.ID, func(r *types.WorkflowRun) {
		r.Status = types.RunStatusCancelled
		r.FinishedAt = e.clock.Now()
	})
	if err != nil {
		e.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to settle cancelled run")
		return
	}
	e.emitRun(events.EventRunCancelled, wf.ID, run.ID, "run cancelled")
}

// transitionRun applies a mutation to a run under optimistic concurrency
func (e *Engine) transitionRun(runID string, mutate func(*types.WorkflowRun)) (*types.WorkflowRun, error) {
	for {
		run, err := e.store.GetRun(runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		mutate(run)
		err = e.store.UpdateRun(run)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return run, nil
	}
}

func (e *Engine) emitRun(typ events.EventType, workflowID, runID, msg string) {
	e.broker.Publish(&events.Event{
		Type:       typ,
		WorkflowID: workflowID,
		RunID:      runID,
		Message:    msg,
	})
}
