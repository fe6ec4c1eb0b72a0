package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/types"
)

// TaskSpec is a consumer-facing task submission
type TaskSpec struct {
	Kind     string
	Payload  []byte
	Metadata map[string]string
	Priority int
	OwnerID  string
	Deadline time.Time     // zero means no task-level deadline
	Delay    time.Duration // defer dispatch by this much
}

// SubmitTask validates and persists a task and makes it eligible for
// dispatch. Unknown kinds are rejected.
func (e *Engine) SubmitTask(spec TaskSpec) (string, error) {
	if _, ok := e.kinds.Get(spec.Kind); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, spec.Kind)
	}

	now := e.clock.Now()
	task := &types.Task{
		ID:        uuid.New().String(),
		Kind:      spec.Kind,
		Payload:   spec.Payload,
		Metadata:  spec.Metadata,
		Priority:  spec.Priority,
		OwnerID:   spec.OwnerID,
		Status:    types.TaskStatusPending,
		Deadline:  spec.Deadline,
		ReadyAt:   now.Add(spec.Delay),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateTask(task); err != nil {
		return "", err
	}

	task.Status = types.TaskStatusQueued
	task.UpdatedAt = e.clock.Now()
	if err := e.store.UpdateTask(task); err != nil {
		return "", err
	}
	e.broker.Publish(&events.Event{
		Type:    events.EventTaskQueued,
		TaskID:  task.ID,
		Message: "task queued",
		Metadata: map[string]string{
			"kind": task.Kind,
		},
	})
	e.proc.Enqueue(task)
	return task.ID, nil
}

// submitStageTask persists and enqueues a workflow-spawned task. Kind
// validation happened when the workflow was defined.
func (e *Engine) submitStageTask(task *types.Task) error {
	if _, ok := e.kinds.Get(task.Kind); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, task.Kind)
	}
	if err := e.store.CreateTask(task); err != nil {
		return err
	}
	e.broker.Publish(&events.Event{
		Type:    events.EventTaskQueued,
		TaskID:  task.ID,
		RunID:   task.ParentWorkflowID,
		Message: "stage task queued",
		Metadata: map[string]string{
			"kind":  task.Kind,
			"stage": task.ParentStageID,
		},
	})
	e.proc.Enqueue(task)
	return nil
}

// GetTask returns the task record
func (e *Engine) GetTask(id string) (*types.Task, error) {
	return e.store.GetTask(id)
}

// ListTasks returns all task records
func (e *Engine) ListTasks() ([]*types.Task, error) {
	return e.store.ListTasks()
}

// CancelTask cancels a task; cancelling a terminal task is a no-op
func (e *Engine) CancelTask(id string) error {
	return e.proc.Cancel(id)
}

// SubscribeEvents registers an event subscriber with the given filter
func (e *Engine) SubscribeEvents(filter events.Filter) *events.Subscription {
	return e.broker.Subscribe(filter)
}

// UnsubscribeEvents removes a subscription
func (e *Engine) UnsubscribeEvents(sub *events.Subscription) {
	e.broker.Unsubscribe(sub)
}

// RecentEvents returns the broker's retained event history, oldest first
func (e *Engine) RecentEvents() []*events.Event {
	return e.broker.Recent()
}
