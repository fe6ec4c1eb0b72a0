package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/provider"
	"github.com/loomworks/loom/pkg/quota"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider counts invocations and delegates to a configurable
// execute function. executeCtx takes precedence when a script needs the
// invocation context.
type scriptedProvider struct {
	mu         sync.Mutex
	calls      int
	execute    func(call int, task *types.Task) (*types.TaskResult, error)
	executeCtx func(ctx context.Context, call int, task *types.Task) (*types.TaskResult, error)
	kinds      []string
}

func (p *scriptedProvider) Execute(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	if p.executeCtx != nil {
		return p.executeCtx(ctx, call, task)
	}
	if p.execute != nil {
		return p.execute(call, task)
	}
	return &types.TaskResult{
		TaskID: task.ID,
		Output: map[string]interface{}{"ok": "yes"},
	}, nil
}

func (p *scriptedProvider) ExecuteBatch(ctx context.Context, tasks []*types.Task) ([]provider.BatchItem, error) {
	items := make([]provider.BatchItem, len(tasks))
	for i, t := range tasks {
		res, err := p.Execute(ctx, t)
		items[i] = provider.BatchItem{TaskID: t.ID, Result: res, Err: err}
	}
	return items, nil
}

func (p *scriptedProvider) Capabilities() types.Capabilities {
	kinds := p.kinds
	if kinds == nil {
		kinds = []string{"code-review"}
	}
	return types.Capabilities{TaskKinds: kinds}
}

func (p *scriptedProvider) Probe(ctx context.Context) types.ProbeResult {
	return types.ProbeResult{Healthy: true}
}

func (p *scriptedProvider) EstimateCost(task *types.Task) types.CostEstimate {
	return types.CostEstimate{Units: 1}
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.WorkerCount = 4
	cfg.MaxRetries = 3
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	cfg.RequestTimeout = 5 * time.Second
	cfg.FollowerTimeout = 5 * time.Second
	cfg.ReservationTTL = 1 * time.Second
	cfg.ProbeInterval = 1 * time.Hour
	return cfg
}

func startEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()
	eng := New(cfg, storage.NewMemoryStore(), nil)
	require.NoError(t, eng.Start())
	t.Cleanup(eng.Stop)
	return eng
}

func defaultLimits() []quota.Limit {
	return []quota.Limit{{SubKey: "main", Limit: 1000, Window: time.Hour}}
}

func waitForStatus(t *testing.T, eng *Engine, taskID string, want types.TaskStatus) *types.Task {
	t.Helper()
	var got *types.Task
	require.Eventually(t, func() bool {
		task, err := eng.GetTask(taskID)
		if err != nil {
			return false
		}
		got = task
		return task.Status == want
	}, 10*time.Second, 10*time.Millisecond, "task %s never reached %s", taskID, want)
	return got
}

func TestSubmitTaskRunsToCompletion(t *testing.T) {
	eng := startEngine(t, testConfig())
	require.NoError(t, eng.RegisterKind(types.KindSpec{Name: "code-review"}))

	p := &scriptedProvider{}
	require.NoError(t, eng.RegisterProvider(types.ProviderSpec{
		ID:           "p1",
		Kind:         "anthropic",
		Capabilities: p.Capabilities(),
	}, p, defaultLimits()))

	id, err := eng.SubmitTask(TaskSpec{Kind: "code-review", Payload: []byte(`{"pr": 1}`)})
	require.NoError(t, err)

	task := waitForStatus(t, eng, id, types.TaskStatusSucceeded)
	assert.Equal(t, "p1", task.AssignedProvider)
	assert.Equal(t, 1, task.Attempts)
	require.NotNil(t, task.Result)
	assert.Equal(t, "yes", task.Result.Output["ok"])

	// Quota was committed
	recs := eng.QuotaSnapshot("p1")
	require.Len(t, recs, 1)
	assert.Equal(t, int64(1), recs[0].Used)
}

func TestSubmitUnknownKindRejected(t *testing.T) {
	eng := startEngine(t, testConfig())
	_, err := eng.SubmitTask(TaskSpec{Kind: "nope"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestQuotaExhaustionFailsOver(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = config.StrategyPriorityBased
	eng := startEngine(t, cfg)
	require.NoError(t, eng.RegisterKind(types.KindSpec{Name: "code-review"}))

	primary := &scriptedProvider{}
	fallback := &scriptedProvider{}
	require.NoError(t, eng.RegisterProvider(types.ProviderSpec{
		ID: "primary", Kind: "anthropic", Priority: 0, Capabilities: primary.Capabilities(),
	}, primary, []quota.Limit{{SubKey: "main", Limit: 1, Window: time.Hour}}))
	require.NoError(t, eng.RegisterProvider(types.ProviderSpec{
		ID: "fallback", Kind: "openai", Priority: 10, Capabilities: fallback.Capabilities(),
	}, fallback, defaultLimits()))

	id1, err := eng.SubmitTask(TaskSpec{Kind: "code-review", Payload: []byte(`{"pr": 1}`)})
	require.NoError(t, err)
	first := waitForStatus(t, eng, id1, types.TaskStatusSucceeded)
	assert.Equal(t, "primary", first.AssignedProvider)

	// The primary's single quota unit is spent; the next task fails over
	id2, err := eng.SubmitTask(TaskSpec{Kind: "code-review", Payload: []byte(`{"pr": 2}`)})
	require.NoError(t, err)
	second := waitForStatus(t, eng, id2, types.TaskStatusSucceeded)
	assert.Equal(t, "fallback", second.AssignedProvider)
}

func TestTransientFailureRetries(t *testing.T) {
	eng := startEngine(t, testConfig())
	require.NoError(t, eng.RegisterKind(types.KindSpec{Name: "code-review"}))

	p := &scriptedProvider{
		execute: func(call int, task *types.Task) (*types.TaskResult, error) {
			if call < 3 {
				return nil, types.NewTaskError(types.ErrProviderTransport, "connection reset")
			}
			return &types.TaskResult{TaskID: task.ID, Output: map[string]interface{}{"ok": "yes"}}, nil
		},
	}
	require.NoError(t, eng.RegisterProvider(types.ProviderSpec{
		ID: "flaky", Kind: "anthropic", Capabilities: p.Capabilities(),
	}, p, defaultLimits()))

	id, err := eng.SubmitTask(TaskSpec{Kind: "code-review", Payload: []byte(`{"pr": 1}`)})
	require.NoError(t, err)

	task := waitForStatus(t, eng, id, types.TaskStatusSucceeded)
	assert.Equal(t, 3, task.Attempts, "two transient failures then success")
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	eng := startEngine(t, cfg)
	require.NoError(t, eng.RegisterKind(types.KindSpec{Name: "code-review"}))

	p := &scriptedProvider{
		execute: func(call int, task *types.Task) (*types.TaskResult, error) {
			return nil, types.NewTaskError(types.ErrProviderTransport, "connection reset")
		},
	}
	require.NoError(t, eng.RegisterProvider(types.ProviderSpec{
		ID: "broken", Kind: "anthropic", Capabilities: p.Capabilities(),
	}, p, defaultLimits()))

	id, err := eng.SubmitTask(TaskSpec{Kind: "code-review", Payload: []byte(`{"pr": 1}`)})
	require.NoError(t, err)

	task := waitForStatus(t, eng, id, types.TaskStatusDeadLettered)
	assert.LessOrEqual(t, task.Attempts, cfg.MaxRetries+1)
	assert.NotEmpty(t, task.LastError)
}

func TestNonRetryableFailureFailsFast(t *testing.T) {
	eng := startEngine(t, testConfig())
	require.NoError(t, eng.RegisterKind(types.KindSpec{Name: "code-review"}))

	p := &scriptedProvider{
		execute: func(call int, task *types.Task) (*types.TaskResult, error) {
			return nil, types.NewTaskError(types.ErrProviderReject, "payload too large")
		},
	}
	require.NoError(t, eng.RegisterProvider(types.ProviderSpec{
		ID: "strict", Kind: "anthropic", Capabilities: p.Capabilities(),
	}, p, defaultLimits()))

	id, err := eng.SubmitTask(TaskSpec{Kind: "code-review", Payload: []byte(`{"pr": 1}`)})
	require.NoError(t, err)

	task := waitForStatus(t, eng, id, types.TaskStatusFailed)
	assert.Equal(t, 1, task.Attempts, "rejects are not retried")
	assert.Equal(t, 1, p.callCount())
}

func TestDuplicateSubmissionsCollapse(t *testing.T) {
	eng := startEngine(t, testConfig())
	require.NoError(t, eng.RegisterKind(types.KindSpec{Name: "code-review"}))

	p := &scriptedProvider{
		execute: func(call int, task *types.Task) (*types.TaskResult, error) {
			time.Sleep(100 * time.Millisecond) // hold the claim so duplicates pile up
			return &types.TaskResult{TaskID: task.ID, Output: map[string]interface{}{"ok": "yes"}}, nil
		},
	}
	require.NoError(t, eng.RegisterProvider(types.ProviderSpec{
		ID: "p1", Kind: "anthropic", Capabilities: p.Capabilities(),
	}, p, defaultLimits()))

	payload := []byte(`{"repo": "loom", "pr": 42}`)
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := eng.SubmitTask(TaskSpec{Kind: "code-review", Payload: payload})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		task := waitForStatus(t, eng, id, types.TaskStatusSucceeded)
		require.NotNil(t, task.Result)
	}
	assert.Equal(t, 1, p.callCount(), "identical submissions share one upstream call")
}

func TestCancelQueuedTask(t *testing.T) {
	eng := startEngine(t, testConfig())
	require.NoError(t, eng.RegisterKind(types.KindSpec{Name: "code-review"}))
	// No provider registered: the task parks on no_provider_available retries

	id, err := eng.SubmitTask(TaskSpec{Kind: "code-review", Payload: []byte(`{}`), Delay: time.Hour})
	require.NoError(t, err)

	require.NoError(t, eng.CancelTask(id))
	task := waitForStatus(t, eng, id, types.TaskStatusCancelled)
	assert.Equal(t, 0, task.Attempts)

	// Cancelling a terminal task is a no-op
	assert.NoError(t, eng.CancelTask(id))
}

func TestCancelRunningTask(t *testing.T) {
	eng := startEngine(t, testConfig())
	require.NoError(t, eng.RegisterKind(types.KindSpec{Name: "code-review"}))

	p := &scriptedProvider{
		executeCtx: func(ctx context.Context, call int, task *types.Task) (*types.TaskResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	require.NoError(t, eng.RegisterProvider(types.ProviderSpec{
		ID: "p1", Kind: "anthropic", Capabilities: p.Capabilities(),
	}, p, defaultLimits()))

	id, err := eng.SubmitTask(TaskSpec{Kind: "code-review", Payload: []byte(`{"pr": 1}`)})
	require.NoError(t, err)
	waitForStatus(t, eng, id, types.TaskStatusRunning)

	require.NoError(t, eng.CancelTask(id))
	task := waitForStatus(t, eng, id, types.TaskStatusCancelled)
	assert.Nil(t, task.Result)
}

func TestCancelRunningFollower(t *testing.T) {
	eng := startEngine(t, testConfig())
	require.NoError(t, eng.RegisterKind(types.KindSpec{Name: "code-review"}))

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	p := &scriptedProvider{
		executeCtx: func(ctx context.Context, call int, task *types.Task) (*types.TaskResult, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			select {
			case <-release:
				return &types.TaskResult{TaskID: task.ID, Output: map[string]interface{}{"ok": "yes"}}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	require.NoError(t, eng.RegisterProvider(types.ProviderSpec{
		ID: "p1", Kind: "anthropic", Capabilities: p.Capabilities(),
	}, p, defaultLimits()))

	payload := []byte(`{"pr": 7}`)
	producerID, err := eng.SubmitTask(TaskSpec{Kind: "code-review", Payload: payload})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("producer never reached the provider")
	}

	// Same payload while the claim is held: this task parks as a follower
	followerID, err := eng.SubmitTask(TaskSpec{Kind: "code-review", Payload: payload})
	require.NoError(t, err)
	waitForStatus(t, eng, followerID, types.TaskStatusRunning)

	require.NoError(t, eng.CancelTask(followerID))
	waitForStatus(t, eng, followerID, types.TaskStatusCancelled)

	close(release)
	waitForStatus(t, eng, producerID, types.TaskStatusSucceeded)

	// The producer outcome must not resurrect the cancelled follower
	follower, err := eng.GetTask(followerID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, follower.Status)
	assert.Nil(t, follower.Result)
	assert.Equal(t, 1, p.callCount())
}

func TestRequeueClearsAssignedProvider(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffBase = time.Hour
	cfg.BackoffMax = 2 * time.Hour
	eng := startEngine(t, cfg)
	require.NoError(t, eng.RegisterKind(types.KindSpec{Name: "code-review"}))

	p := &scriptedProvider{
		execute: func(call int, task *types.Task) (*types.TaskResult, error) {
			return nil, types.NewTaskError(types.ErrProviderTransport, "connection reset")
		},
	}
	require.NoError(t, eng.RegisterProvider(types.ProviderSpec{
		ID: "flaky", Kind: "anthropic", Capabilities: p.Capabilities(),
	}, p, defaultLimits()))

	id, err := eng.SubmitTask(TaskSpec{Kind: "code-review", Payload: []byte(`{"pr": 1}`)})
	require.NoError(t, err)

	// The hour-long backoff parks the retry in Queued where the record is
	// observable
	var task *types.Task
	require.Eventually(t, func() bool {
		tk, err := eng.GetTask(id)
		if err != nil {
			return false
		}
		task = tk
		return tk.Status == types.TaskStatusQueued && tk.Attempts == 1
	}, 10*time.Second, 10*time.Millisecond, "task never parked on its retry backoff")

	assert.Empty(t, task.AssignedProvider, "a queued task has no assigned provider")
	assert.NotEmpty(t, task.LastError)
}

func TestDefineWorkflowRejectsCycle(t *testing.T) {
	eng := startEngine(t, testConfig())
	require.NoError(t, eng.RegisterKind(types.KindSpec{Name: "code-review"}))

	_, err := eng.DefineWorkflow(&types.Workflow{
		Name: "loop",
		Stages: []types.TaskTemplate{
			{StageID: "a", Kind: "code-review"},
			{StageID: "b", Kind: "code-review"},
		},
		Edges: []types.Edge{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrCyclicDependency, types.Classify(err).Kind)
}

func TestConditionalWorkflowBranches(t *testing.T) {
	eng := startEngine(t, testConfig())
	for _, kind := range []string{"review", "merge", "escalate"} {
		require.NoError(t, eng.RegisterKind(types.KindSpec{Name: kind}))
	}

	p := &scriptedProvider{
		kinds: []string{"review", "merge", "escalate"},
		execute: func(call int, task *types.Task) (*types.TaskResult, error) {
			out := map[string]interface{}{"done": "yes"}
			if task.Kind == "review" {
				out["verdict"] = "approve"
			}
			return &types.TaskResult{TaskID: task.ID, Output: out}, nil
		},
	}
	require.NoError(t, eng.RegisterProvider(types.ProviderSpec{
		ID: "p1", Kind: "anthropic", Capabilities: p.Capabilities(),
	}, p, defaultLimits()))

	wfID, err := eng.DefineWorkflow(&types.Workflow{
		Name: "review-flow",
		Stages: []types.TaskTemplate{
			{StageID: "review", Kind: "review", Payload: `{"pr": "${inputs.pr}"}`},
			{StageID: "merge", Kind: "merge", Payload: `{"verdict": "${review.output.verdict}"}`},
			{StageID: "escalate", Kind: "escalate", Payload: `{}`},
		},
		Edges: []types.Edge{
			{From: "review", To: "merge", Condition: `$review.output.verdict == "approve"`},
			{From: "review", To: "escalate", Condition: `$review.output.verdict != "approve"`},
		},
	})
	require.NoError(t, err)

	runID, err := eng.RunWorkflow(wfID, map[string]string{"pr": "42"})
	require.NoError(t, err)

	var run *types.WorkflowRun
	require.Eventually(t, func() bool {
		r, err := eng.GetRun(runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status.Terminal()
	}, 15*time.Second, 20*time.Millisecond)

	require.Equal(t, types.RunStatusSucceeded, run.Status)
	assert.Equal(t, types.StageSucceeded, run.Context["review"].Status)
	assert.Equal(t, types.StageSucceeded, run.Context["merge"].Status)
	assert.Equal(t, types.StageSkipped, run.Context["escalate"].Status)

	// The approved branch saw the substituted upstream output
	tasks, err := eng.ListTasks()
	require.NoError(t, err)
	for _, task := range tasks {
		if task.ParentStageID == "merge" {
			assert.JSONEq(t, `{"verdict": "approve"}`, string(task.Payload))
		}
		if task.ParentStageID == "review" {
			assert.JSONEq(t, `{"pr": "42"}`, string(task.Payload))
		}
	}
}

func TestRecoveryRequeuesInterruptedTasks(t *testing.T) {
	cfg := testConfig()
	store := storage.NewMemoryStore()

	// Simulate a task that was mid-flight when a previous process died
	now := time.Now()
	require.NoError(t, store.CreateTask(&types.Task{
		ID: "orphan", Kind: "code-review", Status: types.TaskStatusRunning,
		CreatedAt: now, ReadyAt: now, UpdatedAt: now,
	}))

	eng := New(cfg, store, nil)
	require.NoError(t, eng.RegisterKind(types.KindSpec{Name: "code-review"}))
	p := &scriptedProvider{}
	require.NoError(t, eng.RegisterProvider(types.ProviderSpec{
		ID: "p1", Kind: "anthropic", Capabilities: p.Capabilities(),
	}, p, defaultLimits()))

	require.NoError(t, eng.Start())
	t.Cleanup(eng.Stop)

	waitForStatus(t, eng, "orphan", types.TaskStatusSucceeded)
}
