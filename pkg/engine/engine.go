package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/clock"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/coordinator"
	"github.com/loomworks/loom/pkg/dedup"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/processor"
	"github.com/loomworks/loom/pkg/provider"
	"github.com/loomworks/loom/pkg/quota"
	"github.com/loomworks/loom/pkg/schedule"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/workflow"
	"github.com/rs/zerolog"
)

// ErrUnknownKind is returned when a submission names an unregistered task kind
var ErrUnknownKind = errors.New("unknown task kind")

// Engine is the orchestration facade: it owns the component graph and is
// the single entry point for submitting tasks, managing providers and
// running workflows.
type Engine struct {
	cfg       config.Config
	store     storage.Store
	clock     clock.Clock
	kinds     *types.KindRegistry
	registry  *provider.Registry
	ledger    *quota.Ledger
	cache     *dedup.Cache
	coord     *coordinator.Coordinator
	broker    *events.Broker
	proc      *processor.Processor
	workflows *workflow.Engine
	scheduler *schedule.Scheduler
	collector *metrics.Collector
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires an engine from a config and a store
func New(cfg config.Config, store storage.Store, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		clock:    clk,
		kinds:    types.NewKindRegistry(),
		registry: provider.NewRegistry(clk),
		ledger:   quota.NewLedger(clk, store, cfg.ReservationTTL),
		cache:    dedup.NewCache(clk, cfg.DedupTTL),
		coord:    coordinator.New(cfg.Strategy),
		broker:   events.NewBroker(cfg.SlowSubscriberThreshold),
		logger:   log.WithComponent("engine"),
	}
	e.proc = processor.New(cfg, processor.Deps{
		Store:    store,
		Registry: e.registry,
		Ledger:   e.ledger,
		Cache:    e.cache,
		Coord:    e.coord,
		Broker:   e.broker,
		Kinds:    e.kinds,
		Clock:    clk,
	})
	e.workflows = workflow.NewEngine(store, taskRunner{e}, e.broker, clk)
	e.scheduler = schedule.New(scheduleRunner{e}, e.broker, clk, cfg.CatchUpWindow)
	e.collector = metrics.NewCollector(metrics.Source{
		Store:      store,
		Registry:   e.registry,
		Ledger:     e.ledger,
		Cache:      e.cache,
		Broker:     e.broker,
		QueueDepth: e.proc.QueueDepth,
	})
	return e
}

// taskRunner adapts the engine for the workflow package without exposing
// the whole facade
type taskRunner struct{ e *Engine }

func (r taskRunner) Submit(task *types.Task) error { return r.e.submitStageTask(task) }
func (r taskRunner) Cancel(taskID string) error    { return r.e.CancelTask(taskID) }

// scheduleRunner adapts the engine for the scheduler
type scheduleRunner struct{ e *Engine }

func (r scheduleRunner) RunWorkflow(workflowID string, inputs map[string]string) (string, error) {
	return r.e.RunWorkflow(workflowID, inputs)
}

// Start brings up all background loops and recovers in-flight state from
// the store.
func (e *Engine) Start() error {
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.broker.Start()
	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("broker", true, "")

	if err := e.recoverTasks(); err != nil {
		return fmt.Errorf("task recovery failed: %w", err)
	}

	e.proc.Start(e.ctx)
	metrics.RegisterComponent("processor", true, "")

	e.registry.StartProber(e.ctx, e.cfg.ProbeInterval)
	e.ledger.StartJanitor(e.ctx, e.cfg.ReservationTTL/2)
	e.cache.StartSweeper(e.ctx, e.cfg.DedupTTL/4)
	e.scheduler.Start(e.ctx)
	e.collector.Start()

	if err := e.recoverRuns(); err != nil {
		return fmt.Errorf("run recovery failed: %w", err)
	}
	if err := e.restoreSchedules(); err != nil {
		return fmt.Errorf("schedule restore failed: %w", err)
	}

	e.logger.Info().Int("workers", e.cfg.WorkerCount).Str("strategy", string(e.cfg.Strategy)).Msg("engine started")
	return nil
}

// Stop drains the engine: the scheduler stops firing, workers finish
// their current tasks and run coordinators settle.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.proc.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	e.workflows.Wait()
	e.collector.Stop()
	e.broker.Stop()
	e.logger.Info().Msg("engine stopped")
}

// recoverTasks re-queues tasks interrupted by a previous shutdown. Queued
// tasks re-enter the queue as they are; Running tasks were in flight when
// the process died and go back to Queued.
func (e *Engine) recoverTasks() error {
	running, err := e.store.ListTasksByStatus(types.TaskStatusRunning)
	if err != nil {
		return err
	}
	for _, task := range running {
		task.Status = types.TaskStatusQueued
		task.UpdatedAt = e.clock.Now()
		if err := e.store.UpdateTask(task); err != nil {
			e.logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to recover running task")
			continue
		}
		e.proc.Enqueue(task)
	}
	queued, err := e.store.ListTasksByStatus(types.TaskStatusQueued)
	if err != nil {
		return err
	}
	for _, task := range queued {
		e.proc.Enqueue(task)
	}
	if n := len(running) + len(queued); n > 0 {
		e.logger.Info().Int("tasks", n).Msg("recovered interrupted tasks")
	}
	return nil
}

// recoverRuns relaunches coordinators for runs that were active at shutdown
func (e *Engine) recoverRuns() error {
	workflows, err := e.store.ListWorkflows()
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		runs, err := e.store.ListRunsByWorkflow(wf.ID)
		if err != nil {
			return err
		}
		for _, run := range runs {
			if run.Status.Terminal() {
				continue
			}
			plan, err := workflow.Compile(wf)
			if err != nil {
				e.logger.Error().Err(err).Str("workflow_id", wf.ID).Str("run_id", run.ID).
					Msg("stored workflow no longer compiles; failing run")
				continue
			}
			e.workflows.Launch(e.ctx, wf, plan, run)
			e.logger.Info().Str("run_id", run.ID).Int("stage_index", run.StageIndex).Msg("resumed run")
		}
	}
	return nil
}

// restoreSchedules re-registers cron schedules from stored workflows,
// anchored at the last run start so missed fires can catch up.
func (e *Engine) restoreSchedules() error {
	workflows, err := e.store.ListWorkflows()
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		if wf.Schedule == "" {
			continue
		}
		since := e.lastRunStart(wf.ID)
		if err := e.scheduler.Add(wf.ID, wf.Schedule, wf.Timezone, since); err != nil {
			e.logger.Error().Err(err).Str("workflow_id", wf.ID).Msg("stored schedule is invalid")
		}
	}
	return nil
}

func (e *Engine) lastRunStart(workflowID string) time.Time {
	var last time.Time
	runs, err := e.store.ListRunsByWorkflow(workflowID)
	if err != nil {
		return last
	}
	for _, r := range runs {
		if r.StartedAt.After(last) {
			last = r.StartedAt
		}
	}
	return last
}
