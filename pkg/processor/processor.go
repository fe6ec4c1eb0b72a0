package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/clock"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/coordinator"
	"github.com/loomworks/loom/pkg/dedup"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/provider"
	"github.com/loomworks/loom/pkg/quota"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
	"github.com/rs/zerolog"
)

// pollInterval is how long an idle worker sleeps between queue polls
const pollInterval = 20 * time.Millisecond

// Deps bundles the collaborators a Processor needs
type Deps struct {
	Store    storage.Store
	Registry *provider.Registry
	Ledger   *quota.Ledger
	Cache    *dedup.Cache
	Coord    *coordinator.Coordinator
	Broker   *events.Broker
	Kinds    *types.KindRegistry
	Clock    clock.Clock
}

// Processor consumes the task queue with a fixed worker pool: for each
// task it resolves a provider through the coordinator, reserves quota,
// executes, records the outcome and schedules retries on alternate
// providers after transient failures.
type Processor struct {
	cfg   config.Config
	deps  Deps
	queue *Queue

	mu         sync.Mutex
	blacklists map[string]map[string]bool     // task ID → excluded providers
	running    map[string]context.CancelFunc  // task ID → dispatch-span cancel

	wg     sync.WaitGroup
	stopCh chan struct{}
	logger zerolog.Logger
}

// New creates a processor
func New(cfg config.Config, deps Deps) *Processor {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Processor{
		cfg:        cfg,
		deps:       deps,
		queue:      NewQueue(deps.Clock),
		blacklists: make(map[string]map[string]bool),
		running:    make(map[string]context.CancelFunc),
		stopCh:     make(chan struct{}),
		logger:     log.WithComponent("processor"),
	}
}

// Start launches the worker pool
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info().Int("workers", p.cfg.WorkerCount).Msg("processor started")
}

// Stop signals the workers and waits for them to drain their current tasks
func (p *Processor) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// QueueDepth reports the number of tasks waiting in the queue
func (p *Processor) QueueDepth() int {
	return p.queue.Len()
}

// Enqueue makes a task eligible for dispatch. The task record must already
// be persisted with status Queued.
func (p *Processor) Enqueue(task *types.Task) {
	p.queue.Push(task)
}

// Cancel cancels a task. Queued tasks transition to Cancelled directly;
// running tasks have their dispatch span cancelled: a parked follower
// settles Cancelled immediately, an in-flight provider call settles when
// it returns. Cancelling a terminal task is a no-op.
func (p *Processor) Cancel(taskID string) error {
	task, err := p.deps.Store.GetTask(taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case types.TaskStatusPending, types.TaskStatusQueued:
		updated, err := p.transition(taskID, func(t *types.Task) error {
			if t.Status.Terminal() {
				return nil
			}
			if t.Status == types.TaskStatusRunning {
				return errNowRunning
			}
			t.Status = types.TaskStatusCancelled
			return nil
		})
		if errors.Is(err, errNowRunning) {
			return p.cancelRunning(taskID)
		}
		if err != nil {
			return err
		}
		if updated.Status == types.TaskStatusCancelled {
			p.emit(events.EventTaskCancelled, updated, "task cancelled")
		}
		return nil
	case types.TaskStatusRunning:
		return p.cancelRunning(taskID)
	default:
		// already terminal; cancel is idempotent
		return nil
	}
}

var errNowRunning = errors.New("task started running")

func (p *Processor) cancelRunning(taskID string) error {
	p.mu.Lock()
	cancel, ok := p.running[taskID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}
		task := p.queue.Pop()
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		p.process(ctx, task)
	}
}

// process runs the dispatch loop for one popped task
func (p *Processor) process(ctx context.Context, popped *types.Task) {
	// Re-read the authoritative record; the queue entry may be stale
	// (cancelled while queued, or re-pushed under a newer version).
	task, err := p.deps.Store.GetTask(popped.ID)
	if err != nil {
		p.logger.Warn().Err(err).Str("task_id", popped.ID).Msg("popped task not in store")
		return
	}
	if task.Status != types.TaskStatusQueued {
		return
	}

	// The cancel signal covers the whole dispatch span: selection,
	// follower parking and the provider call alike. Registered before the
	// Running transition so Cancel never observes Running without a signal
	// to fire.
	spanCtx, cancelSpan := context.WithCancel(ctx)
	defer cancelSpan()
	p.mu.Lock()
	p.running[task.ID] = cancelSpan
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, task.ID)
		p.mu.Unlock()
		// A cancel that landed after the outcome was already decided (a
		// requeue, typically) still wins: the task comes to rest Cancelled
		// unless it settled terminal first.
		if spanCtx.Err() != nil && ctx.Err() == nil {
			p.markCancelled(task)
		}
	}()

	running, err := p.transition(task.ID, func(t *types.Task) error {
		if t.Status != types.TaskStatusQueued {
			return fmt.Errorf("task no longer queued: %s", t.Status)
		}
		t.Status = types.TaskStatusRunning
		return nil
	})
	if err != nil {
		return
	}
	task = running
	p.emit(events.EventTaskRunning, task, "task running")

	kindSpec, ok := p.deps.Kinds.Get(task.Kind)
	if !ok {
		// Submission validates kinds; reaching here is an invariant break
		p.deadLetter(task, types.NewTaskError(types.ErrInternal, "unregistered kind %q", task.Kind))
		return
	}

	fp := dedup.Fingerprint(task.Kind, task.Payload, kindSpec.RequiredFlags)
	decision := p.deps.Cache.GetOrClaim(fp, task.ID)
	switch decision.Kind {
	case dedup.DecisionHit:
		metrics.DedupEvents.WithLabelValues("hit").Inc()
		p.succeed(task, decision.Result.ProviderID, decision.Result)
	case dedup.DecisionFollow:
		metrics.DedupEvents.WithLabelValues("follow").Inc()
		p.follow(ctx, spanCtx, task, decision.Outcome)
	case dedup.DecisionClaim:
		metrics.DedupEvents.WithLabelValues("claim").Inc()
		p.executeClaim(ctx, spanCtx, task, kindSpec, decision.Claim, fp)
	}
}

// follow suspends the worker until the producer settles. The follower
// inherits the producer's result verbatim; an abandoned producer re-queues
// the follower as a fresh task. A cancelled follower settles Cancelled
// immediately and discards the producer outcome.
func (p *Processor) follow(ctx, spanCtx context.Context, task *types.Task, outcome <-chan dedup.Outcome) {
	select {
	case o := <-outcome:
		if o.Requeue {
			p.requeue(task, 0, "producer abandoned")
			return
		}
		p.succeed(task, o.Result.ProviderID, o.Result)
	case <-p.deps.Clock.After(p.cfg.FollowerTimeout):
		p.requeue(task, 0, "follower timeout")
	case <-spanCtx.Done():
		if ctx.Err() != nil {
			p.requeue(task, 0, "shutdown")
			return
		}
		p.markCancelled(task)
	case <-p.stopCh:
		p.requeue(task, 0, "shutdown")
	}
}

func (p *Processor) executeClaim(ctx, spanCtx context.Context, task *types.Task, kindSpec types.KindSpec, claim *dedup.Claim, fp string) {
	providers := p.deps.Registry.List()
	req := coordinator.Request{
		Task:          task,
		RequiredFlags: kindSpec.RequiredFlags,
		CostUnits:     kindSpec.CostUnits,
		Affinity:      p.affinityProvider(task),
		Blacklist:     p.blacklist(task.ID),
	}

	providerID, err := p.deps.Coord.Select(req, providers, p.deps.Ledger)
	if err != nil {
		te := types.Classify(err)
		p.abandon(claim)
		if te.Kind == types.ErrCapabilityMismatch {
			p.fail(task, "", te)
			return
		}
		p.requeue(task, p.retryDelay(task, providerID), te.Message)
		return
	}

	impl, err := p.deps.Registry.Impl(providerID)
	if err != nil {
		p.abandon(claim)
		p.requeue(task, p.retryDelay(task, ""), "provider deregistered during selection")
		return
	}

	estimate := impl.EstimateCost(task)
	units := estimate.Units
	if units <= 0 {
		units = kindSpec.CostUnits
	}
	reservation, err := p.deps.Ledger.TryReserve(providerID, estimate.SubKey, units)
	if err != nil {
		// Raced another worker to the last headroom; the coordinator will
		// re-filter with the updated ledger next time around.
		p.abandon(claim)
		p.requeue(task, p.quotaDelay(task, providerID), "quota exhausted")
		return
	}

	// A cancel that landed during selection or reservation settles here
	// instead of reaching the provider.
	if spanCtx.Err() != nil && ctx.Err() == nil {
		if err := p.deps.Ledger.Refund(reservation); err != nil {
			p.logger.Warn().Err(err).Str("task_id", task.ID).Msg("quota refund failed")
		}
		p.abandon(claim)
		p.markCancelled(task)
		return
	}

	// Batching: pull fingerprint-distinct queued work for the same
	// provider into one upstream call when the capability allows it.
	caps := impl.Capabilities()
	if caps.Batching && caps.MaxBatchSize > 1 {
		if mates := p.collectBatch(task, kindSpec, providerID, caps.MaxBatchSize-1, fp); len(mates) > 0 {
			p.executeBatch(spanCtx, impl, providerID, reservation, task, claim, mates, kindSpec)
			return
		}
	}

	result, execErr := p.invoke(spanCtx, impl, providerID, task)
	p.settle(task, kindSpec, claim, providerID, reservation, result, execErr)
}

// invoke runs one provider call under the task deadline, tracking
// in-flight counts, health and latency.
func (p *Processor) invoke(ctx context.Context, impl provider.Provider, providerID string, task *types.Task) (*types.TaskResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, p.deadlineFor(task))
	defer cancel()

	// Attempts counts provider invocations
	updated, err := p.transition(task.ID, func(t *types.Task) error {
		t.Attempts++
		t.AssignedProvider = providerID
		return nil
	})
	if err == nil {
		*task = *updated
	}

	p.deps.Registry.IncInFlight(providerID)
	start := time.Now()
	result, execErr := impl.Execute(execCtx, task)
	latency := time.Since(start)
	p.deps.Registry.DecInFlight(providerID)
	p.deps.Registry.Observe(providerID, execErr, latency)

	outcome := "success"
	if execErr != nil {
		outcome = string(types.Classify(execErr).Kind)
	}
	metrics.ProviderInvocations.WithLabelValues(providerID, outcome).Inc()
	metrics.ProviderLatency.WithLabelValues(providerID).Observe(latency.Seconds())

	if execErr == nil && result != nil {
		result.TaskID = task.ID
		result.ProviderID = providerID
		if result.CompletedAt.IsZero() {
			result.CompletedAt = p.deps.Clock.Now()
		}
	}
	return result, execErr
}

// settle applies the outcome of a single (non-batch) invocation
func (p *Processor) settle(task *types.Task, kindSpec types.KindSpec, claim *dedup.Claim, providerID string, reservation *quota.Reservation, result *types.TaskResult, execErr error) {
	if execErr == nil {
		if err := p.deps.Ledger.Commit(reservation); err != nil {
			p.logger.Warn().Err(err).Str("task_id", task.ID).Msg("quota commit failed")
		}
		if err := p.deps.Cache.Publish(claim, result, p.cacheTTL(kindSpec)); err != nil {
			p.logger.Warn().Err(err).Str("task_id", task.ID).Msg("dedup publish failed")
		}
		p.succeed(task, providerID, result)
		return
	}

	if err := p.deps.Ledger.Refund(reservation); err != nil {
		p.logger.Warn().Err(err).Str("task_id", task.ID).Msg("quota refund failed")
	}
	p.abandon(claim)

	te := types.Classify(execErr)
	switch {
	case te.Kind == types.ErrCancelled:
		p.markCancelled(task)
	case !te.Retryable:
		p.fail(task, providerID, te)
	default:
		p.retryOrDeadLetter(task, providerID, te)
	}
}

func (p *Processor) retryOrDeadLetter(task *types.Task, providerID string, te *types.TaskError) {
	fresh, err := p.deps.Store.GetTask(task.ID)
	if err != nil {
		return
	}
	if fresh.Attempts >= p.cfg.MaxRetries {
		p.deadLetter(fresh, te)
		return
	}
	// Exclude the failing provider from this task's next selection
	p.mu.Lock()
	bl := p.blacklists[task.ID]
	if bl == nil {
		bl = make(map[string]bool)
		p.blacklists[task.ID] = bl
	}
	bl[providerID] = true
	p.mu.Unlock()

	metrics.TaskRetries.Inc()
	delay := backoff(p.cfg.BackoffBase, p.cfg.BackoffMax, fresh.Attempts)
	if te.Kind == types.ErrQuotaExhausted {
		delay = p.alignToReset(delay, providerID)
	}
	p.requeueWithError(fresh, delay, te)
}

// requeue moves a Running task back to Queued with an optional delay,
// without recording an error (used for transient scheduling conditions).
func (p *Processor) requeue(task *types.Task, delay time.Duration, reason string) {
	updated, err := p.transition(task.ID, func(t *types.Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("terminal")
		}
		t.Status = types.TaskStatusQueued
		t.AssignedProvider = ""
		t.ReadyAt = p.deps.Clock.Now().Add(delay)
		return nil
	})
	if err != nil {
		return
	}
	p.logger.Debug().Str("task_id", task.ID).Dur("delay", delay).Str("reason", reason).Msg("task requeued")
	p.queue.Push(updated)
}

func (p *Processor) requeueWithError(task *types.Task, delay time.Duration, te *types.TaskError) {
	updated, err := p.transition(task.ID, func(t *types.Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("terminal")
		}
		t.Status = types.TaskStatusQueued
		t.AssignedProvider = ""
		t.ReadyAt = p.deps.Clock.Now().Add(delay)
		t.LastError = te.Error()
		return nil
	})
	if err != nil {
		return
	}
	p.emit(events.EventTaskRetrying, updated, te.Message)
	p.queue.Push(updated)
}

func (p *Processor) succeed(task *types.Task, providerID string, result *types.TaskResult) {
	updated, err := p.transition(task.ID, func(t *types.Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("terminal")
		}
		t.Status = types.TaskStatusSucceeded
		t.AssignedProvider = providerID
		t.Result = result
		t.LastError = ""
		return nil
	})
	if err != nil {
		return
	}
	p.forget(task.ID)
	p.emit(events.EventTaskSucceeded, updated, "task succeeded")
}

func (p *Processor) fail(task *types.Task, providerID string, te *types.TaskError) {
	updated, err := p.transition(task.ID, func(t *types.Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("terminal")
		}
		t.Status = types.TaskStatusFailed
		if providerID != "" {
			t.AssignedProvider = providerID
		}
		t.LastError = te.Error()
		return nil
	})
	if err != nil {
		return
	}
	p.forget(task.ID)
	p.emit(events.EventTaskFailed, updated, te.Message)
}

func (p *Processor) deadLetter(task *types.Task, te *types.TaskError) {
	updated, err := p.transition(task.ID, func(t *types.Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("terminal")
		}
		t.Status = types.TaskStatusDeadLettered
		t.LastError = te.Error()
		return nil
	})
	if err != nil {
		return
	}
	p.forget(task.ID)
	p.emit(events.EventTaskDeadLettered, updated, te.Message)
	if te.Kind == types.ErrInternal {
		p.deps.Broker.Publish(&events.Event{
			Type:    events.EventOperatorAlert,
			TaskID:  task.ID,
			Message: te.Message,
		})
	}
}

func (p *Processor) markCancelled(task *types.Task) {
	updated, err := p.transition(task.ID, func(t *types.Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("terminal")
		}
		t.Status = types.TaskStatusCancelled
		return nil
	})
	if err != nil {
		return
	}
	p.forget(task.ID)
	p.emit(events.EventTaskCancelled, updated, "task cancelled")
}

// forget drops per-task bookkeeping once the task is terminal
func (p *Processor) forget(taskID string) {
	p.mu.Lock()
	delete(p.blacklists, taskID)
	p.mu.Unlock()
}

func (p *Processor) blacklist(taskID string) map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	bl := p.blacklists[taskID]
	if bl == nil {
		return nil
	}
	out := make(map[string]bool, len(bl))
	for k, v := range bl {
		out[k] = v
	}
	return out
}

// affinityProvider returns the provider that most recently succeeded in
// this task's workflow run, if any.
func (p *Processor) affinityProvider(task *types.Task) string {
	if task.ParentWorkflowID == "" {
		return ""
	}
	run, err := p.deps.Store.GetRun(task.ParentWorkflowID)
	if err != nil {
		return ""
	}
	var affinity string
	for _, sr := range run.Context {
		if sr.Status == types.StageSucceeded && sr.ProviderID != "" {
			affinity = sr.ProviderID
		}
	}
	return affinity
}

func (p *Processor) deadlineFor(task *types.Task) time.Duration {
	d := p.cfg.RequestTimeout
	if !task.Deadline.IsZero() {
		if until := task.Deadline.Sub(p.deps.Clock.Now()); until < d {
			d = until
		}
	}
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

func (p *Processor) cacheTTL(kindSpec types.KindSpec) time.Duration {
	if kindSpec.DisableCache {
		return dedup.Transient
	}
	if kindSpec.CacheTTL > 0 {
		return kindSpec.CacheTTL
	}
	return p.cfg.DedupTTL
}

func (p *Processor) retryDelay(task *types.Task, _ string) time.Duration {
	attempts := task.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff(p.cfg.BackoffBase, p.cfg.BackoffMax, attempts)
}

// quotaDelay aligns the retry to the nearest quota window reset when that
// is sooner than the exponential backoff would wait.
func (p *Processor) quotaDelay(task *types.Task, providerID string) time.Duration {
	return p.alignToReset(p.retryDelay(task, providerID), providerID)
}

func (p *Processor) alignToReset(delay time.Duration, providerID string) time.Duration {
	if providerID == "" {
		return delay
	}
	reset, ok := p.deps.Ledger.NearestReset(providerID)
	if !ok {
		return delay
	}
	untilReset := reset.Sub(p.deps.Clock.Now())
	if untilReset > 0 && untilReset < delay {
		return untilReset
	}
	return delay
}

func (p *Processor) abandon(claim *dedup.Claim) {
	if err := p.deps.Cache.Abandon(claim); err != nil && !errors.Is(err, dedup.ErrClaimMismatch) {
		p.logger.Warn().Err(err).Msg("dedup abandon failed")
	}
}

// transition applies a mutation to a task under optimistic concurrency,
// retrying on version conflicts.
func (p *Processor) transition(taskID string, mutate func(*types.Task) error) (*types.Task, error) {
	for {
		task, err := p.deps.Store.GetTask(taskID)
		if err != nil {
			return nil, err
		}
		if err := mutate(task); err != nil {
			return nil, err
		}
		task.UpdatedAt = p.deps.Clock.Now()
		err = p.deps.Store.UpdateTask(task)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return task, nil
	}
}

func (p *Processor) emit(typ events.EventType, task *types.Task, msg string) {
	metrics.TaskTransitions.WithLabelValues(string(task.Status)).Inc()
	p.deps.Broker.Publish(&events.Event{
		Type:       typ,
		TaskID:     task.ID,
		ProviderID: task.AssignedProvider,
		RunID:      task.ParentWorkflowID,
		Message:    msg,
		Metadata: map[string]string{
			"kind":     task.Kind,
			"status":   string(task.Status),
			"attempts": fmt.Sprintf("%d", task.Attempts),
		},
	})
}
