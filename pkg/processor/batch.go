package processor

import (
	"context"
	"time"

	"github.com/loomworks/loom/pkg/dedup"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/provider"
	"github.com/loomworks/loom/pkg/quota"
	"github.com/loomworks/loom/pkg/types"
)

// mate is a queued task that joined a batch: it holds its own dedup claim
// and quota reservation, settled individually after the upstream call.
type mate struct {
	task        *types.Task
	claim       *dedup.Claim
	reservation *quota.Reservation
}

// collectBatch pulls additional queued tasks of the same kind into the
// batch the worker is about to dispatch. Each candidate goes through the
// same dedup and quota gates as a singleton; only distinct-fingerprint
// claims join, cache hits settle inline, and followers never enter a
// batch.
func (p *Processor) collectBatch(primary *types.Task, kindSpec types.KindSpec, providerID string, max int, primaryFP string) []mate {
	candidates := p.queue.PopMatch(func(t *types.Task) bool {
		return t.Kind == primary.Kind
	}, max)
	if len(candidates) == 0 {
		return nil
	}

	seen := map[string]bool{primaryFP: true}
	var mates []mate
	for _, cand := range candidates {
		task, err := p.deps.Store.GetTask(cand.ID)
		if err != nil || task.Status != types.TaskStatusQueued {
			continue
		}
		if p.blacklist(task.ID)[providerID] {
			p.queue.Push(task)
			continue
		}

		fp := dedup.Fingerprint(task.Kind, task.Payload, kindSpec.RequiredFlags)
		if seen[fp] {
			// Same payload as another batch member; let the dedup cache
			// collapse it on the next pop instead.
			p.queue.Push(task)
			continue
		}

		decision := p.deps.Cache.GetOrClaim(fp, task.ID)
		switch decision.Kind {
		case dedup.DecisionHit:
			metrics.DedupEvents.WithLabelValues("hit").Inc()
			if t, err := p.markRunningQueued(task); err == nil {
				p.succeed(t, decision.Result.ProviderID, decision.Result)
			} else {
				p.queue.Push(task)
			}
			continue
		case dedup.DecisionFollow:
			// A follower must park on the producer's outcome channel; that
			// path belongs to a dedicated worker, not a batch.
			p.queue.Push(task)
			continue
		}

		res, err := p.deps.Ledger.TryReserve(providerID, "", kindSpec.CostUnits)
		if err != nil {
			p.abandon(decision.Claim)
			p.queue.Push(task)
			continue
		}
		running, err := p.markRunningQueued(task)
		if err != nil {
			p.abandon(decision.Claim)
			p.deps.Ledger.Refund(res)
			continue
		}
		seen[fp] = true
		mates = append(mates, mate{task: running, claim: decision.Claim, reservation: res})
	}
	return mates
}

// markRunningQueued transitions a Queued task to Running
func (p *Processor) markRunningQueued(task *types.Task) (*types.Task, error) {
	updated, err := p.transition(task.ID, func(t *types.Task) error {
		if t.Status != types.TaskStatusQueued {
			return errNowRunning
		}
		t.Status = types.TaskStatusRunning
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.emit(events.EventTaskRunning, updated, "task running")
	return updated, nil
}

// executeBatch runs the primary task plus its mates in one upstream call
// and settles every member individually.
func (p *Processor) executeBatch(ctx context.Context, impl provider.Provider, providerID string, primaryRes *quota.Reservation, primary *types.Task, primaryClaim *dedup.Claim, mates []mate, kindSpec types.KindSpec) {
	members := make([]mate, 0, len(mates)+1)
	members = append(members, mate{task: primary, claim: primaryClaim, reservation: primaryRes})
	members = append(members, mates...)

	tasks := make([]*types.Task, len(members))
	for i, m := range members {
		if updated, err := p.transition(m.task.ID, func(t *types.Task) error {
			t.Attempts++
			t.AssignedProvider = providerID
			return nil
		}); err == nil {
			members[i].task = updated
		}
		tasks[i] = members[i].task
	}

	execCtx, cancel := context.WithTimeout(ctx, p.deadlineFor(primary))
	defer cancel()

	p.deps.Registry.IncInFlight(providerID)
	start := time.Now()
	items, callErr := impl.ExecuteBatch(execCtx, tasks)
	latency := time.Since(start)
	p.deps.Registry.DecInFlight(providerID)
	p.deps.Registry.Observe(providerID, callErr, latency)
	metrics.BatchDispatches.WithLabelValues(providerID).Inc()

	if callErr != nil {
		// Whole call failed: nothing was consumed upstream, so every
		// member refunds, abandons and retries on its own.
		te := types.Classify(callErr)
		for _, m := range members {
			p.deps.Ledger.Refund(m.reservation)
			p.abandon(m.claim)
			switch {
			case te.Kind == types.ErrCancelled:
				p.markCancelled(m.task)
			case !te.Retryable:
				p.fail(m.task, providerID, te)
			default:
				p.retryOrDeadLetter(m.task, providerID, te)
			}
		}
		return
	}

	// The call went through: quota was consumed for the whole batch.
	byTask := make(map[string]provider.BatchItem, len(items))
	for _, it := range items {
		byTask[it.TaskID] = it
	}
	for _, m := range members {
		p.deps.Ledger.Commit(m.reservation)
		it, ok := byTask[m.task.ID]
		if !ok || (it.Err == nil && it.Result == nil) {
			p.abandon(m.claim)
			p.fail(m.task, providerID, types.NewTaskError(types.ErrProviderReject, "batch response missing task"))
			continue
		}
		if it.Err != nil {
			p.abandon(m.claim)
			te := types.Classify(it.Err)
			if !te.Retryable {
				p.fail(m.task, providerID, te)
			} else {
				p.retryOrDeadLetter(m.task, providerID, te)
			}
			continue
		}
		result := it.Result
		result.TaskID = m.task.ID
		result.ProviderID = providerID
		if result.CompletedAt.IsZero() {
			result.CompletedAt = p.deps.Clock.Now()
		}
		if err := p.deps.Cache.Publish(m.claim, result, p.cacheTTL(kindSpec)); err != nil {
			p.logger.Warn().Err(err).Str("task_id", m.task.ID).Msg("dedup publish failed")
		}
		p.succeed(m.task, providerID, result)
	}
}
