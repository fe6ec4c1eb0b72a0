package processor

import (
	"container/heap"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/clock"
	"github.com/loomworks/loom/pkg/types"
)

// item wraps a task with an insertion sequence number so equal-key tasks
// dispatch in submission order.
type item struct {
	task *types.Task
	seq  uint64
}

// readyHeap orders dispatchable items by (priority DESC, ready-at ASC,
// created-at ASC, seq ASC).
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.ReadyAt.Equal(b.task.ReadyAt) {
		return a.task.ReadyAt.Before(b.task.ReadyAt)
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// waitHeap orders not-yet-ready items by ready-at so promotion is O(log n)
type waitHeap []*item

func (h waitHeap) Len() int { return len(h) }

func (h waitHeap) Less(i, j int) bool {
	return h[i].task.ReadyAt.Before(h[j].task.ReadyAt)
}

func (h waitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waitHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }

func (h *waitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the processor's priority queue. Items whose ready-at lies in
// the future sit in a waiting heap and are promoted on each Pop; Pop never
// returns a task before its ready-at.
type Queue struct {
	mu      sync.Mutex
	ready   readyHeap
	waiting waitHeap
	seq     uint64
	clock   clock.Clock
}

// NewQueue creates an empty queue
func NewQueue(clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	return &Queue{clock: clk}
}

// Push adds a task
func (q *Queue) Push(task *types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	it := &item{task: task, seq: q.seq}
	if task.ReadyAt.After(q.clock.Now()) {
		heap.Push(&q.waiting, it)
	} else {
		heap.Push(&q.ready, it)
	}
}

// promote moves due items from waiting to ready. Caller holds the lock.
func (q *Queue) promote(now time.Time) {
	for len(q.waiting) > 0 && !q.waiting[0].task.ReadyAt.After(now) {
		it := heap.Pop(&q.waiting).(*item)
		heap.Push(&q.ready, it)
	}
}

// Pop returns the next dispatchable task, or nil if none is ready
func (q *Queue) Pop() *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promote(q.clock.Now())
	if len(q.ready) == 0 {
		return nil
	}
	return heap.Pop(&q.ready).(*item).task
}

// PopMatch removes and returns up to max ready tasks satisfying the
// predicate, in dispatch order. Used for opportunistic batching.
func (q *Queue) PopMatch(match func(*types.Task) bool, max int) []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promote(q.clock.Now())
	if max <= 0 || len(q.ready) == 0 {
		return nil
	}

	// Drain in heap order, keeping non-matches aside
	var taken []*types.Task
	var kept []*item
	for len(q.ready) > 0 && len(taken) < max {
		it := heap.Pop(&q.ready).(*item)
		if match(it.task) {
			taken = append(taken, it.task)
		} else {
			kept = append(kept, it)
		}
	}
	for _, it := range kept {
		heap.Push(&q.ready, it)
	}
	return taken
}

// Len reports the total queued task count, ready or not
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.waiting)
}
