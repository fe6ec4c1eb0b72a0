package processor

import (
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/clock"
	"github.com/loomworks/loom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(id string, priority int, created time.Time) *types.Task {
	return &types.Task{
		ID:        id,
		Kind:      "code-review",
		Priority:  priority,
		CreatedAt: created,
		ReadyAt:   created,
	}
}

func TestQueuePriorityOrder(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	q := NewQueue(clk)
	now := clk.Now()

	q.Push(task("low", 1, now))
	q.Push(task("high", 9, now))
	q.Push(task("mid", 5, now))

	assert.Equal(t, "high", q.Pop().ID)
	assert.Equal(t, "mid", q.Pop().ID)
	assert.Equal(t, "low", q.Pop().ID)
	assert.Nil(t, q.Pop())
}

func TestQueueSubmissionOrderOnTie(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	q := NewQueue(clk)
	now := clk.Now()

	// Identical (priority, created-at) dispatch in submission order
	q.Push(task("first", 5, now))
	q.Push(task("second", 5, now))
	q.Push(task("third", 5, now))

	assert.Equal(t, "first", q.Pop().ID)
	assert.Equal(t, "second", q.Pop().ID)
	assert.Equal(t, "third", q.Pop().ID)
}

func TestQueueHonorsReadyAt(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	q := NewQueue(clk)
	now := clk.Now()

	delayed := task("delayed", 9, now)
	delayed.ReadyAt = now.Add(30 * time.Second)
	q.Push(delayed)
	q.Push(task("ready", 1, now))

	// The delayed task outranks on priority but is not due yet
	assert.Equal(t, "ready", q.Pop().ID)
	assert.Nil(t, q.Pop())
	assert.Equal(t, 1, q.Len())

	clk.Advance(30 * time.Second)
	require.NotNil(t, q.Pop())
	assert.Equal(t, 0, q.Len())
}

func TestQueuePopMatch(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	q := NewQueue(clk)
	now := clk.Now()

	a := task("a", 5, now)
	b := task("b", 5, now)
	other := task("other", 7, now)
	other.Kind = "summarize"
	q.Push(a)
	q.Push(b)
	q.Push(other)

	taken := q.PopMatch(func(t *types.Task) bool { return t.Kind == "code-review" }, 10)
	require.Len(t, taken, 2)
	assert.Equal(t, "a", taken[0].ID)
	assert.Equal(t, "b", taken[1].ID)

	// The non-match stays queued
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, "other", q.Pop().ID)
}

func TestQueuePopMatchRespectsMax(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	q := NewQueue(clk)
	now := clk.Now()

	for _, id := range []string{"a", "b", "c"} {
		q.Push(task(id, 5, now))
	}

	taken := q.PopMatch(func(*types.Task) bool { return true }, 2)
	assert.Len(t, taken, 2)
	assert.Equal(t, 1, q.Len())
}
