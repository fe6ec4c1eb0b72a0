package workflow

import (
	"sort"

	"github.com/loomworks/loom/pkg/types"
)

// ExecutionPlan is a workflow compiled into topological levels. Templates
// within a level have no dependencies among each other and may run in
// parallel; level k+1 starts only after every task of level k is terminal.
type ExecutionPlan struct {
	Levels [][]types.TaskTemplate

	// conditions holds the compiled gate per stage: every incoming edge
	// condition must hold for the stage to run.
	conditions map[string][]compiledEdge

	// upstreams maps each stage to its direct dependencies
	upstreams map[string][]string
}

type compiledEdge struct {
	from string
	expr Expr // nil for unconditioned edges
}

// Compile validates a workflow and builds its execution plan. It fails
// with UnknownStageRef when an edge or condition names an undeclared
// stage, BadCondition when a condition does not parse or reads a stage
// that is not upstream, and CyclicDependency when the graph has a cycle.
func Compile(wf *types.Workflow) (*ExecutionPlan, error) {
	if len(wf.Stages) == 0 {
		return nil, types.NewTaskError(types.ErrBadCondition, "workflow %s has no stages", wf.ID)
	}

	declared := make(map[string]bool, len(wf.Stages))
	for _, t := range wf.Stages {
		if t.StageID == "" {
			return nil, types.NewTaskError(types.ErrUnknownStageRef, "workflow %s has a stage with no ID", wf.ID)
		}
		if declared[t.StageID] {
			return nil, types.NewTaskError(types.ErrUnknownStageRef, "duplicate stage ID %q", t.StageID)
		}
		declared[t.StageID] = true
	}

	plan := &ExecutionPlan{
		conditions: make(map[string][]compiledEdge),
		upstreams:  make(map[string][]string),
	}
	indegree := make(map[string]int, len(wf.Stages))
	downstream := make(map[string][]string)
	for id := range declared {
		indegree[id] = 0
	}

	for _, e := range wf.Edges {
		if !declared[e.From] {
			return nil, types.NewTaskError(types.ErrUnknownStageRef, "edge references undeclared stage %q", e.From)
		}
		if !declared[e.To] {
			return nil, types.NewTaskError(types.ErrUnknownStageRef, "edge references undeclared stage %q", e.To)
		}
		var expr Expr
		if e.Condition != "" {
			var err error
			expr, err = ParseCondition(e.Condition)
			if err != nil {
				return nil, err
			}
			for _, refID := range ConditionRefs(expr) {
				if !declared[refID] {
					return nil, types.NewTaskError(types.ErrUnknownStageRef,
						"condition on edge %s->%s references undeclared stage %q", e.From, e.To, refID)
				}
			}
		}
		indegree[e.To]++
		downstream[e.From] = append(downstream[e.From], e.To)
		plan.upstreams[e.To] = append(plan.upstreams[e.To], e.From)
		plan.conditions[e.To] = append(plan.conditions[e.To], compiledEdge{from: e.From, expr: expr})
	}

	// Kahn's algorithm, emitting whole frontiers so independent stages
	// land in the same level.
	remaining := make(map[string]int, len(indegree))
	for id, d := range indegree {
		remaining[id] = d
	}
	level := make(map[string]int, len(indegree))
	emitted := 0
	frontier := zeroDegree(remaining)
	depth := 0
	for len(frontier) > 0 {
		var templates []types.TaskTemplate
		for _, id := range frontier {
			t, _ := wf.Stage(id)
			templates = append(templates, t)
			level[id] = depth
			emitted++
			delete(remaining, id)
			for _, next := range downstream[id] {
				remaining[next]--
			}
		}
		plan.Levels = append(plan.Levels, templates)
		frontier = zeroDegree(remaining)
		depth++
	}

	if emitted != len(wf.Stages) {
		cyclic := make([]string, 0, len(remaining))
		for id := range remaining {
			cyclic = append(cyclic, id)
		}
		sort.Strings(cyclic)
		return nil, types.NewTaskError(types.ErrCyclicDependency, "cycle through stages %v", cyclic)
	}

	// Conditions may only read stages that settle strictly before the
	// gated stage runs.
	for to, edges := range plan.conditions {
		for _, ce := range edges {
			if ce.expr == nil {
				continue
			}
			for _, refID := range ConditionRefs(ce.expr) {
				if level[refID] >= level[to] {
					return nil, types.NewTaskError(types.ErrBadCondition,
						"condition on stage %q reads stage %q, which does not complete before it", to, refID)
				}
			}
		}
	}

	return plan, nil
}

// zeroDegree returns the IDs with no unresolved dependencies, sorted for
// deterministic plan output.
func zeroDegree(remaining map[string]int) []string {
	var out []string
	for id, d := range remaining {
		if d == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Gate evaluates whether a stage should run given the current context.
// A stage is skipped when any incoming edge condition is false, or when
// an unconditioned upstream was itself skipped or failed.
func (p *ExecutionPlan) Gate(stageID string, ctx map[string]types.StageResult) (bool, error) {
	for _, ce := range p.conditions[stageID] {
		if ce.expr == nil {
			if sr, ok := ctx[ce.from]; ok && sr.Status == types.StageSkipped {
				return false, nil
			}
			continue
		}
		ok, err := ce.expr.Eval(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Upstreams returns the direct dependencies of a stage
func (p *ExecutionPlan) Upstreams(stageID string) []string {
	return p.upstreams[stageID]
}
