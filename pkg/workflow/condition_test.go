package workflow

import (
	"testing"

	"github.com/loomworks/loom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalCondition(t *testing.T, src string, ctx map[string]types.StageResult) bool {
	t.Helper()
	expr, err := ParseCondition(src)
	require.NoError(t, err)
	v, err := expr.Eval(ctx)
	require.NoError(t, err)
	return v
}

func TestConditionStatusComparison(t *testing.T) {
	ctx := map[string]types.StageResult{
		"review": {Status: types.StageSucceeded},
	}

	assert.True(t, evalCondition(t, `$review.status == "succeeded"`, ctx))
	assert.False(t, evalCondition(t, `$review.status == "failed"`, ctx))
	assert.True(t, evalCondition(t, `$review.status != "failed"`, ctx))
}

func TestConditionOutputPath(t *testing.T) {
	ctx := map[string]types.StageResult{
		"review": {
			Status: types.StageSucceeded,
			Output: map[string]interface{}{
				"verdict": "approve",
				"detail":  map[string]interface{}{"severity": "low"},
			},
		},
	}

	assert.True(t, evalCondition(t, `$review.output.verdict == "approve"`, ctx))
	assert.True(t, evalCondition(t, `$review.output.detail.severity == "low"`, ctx))
	assert.False(t, evalCondition(t, `$review.output.detail.severity == "high"`, ctx))
}

func TestConditionBooleanOperators(t *testing.T) {
	ctx := map[string]types.StageResult{
		"a": {Status: types.StageSucceeded},
		"b": {Status: types.StageFailed},
	}

	assert.True(t, evalCondition(t, `$a.status == "succeeded" && $b.status == "failed"`, ctx))
	assert.False(t, evalCondition(t, `$a.status == "failed" && $b.status == "failed"`, ctx))
	assert.True(t, evalCondition(t, `$a.status == "failed" || $b.status == "failed"`, ctx))
	assert.True(t, evalCondition(t, `!($a.status == "failed")`, ctx))
	assert.True(t, evalCondition(t, `!($a.status == "failed") && ($b.status == "failed" || $b.status == "skipped")`, ctx))
}

func TestConditionMissingStageResolvesEmpty(t *testing.T) {
	ctx := map[string]types.StageResult{}

	// Skipped stages leave no context entry; references go empty, not error
	assert.True(t, evalCondition(t, `$ghost.status == ""`, ctx))
	assert.False(t, evalCondition(t, `$ghost.output.verdict == "approve"`, ctx))
}

func TestConditionBoolOutputStringified(t *testing.T) {
	ctx := map[string]types.StageResult{
		"check": {Output: map[string]interface{}{"passed": true}},
	}
	assert.True(t, evalCondition(t, `$check.output.passed == "true"`, ctx))
}

func TestConditionNonStringOutputFails(t *testing.T) {
	ctx := map[string]types.StageResult{
		"check": {Output: map[string]interface{}{"count": 3.0}},
	}
	expr, err := ParseCondition(`$check.output.count == "3"`)
	require.NoError(t, err)

	_, err = expr.Eval(ctx)
	require.Error(t, err)
	assert.Equal(t, types.ErrBadCondition, types.Classify(err).Kind)
}

func TestConditionParseErrors(t *testing.T) {
	bad := []string{
		``,
		`$review.status`,
		`$review.status = "x"`,
		`$review.status == "unterminated`,
		`($review.status == "x"`,
		`$review.status == "x" &&`,
		`$review.verdict == "x"`,
		`review.status == "x"`,
		`$review.status == "x" "y"`,
	}
	for _, src := range bad {
		_, err := ParseCondition(src)
		require.Error(t, err, "expected parse failure for %q", src)
		assert.Equal(t, types.ErrBadCondition, types.Classify(err).Kind, "source %q", src)
	}
}

func TestConditionRefs(t *testing.T) {
	expr, err := ParseCondition(`$a.status == "succeeded" && ($b.output.x != "y" || !($c.status == "skipped"))`)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ConditionRefs(expr))
}
