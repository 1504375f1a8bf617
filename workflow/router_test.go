// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/pipeflow/types"
)

func stateWithSignal(nodeID, signal string) *types.WorkflowState {
	state := types.NewWorkflowState("wf-1", "def", nodeID, nil)
	state.RecordOutput(nodeID, types.StepOutput{
		Success:       true,
		RoutingSignal: signal,
		ProducedAt:    time.Now().UTC(),
	})
	return state
}

func TestSignalRouter(t *testing.T) {
	r := NewSignalRouter("quality_gate").
		On("APPROVE", "security_scan").
		On("REWORK", "implement").
		On("BLOCK", "aborted")

	tests := []struct {
		signal string
		want   string
	}{
		{"APPROVE", "security_scan"},
		{"REWORK", "implement"},
		{"BLOCK", "aborted"},
	}
	for _, tt := range tests {
		got, err := r.Route(stateWithSignal("quality_gate", tt.signal))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	assert.ElementsMatch(t, []string{"security_scan", "implement", "aborted"}, r.Targets())
}

func TestSignalRouterUnmappedSignal(t *testing.T) {
	r := NewSignalRouter("gate").On("GO", "next")

	_, err := r.Route(stateWithSignal("gate", "UNKNOWN"))
	require.Error(t, err)
	assert.Equal(t, types.ErrRouterContractViolation, types.GetErrorCode(err))

	r.Default("fallback")
	got, err := r.Route(stateWithSignal("gate", "UNKNOWN"))
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)
}

func TestExprRouterQualityBranch(t *testing.T) {
	r, err := NewExprRouter("reflect",
		`data.quality < 0.8 ? "implement" : "quality_gate"`,
		"implement", "quality_gate")
	require.NoError(t, err)

	state := types.NewWorkflowState("wf-1", "def", "reflect", nil)
	state.RecordOutput("reflect", types.StepOutput{
		Success: true,
		Data:    map[string]any{"quality": 0.5},
	})
	got, err := r.Route(state)
	require.NoError(t, err)
	assert.Equal(t, "implement", got)

	state.RecordOutput("reflect", types.StepOutput{
		Success: true,
		Data:    map[string]any{"quality": 0.92},
	})
	got, err = r.Route(state)
	require.NoError(t, err)
	assert.Equal(t, "quality_gate", got)
}

func TestExprRouterCounterAccess(t *testing.T) {
	r, err := NewExprRouter("reflect",
		`counter("reflection_retry") < 2 ? "implement" : "quality_gate"`,
		"implement", "quality_gate")
	require.NoError(t, err)

	state := types.NewWorkflowState("wf-1", "def", "reflect", nil)
	got, err := r.Route(state)
	require.NoError(t, err)
	assert.Equal(t, "implement", got)

	state.RetryCounters["reflection_retry"] = 2
	got, err = r.Route(state)
	require.NoError(t, err)
	assert.Equal(t, "quality_gate", got)
}

func TestExprRouterNonStringResult(t *testing.T) {
	r, err := NewExprRouter("n", `1 + 2`)
	require.NoError(t, err)

	_, err = r.Route(types.NewWorkflowState("wf-1", "def", "n", nil))
	require.Error(t, err)
	assert.Equal(t, types.ErrRouterContractViolation, types.GetErrorCode(err))
}

func TestExprRouterCompileError(t *testing.T) {
	_, err := NewExprRouter("n", `this is ( not an expression`)
	require.Error(t, err)
}

// TestRouterDeterminismProperty checks the routing contract: for any fixed
// state a router returns the same node on every evaluation.
func TestRouterDeterminismProperty(t *testing.T) {
	signals := []string{"PROCEED", "ITERATE", "DEFER", "REWORK", "APPROVE", "BLOCK", "CRITICAL", "CLEAR", ""}

	signalRouter := NewSignalRouter("gate").
		On("APPROVE", "next").
		On("REWORK", "back").
		On("BLOCK", "stop").
		Default("next")
	exprRouter := MustExprRouter("gate",
		`signal == "REWORK" && counter("qa_rework") < 3 ? "back" : "next"`,
		"back", "next")

	rapid.Check(t, func(t *rapid.T) {
		state := types.NewWorkflowState("wf-1", "def", "gate", nil)
		state.RecordOutput("gate", types.StepOutput{
			Success:       true,
			RoutingSignal: rapid.SampledFrom(signals).Draw(t, "signal"),
		})
		state.RetryCounters["qa_rework"] = rapid.IntRange(0, 5).Draw(t, "qa_rework")
		state.RetryCounters["reflection_retry"] = rapid.IntRange(0, 5).Draw(t, "reflection_retry")

		for _, router := range []Router{signalRouter, exprRouter} {
			first, err := router.Route(state)
			require.NoError(t, err)
			for i := 0; i < 10; i++ {
				again, err := router.Route(state)
				require.NoError(t, err)
				require.Equal(t, first, again)
			}
		}
	})
}
