package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkflowState(t *testing.T) {
	s := NewWorkflowState("wf-1", "delivery", "strategic_review", "ship feature X")

	assert.Equal(t, "wf-1", s.WorkflowID)
	assert.Equal(t, "strategic_review", s.CurrentNodeID)
	assert.Equal(t, StatusRunning, s.Status)
	assert.Equal(t, 0, s.Version)
	assert.Empty(t, s.CompletedSteps)
	assert.NotNil(t, s.Context)
	assert.NotNil(t, s.RetryCounters)
}

func TestCloneIsDeep(t *testing.T) {
	s := NewWorkflowState("wf-1", "delivery", "implement", nil)
	s.RecordOutput("implement", StepOutput{Success: true, RoutingSignal: "PASS", ProducedAt: time.Now()})
	s.RetryCounters["qa_rework"] = 1

	clone := s.Clone()

	// Mutating the original must not show through the clone.
	s.RecordOutput("build", StepOutput{Success: true, RoutingSignal: "PASS"})
	s.RetryCounters["qa_rework"] = 5
	s.CompletedSteps[0] = "mutated"

	require.Len(t, clone.CompletedSteps, 1)
	assert.Equal(t, "implement", clone.CompletedSteps[0])
	assert.Equal(t, 1, clone.RetryCounters["qa_rework"])
	_, hasBuild := clone.Context["build"]
	assert.False(t, hasBuild)
}

func TestRecordOutputKeepsRepeats(t *testing.T) {
	s := NewWorkflowState("wf-1", "delivery", "implement", nil)
	s.RecordOutput("implement", StepOutput{Success: true, RoutingSignal: "PASS"})
	s.RecordOutput("test", StepOutput{Success: true, RoutingSignal: "FAIL"})
	s.RecordOutput("implement", StepOutput{Success: true, RoutingSignal: "PASS"})

	// Loop-backs keep every visit in order; context keeps only the last output.
	assert.Equal(t, []string{"implement", "test", "implement"}, s.CompletedSteps)
	assert.Len(t, s.Context, 2)
	assert.Equal(t, "FAIL", s.LastSignal("test"))
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusSuspendedForApproval.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusAborted.IsTerminal())
}
