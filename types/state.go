// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package types

import (
	"time"
)

// Status 工作流生命周期状态
type Status string

const (
	// StatusRunning 正常推进中
	StatusRunning Status = "running"
	// StatusSuspendedForApproval 在审批门挂起，等待外部决策
	StatusSuspendedForApproval Status = "suspended_for_approval"
	// StatusCompleted 正常到达终止节点
	StatusCompleted Status = "completed"
	// StatusAborted 被中止（业务决策或基础设施失败）
	StatusAborted Status = "aborted"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// ErrorInfo 记录在 StepOutput 中的错误摘要，可序列化进 checkpoint。
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	StepID  string    `json:"step_id,omitempty"`
}

// StepInput is the uniform input contract handed to every step adapter.
// Context carries each previously completed step's last output.
type StepInput struct {
	WorkflowID string                `json:"workflow_id"`
	NodeID     string                `json:"node_id"`
	Context    map[string]StepOutput `json:"context"`
}

// StepOutput is the uniform output contract every step adapter returns.
// RoutingSignal is the only field routers may branch on; Data is opaque
// to the executor and stored verbatim in the workflow context.
type StepOutput struct {
	Success       bool       `json:"success"`
	Data          any        `json:"data,omitempty"`
	RoutingSignal string     `json:"routing_signal"`
	Error         *ErrorInfo `json:"error,omitempty"`
	ProducedAt    time.Time  `json:"produced_at"`
}

// WorkflowState 单次运行的可变状态，仅由 Workflow Executor 修改。
// Context 按步骤名保存最后一次输出，整个运行期间只增不删。
type WorkflowState struct {
	WorkflowID     string                `json:"workflow_id"`
	DefinitionID   string                `json:"definition_id"`
	CurrentNodeID  string                `json:"current_node_id"`
	Context        map[string]StepOutput `json:"context"`
	CompletedSteps []string              `json:"completed_steps"`
	RetryCounters  map[string]int        `json:"retry_counters"`
	Status         Status                `json:"status"`
	Version        int                   `json:"version"`
	InitialInput   any                   `json:"initial_input,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// NewWorkflowState creates the initial state for a run positioned at startNode.
func NewWorkflowState(workflowID, definitionID, startNode string, initialInput any) *WorkflowState {
	now := time.Now().UTC()
	return &WorkflowState{
		WorkflowID:    workflowID,
		DefinitionID:  definitionID,
		CurrentNodeID: startNode,
		Context:       make(map[string]StepOutput),
		RetryCounters: make(map[string]int),
		Status:        StatusRunning,
		InitialInput:  initialInput,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy. Checkpoints snapshot a clone so that later
// mutations by the executor never leak into persisted history.
func (s *WorkflowState) Clone() *WorkflowState {
	cp := *s
	cp.Context = make(map[string]StepOutput, len(s.Context))
	for k, v := range s.Context {
		cp.Context[k] = v
	}
	cp.CompletedSteps = make([]string, len(s.CompletedSteps))
	copy(cp.CompletedSteps, s.CompletedSteps)
	cp.RetryCounters = make(map[string]int, len(s.RetryCounters))
	for k, v := range s.RetryCounters {
		cp.RetryCounters[k] = v
	}
	return &cp
}

// RecordOutput stores a step's output and appends the step to the visit log.
func (s *WorkflowState) RecordOutput(nodeID string, out StepOutput) {
	s.Context[nodeID] = out
	s.CompletedSteps = append(s.CompletedSteps, nodeID)
	s.UpdatedAt = time.Now().UTC()
}

// LastOutput returns the most recent output of the given step.
func (s *WorkflowState) LastOutput(nodeID string) (StepOutput, bool) {
	out, ok := s.Context[nodeID]
	return out, ok
}

// LastSignal returns the routing signal of the current node's last output.
func (s *WorkflowState) LastSignal(nodeID string) string {
	if out, ok := s.Context[nodeID]; ok {
		return out.RoutingSignal
	}
	return ""
}

// Counter returns the named loop counter (zero when never incremented).
func (s *WorkflowState) Counter(name string) int {
	return s.RetryCounters[name]
}

// Checkpoint 某一版本的不可变状态快照。
// 同一 workflowId 的 checkpoint 按 version 严格递增且无空洞。
type Checkpoint struct {
	WorkflowID string         `json:"workflow_id"`
	Version    int            `json:"version"`
	State      *WorkflowState `json:"state"`
	CreatedAt  time.Time      `json:"created_at"`
}
