// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package pipeline

// 交付流水线中各步骤可上报的路由信号。
// 路由器只对这些分类结果分支，从不解读步骤的 Data。
const (
	// SignalProceed 战略评审放行，进入本轮交付
	SignalProceed = "PROCEED"
	// SignalIterate 战略评审要求在上一轮产出的基础上继续迭代
	SignalIterate = "ITERATE"
	// SignalDefer 战略评审推迟本轮，运行正常完成但不交付
	SignalDefer = "DEFER"
	// SignalPass 步骤正常通过
	SignalPass = "PASS"
	// SignalRework 质量门退回开发返工
	SignalRework = "REWORK"
	// SignalBlock 质量门阻断，中止本轮
	SignalBlock = "BLOCK"
	// SignalApprove 质量门放行
	SignalApprove = "APPROVE"
	// SignalCritical 安全扫描发现致命问题，中止本轮
	SignalCritical = "CRITICAL"
	// SignalClear 安全扫描通过
	SignalClear = "CLEAR"
)

// 流水线节点 ID。拓扑在构建期固化，运行期不可修改。
const (
	NodeStrategicReview = "strategic_review"
	NodeSynthesis       = "synthesis"
	NodePlanning        = "planning"
	NodeImplement       = "implement"
	NodeBuild           = "build"
	NodeTest            = "test"
	NodeReflect         = "reflect"
	NodeQualityGate     = "quality_gate"
	NodeSecurityScan    = "security_scan"
	NodeApprovalGate    = "approval_gate"
	NodeDeploy          = "deploy"
	NodeReport          = "report"
	NodeDone            = "done"
	NodeDeferred        = "deferred"
	NodeAborted         = "aborted"
)

// 回环计数器名。
const (
	CounterReflectionRetry = "reflection_retry"
	CounterQARework        = "qa_rework"
)
