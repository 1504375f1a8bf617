// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

// Package pipeline 定义固定的软件交付流水线拓扑：外环（战略评审→综合→
// 规划）驱动内环（实现→构建→测试→反思→质量门→安全扫描→审批门→部署→
// 报告），内环带有有界的反思重试与质量门返工回环。report 的产出写入
// 跨运行的持久 backlog，供未来的外环运行读取。
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/pipeflow/types"
	"github.com/BaSui01/pipeflow/workflow"
)

// DefinitionID 注册到执行器的定义名。
const DefinitionID = "delivery"

// Adapters 每个 agent 步骤的适配器。步骤的语义逻辑是外部协作者，
// 流水线只关心统一的输入输出契约。
type Adapters struct {
	StrategicReview workflow.StepAdapter
	Synthesis       workflow.StepAdapter
	Planning        workflow.StepAdapter
	Implement       workflow.StepAdapter
	Build           workflow.StepAdapter
	Test            workflow.StepAdapter
	Reflect         workflow.StepAdapter
	QualityGate     workflow.StepAdapter
	SecurityScan    workflow.StepAdapter
	Deploy          workflow.StepAdapter
	Report          workflow.StepAdapter
}

// Config 流水线可调参数
type Config struct {
	// QualityThreshold 反思步骤低于该质量分时回到 implement
	QualityThreshold float64 `json:"quality_threshold" yaml:"quality_threshold"`
	// ReflectionRetryMax 反思回环上界
	ReflectionRetryMax int `json:"reflection_retry_max" yaml:"reflection_retry_max"`
	// QAReworkMax 质量门返工回环上界；超过后强制中止而不是无限返工
	QAReworkMax int `json:"qa_rework_max" yaml:"qa_rework_max"`
}

// DefaultConfig 默认流水线配置
func DefaultConfig() Config {
	return Config{
		QualityThreshold:   0.8,
		ReflectionRetryMax: 2,
		QAReworkMax:        3,
	}
}

// NewDefinition 构建交付流水线的工作流定义。backlog 可为 nil（report
// 产出不落盘）；否则 report 步骤的输出在成功后追加到 backlog。
func NewDefinition(adapters Adapters, cfg Config, backlog Backlog, logger *zap.Logger) (*workflow.Definition, error) {
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = DefaultConfig().QualityThreshold
	}
	if cfg.ReflectionRetryMax <= 0 {
		cfg.ReflectionRetryMax = DefaultConfig().ReflectionRetryMax
	}
	if cfg.QAReworkMax <= 0 {
		cfg.QAReworkMax = DefaultConfig().QAReworkMax
	}

	report := adapters.Report
	if backlog != nil {
		report = newBacklogRecorder(report, backlog, logger)
	}

	// 反思路由只看质量分；回环上界由 LoopRule 强制，避免把同一约束
	// 写进两处。
	reflectRouter := workflow.MustExprRouter(NodeReflect,
		fmt.Sprintf(`(data?.quality ?? 1.0) < %g ? %q : %q`, cfg.QualityThreshold, NodeImplement, NodeQualityGate),
		NodeImplement, NodeQualityGate)

	return workflow.NewDefinition(DefinitionID).
		AddStep(NodeStrategicReview, adapters.StrategicReview).
		AddStep(NodeSynthesis, adapters.Synthesis).
		AddStep(NodePlanning, adapters.Planning).
		AddStep(NodeImplement, adapters.Implement).
		AddStep(NodeBuild, adapters.Build).
		AddStep(NodeTest, adapters.Test).
		AddStep(NodeReflect, adapters.Reflect).
		AddStep(NodeQualityGate, adapters.QualityGate).
		AddStep(NodeSecurityScan, adapters.SecurityScan).
		AddApprovalGate(NodeApprovalGate).
		AddStep(NodeDeploy, adapters.Deploy).
		AddStep(NodeReport, report).
		AddTerminal(NodeDone, workflow.TerminalCompleted).
		AddTerminal(NodeDeferred, workflow.TerminalCompleted).
		AddTerminal(NodeAborted, workflow.TerminalAborted).
		// 外环
		AddRouter(NodeStrategicReview, workflow.NewSignalRouter(NodeStrategicReview).
			On(SignalDefer, NodeDeferred).
			On(SignalProceed, NodeSynthesis).
			On(SignalIterate, NodeSynthesis)).
		AddEdge(NodeSynthesis, NodePlanning).
		AddEdge(NodePlanning, NodeImplement).
		// 内环
		AddEdge(NodeImplement, NodeBuild).
		AddEdge(NodeBuild, NodeTest).
		AddEdge(NodeTest, NodeReflect).
		AddRouter(NodeReflect, reflectRouter).
		AddRouter(NodeQualityGate, workflow.NewSignalRouter(NodeQualityGate).
			On(SignalRework, NodeImplement).
			On(SignalBlock, NodeAborted).
			On(SignalApprove, NodeSecurityScan)).
		AddRouter(NodeSecurityScan, workflow.NewSignalRouter(NodeSecurityScan).
			On(SignalCritical, NodeAborted).
			Default(NodeApprovalGate)).
		AddRouter(NodeApprovalGate, workflow.NewSignalRouter(NodeApprovalGate).
			On(workflow.SignalApproved, NodeDeploy).
			Default(NodeAborted)).
		AddEdge(NodeDeploy, NodeReport).
		AddEdge(NodeReport, NodeDone).
		// 回环上界
		AddLoopRule(workflow.LoopRule{
			Counter:  CounterReflectionRetry,
			From:     NodeReflect,
			To:       NodeImplement,
			Max:      cfg.ReflectionRetryMax,
			Fallback: NodeQualityGate,
		}).
		AddLoopRule(workflow.LoopRule{
			Counter:  CounterQARework,
			From:     NodeQualityGate,
			To:       NodeImplement,
			Max:      cfg.QAReworkMax,
			Fallback: NodeAborted,
		}).
		WithDefaultFailureTarget(NodeAborted).
		WithStart(NodeStrategicReview).
		Build()
}

// backlogRecorder 包装 report 适配器，成功后把产出追加到持久 backlog。
type backlogRecorder struct {
	inner   workflow.StepAdapter
	backlog Backlog
	logger  *zap.Logger
}

func newBacklogRecorder(inner workflow.StepAdapter, backlog Backlog, logger *zap.Logger) *backlogRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &backlogRecorder{inner: inner, backlog: backlog, logger: logger}
}

func (r *backlogRecorder) Name() string { return r.inner.Name() }

func (r *backlogRecorder) Execute(ctx context.Context, input *types.StepInput) (*types.StepOutput, error) {
	out, err := r.inner.Execute(ctx, input)
	if err != nil || out == nil || !out.Success {
		return out, err
	}
	entry := Entry{
		WorkflowID: input.WorkflowID,
		Data:       out.Data,
		CreatedAt:  time.Now().UTC(),
	}
	if appendErr := r.backlog.Append(ctx, entry); appendErr != nil {
		// backlog 落盘失败不终止本轮，只丢给下一轮的人工补偿
		r.logger.Warn("failed to append report to backlog",
			zap.String("workflow_id", input.WorkflowID),
			zap.Error(appendErr))
	}
	return out, nil
}
