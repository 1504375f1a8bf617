// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package main

import (
	"context"

	"github.com/BaSui01/pipeflow"
	"github.com/BaSui01/pipeflow/config"
	"github.com/BaSui01/pipeflow/pipeline"
	"github.com/BaSui01/pipeflow/types"
	"github.com/BaSui01/pipeflow/workflow"
)

// demoBehavior 控制模拟适配器的决策走向，对应 run 命令的标志位。
// 真实部署会把 pipeline.Adapters 接到实际的构建 / 测试 / 扫描系统上。
type demoBehavior struct {
	Quality  float64
	Defer    bool
	Critical bool
}

type pipelineStartOption = workflow.StartOption

func withWorkflowID(id string) pipelineStartOption {
	return workflow.WithWorkflowID(id)
}

// startPipeline 注册交付流水线并启动一次运行
func startPipeline(ctx context.Context, eng *pipeflow.Engine, cfg *config.Config, behavior demoBehavior, opts ...pipelineStartOption) (*types.WorkflowState, error) {
	registerPipeline(eng, cfg, behavior)
	input := map[string]any{
		"quality":  behavior.Quality,
		"defer":    behavior.Defer,
		"critical": behavior.Critical,
	}
	return eng.Executor.Start(ctx, pipeline.DefinitionID, input, opts...)
}

// demoAdapters 构建一组模拟步骤适配器
func demoAdapters(behavior demoBehavior) pipeline.Adapters {
	signal := func(name, sig string) workflow.StepAdapter {
		return workflow.NewAdapterFunc(name, func(ctx context.Context, in *types.StepInput) (*types.StepOutput, error) {
			return &types.StepOutput{Success: true, RoutingSignal: sig}, nil
		})
	}

	review := pipeline.SignalProceed
	if behavior.Defer {
		review = pipeline.SignalDefer
	}
	scan := pipeline.SignalClear
	if behavior.Critical {
		scan = pipeline.SignalCritical
	}

	return pipeline.Adapters{
		StrategicReview: signal("strategic-review", review),
		Synthesis:       signal("synthesis", pipeline.SignalProceed),
		Planning:        signal("planning", pipeline.SignalProceed),
		Implement:       signal("implement", pipeline.SignalProceed),
		Build:           signal("build", pipeline.SignalProceed),
		Test:            signal("test", pipeline.SignalPass),
		Reflect: workflow.NewAdapterFunc("reflect", func(ctx context.Context, in *types.StepInput) (*types.StepOutput, error) {
			return &types.StepOutput{
				Success:       true,
				RoutingSignal: pipeline.SignalProceed,
				Data:          map[string]any{"quality": behavior.Quality},
			}, nil
		}),
		QualityGate:  signal("quality-gate", pipeline.SignalApprove),
		SecurityScan: signal("security-scan", scan),
		Deploy:       signal("deploy", pipeline.SignalProceed),
		Report: workflow.NewAdapterFunc("report", func(ctx context.Context, in *types.StepInput) (*types.StepOutput, error) {
			return &types.StepOutput{
				Success:       true,
				RoutingSignal: pipeline.SignalProceed,
				Data:          map[string]any{"deployed": true},
			}, nil
		}),
	}
}
