// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package workflow

import (
	"context"

	"github.com/BaSui01/pipeflow/types"
)

// StepAdapter 把一个 agent 步骤包装成统一的可调用单元。
// Execute 接收当前工作流上下文，返回输出和路由信号；适配器在边界上
// 自行校验自己期望的输入形状，执行器不关心 Data 的具体结构。
type StepAdapter interface {
	// Execute runs the step. The returned StepOutput's RoutingSignal is the
	// only field routers branch on; Data is stored verbatim in the workflow
	// context. Returning an error (or Success=false) counts as a failed
	// attempt for both the retry executor and the circuit breaker.
	Execute(ctx context.Context, input *types.StepInput) (*types.StepOutput, error)

	// Name identifies the adapter for logs and events.
	Name() string
}

// AdapterFunc adapts a bare function into a StepAdapter.
type AdapterFunc struct {
	AdapterName string
	Fn          func(ctx context.Context, input *types.StepInput) (*types.StepOutput, error)
}

// NewAdapterFunc 用函数快速构造一个步骤适配器。
func NewAdapterFunc(name string, fn func(ctx context.Context, input *types.StepInput) (*types.StepOutput, error)) *AdapterFunc {
	return &AdapterFunc{AdapterName: name, Fn: fn}
}

func (a *AdapterFunc) Execute(ctx context.Context, input *types.StepInput) (*types.StepOutput, error) {
	return a.Fn(ctx, input)
}

func (a *AdapterFunc) Name() string {
	return a.AdapterName
}
