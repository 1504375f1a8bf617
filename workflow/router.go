// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package workflow

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/BaSui01/pipeflow/types"
)

// Router 根据当前状态决定下一个节点。实现必须是纯函数且确定：
// 相同状态总是返回相同节点，否则崩溃后 resume 会走出不同的路径。
type Router interface {
	Route(state *types.WorkflowState) (string, error)
}

// RouterFunc adapts a function into a Router.
type RouterFunc func(state *types.WorkflowState) (string, error)

func (f RouterFunc) Route(state *types.WorkflowState) (string, error) {
	return f(state)
}

// SignalRouter 按节点最近一次输出的路由信号查表转移。
// 信号未命中任何条目时走 Default；没有 Default 则报路由契约错误。
type SignalRouter struct {
	nodeID   string
	targets  map[string]string
	fallback string
}

// NewSignalRouter creates a router branching on nodeID's last routing signal.
func NewSignalRouter(nodeID string) *SignalRouter {
	return &SignalRouter{nodeID: nodeID, targets: make(map[string]string)}
}

// On maps a routing signal to a target node.
func (r *SignalRouter) On(signal, target string) *SignalRouter {
	r.targets[signal] = target
	return r
}

// Default sets the target for unmapped signals.
func (r *SignalRouter) Default(target string) *SignalRouter {
	r.fallback = target
	return r
}

func (r *SignalRouter) Route(state *types.WorkflowState) (string, error) {
	signal := state.LastSignal(r.nodeID)
	if target, ok := r.targets[signal]; ok {
		return target, nil
	}
	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", types.NewError(types.ErrRouterContractViolation,
		fmt.Sprintf("node %s: no route for signal %q", r.nodeID, signal))
}

// Targets lists every node this router can select, for static validation.
func (r *SignalRouter) Targets() []string {
	out := make([]string, 0, len(r.targets)+1)
	for _, t := range r.targets {
		out = append(out, t)
	}
	if r.fallback != "" {
		out = append(out, r.fallback)
	}
	return out
}

// ExprRouter 用一条 expr 表达式决定下一个节点。表达式编译一次缓存，
// 求值环境仅由 WorkflowState 导出，保证确定性。
//
// 可用变量：
//
//	signal          当前节点最近输出的路由信号
//	data            当前节点最近输出的 Data（未执行过为 nil）
//	counters        循环计数器 map[string]int
//	counter(name)   计数器读取（缺省为 0）
//	completed       已访问节点列表
//
// 表达式必须返回节点 id 字符串，例如：
//
//	data.quality < 0.8 ? "implement" : "quality_gate"
type ExprRouter struct {
	nodeID  string
	source  string
	program *vm.Program
	targets []string
}

// NewExprRouter compiles expression into a router for nodeID. Possible
// targets are declared up front so the definition validator can check them
// and reachability statically.
func NewExprRouter(nodeID, expression string, targets ...string) (*ExprRouter, error) {
	program, err := expr.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("compile router expression for node %s: %w", nodeID, err)
	}
	return &ExprRouter{
		nodeID:  nodeID,
		source:  expression,
		program: program,
		targets: targets,
	}, nil
}

// MustExprRouter is NewExprRouter for expressions built from constants.
func MustExprRouter(nodeID, expression string, targets ...string) *ExprRouter {
	r, err := NewExprRouter(nodeID, expression, targets...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *ExprRouter) Route(state *types.WorkflowState) (string, error) {
	var data any
	if out, ok := state.LastOutput(r.nodeID); ok {
		data = out.Data
	}
	counters := make(map[string]int, len(state.RetryCounters))
	for k, v := range state.RetryCounters {
		counters[k] = v
	}
	env := map[string]any{
		"signal":    state.LastSignal(r.nodeID),
		"data":      data,
		"counters":  counters,
		"counter":   func(name string) int { return counters[name] },
		"completed": append([]string(nil), state.CompletedSteps...),
	}

	result, err := expr.Run(r.program, env)
	if err != nil {
		return "", types.NewError(types.ErrRouterContractViolation,
			fmt.Sprintf("node %s: router expression %q failed", r.nodeID, r.source)).WithCause(err)
	}
	target, ok := result.(string)
	if !ok {
		return "", types.NewError(types.ErrRouterContractViolation,
			fmt.Sprintf("node %s: router expression returned %T, want node id string", r.nodeID, result))
	}
	return target, nil
}

// Targets lists the declared possible targets for static validation.
func (r *ExprRouter) Targets() []string {
	return append([]string(nil), r.targets...)
}
