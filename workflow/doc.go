// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供固定图工作流的编排与执行引擎。

# 概述

workflow 包实现了 PipeFlow 的核心状态机：在一张构建期固化、装载期校验
的图上顺序推进 agent 步骤，支持条件路由（含返工与中止回环）、按步骤
熔断隔离、有界重试、审批门挂起恢复，以及每个节点之后的乐观版本
checkpoint 落盘。

# 核心接口与类型

  - Definition / DefinitionBuilder — 图定义与 Fluent 构建器（统一在
    Build 时校验：唯一 ID、起点存在、非终止节点恰有一条边或一个路由、
    目标存在、全图可达、终止节点无出边）
  - Node               — 节点模板（agent_step / approval_gate / terminal）
  - StepAdapter        — 步骤适配器 Execute(ctx, input) (output, error)
  - Router             — 路由决策接口（纯函数，确定性）
  - SignalRouter       — 按最近一次路由信号查表转移
  - ExprRouter         — expr 表达式路由（编译一次，按声明目标静态校验）
  - LoopRule           — 回环上界：计数器超限后强制走 Fallback
  - CircuitBreaker     — 按步骤共享的熔断器（Closed/Open/HalfOpen 单探测）
  - Executor           — 执行器：Start / Resume / StepOnce / Rollback /
    Abort / Status / ResolveApproval
  - Emitter            — 观测事件出口（ZapEmitter / MultiEmitter）
  - DriverPool         — errgroup 受限并发驱动多个实例

# 执行语义

每个节点执行走 重试执行器→熔断器→步骤适配器 调用链；步骤重试耗尽后
合成 FAIL 信号沿失败边路由而不是让驱动器崩溃；审批门把运行置为
suspended_for_approval 并落盘，外部决策通过 ResolveApproval 幂等消化；
checkpoint 以乐观版本写入，版本冲突对当前驱动器是致命错误。
*/
package workflow
