// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

/*
Package types 定义 PipeFlow 引擎共享的领域类型。

核心类型：

  - WorkflowState / Status — 单次运行的可变执行状态与生命周期
  - StepInput / StepOutput — Step Adapter 的统一输入输出契约
  - Checkpoint             — 不可变的版本化状态快照
  - Error / ErrorCode      — 结构化错误体系，含 Retryable、RetryAfter 标记
  - 错误工具链：IsRetryable / GetErrorCode / RetryAfterHint
*/
package types
