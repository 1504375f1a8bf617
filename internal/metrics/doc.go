// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的工作流指标采集能力，覆盖
节点执行、路由决策、熔断器、重试回环与检查点五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
工厂注册到调用方提供的 Registry。Collector 同时实现 workflow.Emitter，
挂到执行器的事件流上即可自动转换事件为指标，无需在业务代码中埋点。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按工作流语义分组管理。

# 主要能力

  - 节点指标：执行总数（按 node/status 分组）、执行耗时 Histogram。
  - 路由指标：路由决策计数，按 node/signal/target 分组。
  - 熔断器指标：状态转换计数与当前状态 Gauge，按 step 分组。
  - 重试与回环指标：重试次数、回环越界回退次数。
  - 生命周期指标：检查点写入数、工作流完成/中止/挂起/恢复事件计数。

标签维度只使用节点与定义级别的低基数值，WorkflowID 不会进入标签。
*/
package metrics
