// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 PipeFlow 命令行程序入口。

# 概述

cmd/pipeflow 是工作流引擎的可执行入口，围绕交付流水线提供
run、resume、approve、status 与 version 子命令。程序支持 YAML
配置文件加载与环境变量覆盖、结构化日志（zap）以及可选的
OpenTelemetry 遥测上报。

# 主要能力

  - run：注册交付流水线并启动一次运行，挂起时打印审批请求 ID
  - resume：恢复挂起或中断的运行（跨进程需 redis/database 后端）
  - approve：处理审批决策（--reject 拒绝），随后驱动到下一个停点
  - status：从检查点存储读取运行的当前节点、状态与版本
  - 模拟适配器：--quality/--defer/--critical 控制分支走向，
    便于在没有真实构建系统的环境演示完整的路由语义
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
