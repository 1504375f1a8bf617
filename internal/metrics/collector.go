// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/pipeflow/workflow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，同时实现 workflow.Emitter，
// 可以直接挂到执行器上把工作流事件转成 Prometheus 指标。
//
// 标签只使用节点 / 定义级别的低基数维度，WorkflowID 不进标签。
type Collector struct {
	// 节点指标
	nodeExecutionsTotal *prometheus.CounterVec
	nodeDuration        *prometheus.HistogramVec

	// 路由指标
	routerDecisionsTotal *prometheus.CounterVec

	// 熔断器指标
	circuitTransitionsTotal *prometheus.CounterVec
	circuitState            *prometheus.GaugeVec

	// 重试与回环指标
	retryAttemptsTotal     *prometheus.CounterVec
	loopBoundExceededTotal *prometheus.CounterVec

	// 检查点指标
	checkpointWritesTotal prometheus.Counter

	// 工作流生命周期指标
	workflowEventsTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时注册到默认 Registry。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 节点指标
	c.nodeExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node executions",
		},
		[]string{"node", "status"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"node"},
	)

	// 路由指标
	c.routerDecisionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_decisions_total",
			Help:      "Total number of routing decisions",
		},
		[]string{"node", "signal", "target"},
	)

	// 熔断器指标
	c.circuitTransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"step", "from", "to"},
	)

	c.circuitState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"step"},
	)

	// 重试与回环指标
	c.retryAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of step retry attempts",
		},
		[]string{"node"},
	)

	c.loopBoundExceededTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_bound_exceeded_total",
			Help:      "Total number of loop bound violations forcing a fallback route",
		},
		[]string{"node", "counter"},
	)

	// 检查点指标
	c.checkpointWritesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Total number of checkpoint versions written",
		},
	)

	// 工作流生命周期指标
	c.workflowEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_events_total",
			Help:      "Total number of workflow lifecycle events",
		},
		[]string{"event"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 事件桥接
// =============================================================================

// Emit 实现 workflow.Emitter
func (c *Collector) Emit(e workflow.Event) {
	switch e.Type {
	case workflow.EventNodeCompleted:
		status := "success"
		if e.Signal == workflow.SignalFail {
			status = "failure"
		}
		c.nodeExecutionsTotal.WithLabelValues(e.NodeID, status).Inc()
	case workflow.EventRouterEvaluated:
		c.routerDecisionsTotal.WithLabelValues(e.NodeID, e.Signal, e.To).Inc()
	case workflow.EventCircuitStateChanged:
		c.circuitTransitionsTotal.WithLabelValues(e.NodeID, e.From, e.To).Inc()
		c.circuitState.WithLabelValues(e.NodeID).Set(circuitStateValue(e.To))
	case workflow.EventRetryAttempted:
		c.retryAttemptsTotal.WithLabelValues(e.NodeID).Inc()
	case workflow.EventLoopBoundExceeded:
		c.loopBoundExceededTotal.WithLabelValues(e.NodeID, e.Counter).Inc()
	case workflow.EventCheckpointWritten:
		c.checkpointWritesTotal.Inc()
	case workflow.EventWorkflowSuspended, workflow.EventWorkflowResumed,
		workflow.EventWorkflowCompleted, workflow.EventWorkflowAborted:
		c.workflowEventsTotal.WithLabelValues(string(e.Type)).Inc()
	}
}

// RecordNodeDuration 记录节点执行耗时
func (c *Collector) RecordNodeDuration(nodeID string, duration time.Duration) {
	c.nodeDuration.WithLabelValues(nodeID).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// circuitStateValue 将熔断器状态名转换为仪表盘数值
func circuitStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}
