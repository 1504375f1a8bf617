// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package workflow

import (
	"time"

	"go.uber.org/zap"
)

// EventType 观测事件类型
type EventType string

const (
	EventNodeEntered         EventType = "node_entered"
	EventNodeCompleted       EventType = "node_completed"
	EventRouterEvaluated     EventType = "router_evaluated"
	EventCircuitStateChanged EventType = "circuit_state_changed"
	EventRetryAttempted      EventType = "retry_attempted"
	EventCheckpointWritten   EventType = "checkpoint_written"
	EventLoopBoundExceeded   EventType = "loop_bound_exceeded"
	EventWorkflowSuspended   EventType = "workflow_suspended"
	EventWorkflowResumed     EventType = "workflow_resumed"
	EventWorkflowCompleted   EventType = "workflow_completed"
	EventWorkflowAborted     EventType = "workflow_aborted"
)

// Event 执行器和熔断器发出的观测事件。字段按事件类型选用：
// RouterEvaluated 填 From/To/Signal，RetryAttempted 填 Attempt/Delay，
// CheckpointWritten 填 Version，LoopBoundExceeded 填 Counter。
type Event struct {
	Type       EventType     `json:"type"`
	WorkflowID string        `json:"workflow_id,omitempty"`
	NodeID     string        `json:"node_id,omitempty"`
	From       string        `json:"from,omitempty"`
	To         string        `json:"to,omitempty"`
	Signal     string        `json:"signal,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	Delay      time.Duration `json:"delay,omitempty"`
	Version    int           `json:"version,omitempty"`
	Counter    string        `json:"counter,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Emitter 事件接收端。实现必须快速返回且不得 panic；
// 慢消费者自行在实现内做缓冲。
type Emitter interface {
	Emit(event Event)
}

// EmitterFunc adapts a function into an Emitter.
type EmitterFunc func(event Event)

func (f EmitterFunc) Emit(event Event) { f(event) }

// NopEmitter discards every event.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// ZapEmitter 把事件写入结构化日志，是默认的事件出口。
type ZapEmitter struct {
	logger *zap.Logger
}

// NewZapEmitter creates an emitter logging at debug (node-level) and info
// (workflow-level) depending on event type.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapEmitter{logger: logger.With(zap.String("component", "workflow_events"))}
}

func (e *ZapEmitter) Emit(event Event) {
	fields := []zap.Field{
		zap.String("workflow_id", event.WorkflowID),
		zap.String("node_id", event.NodeID),
	}
	switch event.Type {
	case EventRouterEvaluated:
		fields = append(fields,
			zap.String("from", event.From),
			zap.String("to", event.To),
			zap.String("signal", event.Signal))
	case EventCircuitStateChanged:
		fields = append(fields,
			zap.String("from", event.From),
			zap.String("to", event.To),
			zap.String("reason", event.Reason))
	case EventRetryAttempted:
		fields = append(fields,
			zap.Int("attempt", event.Attempt),
			zap.Duration("delay", event.Delay))
	case EventCheckpointWritten:
		fields = append(fields, zap.Int("version", event.Version))
	case EventLoopBoundExceeded:
		fields = append(fields,
			zap.String("counter", event.Counter),
			zap.String("fallback", event.To))
	case EventWorkflowAborted:
		fields = append(fields, zap.String("reason", event.Reason))
	}

	switch event.Type {
	case EventNodeEntered, EventNodeCompleted, EventRetryAttempted, EventCheckpointWritten:
		e.logger.Debug(string(event.Type), fields...)
	default:
		e.logger.Info(string(event.Type), fields...)
	}
}

// MultiEmitter fans out each event to several sinks in order.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
