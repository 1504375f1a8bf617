// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package workflow

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/pipeflow/types"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，调用直接放行
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，调用立即拒绝
	CircuitOpen
	// CircuitHalfOpen 半开状态，只放行一次探测调用
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	// FailureThreshold 连续失败次数阈值，达到后熔断
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Cooldown 熔断后距最后一次失败需要等待的时间
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

// DefaultCircuitBreakerConfig 默认熔断器配置
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker 按步骤隔离失败的状态机。一个步骤一个实例，被所有
// 工作流运行共享。没有后台定时器：冷却判断在调用时对比墙钟完成。
//
// 半开状态只允许一次探测调用：成功回到 closed 并清零失败计数，
// 失败立即回到 open 并重置冷却起点。
type CircuitBreaker struct {
	stepID              string
	config              CircuitBreakerConfig
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	lastProbeTime       time.Time
	probing             bool
	emitter             Emitter
	logger              *zap.Logger
	now                 func() time.Time
	mu                  sync.Mutex
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock replaces the wall clock. Tests drive cooldown with it.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker 创建某个步骤的熔断器
func NewCircuitBreaker(stepID string, config CircuitBreakerConfig, emitter Emitter, logger *zap.Logger, opts ...BreakerOption) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCircuitBreakerConfig().Cooldown
	}
	cb := &CircuitBreaker{
		stepID:  stepID,
		config:  config,
		state:   CircuitClosed,
		emitter: emitter,
		logger:  logger.With(zap.String("step_id", stepID)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Allow 检查调用是否放行。拒绝时返回 CIRCUIT_OPEN 错误，
// 其中带有距可探测时刻的 RetryAfter 提示。
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		elapsed := cb.now().Sub(cb.lastFailureTime)
		if elapsed >= cb.config.Cooldown {
			cb.transitionTo(CircuitHalfOpen, "cooldown elapsed")
			cb.probing = true
			cb.lastProbeTime = cb.now()
			return nil
		}
		return types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("circuit open for step %s after %d consecutive failures", cb.stepID, cb.consecutiveFailures)).
			WithStepID(cb.stepID).
			WithRetryAfter(cb.config.Cooldown - elapsed)

	case CircuitHalfOpen:
		if cb.probing {
			return types.NewError(types.ErrCircuitOpen,
				fmt.Sprintf("circuit half-open for step %s: probe in flight", cb.stepID)).
				WithStepID(cb.stepID)
		}
		cb.probing = true
		cb.lastProbeTime = cb.now()
		return nil

	default:
		return types.NewError(types.ErrInternalError,
			fmt.Sprintf("unknown circuit state %d for step %s", cb.state, cb.stepID))
	}
}

// RecordSuccess 记录一次成功调用
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures = 0

	case CircuitHalfOpen:
		cb.probing = false
		cb.consecutiveFailures = 0
		cb.transitionTo(CircuitClosed, "probe succeeded")
	}
}

// RecordFailure 记录一次失败调用
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.consecutiveFailures))
		}

	case CircuitHalfOpen:
		cb.probing = false
		cb.transitionTo(CircuitOpen, "probe failed")
	}
}

// State 返回当前状态
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures 返回连续失败次数
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Reset 手动复位到 closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed, "manual reset")
	}
	cb.consecutiveFailures = 0
	cb.probing = false
}

// transitionTo 状态转换（必须在锁内调用）
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.consecutiveFailures))

	if cb.emitter != nil {
		cb.emitter.Emit(Event{
			Type:      EventCircuitStateChanged,
			NodeID:    cb.stepID,
			From:      oldState.String(),
			To:        newState.String(),
			Reason:    reason,
			Timestamp: cb.now(),
		})
	}
}

// CircuitBreakerRegistry 管理所有步骤的熔断器。锁只保护注册表本身；
// 每个熔断器持有自己的互斥量，互不相关的步骤不会争用。
type CircuitBreakerRegistry struct {
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	emitter  Emitter
	logger   *zap.Logger
	opts     []BreakerOption
	mu       sync.RWMutex
}

// NewCircuitBreakerRegistry 创建熔断器注册表
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, emitter Emitter, logger *zap.Logger, opts ...BreakerOption) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		emitter:  emitter,
		logger:   logger,
		opts:     opts,
	}
}

// GetOrCreate 获取或创建某个步骤的熔断器
func (r *CircuitBreakerRegistry) GetOrCreate(stepID string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[stepID]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查
	if cb, ok := r.breakers[stepID]; ok {
		return cb
	}

	cb := NewCircuitBreaker(stepID, r.config, r.emitter, r.logger, r.opts...)
	r.breakers[stepID] = cb
	return cb
}

// States 返回所有熔断器的当前状态快照
func (r *CircuitBreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]CircuitState, len(r.breakers))
	for id, cb := range r.breakers {
		states[id] = cb.State()
	}
	return states
}

// ResetAll 复位所有熔断器
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
