// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/pipeflow/types"
)

// Policy 定义重试策略配置
type Policy struct {
	MaxAttempts    int                                               // 最大尝试次数（含首次调用）
	BaseDelay      time.Duration                                     // 初始延迟时间
	MaxDelay       time.Duration                                     // 最大延迟时间
	Multiplier     float64                                           // 延迟倍增因子（指数退避）
	JitterFraction float64                                           // 随机抖动比例（±JitterFraction）
	OnRetry        func(attempt int, err error, delay time.Duration) // 重试回调
}

// DefaultPolicy 返回默认的重试策略
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:    3,
		BaseDelay:      1 * time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.3,
	}
}

// Executor retries a function with exponential backoff and jitter.
// Errors are classified via types.IsRetryable: non-retryable errors fail
// immediately; a rate-limit error carrying a server RetryAfter hint uses
// that hint when it exceeds the computed backoff.
type Executor struct {
	policy *Policy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	rng    func() float64
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the sleep function. Tests inject a recording fake.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithRand replaces the jitter source with a deterministic one.
func WithRand(rng func() float64) Option {
	return func(e *Executor) { e.rng = rng }
}

// NewExecutor creates a retry executor with the given policy.
func NewExecutor(policy *Policy, logger *zap.Logger, opts ...Option) *Executor {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if policy.JitterFraction < 0 || policy.JitterFraction >= 1 {
		policy.JitterFraction = 0.3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		policy: policy,
		logger: logger,
		sleep:  sleepContext,
		rng:    rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() *Policy {
	return e.policy
}

// Do 执行 fn，失败时按策略重试。
// 重试耗尽后包装最后一个错误为 RETRIES_EXHAUSTED。
func (e *Executor) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.delayFor(attempt, lastErr)

			e.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", e.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			if e.policy.OnRetry != nil {
				e.policy.OnRetry(attempt, lastErr, delay)
			}

			if err := e.sleep(ctx, delay); err != nil {
				return fmt.Errorf("retry cancelled: %w", err)
			}
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				e.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return nil
		}

		if !types.IsRetryable(lastErr) {
			e.logger.Debug("error not retryable", zap.Error(lastErr))
			return lastErr
		}
	}

	e.logger.Warn("retries exhausted",
		zap.Int("attempts", e.policy.MaxAttempts),
		zap.Error(lastErr))

	return types.NewError(types.ErrRetriesExhausted,
		fmt.Sprintf("gave up after %d attempts", e.policy.MaxAttempts)).
		WithCause(lastErr)
}

// delayFor computes the backoff before the given attempt (attempt >= 2).
// A server-provided RetryAfter hint overrides the computed delay when larger.
func (e *Executor) delayFor(attempt int, lastErr error) time.Duration {
	// delay = base * multiplier^(attempt-1): attempt 2 waits base*multiplier,
	// attempt 3 waits base*multiplier^2.
	backoff := float64(e.policy.BaseDelay) * math.Pow(e.policy.Multiplier, float64(attempt-1))
	if backoff > float64(e.policy.MaxDelay) {
		backoff = float64(e.policy.MaxDelay)
	}

	if f := e.policy.JitterFraction; f > 0 {
		backoff += backoff * f * (2*e.rng() - 1)
	}

	delay := time.Duration(backoff)
	if hint := types.RetryAfterHint(lastErr); hint > delay {
		delay = hint
	}
	return delay
}

// sleepContext waits for d, honouring context cancellation.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
