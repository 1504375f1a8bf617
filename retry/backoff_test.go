package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/pipeflow/types"
)

// recordingSleep captures requested delays without actually sleeping.
type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func retryableErr(msg string) error {
	return types.NewError(types.ErrUpstreamError, msg).WithRetryable(true)
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	rec := &recordingSleep{}
	ex := NewExecutor(DefaultPolicy(), zap.NewNop(), WithSleep(rec.sleep))

	calls := 0
	err := ex.Do(context.Background(), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	rec := &recordingSleep{}
	ex := NewExecutor(DefaultPolicy(), zap.NewNop(), WithSleep(rec.sleep))

	calls := 0
	err := ex.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return retryableErr("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.delays, 2)
}

func TestDoNonRetryableFailsImmediately(t *testing.T) {
	rec := &recordingSleep{}
	ex := NewExecutor(DefaultPolicy(), zap.NewNop(), WithSleep(rec.sleep))

	calls := 0
	authErr := types.NewError(types.ErrUnauthorized, "bad key")
	err := ex.Do(context.Background(), func() error {
		calls++
		return authErr
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
	assert.Equal(t, types.ErrUnauthorized, types.GetErrorCode(err))
}

func TestDoWrapsExhaustionWithLastError(t *testing.T) {
	rec := &recordingSleep{}
	ex := NewExecutor(&Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, JitterFraction: 0.3},
		zap.NewNop(), WithSleep(rec.sleep))

	last := retryableErr("still down")
	err := ex.Do(context.Background(), func() error { return last })

	require.Error(t, err)
	assert.Equal(t, types.ErrRetriesExhausted, types.GetErrorCode(err))
	assert.ErrorIs(t, err, last)
	assert.Len(t, rec.delays, 2)
}

func TestBackoffGrowthWithinJitterWindow(t *testing.T) {
	// base=1s, multiplier=2, jitter=0.3: delay before attempt 2 must fall in
	// [2*(1-0.3), 2*(1+0.3)]s and before attempt 3 in [4*0.7, 4*1.3]s.
	rec := &recordingSleep{}
	ex := NewExecutor(&Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, JitterFraction: 0.3},
		zap.NewNop(), WithSleep(rec.sleep))

	err := ex.Do(context.Background(), func() error { return retryableErr("down") })
	require.Error(t, err)
	require.Len(t, rec.delays, 2)

	assert.GreaterOrEqual(t, rec.delays[0], time.Duration(float64(2*time.Second)*0.7))
	assert.LessOrEqual(t, rec.delays[0], time.Duration(float64(2*time.Second)*1.3))
	assert.GreaterOrEqual(t, rec.delays[1], time.Duration(float64(4*time.Second)*0.7))
	assert.LessOrEqual(t, rec.delays[1], time.Duration(float64(4*time.Second)*1.3))
}

func TestRetryAfterHintOverridesSmallerBackoff(t *testing.T) {
	rec := &recordingSleep{}
	// Deterministic jitter: rng()=0.5 yields zero jitter offset.
	ex := NewExecutor(&Policy{MaxAttempts: 2, BaseDelay: time.Second, Multiplier: 2, JitterFraction: 0.3},
		zap.NewNop(), WithSleep(rec.sleep), WithRand(func() float64 { return 0.5 }))

	rateLimited := types.NewError(types.ErrRateLimited, "429").
		WithRetryable(true).
		WithRetryAfter(10 * time.Second)

	err := ex.Do(context.Background(), func() error { return rateLimited })
	require.Error(t, err)
	require.Len(t, rec.delays, 1)
	assert.Equal(t, 10*time.Second, rec.delays[0])
}

func TestRetryAfterHintIgnoredWhenSmaller(t *testing.T) {
	rec := &recordingSleep{}
	ex := NewExecutor(&Policy{MaxAttempts: 2, BaseDelay: 4 * time.Second, Multiplier: 2, JitterFraction: 0},
		zap.NewNop(), WithSleep(rec.sleep))

	rateLimited := types.NewError(types.ErrRateLimited, "429").
		WithRetryable(true).
		WithRetryAfter(1 * time.Second)

	err := ex.Do(context.Background(), func() error { return rateLimited })
	require.Error(t, err)
	require.Len(t, rec.delays, 1)
	// Computed backoff 4s*2 = 8s beats the 1s hint.
	assert.Equal(t, 8*time.Second, rec.delays[0])
}

func TestDoHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ex := NewExecutor(DefaultPolicy(), zap.NewNop(),
		WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }))

	err := ex.Do(ctx, func() error { return retryableErr("down") })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOnRetryCallback(t *testing.T) {
	var attempts []int
	policy := &Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		Multiplier:     2,
		JitterFraction: 0.3,
		OnRetry:        func(attempt int, err error, delay time.Duration) { attempts = append(attempts, attempt) },
	}
	rec := &recordingSleep{}
	ex := NewExecutor(policy, zap.NewNop(), WithSleep(rec.sleep))

	_ = ex.Do(context.Background(), func() error { return retryableErr("down") })
	assert.Equal(t, []int{2, 3}, attempts)
}

func TestJitterFractionZeroIsExact(t *testing.T) {
	rec := &recordingSleep{}
	ex := NewExecutor(&Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, JitterFraction: 0},
		zap.NewNop(), WithSleep(rec.sleep))

	_ = ex.Do(context.Background(), func() error { return retryableErr("down") })
	require.Len(t, rec.delays, 2)
	assert.Equal(t, 2*time.Second, rec.delays[0])
	assert.Equal(t, 4*time.Second, rec.delays[1])
}

func TestPlainErrorsAreNotRetried(t *testing.T) {
	rec := &recordingSleep{}
	ex := NewExecutor(DefaultPolicy(), zap.NewNop(), WithSleep(rec.sleep))

	calls := 0
	err := ex.Do(context.Background(), func() error {
		calls++
		return errors.New("unknown failure")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
