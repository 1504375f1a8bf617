// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package workflow

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/pipeflow/types"
)

type breakerClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *breakerClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *breakerClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *breakerClock) {
	clock := &breakerClock{t: time.Now()}
	cb := NewCircuitBreaker("build", CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
	}, nil, nil, WithBreakerClock(clock.now))
	return cb, clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, 30*time.Second)

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitClosed, cb.State())

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, 3, cb.Failures())
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	cb, clock := newTestBreaker(3, 30*time.Second)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	err := cb.Allow()
	require.Error(t, err)
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
	assert.Greater(t, types.RetryAfterHint(err), time.Duration(0))

	// Still rejected just before the cooldown elapses.
	clock.advance(29 * time.Second)
	require.Error(t, cb.Allow())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	cb, clock := newTestBreaker(3, 30*time.Second)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	clock.advance(30 * time.Second)

	// Exactly one probe passes.
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	err := cb.Allow()
	require.Error(t, err)
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	cb, clock := newTestBreaker(3, 30*time.Second)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clock.advance(30 * time.Second)

	require.NoError(t, cb.Allow())
	cb.RecordSuccess()

	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
	require.NoError(t, cb.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(3, 30*time.Second)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clock.advance(30 * time.Second)

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	// Cooldown restarts from the probe failure.
	clock.advance(29 * time.Second)
	require.Error(t, cb.Allow())
	clock.advance(time.Second)
	require.NoError(t, cb.Allow())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb, _ := newTestBreaker(3, 30*time.Second)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakerEmitsTransitionEvents(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	emitter := EmitterFunc(func(event Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	clock := &breakerClock{t: time.Now()}
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Second},
		emitter, nil, WithBreakerClock(clock.now))

	cb.RecordFailure()
	cb.RecordFailure()
	clock.advance(time.Second)
	require.NoError(t, cb.Allow())
	cb.RecordSuccess()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, EventCircuitStateChanged, events[0].Type)
	assert.Equal(t, "closed", events[0].From)
	assert.Equal(t, "open", events[0].To)
	assert.Equal(t, "half_open", events[1].To)
	assert.Equal(t, "closed", events[2].To)
}

func TestRegistrySharesBreakerPerStep(t *testing.T) {
	reg := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig(), nil, nil)

	a := reg.GetOrCreate("build")
	b := reg.GetOrCreate("build")
	c := reg.GetOrCreate("test")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	a.RecordFailure()
	assert.Equal(t, 1, b.Failures())

	states := reg.States()
	assert.Len(t, states, 2)
	assert.Equal(t, CircuitClosed, states["build"])
}

// TestBreakerTransitionTableProperty drives a breaker with a random
// success/failure/advance sequence against a reference state machine.
func TestBreakerTransitionTableProperty(t *testing.T) {
	const (
		threshold = 3
		cooldown  = 10 * time.Second
	)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	// 0 = call fails, 1 = call succeeds, 2 = advance clock past cooldown
	properties.Property("breaker matches reference transition table", prop.ForAll(
		func(ops []int) bool {
			cb, clock := newTestBreaker(threshold, cooldown)

			// reference model
			refState := CircuitClosed
			refFailures := 0

			for _, op := range ops {
				if op == 2 {
					clock.advance(cooldown)
					continue
				}
				success := op == 1

				allowErr := cb.Allow()
				refAllowed := true
				if refState == CircuitOpen {
					// the fake clock only moves in full cooldowns, so an
					// open breaker seen here has not cooled down yet
					refAllowed = false
				}
				// Allow flips open→half_open after cooldown; emulate by
				// checking the real breaker's observed state afterwards.
				if refAllowed != (allowErr == nil) {
					if refState == CircuitOpen && allowErr == nil && cb.State() == CircuitHalfOpen {
						refState = CircuitHalfOpen
					} else {
						return false
					}
				}
				if allowErr != nil {
					continue
				}

				if success {
					cb.RecordSuccess()
					refFailures = 0
					refState = CircuitClosed
				} else {
					cb.RecordFailure()
					refFailures++
					if refState == CircuitHalfOpen || refFailures >= threshold {
						refState = CircuitOpen
					}
				}
				if cb.State() != refState {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
