package approval

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/pipeflow/types"
)

// fakeClock is a controllable time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, ""),
	}
}

func TestCreateAndResolve(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := NewManager(store, time.Hour, nil)

			req, err := m.Create(ctx, "wf-1", "approval_gate", map[string]any{"summary": "deploy v2"})
			require.NoError(t, err)
			assert.Equal(t, StatusPending, req.Status)
			assert.NotEmpty(t, req.ID)

			resolved, err := m.Resolve(ctx, req.ID, DecisionApproved, "lgtm")
			require.NoError(t, err)
			assert.Equal(t, StatusApproved, resolved.Status)
			assert.Equal(t, "lgtm", resolved.Note)
			assert.False(t, resolved.ResolvedAt.IsZero())
		})
	}
}

func TestCreateReusesPendingRequest(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := NewManager(store, time.Hour, nil)

			first, err := m.Create(ctx, "wf-1", "approval_gate", nil)
			require.NoError(t, err)

			// Re-entering the gate (crash + resume) returns the same request.
			second, err := m.Create(ctx, "wf-1", "approval_gate", nil)
			require.NoError(t, err)
			assert.Equal(t, first.ID, second.ID)
		})
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := NewManager(store, time.Hour, nil)

			req, err := m.Create(ctx, "wf-1", "approval_gate", nil)
			require.NoError(t, err)

			first, err := m.Resolve(ctx, req.ID, DecisionApproved, "")
			require.NoError(t, err)
			require.Equal(t, StatusApproved, first.Status)
			resolvedAt := first.ResolvedAt

			// Same decision again: no error, no second transition.
			second, err := m.Resolve(ctx, req.ID, DecisionApproved, "")
			require.NoError(t, err)
			assert.Equal(t, StatusApproved, second.Status)
			assert.True(t, resolvedAt.Equal(second.ResolvedAt))

			// Conflicting decision: prior outcome wins.
			third, err := m.Resolve(ctx, req.ID, DecisionRejected, "changed my mind")
			require.NoError(t, err)
			assert.Equal(t, StatusApproved, third.Status)
		})
	}
}

func TestResolveUnknownRequest(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Hour, nil)
	_, err := m.Resolve(context.Background(), "missing", DecisionApproved, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrApprovalNotFound, types.GetErrorCode(err))
}

func TestLazyExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	m := NewManager(NewMemoryStore(), time.Minute, nil, WithClock(clock.now))

	req, err := m.Create(ctx, "wf-1", "approval_gate", nil)
	require.NoError(t, err)

	clock.advance(2 * time.Minute)

	got, err := m.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	// An expired request can no longer be approved.
	after, err := m.Resolve(ctx, req.ID, DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, after.Status)

	// And the gate gets a fresh request next time around.
	fresh, err := m.Create(ctx, "wf-1", "approval_gate", nil)
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, fresh.ID)
	assert.Equal(t, StatusPending, fresh.Status)
}

func TestExpireForWorkflow(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := NewManager(store, time.Hour, nil)

			req, err := m.Create(ctx, "wf-1", "approval_gate", nil)
			require.NoError(t, err)
			resolved, err := m.Create(ctx, "wf-1", "other_gate", nil)
			require.NoError(t, err)
			_, err = m.Resolve(ctx, resolved.ID, DecisionRejected, "")
			require.NoError(t, err)

			require.NoError(t, m.ExpireForWorkflow(ctx, "wf-1"))

			got, err := m.Get(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusExpired, got.Status)

			// Already-resolved requests keep their outcome.
			got, err = m.Get(ctx, resolved.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusRejected, got.Status)
		})
	}
}

func TestPendingLookup(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), time.Hour, nil)

	none, err := m.Pending(ctx, "wf-1", "approval_gate")
	require.NoError(t, err)
	assert.Nil(t, none)

	req, err := m.Create(ctx, "wf-1", "approval_gate", nil)
	require.NoError(t, err)

	found, err := m.Pending(ctx, "wf-1", "approval_gate")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, req.ID, found.ID)
}
