// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

// Package checkpoint provides durable, versioned snapshots of workflow state.
//
// A Store is the single mutation path for a workflow's history: Save performs
// an optimistic compare-and-append keyed on the caller's assumed current
// version, so versions for a given workflow are gapless and strictly
// increasing starting at 1, and a stale writer is rejected with
// VERSION_CONFLICT instead of silently overwriting.
//
// Backends:
//   - MemoryStore — development and tests
//   - RedisStore  — distributed deployments (Lua compare-and-append)
//   - GormStore   — SQL deployments (sqlite / postgres / mysql)
package checkpoint

import (
	"context"
	"fmt"

	"github.com/BaSui01/pipeflow/types"
)

// Store 检查点存储接口。Save 是唯一的写入路径。
type Store interface {
	// Save persists a new checkpoint for state.WorkflowID. expectedVersion is
	// the caller's assumed latest version (0 for a new workflow). On success
	// the stored version (expectedVersion+1) is returned; a stale expectation
	// fails with VERSION_CONFLICT and leaves the store unchanged.
	Save(ctx context.Context, state *types.WorkflowState, expectedVersion int) (int, error)

	// Latest returns the highest-version checkpoint for the workflow.
	Latest(ctx context.Context, workflowID string) (*types.Checkpoint, error)

	// Get returns one specific version.
	Get(ctx context.Context, workflowID string, version int) (*types.Checkpoint, error)

	// History returns a lazy, restartable iterator over the workflow's
	// checkpoints in ascending version order.
	History(ctx context.Context, workflowID string) Iterator
}

// Iterator 按版本升序惰性遍历某个工作流的 checkpoint 序列。
type Iterator interface {
	// Next returns the next checkpoint. ok is false once the sequence is
	// exhausted (err is nil in that case).
	Next(ctx context.Context) (cp *types.Checkpoint, ok bool, err error)

	// Reset rewinds the iterator to the beginning of the sequence.
	Reset()
}

// errVersionConflict builds the structured conflict error shared by backends.
func errVersionConflict(workflowID string, expected, latest int) error {
	return types.NewError(types.ErrVersionConflict,
		fmt.Sprintf("workflow %s: expected version %d but latest is %d", workflowID, expected, latest))
}

// errNotFound builds the structured not-found error shared by backends.
func errNotFound(workflowID string) error {
	return types.NewError(types.ErrWorkflowNotFound,
		fmt.Sprintf("no checkpoints for workflow %s", workflowID))
}

// Collect drains an iterator into a slice. Intended for tests and small
// histories; production consumers should iterate lazily.
func Collect(ctx context.Context, it Iterator) ([]*types.Checkpoint, error) {
	var out []*types.Checkpoint
	for {
		cp, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, cp)
	}
}
