// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/pipeflow/types"
)

// MemoryStore 内存实现，适用于开发与测试。
type MemoryStore struct {
	// byWorkflow[workflowID] is append-only; index i holds version i+1.
	byWorkflow map[string][]*types.Checkpoint
	mu         sync.RWMutex
}

// NewMemoryStore creates an in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byWorkflow: make(map[string][]*types.Checkpoint),
	}
}

// Save implements Store with an in-process compare-and-append.
func (s *MemoryStore) Save(ctx context.Context, state *types.WorkflowState, expectedVersion int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.byWorkflow[state.WorkflowID]
	latest := len(history)
	if latest != expectedVersion {
		return 0, errVersionConflict(state.WorkflowID, expectedVersion, latest)
	}

	version := latest + 1
	snapshot := state.Clone()
	snapshot.Version = version

	s.byWorkflow[state.WorkflowID] = append(history, &types.Checkpoint{
		WorkflowID: state.WorkflowID,
		Version:    version,
		State:      snapshot,
		CreatedAt:  time.Now().UTC(),
	})
	return version, nil
}

// Latest implements Store.
func (s *MemoryStore) Latest(ctx context.Context, workflowID string) (*types.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.byWorkflow[workflowID]
	if len(history) == 0 {
		return nil, errNotFound(workflowID)
	}
	return history[len(history)-1], nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, workflowID string, version int) (*types.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.byWorkflow[workflowID]
	if version < 1 || version > len(history) {
		return nil, errNotFound(workflowID)
	}
	return history[version-1], nil
}

// History implements Store. The iterator reads one checkpoint per Next call
// so writes appended after iteration starts are still observed.
func (s *MemoryStore) History(ctx context.Context, workflowID string) Iterator {
	return &memoryIterator{store: s, workflowID: workflowID}
}

type memoryIterator struct {
	store      *MemoryStore
	workflowID string
	cursor     int // last version returned
}

func (it *memoryIterator) Next(ctx context.Context) (*types.Checkpoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	it.store.mu.RLock()
	defer it.store.mu.RUnlock()

	history := it.store.byWorkflow[it.workflowID]
	if it.cursor >= len(history) {
		return nil, false, nil
	}
	cp := history[it.cursor]
	it.cursor++
	return cp, true, nil
}

func (it *memoryIterator) Reset() {
	it.cursor = 0
}
