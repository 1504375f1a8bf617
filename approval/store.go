// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package approval

import (
	"context"
	"errors"
	"sync"
)

// Common store errors
var (
	ErrNotFound      = errors.New("approval request not found")
	ErrAlreadyExists = errors.New("approval request already exists")
)

// MemoryStore 内存实现，适用于开发与测试。
type MemoryStore struct {
	requests map[string]*Request
	mu       sync.RWMutex
}

// NewMemoryStore creates an in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, requestID string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; !ok {
		return ErrNotFound
	}
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

// FindPending implements Store.
func (s *MemoryStore) FindPending(ctx context.Context, workflowID, nodeID string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, req := range s.requests {
		if req.WorkflowID == workflowID && req.NodeID == nodeID && req.Status == StatusPending {
			cp := *req
			return &cp, nil
		}
	}
	return nil, nil
}

// ListByWorkflow implements Store.
func (s *MemoryStore) ListByWorkflow(ctx context.Context, workflowID string) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Request
	for _, req := range s.requests {
		if req.WorkflowID == workflowID {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}
