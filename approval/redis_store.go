// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-based implementation of Store for distributed
// deployments. Requests are stored as JSON values; a per-workflow set and a
// pending index key support the lookup paths.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore wraps a connected client.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "pipeflow:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "approval:",
	}
}

func (s *RedisStore) requestKey(id string) string {
	return s.keyPrefix + "data:" + id
}

func (s *RedisStore) workflowKey(workflowID string) string {
	return s.keyPrefix + "workflow:" + workflowID
}

func (s *RedisStore) pendingKey(workflowID, nodeID string) string {
	return s.keyPrefix + "pending:" + workflowID + ":" + nodeID
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, req *Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal approval request: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.requestKey(req.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("save approval request: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.workflowKey(req.WorkflowID), req.ID)
	if req.Status == StatusPending {
		// Retain the pending index a bit past the deadline; lazy expiry in
		// the manager is authoritative.
		ttl := time.Until(req.ExpiresAt) + time.Hour
		pipe.Set(ctx, s.pendingKey(req.WorkflowID, req.NodeID), req.ID, ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, requestID string) (*Request, error) {
	raw, err := s.client.Get(ctx, s.requestKey(requestID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load approval request: %w", err)
	}
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("decode approval request: %w", err)
	}
	return &req, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, req *Request) error {
	exists, err := s.client.Exists(ctx, s.requestKey(req.ID)).Result()
	if err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal approval request: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.requestKey(req.ID), payload, 0)
	if req.Status != StatusPending {
		pipe.Del(ctx, s.pendingKey(req.WorkflowID, req.NodeID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// FindPending implements Store.
func (s *RedisStore) FindPending(ctx context.Context, workflowID, nodeID string) (*Request, error) {
	id, err := s.client.Get(ctx, s.pendingKey(workflowID, nodeID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pending approval: %w", err)
	}
	req, err := s.Load(ctx, id)
	if err == ErrNotFound {
		return nil, nil
	}
	return req, err
}

// ListByWorkflow implements Store.
func (s *RedisStore) ListByWorkflow(ctx context.Context, workflowID string) ([]*Request, error) {
	ids, err := s.client.SMembers(ctx, s.workflowKey(workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list approvals for workflow: %w", err)
	}
	out := make([]*Request, 0, len(ids))
	for _, id := range ids {
		req, err := s.Load(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}
