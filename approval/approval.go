// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

// Package approval implements the approval-gate collaborator: requests that
// suspend a workflow pending an external human decision, with idempotent
// resolution and lazy expiry.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/pipeflow/types"
)

// Status 审批请求状态
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Decision 外部审批人给出的决策
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Request 在执行到达 approval_gate 节点时创建，由外部审批人解决。
type Request struct {
	ID             string    `json:"id"`
	WorkflowID     string    `json:"workflow_id"`
	NodeID         string    `json:"node_id"`
	PayloadSummary any       `json:"payload_summary,omitempty"`
	Status         Status    `json:"status"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the request left the pending state.
func (r *Request) Resolved() bool {
	return r.Status != StatusPending
}

// Store 审批请求存储接口
type Store interface {
	Save(ctx context.Context, req *Request) error
	Load(ctx context.Context, requestID string) (*Request, error)
	Update(ctx context.Context, req *Request) error
	// FindPending returns the pending request for a workflow node, if any.
	FindPending(ctx context.Context, workflowID, nodeID string) (*Request, error)
	// ListByWorkflow returns all requests for a workflow.
	ListByWorkflow(ctx context.Context, workflowID string) ([]*Request, error)
}

// Manager 审批门管理器。创建、解决与过期都经由它，保证幂等语义。
type Manager struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the time source. Tests use a fake clock to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an approval manager. ttl bounds how long a request may
// stay pending before it is treated as expired.
func NewManager(store Store, ttl time.Duration, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	m := &Manager{
		store:  store,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "approval_manager")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create returns the pending request for (workflowID, nodeID), creating one
// when none exists. Re-entering a gate (e.g. after a crash and resume) must
// not spawn a second pending request.
func (m *Manager) Create(ctx context.Context, workflowID, nodeID string, payload any) (*Request, error) {
	if existing, err := m.store.FindPending(ctx, workflowID, nodeID); err == nil && existing != nil {
		if !m.expireIfDue(ctx, existing) {
			return existing, nil
		}
	}

	now := m.now().UTC()
	req := &Request{
		ID:             uuid.New().String(),
		WorkflowID:     workflowID,
		NodeID:         nodeID,
		PayloadSummary: payload,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
	}
	if err := m.store.Save(ctx, req); err != nil {
		return nil, fmt.Errorf("save approval request: %w", err)
	}

	m.logger.Info("approval requested",
		zap.String("request_id", req.ID),
		zap.String("workflow_id", workflowID),
		zap.String("node_id", nodeID),
		zap.Time("expires_at", req.ExpiresAt))
	return req, nil
}

// Resolve applies an external decision. Idempotent: resolving an
// already-resolved request is a no-op returning the prior outcome, even when
// the second decision differs. An expired request can no longer be resolved.
func (m *Manager) Resolve(ctx context.Context, requestID string, decision Decision, note string) (*Request, error) {
	req, err := m.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if req.Resolved() {
		m.logger.Debug("approval already resolved",
			zap.String("request_id", requestID),
			zap.String("status", string(req.Status)))
		return req, nil
	}

	switch decision {
	case DecisionApproved:
		req.Status = StatusApproved
	case DecisionRejected:
		req.Status = StatusRejected
	default:
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("unknown approval decision: %s", decision))
	}
	req.Note = note
	req.ResolvedAt = m.now().UTC()

	if err := m.store.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("update approval request: %w", err)
	}

	m.logger.Info("approval resolved",
		zap.String("request_id", requestID),
		zap.String("workflow_id", req.WorkflowID),
		zap.String("status", string(req.Status)))
	return req, nil
}

// Get loads a request, applying lazy expiry.
func (m *Manager) Get(ctx context.Context, requestID string) (*Request, error) {
	req, err := m.store.Load(ctx, requestID)
	if err != nil {
		return nil, types.NewError(types.ErrApprovalNotFound,
			fmt.Sprintf("approval request %s", requestID)).WithCause(err)
	}
	m.expireIfDue(ctx, req)
	return req, nil
}

// Pending returns the pending (unexpired) request for a workflow node.
func (m *Manager) Pending(ctx context.Context, workflowID, nodeID string) (*Request, error) {
	req, err := m.store.FindPending(ctx, workflowID, nodeID)
	if err != nil || req == nil {
		return nil, err
	}
	if m.expireIfDue(ctx, req) {
		return nil, nil
	}
	return req, nil
}

// LatestFor returns the most recent request for a workflow node regardless
// of status, or nil when the gate was never reached. The executor consults it
// on resume to learn the outcome of a suspension.
func (m *Manager) LatestFor(ctx context.Context, workflowID, nodeID string) (*Request, error) {
	reqs, err := m.store.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	var latest *Request
	for _, req := range reqs {
		if req.NodeID != nodeID {
			continue
		}
		if latest == nil || req.CreatedAt.After(latest.CreatedAt) {
			latest = req
		}
	}
	if latest != nil {
		m.expireIfDue(ctx, latest)
	}
	return latest, nil
}

// ExpireForWorkflow marks every pending request of a workflow expired.
// Called when a workflow is aborted.
func (m *Manager) ExpireForWorkflow(ctx context.Context, workflowID string) error {
	reqs, err := m.store.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("list approval requests: %w", err)
	}
	for _, req := range reqs {
		if req.Status != StatusPending {
			continue
		}
		req.Status = StatusExpired
		req.ResolvedAt = m.now().UTC()
		if err := m.store.Update(ctx, req); err != nil {
			return fmt.Errorf("expire approval request %s: %w", req.ID, err)
		}
		m.logger.Info("approval expired on abort",
			zap.String("request_id", req.ID),
			zap.String("workflow_id", workflowID))
	}
	return nil
}

// expireIfDue flips a pending request past its deadline to expired.
// Returns true when the request is (now) expired.
func (m *Manager) expireIfDue(ctx context.Context, req *Request) bool {
	if req.Status != StatusPending {
		return req.Status == StatusExpired
	}
	if m.now().Before(req.ExpiresAt) {
		return false
	}
	req.Status = StatusExpired
	req.ResolvedAt = m.now().UTC()
	if err := m.store.Update(ctx, req); err != nil {
		m.logger.Warn("failed to persist expiry", zap.String("request_id", req.ID), zap.Error(err))
	}
	return true
}
