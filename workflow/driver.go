// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package workflow

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/pipeflow/types"
)

// DriverPool 以受限并发同时驱动多个互不相关的工作流实例。
// 单个实例仍然只被一个驱动器持有；池只在实例之间并行。
type DriverPool struct {
	exec   *Executor
	limit  int
	logger *zap.Logger
}

// NewDriverPool creates a pool driving at most limit instances concurrently.
func NewDriverPool(exec *Executor, limit int, logger *zap.Logger) *DriverPool {
	if limit <= 0 {
		limit = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DriverPool{
		exec:   exec,
		limit:  limit,
		logger: logger.With(zap.String("component", "driver_pool")),
	}
}

// StartAll starts one run per input and drives them concurrently.
// Returns the final state of every run in input order; the first driver
// error cancels the remaining starts.
func (p *DriverPool) StartAll(ctx context.Context, definitionID string, inputs []any) ([]*types.WorkflowState, error) {
	states := make([]*types.WorkflowState, len(inputs))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	for i, input := range inputs {
		i, input := i, input
		g.Go(func() error {
			state, err := p.exec.Start(ctx, definitionID, input)
			if err != nil {
				p.logger.Error("workflow start failed",
					zap.String("definition_id", definitionID), zap.Error(err))
				return err
			}
			mu.Lock()
			states[i] = state
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return states, err
	}
	return states, nil
}

// ResumeAll resumes the given workflow ids concurrently. Individual
// resume failures are collected in the result map rather than cancelling
// sibling instances.
func (p *DriverPool) ResumeAll(ctx context.Context, workflowIDs []string) map[string]error {
	results := make(map[string]error, len(workflowIDs))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	for _, id := range workflowIDs {
		id := id
		g.Go(func() error {
			_, err := p.exec.Resume(ctx, id)
			if err != nil {
				p.logger.Warn("workflow resume failed",
					zap.String("workflow_id", id), zap.Error(err))
			}
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
