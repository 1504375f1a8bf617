// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

// Package pipeflow provides a top-level convenience entry point that wires
// a fully configured workflow engine from a single config struct.
//
// Usage:
//
//	import "github.com/BaSui01/pipeflow"
//
//	engine, err := pipeflow.New(cfg)
//	engine, err := pipeflow.New(cfg, pipeflow.WithDefinitions(def))
//	defer engine.Close()
//
//	state, err := engine.Executor.Start(ctx, "delivery", input)
//
// This is a thin wrapper around the workflow, checkpoint, and approval
// packages; anything the facade wires can also be assembled by hand.
package pipeflow

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/pipeflow/approval"
	"github.com/BaSui01/pipeflow/checkpoint"
	"github.com/BaSui01/pipeflow/config"
	"github.com/BaSui01/pipeflow/internal/metrics"
	"github.com/BaSui01/pipeflow/retry"
	"github.com/BaSui01/pipeflow/workflow"
)

// Engine bundles a wired executor with the stores behind it.
type Engine struct {
	Executor  *workflow.Executor
	Approvals *approval.Manager
	Store     checkpoint.Store

	logger  *zap.Logger
	closers []func() error
}

type engineOptions struct {
	logger      *zap.Logger
	emitters    []workflow.Emitter
	registry    prometheus.Registerer
	definitions []*workflow.Definition
}

// Option configures the engine created by [New].
type Option func(*engineOptions)

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithEmitter adds an extra event emitter alongside the built-in ones.
func WithEmitter(emitter workflow.Emitter) Option {
	return func(o *engineOptions) { o.emitters = append(o.emitters, emitter) }
}

// WithPrometheusRegistry sets the registry for the metrics collector.
// Only used when cfg.Metrics.Enabled is true.
func WithPrometheusRegistry(reg prometheus.Registerer) Option {
	return func(o *engineOptions) { o.registry = reg }
}

// WithDefinitions registers workflow definitions on the engine at build time.
func WithDefinitions(defs ...*workflow.Definition) Option {
	return func(o *engineOptions) { o.definitions = append(o.definitions, defs...) }
}

// New builds a ready-to-use Engine from cfg. A nil cfg means defaults
// (in-memory stores, no metrics, no telemetry).
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	eng := &Engine{logger: logger}

	store, err := eng.openCheckpointStore(cfg.Checkpoint, logger)
	if err != nil {
		return nil, err
	}
	eng.Store = store

	approvalStore, err := eng.openApprovalStore(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	eng.Approvals = approval.NewManager(approvalStore, cfg.Pipeline.ApprovalTTL, logger)

	emitters := append([]workflow.Emitter{workflow.NewZapEmitter(logger)}, o.emitters...)
	if cfg.Metrics.Enabled {
		emitters = append(emitters, metrics.NewCollector("pipeflow", o.registry, logger))
	}
	emitter := workflow.Emitter(workflow.MultiEmitter(emitters))

	breakers := workflow.NewCircuitBreakerRegistry(workflow.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Cooldown:         cfg.CircuitBreaker.Cooldown,
	}, emitter, logger)

	eng.Executor = workflow.NewExecutor(store, eng.Approvals,
		workflow.ExecutorConfig{
			StepTimeout: cfg.Executor.StepTimeout,
			MaxSteps:    cfg.Executor.MaxSteps,
		},
		workflow.WithLogger(logger),
		workflow.WithEmitter(emitter),
		workflow.WithCircuitBreakers(breakers),
		workflow.WithRetryPolicy(&retry.Policy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			BaseDelay:      cfg.Retry.BaseDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			Multiplier:     cfg.Retry.Multiplier,
			JitterFraction: cfg.Retry.JitterFraction,
		}),
	)

	for _, def := range o.definitions {
		if err := eng.Executor.Register(def); err != nil {
			return nil, fmt.Errorf("register definition %q: %w", def.ID(), err)
		}
	}

	return eng, nil
}

// Close releases store connections. Safe on an engine backed by memory stores.
func (e *Engine) Close() error {
	var firstErr error
	for _, fn := range e.closers {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) openCheckpointStore(cfg config.CheckpointConfig, logger *zap.Logger) (checkpoint.Store, error) {
	switch cfg.Backend {
	case "memory", "":
		return checkpoint.NewMemoryStore(), nil
	case "redis":
		store, err := checkpoint.NewRedisStore(checkpoint.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			PoolSize:  cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis checkpoint store: %w", err)
		}
		e.closers = append(e.closers, store.Close)
		return store, nil
	case "database":
		store, err := checkpoint.Open(checkpoint.DatabaseConfig{
			Driver: cfg.Database.Driver,
			DSN:    cfg.Database.DSN(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open database checkpoint store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

// openApprovalStore keeps approvals in the same backend family as
// checkpoints: redis when checkpoints live in redis, memory otherwise.
// Approvals are read-mostly and small, so a database backend is not needed.
func (e *Engine) openApprovalStore(cfg config.CheckpointConfig) (approval.Store, error) {
	if cfg.Backend != "redis" {
		return approval.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	e.closers = append(e.closers, client.Close)
	return approval.NewRedisStore(client, cfg.Redis.KeyPrefix), nil
}
