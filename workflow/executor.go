// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/pipeflow/approval"
	"github.com/BaSui01/pipeflow/checkpoint"
	"github.com/BaSui01/pipeflow/retry"
	"github.com/BaSui01/pipeflow/types"
)

// 执行器写入上下文的保留路由信号。FAIL 由步骤失败合成，
// 其余三个由审批门的外部决策产生。
const (
	SignalFail     = "FAIL"
	SignalApproved = "APPROVED"
	SignalRejected = "REJECTED"
	SignalExpired  = "EXPIRED"
)

// ExecutorConfig 执行器配置
type ExecutorConfig struct {
	// StepTimeout 单次步骤调用的超时；超时按可重试错误分类，
	// 同时计入熔断器失败。
	StepTimeout time.Duration `json:"step_timeout" yaml:"step_timeout"`
	// MaxSteps 单次驱动允许的最大节点执行数，防御配置错误导致的死循环
	MaxSteps int `json:"max_steps" yaml:"max_steps"`
}

// DefaultExecutorConfig 默认执行器配置
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		StepTimeout: 5 * time.Minute,
		MaxSteps:    256,
	}
}

// StatusInfo is the external view of a run returned by Status.
type StatusInfo struct {
	WorkflowID    string       `json:"workflow_id"`
	DefinitionID  string       `json:"definition_id"`
	Status        types.Status `json:"status"`
	CurrentNodeID string       `json:"current_node_id"`
	Version       int          `json:"version"`
}

// Executor 驱动工作流图的遍历：对当前节点执行
// 重试执行器(熔断器(步骤适配器)) 调用链，评估路由，推进或回环，
// 每个节点之后写入 checkpoint。同一 workflowId 任一时刻最多被一个
// 驱动器持有（进程内由 live 表保证，跨进程由 checkpoint 乐观版本兜底）。
type Executor struct {
	store       checkpoint.Store
	approvals   *approval.Manager
	breakers    *CircuitBreakerRegistry
	retryPolicy *retry.Policy
	retryOpts   []retry.Option
	emitter     Emitter
	logger      *zap.Logger
	tracer      trace.Tracer
	config      ExecutorConfig

	defsMu sync.RWMutex
	defs   map[string]*Definition

	liveMu sync.Mutex
	live   map[string]*liveEntry
}

// liveEntry 标记一个正在被本进程驱动的实例。abort 在节点之间被检查。
type liveEntry struct {
	abort bool
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithEmitter sets the observability event sink.
func WithEmitter(emitter Emitter) ExecutorOption {
	return func(e *Executor) { e.emitter = emitter }
}

// WithRetryPolicy replaces the per-step retry policy.
func WithRetryPolicy(policy *retry.Policy) ExecutorOption {
	return func(e *Executor) { e.retryPolicy = policy }
}

// WithRetryOptions passes options (e.g. an injected sleep) to the retry
// executors built for each step invocation.
func WithRetryOptions(opts ...retry.Option) ExecutorOption {
	return func(e *Executor) { e.retryOpts = opts }
}

// WithCircuitBreakers replaces the shared breaker registry.
func WithCircuitBreakers(reg *CircuitBreakerRegistry) ExecutorOption {
	return func(e *Executor) { e.breakers = reg }
}

// WithTracer sets the tracer used for per-node spans.
func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = tracer }
}

// NewExecutor 创建工作流执行器
func NewExecutor(store checkpoint.Store, approvals *approval.Manager, config ExecutorConfig, opts ...ExecutorOption) *Executor {
	if config.StepTimeout <= 0 {
		config.StepTimeout = DefaultExecutorConfig().StepTimeout
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = DefaultExecutorConfig().MaxSteps
	}
	e := &Executor{
		store:       store,
		approvals:   approvals,
		retryPolicy: retry.DefaultPolicy(),
		logger:      zap.NewNop(),
		config:      config,
		defs:        make(map[string]*Definition),
		live:        make(map[string]*liveEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "workflow_executor"))
	if e.emitter == nil {
		e.emitter = NewZapEmitter(e.logger)
	}
	if e.breakers == nil {
		e.breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig(), e.emitter, e.logger)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("pipeflow/workflow")
	}
	return e
}

// Register 注册一个已构建（已校验）的工作流定义。
func (e *Executor) Register(def *Definition) error {
	if def == nil {
		return types.NewError(types.ErrInvalidRequest, "nil workflow definition")
	}
	e.defsMu.Lock()
	defer e.defsMu.Unlock()
	if _, dup := e.defs[def.ID()]; dup {
		return types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("definition %s already registered", def.ID()))
	}
	e.defs[def.ID()] = def
	return nil
}

func (e *Executor) definition(id string) (*Definition, error) {
	e.defsMu.RLock()
	defer e.defsMu.RUnlock()
	def, ok := e.defs[id]
	if !ok {
		return nil, types.NewError(types.ErrNotFound,
			fmt.Sprintf("workflow definition %s not registered", id))
	}
	return def, nil
}

// StartOption configures Start.
type StartOption func(*startOptions)

type startOptions struct {
	workflowID string
}

// WithWorkflowID supplies the workflow id instead of generating one.
func WithWorkflowID(id string) StartOption {
	return func(o *startOptions) { o.workflowID = id }
}

// Start 启动一次新的运行并同步驱动，直到终止、挂起或请求中止。
// 返回驱动停止时的状态。
func (e *Executor) Start(ctx context.Context, definitionID string, initialInput any, opts ...StartOption) (*types.WorkflowState, error) {
	def, err := e.definition(definitionID)
	if err != nil {
		return nil, err
	}

	var so startOptions
	for _, opt := range opts {
		opt(&so)
	}
	workflowID := so.workflowID
	if workflowID == "" {
		workflowID = uuid.New().String()
	}

	entry, err := e.acquire(workflowID)
	if err != nil {
		return nil, err
	}
	defer e.release(workflowID)

	state := types.NewWorkflowState(workflowID, definitionID, def.Start(), initialInput)
	if err := e.writeCheckpoint(ctx, state); err != nil {
		return nil, err
	}
	e.logger.Info("workflow started",
		zap.String("workflow_id", workflowID),
		zap.String("definition_id", definitionID))

	if err := e.drive(ctx, def, state, entry); err != nil {
		return state, err
	}
	return state, nil
}

// Resume 从最新 checkpoint 恢复驱动。运行中的实例直接继续；
// 因审批挂起的实例先消化审批结果（批准/拒绝/过期）再继续；
// 已终止的实例拒绝，返回 INVALID_STATE_TRANSITION。
func (e *Executor) Resume(ctx context.Context, workflowID string) (*types.WorkflowState, error) {
	entry, err := e.acquire(workflowID)
	if err != nil {
		return nil, err
	}
	defer e.release(workflowID)

	state, def, err := e.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	switch {
	case state.Status.IsTerminal():
		return nil, types.NewError(types.ErrInvalidStateTransition,
			fmt.Sprintf("workflow %s is %s", workflowID, state.Status))

	case state.Status == types.StatusSuspendedForApproval:
		if err := e.consumeApproval(ctx, def, state); err != nil {
			return nil, err
		}
	}

	e.emit(Event{Type: EventWorkflowResumed, WorkflowID: workflowID, NodeID: state.CurrentNodeID})
	if err := e.drive(ctx, def, state, entry); err != nil {
		return state, err
	}
	return state, nil
}

// StepOnce 执行恰好一个节点后归还控制权，供异步驱动方按 tick 推进。
// done 为 true 表示运行已终止或挂起，不应再继续驱动。
func (e *Executor) StepOnce(ctx context.Context, workflowID string) (state *types.WorkflowState, done bool, err error) {
	_, err = e.acquire(workflowID)
	if err != nil {
		return nil, false, err
	}
	defer e.release(workflowID)

	state, def, err := e.load(ctx, workflowID)
	if err != nil {
		return nil, false, err
	}
	if state.Status != types.StatusRunning {
		return nil, true, types.NewError(types.ErrInvalidStateTransition,
			fmt.Sprintf("workflow %s is %s", workflowID, state.Status))
	}

	halted, err := e.step(ctx, def, state)
	if err != nil {
		return state, false, err
	}
	return state, halted, nil
}

// ResolveApproval 应用外部审批决策：解析请求（幂等），把决策信号写入
// 上下文，按审批门的路由设置下一节点并切回 running，写 checkpoint。
// 不驱动后续节点，由调用方决定何时 Resume。
func (e *Executor) ResolveApproval(ctx context.Context, requestID string, decision approval.Decision, note string) (*types.WorkflowState, error) {
	req, err := e.approvals.Resolve(ctx, requestID, decision, note)
	if err != nil {
		return nil, err
	}

	if _, err := e.acquire(req.WorkflowID); err != nil {
		return nil, err
	}
	defer e.release(req.WorkflowID)

	state, def, err := e.load(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if state.Status != types.StatusSuspendedForApproval {
		// 决策此前已被消化（幂等重放），直接返回当前状态。
		return state, nil
	}
	if err := e.applyApprovalOutcome(ctx, def, state, req); err != nil {
		return nil, err
	}
	return state, nil
}

// Rollback 以历史版本为起点开新的执行头：把目标版本的状态复制为
// version=latest+1 的新 checkpoint 并切回 running。历史从不被改写。
// 运行中或正被驱动的实例拒绝回滚。
func (e *Executor) Rollback(ctx context.Context, workflowID string, version int) (*types.WorkflowState, error) {
	_, err := e.acquire(workflowID)
	if err != nil {
		return nil, err
	}
	defer e.release(workflowID)

	latest, err := e.store.Latest(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if latest.State.Status == types.StatusRunning {
		return nil, types.NewError(types.ErrInvalidStateTransition,
			fmt.Sprintf("workflow %s is running; abort it before rolling back", workflowID))
	}

	target, err := e.store.Get(ctx, workflowID, version)
	if err != nil {
		return nil, err
	}

	state := target.State.Clone()
	state.Status = types.StatusRunning
	state.Version = latest.Version
	state.UpdatedAt = time.Now().UTC()
	if err := e.writeCheckpoint(ctx, state); err != nil {
		return nil, err
	}
	e.logger.Info("workflow rolled back",
		zap.String("workflow_id", workflowID),
		zap.Int("to_version", version),
		zap.Int("new_version", state.Version))
	return state, nil
}

// Abort 请求中止。正在驱动的实例在下一次节点间隙停止；空闲实例立即
// 写入 aborted checkpoint。挂起的审批请求标记为过期。已终止的实例拒绝。
func (e *Executor) Abort(ctx context.Context, workflowID string) error {
	e.liveMu.Lock()
	if entry, ok := e.live[workflowID]; ok {
		entry.abort = true
		e.liveMu.Unlock()
		return nil
	}
	e.live[workflowID] = &liveEntry{}
	e.liveMu.Unlock()
	defer e.release(workflowID)

	state, _, err := e.load(ctx, workflowID)
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return types.NewError(types.ErrInvalidStateTransition,
			fmt.Sprintf("workflow %s is already %s", workflowID, state.Status))
	}
	return e.finishAborted(ctx, state, "abort requested")
}

// Status 返回运行的外部视图。
func (e *Executor) Status(ctx context.Context, workflowID string) (*StatusInfo, error) {
	cp, err := e.store.Latest(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &StatusInfo{
		WorkflowID:    workflowID,
		DefinitionID:  cp.State.DefinitionID,
		Status:        cp.State.Status,
		CurrentNodeID: cp.State.CurrentNodeID,
		Version:       cp.Version,
	}, nil
}

// ---- driving ----

// drive 同步推进，直到 step 报告停止（终止/挂起）或节点间隙发现中止请求。
func (e *Executor) drive(ctx context.Context, def *Definition, state *types.WorkflowState, entry *liveEntry) error {
	for steps := 0; ; steps++ {
		if steps >= e.config.MaxSteps {
			return types.NewError(types.ErrInternalError,
				fmt.Sprintf("workflow %s exceeded %d node executions in one drive", state.WorkflowID, e.config.MaxSteps))
		}

		e.liveMu.Lock()
		abortRequested := entry.abort
		e.liveMu.Unlock()
		if abortRequested {
			return e.finishAborted(ctx, state, "abort requested")
		}

		halted, err := e.step(ctx, def, state)
		if err != nil {
			return err
		}
		if halted {
			return nil
		}
	}
}

// step 执行规范中单个执行步骤的 1–9：解析当前节点，按类型处理，
// 评估路由与回环上界，推进 currentNodeId 并写 checkpoint。
func (e *Executor) step(ctx context.Context, def *Definition, state *types.WorkflowState) (halted bool, err error) {
	if state.Status != types.StatusRunning {
		return true, nil
	}

	node, ok := def.Node(state.CurrentNodeID)
	if !ok {
		return false, types.NewError(types.ErrRouterContractViolation,
			fmt.Sprintf("workflow %s: current node %q not in definition %s", state.WorkflowID, state.CurrentNodeID, def.ID()))
	}
	e.emit(Event{Type: EventNodeEntered, WorkflowID: state.WorkflowID, NodeID: node.ID})

	switch node.Kind {
	case NodeTerminal:
		return true, e.finishTerminal(ctx, state, node)

	case NodeApprovalGate:
		return true, e.suspendForApproval(ctx, state, node)

	case NodeAgentStep:
		return e.executeStep(ctx, def, state, node)

	default:
		return false, types.NewError(types.ErrInternalError,
			fmt.Sprintf("node %s has unknown kind %q", node.ID, node.Kind))
	}
}

func (e *Executor) finishTerminal(ctx context.Context, state *types.WorkflowState, node *Node) error {
	if node.Outcome == TerminalAborted {
		return e.finishAborted(ctx, state, abortReason(state))
	}
	state.Status = types.StatusCompleted
	state.UpdatedAt = time.Now().UTC()
	if err := e.writeCheckpoint(ctx, state); err != nil {
		return err
	}
	e.emit(Event{Type: EventWorkflowCompleted, WorkflowID: state.WorkflowID, NodeID: node.ID})
	e.logger.Info("workflow completed",
		zap.String("workflow_id", state.WorkflowID),
		zap.Int("version", state.Version),
		zap.Int("steps", len(state.CompletedSteps)))
	return nil
}

func (e *Executor) finishAborted(ctx context.Context, state *types.WorkflowState, reason string) error {
	state.Status = types.StatusAborted
	state.UpdatedAt = time.Now().UTC()
	if err := e.writeCheckpoint(ctx, state); err != nil {
		return err
	}
	if err := e.approvals.ExpireForWorkflow(ctx, state.WorkflowID); err != nil {
		e.logger.Warn("failed to expire pending approvals",
			zap.String("workflow_id", state.WorkflowID), zap.Error(err))
	}
	e.emit(Event{Type: EventWorkflowAborted, WorkflowID: state.WorkflowID, NodeID: state.CurrentNodeID, Reason: reason})
	e.logger.Info("workflow aborted",
		zap.String("workflow_id", state.WorkflowID),
		zap.String("reason", reason),
		zap.Int("version", state.Version))
	return nil
}

// abortReason digs the originating cause out of context so reporting can
// distinguish a business decision (DEFER/BLOCK/CRITICAL) from an
// infrastructure failure.
func abortReason(state *types.WorkflowState) string {
	for i := len(state.CompletedSteps) - 1; i >= 0; i-- {
		out, ok := state.LastOutput(state.CompletedSteps[i])
		if !ok {
			continue
		}
		if out.Error != nil {
			return fmt.Sprintf("step %s failed: [%s] %s", state.CompletedSteps[i], out.Error.Code, out.Error.Message)
		}
		switch out.RoutingSignal {
		case "", "PROCEED", "PASS":
			continue
		default:
			return fmt.Sprintf("step %s signalled %s", state.CompletedSteps[i], out.RoutingSignal)
		}
	}
	return "aborted"
}

func (e *Executor) suspendForApproval(ctx context.Context, state *types.WorkflowState, node *Node) error {
	req, err := e.approvals.Create(ctx, state.WorkflowID, node.ID, approvalPayload(state))
	if err != nil {
		return fmt.Errorf("create approval request: %w", err)
	}
	state.Status = types.StatusSuspendedForApproval
	state.UpdatedAt = time.Now().UTC()
	if err := e.writeCheckpoint(ctx, state); err != nil {
		return err
	}
	e.emit(Event{Type: EventWorkflowSuspended, WorkflowID: state.WorkflowID, NodeID: node.ID, Reason: req.ID})
	e.logger.Info("workflow suspended for approval",
		zap.String("workflow_id", state.WorkflowID),
		zap.String("node_id", node.ID),
		zap.String("request_id", req.ID))
	return nil
}

// approvalPayload 为审批人汇总上一步的产出。
func approvalPayload(state *types.WorkflowState) map[string]any {
	payload := map[string]any{
		"workflow_id":   state.WorkflowID,
		"definition_id": state.DefinitionID,
		"node_id":       state.CurrentNodeID,
	}
	if n := len(state.CompletedSteps); n > 0 {
		last := state.CompletedSteps[n-1]
		payload["last_step"] = last
		if out, ok := state.LastOutput(last); ok {
			payload["last_signal"] = out.RoutingSignal
			payload["last_data"] = out.Data
		}
	}
	return payload
}

// consumeApproval 在 Resume 时消化挂起审批门的结果。
func (e *Executor) consumeApproval(ctx context.Context, def *Definition, state *types.WorkflowState) error {
	req, err := e.approvals.LatestFor(ctx, state.WorkflowID, state.CurrentNodeID)
	if err != nil {
		return err
	}
	if req != nil && req.Status == approval.StatusPending {
		return types.NewError(types.ErrInvalidStateTransition,
			fmt.Sprintf("workflow %s is waiting for approval %s", state.WorkflowID, req.ID))
	}
	return e.applyApprovalOutcome(ctx, def, state, req)
}

// applyApprovalOutcome 把审批结果转成路由信号写入上下文，按审批门的
// 路由推进并切回 running。req 为 nil 视为过期。
func (e *Executor) applyApprovalOutcome(ctx context.Context, def *Definition, state *types.WorkflowState, req *approval.Request) error {
	signal := SignalExpired
	if req != nil {
		switch req.Status {
		case approval.StatusApproved:
			signal = SignalApproved
		case approval.StatusRejected:
			signal = SignalRejected
		}
	}

	gateID := state.CurrentNodeID
	state.RecordOutput(gateID, types.StepOutput{
		Success:       true,
		RoutingSignal: signal,
		ProducedAt:    time.Now().UTC(),
	})
	state.Status = types.StatusRunning

	target, err := def.NextFor(gateID, state)
	if err != nil {
		return err
	}
	target = e.applyLoopBounds(def, state, gateID, target)
	e.emit(Event{Type: EventRouterEvaluated, WorkflowID: state.WorkflowID, NodeID: gateID, From: gateID, To: target, Signal: signal})

	state.CurrentNodeID = target
	return e.writeCheckpoint(ctx, state)
}

// executeStep 执行一个 agent 步骤并完成路由与 checkpoint。
// 步骤在重试耗尽后失败不会让驱动器崩溃：失败被合成为 FAIL 信号输出，
// 沿失败边路由（通常指向 terminal-abort）。
func (e *Executor) executeStep(ctx context.Context, def *Definition, state *types.WorkflowState, node *Node) (halted bool, err error) {
	out, stepErr := e.invoke(ctx, node, state)

	var target, signal string
	if stepErr != nil {
		info := &types.ErrorInfo{
			Code:    types.GetErrorCode(stepErr),
			Message: stepErr.Error(),
			StepID:  node.ID,
		}
		state.RecordOutput(node.ID, types.StepOutput{
			Success:       false,
			RoutingSignal: SignalFail,
			Error:         info,
			ProducedAt:    time.Now().UTC(),
		})
		e.logger.Error("step failed after retries",
			zap.String("workflow_id", state.WorkflowID),
			zap.String("node_id", node.ID),
			zap.Error(stepErr))

		ft, ok := def.FailureTarget(node.ID)
		if !ok {
			return true, e.finishAborted(ctx, state, abortReason(state))
		}
		target, signal = ft, SignalFail
	} else {
		state.RecordOutput(node.ID, *out)
		e.emit(Event{Type: EventNodeCompleted, WorkflowID: state.WorkflowID, NodeID: node.ID, Signal: out.RoutingSignal})

		next, routeErr := def.NextFor(node.ID, state)
		if routeErr != nil {
			return false, routeErr
		}
		target, signal = next, out.RoutingSignal
	}

	target = e.applyLoopBounds(def, state, node.ID, target)
	e.emit(Event{Type: EventRouterEvaluated, WorkflowID: state.WorkflowID, NodeID: node.ID, From: node.ID, To: target, Signal: signal})

	state.CurrentNodeID = target
	if err := e.writeCheckpoint(ctx, state); err != nil {
		return false, err
	}
	return false, nil
}

// applyLoopBounds 对命中回环规则的转移递增计数器；超过上界的转移强制
// 改走 Fallback，保证回环总会终止。
func (e *Executor) applyLoopBounds(def *Definition, state *types.WorkflowState, from, target string) string {
	for _, rule := range def.LoopRules() {
		if rule.From != from || rule.To != target {
			continue
		}
		if state.Counter(rule.Counter) >= rule.Max {
			e.emit(Event{
				Type:       EventLoopBoundExceeded,
				WorkflowID: state.WorkflowID,
				NodeID:     from,
				To:         rule.Fallback,
				Counter:    rule.Counter,
			})
			e.logger.Warn("loop bound reached, taking fallback",
				zap.String("workflow_id", state.WorkflowID),
				zap.String("counter", rule.Counter),
				zap.Int("max", rule.Max),
				zap.String("fallback", rule.Fallback))
			return rule.Fallback
		}
		state.RetryCounters[rule.Counter]++
		return target
	}
	return target
}

// invoke 通过 重试执行器→熔断器→步骤适配器 链调用一个步骤。
// 返回错误表示重试已耗尽或熔断拒绝，已包装为 STEP_EXECUTION_FAILED。
func (e *Executor) invoke(ctx context.Context, node *Node, state *types.WorkflowState) (*types.StepOutput, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("workflow.id", state.WorkflowID),
			attribute.String("workflow.node", node.ID),
			attribute.String("workflow.adapter", node.Adapter.Name()),
		))
	defer span.End()

	input := &types.StepInput{
		WorkflowID: state.WorkflowID,
		NodeID:     node.ID,
		Context:    cloneContext(state.Context),
	}
	breaker := e.breakers.GetOrCreate(node.ID)

	policy := *e.retryPolicy
	policy.OnRetry = func(attempt int, retryErr error, delay time.Duration) {
		e.emit(Event{
			Type:       EventRetryAttempted,
			WorkflowID: state.WorkflowID,
			NodeID:     node.ID,
			Attempt:    attempt,
			Delay:      delay,
		})
	}
	rex := retry.NewExecutor(&policy, e.logger, e.retryOpts...)

	var out *types.StepOutput
	err := rex.Do(ctx, func() error {
		if allowErr := breaker.Allow(); allowErr != nil {
			// 熔断拒绝没有发生真实调用，不计失败，按不可重试处理
			return allowErr
		}

		stepCtx, cancel := context.WithTimeout(ctx, e.config.StepTimeout)
		defer cancel()

		res, execErr := node.Adapter.Execute(stepCtx, input)
		if execErr != nil {
			breaker.RecordFailure()
			if errors.Is(execErr, context.DeadlineExceeded) {
				return types.NewError(types.ErrTimeout,
					fmt.Sprintf("step %s timed out after %s", node.ID, e.config.StepTimeout)).
					WithStepID(node.ID).
					WithRetryable(true).
					WithCause(execErr)
			}
			return execErr
		}
		if res == nil {
			breaker.RecordFailure()
			return types.NewError(types.ErrInternalError,
				fmt.Sprintf("adapter %s returned no output", node.Adapter.Name())).WithStepID(node.ID)
		}
		if !res.Success {
			breaker.RecordFailure()
			return stepFailure(node.ID, res)
		}

		breaker.RecordSuccess()
		if res.ProducedAt.IsZero() {
			res.ProducedAt = time.Now().UTC()
		}
		out = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		return nil, types.NewError(types.ErrStepExecutionFailed,
			fmt.Sprintf("step %s failed", node.ID)).WithStepID(node.ID).WithCause(err)
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// stepFailure 把 Success=false 的适配器输出转成分类过的错误。
func stepFailure(nodeID string, res *types.StepOutput) error {
	code := types.ErrStepExecutionFailed
	msg := "step reported failure"
	if res.Error != nil {
		if res.Error.Code != "" {
			code = res.Error.Code
		}
		if res.Error.Message != "" {
			msg = res.Error.Message
		}
	}
	return types.NewError(code, msg).WithStepID(nodeID).WithRetryable(code.Transient())
}

// ---- plumbing ----

func (e *Executor) load(ctx context.Context, workflowID string) (*types.WorkflowState, *Definition, error) {
	cp, err := e.store.Latest(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	state := cp.State.Clone()
	state.Version = cp.Version
	def, err := e.definition(state.DefinitionID)
	if err != nil {
		return nil, nil, err
	}
	return state, def, nil
}

// writeCheckpoint 以当前版本为期望值做乐观写入。版本冲突说明有别的
// 驱动器接管了该实例，对本驱动器是致命错误，直接上抛。
func (e *Executor) writeCheckpoint(ctx context.Context, state *types.WorkflowState) error {
	version, err := e.store.Save(ctx, state, state.Version)
	if err != nil {
		return fmt.Errorf("write checkpoint for workflow %s: %w", state.WorkflowID, err)
	}
	state.Version = version
	e.emit(Event{Type: EventCheckpointWritten, WorkflowID: state.WorkflowID, NodeID: state.CurrentNodeID, Version: version})
	return nil
}

func (e *Executor) acquire(workflowID string) (*liveEntry, error) {
	e.liveMu.Lock()
	defer e.liveMu.Unlock()
	if _, busy := e.live[workflowID]; busy {
		return nil, types.NewError(types.ErrInvalidStateTransition,
			fmt.Sprintf("workflow %s is already being driven", workflowID))
	}
	entry := &liveEntry{}
	e.live[workflowID] = entry
	return entry, nil
}

func (e *Executor) release(workflowID string) {
	e.liveMu.Lock()
	delete(e.live, workflowID)
	e.liveMu.Unlock()
}

func (e *Executor) emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	e.emitter.Emit(event)
}

func cloneContext(src map[string]types.StepOutput) map[string]types.StepOutput {
	out := make(map[string]types.StepOutput, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
