// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package workflow

import (
	"fmt"

	"github.com/BaSui01/pipeflow/types"
)

// NodeKind 节点类型
type NodeKind string

const (
	// NodeAgentStep 调用一个 StepAdapter 的普通步骤
	NodeAgentStep NodeKind = "agent_step"
	// NodeApprovalGate 审批门：挂起执行，等待外部决策
	NodeApprovalGate NodeKind = "approval_gate"
	// NodeTerminal 终止节点，到达后工作流结束
	NodeTerminal NodeKind = "terminal"
)

// TerminalOutcome 终止节点对应的最终状态
type TerminalOutcome string

const (
	// TerminalCompleted 正常完成
	TerminalCompleted TerminalOutcome = "completed"
	// TerminalAborted 中止（业务拒绝或基础设施失败）
	TerminalAborted TerminalOutcome = "aborted"
)

// Node 图中的一个步骤模板。节点无状态，不持有执行数据。
type Node struct {
	ID      string
	Kind    NodeKind
	Adapter StepAdapter     // agent_step only
	Outcome TerminalOutcome // terminal only
}

// Edge 静态无条件转移
type Edge struct {
	From string
	To   string
}

// LoopRule bounds a named retry/rework loop-back edge. Whenever the router
// for From selects To, the executor increments Counter; once the counter has
// reached Max the transition is forced to Fallback instead, so every loop
// fails closed toward termination.
type LoopRule struct {
	Counter  string
	From     string
	To       string
	Max      int
	Fallback string
}

// Definition 不可变的工作流图：节点、静态边、条件路由和回环上界。
// Build 时校验一次，运行期不再改变拓扑。
type Definition struct {
	id           string
	start        string
	nodes        map[string]*Node
	order        []string
	edges        map[string]string
	routers      map[string]Router
	failureEdges map[string]string
	failureDef   string
	loopRules    []LoopRule
}

// ID returns the definition identifier.
func (d *Definition) ID() string { return d.id }

// Start returns the start node id.
func (d *Definition) Start() string { return d.start }

// Node looks up a node by id.
func (d *Definition) Node(id string) (*Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Nodes returns node ids in declaration order.
func (d *Definition) Nodes() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// LoopRules returns the configured loop bounds.
func (d *Definition) LoopRules() []LoopRule {
	out := make([]LoopRule, len(d.loopRules))
	copy(out, d.loopRules)
	return out
}

// NextFor resolves the transition out of nodeID against state: the node's
// router when one is declared, otherwise its static edge.
func (d *Definition) NextFor(nodeID string, state *types.WorkflowState) (string, error) {
	if r, ok := d.routers[nodeID]; ok {
		target, err := r.Route(state)
		if err != nil {
			return "", err
		}
		if _, ok := d.nodes[target]; !ok {
			return "", types.NewError(types.ErrRouterContractViolation,
				fmt.Sprintf("router for node %s returned unknown node %q", nodeID, target))
		}
		return target, nil
	}
	if to, ok := d.edges[nodeID]; ok {
		return to, nil
	}
	return "", types.NewError(types.ErrRouterContractViolation,
		fmt.Sprintf("node %s has no outgoing transition", nodeID))
}

// FailureTarget returns the node to route to when nodeID fails after
// exhausting retries. Per-node failure edges override the definition default.
func (d *Definition) FailureTarget(nodeID string) (string, bool) {
	if to, ok := d.failureEdges[nodeID]; ok {
		return to, true
	}
	if d.failureDef != "" {
		return d.failureDef, true
	}
	return "", false
}

// DefinitionBuilder 流式构建 Definition，Build 时统一校验。
type DefinitionBuilder struct {
	def  *Definition
	errs []error
}

// NewDefinition starts building a workflow definition.
func NewDefinition(id string) *DefinitionBuilder {
	return &DefinitionBuilder{
		def: &Definition{
			id:           id,
			nodes:        make(map[string]*Node),
			edges:        make(map[string]string),
			routers:      make(map[string]Router),
			failureEdges: make(map[string]string),
		},
	}
}

func (b *DefinitionBuilder) addNode(n *Node) *DefinitionBuilder {
	if _, exists := b.def.nodes[n.ID]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate node id %q", n.ID))
		return b
	}
	b.def.nodes[n.ID] = n
	b.def.order = append(b.def.order, n.ID)
	return b
}

// AddStep declares an agent_step node backed by adapter.
func (b *DefinitionBuilder) AddStep(id string, adapter StepAdapter) *DefinitionBuilder {
	return b.addNode(&Node{ID: id, Kind: NodeAgentStep, Adapter: adapter})
}

// AddApprovalGate declares an approval_gate node.
func (b *DefinitionBuilder) AddApprovalGate(id string) *DefinitionBuilder {
	return b.addNode(&Node{ID: id, Kind: NodeApprovalGate})
}

// AddTerminal declares a terminal node with its final status.
func (b *DefinitionBuilder) AddTerminal(id string, outcome TerminalOutcome) *DefinitionBuilder {
	return b.addNode(&Node{ID: id, Kind: NodeTerminal, Outcome: outcome})
}

// AddEdge declares the single static transition out of from.
func (b *DefinitionBuilder) AddEdge(from, to string) *DefinitionBuilder {
	if _, dup := b.def.edges[from]; dup {
		b.errs = append(b.errs, fmt.Errorf("node %q already has an edge", from))
		return b
	}
	b.def.edges[from] = to
	return b
}

// AddRouter declares the conditional transition out of from.
func (b *DefinitionBuilder) AddRouter(from string, r Router) *DefinitionBuilder {
	if _, dup := b.def.routers[from]; dup {
		b.errs = append(b.errs, fmt.Errorf("node %q already has a router", from))
		return b
	}
	b.def.routers[from] = r
	return b
}

// AddLoopRule bounds the from→to loop-back edge.
func (b *DefinitionBuilder) AddLoopRule(rule LoopRule) *DefinitionBuilder {
	b.def.loopRules = append(b.def.loopRules, rule)
	return b
}

// WithStart sets the start node.
func (b *DefinitionBuilder) WithStart(id string) *DefinitionBuilder {
	b.def.start = id
	return b
}

// WithFailureEdge sets the failure target for one node.
func (b *DefinitionBuilder) WithFailureEdge(from, to string) *DefinitionBuilder {
	b.def.failureEdges[from] = to
	return b
}

// WithDefaultFailureTarget sets the failure target for every node without an
// explicit failure edge.
func (b *DefinitionBuilder) WithDefaultFailureTarget(to string) *DefinitionBuilder {
	b.def.failureDef = to
	return b
}

// Build validates the graph and freezes it. Validation failures surface as a
// ROUTER_CONTRACT_VIOLATION so misconfiguration is fatal at load time, never
// at run time.
func (b *DefinitionBuilder) Build() (*Definition, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	return b.def, nil
}

// MustBuild is Build for definitions assembled from compile-time constants.
func (b *DefinitionBuilder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

func (b *DefinitionBuilder) validate() error {
	d := b.def
	fail := func(format string, args ...any) error {
		return types.NewError(types.ErrRouterContractViolation,
			fmt.Sprintf("definition %s: %s", d.id, fmt.Sprintf(format, args...)))
	}

	for _, err := range b.errs {
		return fail("%v", err)
	}
	if len(d.nodes) == 0 {
		return fail("no nodes declared")
	}
	if d.start == "" {
		return fail("no start node declared")
	}
	if _, ok := d.nodes[d.start]; !ok {
		return fail("start node %q does not exist", d.start)
	}

	for _, id := range d.order {
		n := d.nodes[id]
		_, hasEdge := d.edges[id]
		_, hasRouter := d.routers[id]
		switch n.Kind {
		case NodeTerminal:
			if hasEdge || hasRouter {
				return fail("terminal node %q must not have an outgoing transition", id)
			}
		case NodeAgentStep:
			if n.Adapter == nil {
				return fail("agent step %q has no adapter", id)
			}
			fallthrough
		case NodeApprovalGate:
			if hasEdge == hasRouter {
				return fail("node %q must have exactly one edge or one router", id)
			}
		default:
			return fail("node %q has unknown kind %q", id, n.Kind)
		}
	}

	exists := func(id string) bool { _, ok := d.nodes[id]; return ok }
	for from, to := range d.edges {
		if !exists(to) {
			return fail("edge %s→%s targets unknown node", from, to)
		}
	}
	for from, to := range d.failureEdges {
		if !exists(from) || !exists(to) {
			return fail("failure edge %s→%s references unknown node", from, to)
		}
	}
	if d.failureDef != "" && !exists(d.failureDef) {
		return fail("default failure target %q does not exist", d.failureDef)
	}
	for from, r := range d.routers {
		if st, ok := r.(interface{ Targets() []string }); ok {
			for _, to := range st.Targets() {
				if !exists(to) {
					return fail("router for %q declares unknown target %q", from, to)
				}
			}
		}
	}
	for _, rule := range d.loopRules {
		if !exists(rule.From) || !exists(rule.To) || !exists(rule.Fallback) {
			return fail("loop rule %q references unknown node", rule.Counter)
		}
		if rule.Max < 0 {
			return fail("loop rule %q has negative max", rule.Counter)
		}
		if rule.Counter == "" {
			return fail("loop rule %s→%s has no counter name", rule.From, rule.To)
		}
	}

	return b.checkReachability(fail)
}

// checkReachability walks edges, declared router targets, loop fallbacks and
// failure edges from the start node. Routers that do not declare static
// targets cannot be followed, so every node must be reachable through the
// declared topology.
func (b *DefinitionBuilder) checkReachability(fail func(string, ...any) error) error {
	d := b.def
	successors := func(id string) []string {
		var out []string
		if to, ok := d.edges[id]; ok {
			out = append(out, to)
		}
		if r, ok := d.routers[id]; ok {
			if st, ok := r.(interface{ Targets() []string }); ok {
				out = append(out, st.Targets()...)
			}
		}
		if to, ok := d.failureEdges[id]; ok {
			out = append(out, to)
		} else if d.failureDef != "" && d.nodes[id].Kind == NodeAgentStep {
			out = append(out, d.failureDef)
		}
		for _, rule := range d.loopRules {
			if rule.From == id {
				out = append(out, rule.To, rule.Fallback)
			}
		}
		return out
	}

	seen := map[string]bool{d.start: true}
	queue := []string{d.start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, to := range successors(id) {
			if !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
	}
	for _, id := range d.order {
		if !seen[id] {
			return fail("node %q is not reachable from start", id)
		}
	}
	return nil
}
