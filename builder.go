package flowcore

import (
	"fmt"
	"slices"

	"github.com/petrijr/flowcore/pkg/api"
)

// Node ids reserved by GraphBuilder.
const (
	StartNode = "start"
	EndNode   = "end"
)

// GraphBuilder provides a fluent API for defining linear graphs with
// guards and parallel sections:
//
//	flow := flowcore.New("onboard-v1").
//	    Step("createAccount", createAccount).
//	    Guard("verified", flowcore.RuleLua, "verified == true").
//	    Parallel("notify", flowcore.ParallelAll,
//	        flowcore.Branch{ID: "email", Executor: sendEmail},
//	        flowcore.Branch{ID: "sms", Executor: sendSMS})
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
//	traceID, err := flowcore.Offer(ctx, engine, flow.StreamID(), data)
type GraphBuilder struct {
	streamID string
	nodes    []api.FlowNode
	execs    api.Executors
	ids      map[string]bool
	tail     []pendingEdge
}

// Branch is one arm of a parallel section.
type Branch struct {
	ID       string
	Executor TaskExecutor
}

// pendingEdge is an outgoing edge whose target is the next node added.
type pendingEdge struct {
	from string
	rule string
	lang api.RuleLang
}

// New creates a new graph builder for the given stream id.
func New(streamID string) *GraphBuilder {
	return &GraphBuilder{
		streamID: streamID,
		nodes:    []api.FlowNode{{ID: StartNode, Type: api.NodeStart}},
		execs:    api.Executors{},
		ids:      map[string]bool{StartNode: true, EndNode: true},
		tail:     []pendingEdge{{from: StartNode}},
	}
}

// StreamID returns the stream id of the graph.
func (b *GraphBuilder) StreamID() string {
	return b.streamID
}

// Step appends a STATE node running fn.
func (b *GraphBuilder) Step(id string, fn TaskExecutor) *GraphBuilder {
	b.addState(id, fn, nil)
	return b
}

// StepWithRetry appends a STATE node that retries failures per retry.
func (b *GraphBuilder) StepWithRetry(id string, fn TaskExecutor, retry RetryPolicy) *GraphBuilder {
	r := retry
	b.addState(id, fn, &r)
	return b
}

// Guard appends a CONDITION node. Contexts matching rule continue down
// the graph, the others are archived at the END node "<id>-rejected".
func (b *GraphBuilder) Guard(id string, lang RuleLang, rule string) *GraphBuilder {
	if rule == "" {
		panic(fmt.Sprintf("flowcore: guard %q has empty rule", id))
	}
	rejected := id + "-rejected"
	b.reserve(rejected)
	b.add(api.FlowNode{
		ID:     id,
		Type:   api.NodeCondition,
		Events: []api.FlowEvent{{TargetID: rejected, Kind: api.EventOthers}},
	})
	b.nodes = append(b.nodes, api.FlowNode{ID: rejected, Type: api.NodeEnd})
	b.tail = []pendingEdge{{from: id, rule: rule, lang: lang}}
	return b
}

// Parallel appends a fan-out to every branch followed by the JOIN node
// "<id>-join", released according to mode.
func (b *GraphBuilder) Parallel(id string, mode ParallelMode, branches ...Branch) *GraphBuilder {
	if len(branches) == 0 {
		panic(fmt.Sprintf("flowcore: parallel %q has no branches", id))
	}
	join := id + "-join"
	b.reserve(join)

	fork := api.FlowNode{ID: id, Type: api.NodeParallel, Mode: mode, Join: join}
	for _, br := range branches {
		fork.Events = append(fork.Events, api.FlowEvent{TargetID: br.ID})
	}
	b.add(fork)
	for _, br := range branches {
		b.checkExecutor(br.ID, br.Executor)
		b.reserve(br.ID)
		b.nodes = append(b.nodes, api.FlowNode{
			ID:       br.ID,
			Type:     api.NodeState,
			Executor: br.ID,
			Events:   []api.FlowEvent{{TargetID: join}},
		})
		b.execs[br.ID] = br.Executor
	}
	b.nodes = append(b.nodes, api.FlowNode{ID: join, Type: api.NodeJoin})
	b.tail = []pendingEdge{{from: join}}
	return b
}

// Definition closes the graph with the END node "end" and validates it.
// The builder stays usable afterwards.
func (b *GraphBuilder) Definition() (FlowDefinition, error) {
	nodes := make([]api.FlowNode, len(b.nodes), len(b.nodes)+1)
	for i, n := range b.nodes {
		n.Events = slices.Clone(n.Events)
		nodes[i] = n
	}
	nodes = append(nodes, api.FlowNode{ID: EndNode, Type: api.NodeEnd})
	link(nodes, b.tail, EndNode)

	def := api.FlowDefinition{StreamID: b.streamID, Nodes: nodes}
	if err := def.Validate(); err != nil {
		return FlowDefinition{}, err
	}
	return def, nil
}

// Executors returns the executors of every step added so far.
func (b *GraphBuilder) Executors() Executors {
	out := make(api.Executors, len(b.execs))
	for k, v := range b.execs {
		out[k] = v
	}
	return out
}

// Register registers the built graph with the given engine.
func (b *GraphBuilder) Register(eng Engine) error {
	def, err := b.Definition()
	if err != nil {
		return err
	}
	return eng.RegisterFlow(def, b.Executors())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *GraphBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

func (b *GraphBuilder) addState(id string, fn TaskExecutor, retry *RetryPolicy) {
	b.checkExecutor(id, fn)
	b.add(api.FlowNode{ID: id, Type: api.NodeState, Executor: id, Retry: retry})
	b.execs[id] = fn
	b.tail = []pendingEdge{{from: id}}
}

func (b *GraphBuilder) checkExecutor(id string, fn TaskExecutor) {
	if fn == nil {
		panic(fmt.Sprintf("flowcore: step %q has nil executor", id))
	}
}

// add reserves n.ID, links the pending edges to it and appends it.
func (b *GraphBuilder) add(n api.FlowNode) {
	b.reserve(n.ID)
	b.nodes = append(b.nodes, n)
	link(b.nodes, b.tail, n.ID)
	b.tail = nil
}

func (b *GraphBuilder) reserve(id string) {
	if id == "" {
		panic("flowcore: node id must not be empty")
	}
	if b.ids[id] {
		panic(fmt.Sprintf("flowcore: node id %q is already used", id))
	}
	b.ids[id] = true
}

func link(nodes []api.FlowNode, tail []pendingEdge, target string) {
	for _, pe := range tail {
		i := slices.IndexFunc(nodes, func(n api.FlowNode) bool { return n.ID == pe.from })
		nodes[i].Events = append(nodes[i].Events, api.FlowEvent{
			TargetID:      target,
			ConditionRule: pe.rule,
			Lang:          pe.lang,
		})
	}
}
