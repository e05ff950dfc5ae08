package api

import (
	"errors"
	"fmt"
)

// NodeType identifies the kind of a flow node.
type NodeType string

const (
	NodeStart     NodeType = "START"
	NodeState     NodeType = "STATE"
	NodeCondition NodeType = "CONDITION"
	NodeParallel  NodeType = "PARALLEL"
	NodeJoin      NodeType = "JOIN"
	NodeEnd       NodeType = "END"
)

// EventKind qualifies an outgoing edge.
type EventKind string

const (
	// EventPlain is an unconditional edge.
	EventPlain EventKind = ""

	// EventMatch is taken when its rule evaluates to true.
	EventMatch EventKind = "match"

	// EventMatchTo is a match edge that loops back into an already
	// visited node.
	EventMatchTo EventKind = "match-to"

	// EventOthers is the catch-all edge of a condition node, taken only
	// when no other edge matched.
	EventOthers EventKind = "others"

	// EventError is the error-branch edge used by the error handler chain.
	EventError EventKind = "error"
)

// ParallelMode decides when a join releases a fan-out batch.
type ParallelMode string

const (
	ParallelAll ParallelMode = "ALL"
	ParallelAny ParallelMode = "ANY"
)

// RuleLang selects the evaluator of a condition rule.
type RuleLang string

const (
	RuleLua   RuleLang = "lua"
	RuleGJSON RuleLang = "gjson"
)

// FlowEvent is an outgoing edge of a node.
type FlowEvent struct {
	TargetID      string    `yaml:"target" json:"target"`
	ConditionRule string    `yaml:"rule,omitempty" json:"rule,omitempty"`
	Kind          EventKind `yaml:"kind,omitempty" json:"kind,omitempty"`
	Lang          RuleLang  `yaml:"lang,omitempty" json:"lang,omitempty"`
}

// EffectiveKind returns the kind of the edge, treating an edge with a rule
// and no explicit kind as a match edge.
func (e FlowEvent) EffectiveKind() EventKind {
	if e.Kind == EventPlain && e.ConditionRule != "" {
		return EventMatch
	}
	return e.Kind
}

// FlowNode is the static description of a node.
type FlowNode struct {
	ID         string         `yaml:"id" json:"id"`
	Type       NodeType       `yaml:"type" json:"type"`
	Properties map[string]any `yaml:"properties,omitempty" json:"properties,omitempty"`
	Events     []FlowEvent    `yaml:"events,omitempty" json:"events,omitempty"`

	// Executor names the TaskExecutor invoked by STATE nodes.
	Executor string `yaml:"executor,omitempty" json:"executor,omitempty"`

	// Retry configures the retry handler of the node.
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Mode is the join policy of a PARALLEL node.
	Mode ParallelMode `yaml:"mode,omitempty" json:"mode,omitempty"`

	// Join names the JOIN node paired with a PARALLEL node.
	Join string `yaml:"join,omitempty" json:"join,omitempty"`
}

// FlowDefinition is one immutable, versioned graph.
type FlowDefinition struct {
	StreamID string     `yaml:"stream" json:"stream"`
	Nodes    []FlowNode `yaml:"nodes" json:"nodes"`
}

// ErrInvalidDefinition is wrapped by every definition validation failure.
var ErrInvalidDefinition = errors.New("invalid flow definition")

// Node returns the node with the given id.
func (d FlowDefinition) Node(id string) (FlowNode, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return FlowNode{}, false
}

// Start returns the START node of the definition.
func (d FlowDefinition) Start() (FlowNode, bool) {
	for _, n := range d.Nodes {
		if n.Type == NodeStart {
			return n, true
		}
	}
	return FlowNode{}, false
}

// Validate checks the structural invariants of the definition.
func (d FlowDefinition) Validate() error {
	if d.StreamID == "" {
		return fmt.Errorf("%w: stream id is required", ErrInvalidDefinition)
	}

	ids := make(map[string]FlowNode, len(d.Nodes))
	starts, ends := 0, 0
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node id is required", ErrInvalidDefinition)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node %q", ErrInvalidDefinition, n.ID)
		}
		ids[n.ID] = n
		switch n.Type {
		case NodeStart:
			starts++
		case NodeEnd:
			ends++
		case NodeState, NodeCondition, NodeParallel, NodeJoin:
		default:
			return fmt.Errorf("%w: node %q has unknown type %q",
				ErrInvalidDefinition, n.ID, n.Type)
		}
	}
	if starts != 1 {
		return fmt.Errorf("%w: expected exactly one START node, got %d",
			ErrInvalidDefinition, starts)
	}
	if ends == 0 {
		return fmt.Errorf("%w: at least one END node is required",
			ErrInvalidDefinition)
	}

	joins := make(map[string]string)
	for _, n := range d.Nodes {
		others := 0
		for _, ev := range n.Events {
			if _, ok := ids[ev.TargetID]; !ok {
				return fmt.Errorf("%w: node %q targets unknown node %q",
					ErrInvalidDefinition, n.ID, ev.TargetID)
			}
			if ev.EffectiveKind() == EventOthers {
				others++
			}
		}
		if others > 1 {
			return fmt.Errorf("%w: node %q has %d others edges",
				ErrInvalidDefinition, n.ID, others)
		}
		if n.Type == NodeEnd && len(n.Events) > 0 {
			return fmt.Errorf("%w: END node %q has outgoing edges",
				ErrInvalidDefinition, n.ID)
		}
		if n.Type != NodeParallel {
			continue
		}
		join, ok := ids[n.Join]
		if !ok || join.Type != NodeJoin {
			return fmt.Errorf("%w: PARALLEL node %q must name a JOIN node",
				ErrInvalidDefinition, n.ID)
		}
		if prev, taken := joins[n.Join]; taken {
			return fmt.Errorf("%w: JOIN node %q paired with %q and %q",
				ErrInvalidDefinition, n.Join, prev, n.ID)
		}
		joins[n.Join] = n.ID
		switch n.Mode {
		case "", ParallelAll, ParallelAny:
		default:
			return fmt.Errorf("%w: PARALLEL node %q has unknown mode %q",
				ErrInvalidDefinition, n.ID, n.Mode)
		}
	}
	for _, n := range d.Nodes {
		if n.Type != NodeJoin {
			continue
		}
		if _, ok := joins[n.ID]; !ok {
			return fmt.Errorf("%w: JOIN node %q has no PARALLEL node",
				ErrInvalidDefinition, n.ID)
		}
	}
	return nil
}

// ParallelFor returns the PARALLEL node paired with the given JOIN node.
func (d FlowDefinition) ParallelFor(joinID string) (FlowNode, bool) {
	for _, n := range d.Nodes {
		if n.Type == NodeParallel && n.Join == joinID {
			return n, true
		}
	}
	return FlowNode{}, false
}
