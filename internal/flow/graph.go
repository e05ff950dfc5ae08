// Package flow builds the runtime of one flow definition: its nodes, the
// error handler chains and the trace finalizer.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/flowcore/internal/locks"
	"github.com/petrijr/flowcore/internal/messenger"
	"github.com/petrijr/flowcore/internal/persistence"
	"github.com/petrijr/flowcore/internal/rule"
	"github.com/petrijr/flowcore/internal/stream"
	"github.com/petrijr/flowcore/pkg/api"
	"github.com/petrijr/flowcore/pkg/log"
)

// Config holds the collaborators shared by the nodes of a graph.
type Config struct {
	Repo      persistence.Repository
	Locks     locks.Locks
	Messenger messenger.Messenger
	Rules     *rule.Evaluator
	Observer  api.Observer
	Logger    *slog.Logger

	Pool      stream.PoolConfig
	BatchSize int

	// ErrorHandlers adds handlers per node id. They run after the retry
	// handler and before the error edge and terminal handlers.
	ErrorHandlers map[string][]ErrorHandler

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Graph is the runtime of one registered definition.
type Graph struct {
	def    api.FlowDefinition
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	base   context.Context
	cancel context.CancelFunc
	pools  *stream.PoolRegistry
	commit stream.Committer

	nodes map[string]Node
	start *startNode

	closeOnce sync.Once
	unsub     []func()
}

// NewGraph validates def and builds its nodes. STATE nodes resolve their
// executors from executors. The graph starts listening for notices
// immediately.
func NewGraph(def api.FlowDefinition, executors api.Executors, cfg Config) (*Graph, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if cfg.Rules == nil {
		rules, err := rule.NewEvaluator(0)
		if err != nil {
			return nil, err
		}
		cfg.Rules = rules
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	base, cancel := context.WithCancel(context.Background())
	g := &Graph{
		def:    def,
		cfg:    cfg,
		logger: cfg.Logger.With(log.StreamID(def.StreamID)),
		clock:  cfg.Clock,
		base:   base,
		cancel: cancel,
		pools:  stream.NewPoolRegistry(cfg.Pool),
		nodes:  make(map[string]Node, len(def.Nodes)),
	}
	g.commit = stream.Committer{
		StreamID:  def.StreamID,
		Repo:      cfg.Repo,
		Messenger: cfg.Messenger,
		Finalizer: g.Finalize,
		Logger:    g.logger,
	}

	inbound := map[string][]persistence.Subscription{}
	for _, n := range def.Nodes {
		for _, ev := range n.Events {
			inbound[ev.TargetID] = append(inbound[ev.TargetID],
				persistence.Subscription{From: n.ID, To: ev.TargetID})
		}
	}

	for _, fn := range def.Nodes {
		n, err := g.build(fn, executors, inbound[fn.ID])
		if err != nil {
			g.Close()
			return nil, err
		}
		g.nodes[fn.ID] = n
	}

	for _, n := range g.nodes {
		if p := n.AsProcessor(); p != nil {
			g.unsub = append(g.unsub, p.Subscribe())
		}
	}
	return g, nil
}

// build is the single dispatch point over node types.
func (g *Graph) build(def api.FlowNode, executors api.Executors, inbound []persistence.Subscription) (Node, error) {
	pub, err := g.publisher(def)
	if err != nil {
		return nil, err
	}
	base := node{
		def:   def,
		graph: g,
		pub:   pub,
		chain: defaultChain(def, g.cfg.ErrorHandlers[def.ID]),
	}

	var (
		n       Node
		inner   *node
		handler stream.Handler
	)
	switch def.Type {
	case api.NodeStart:
		s := &startNode{node: base}
		g.start = s
		return s, nil
	case api.NodeState:
		exec, ok := executors[def.Executor]
		if !ok || exec == nil {
			return nil, fmt.Errorf("%w: node %s needs %q",
				api.ErrUnknownExecutor, def.ID, def.Executor)
		}
		s := &stateNode{node: base, exec: exec}
		n, inner, handler = s, &s.node, s
	case api.NodeCondition:
		c := &conditionNode{node: base}
		n, inner, handler = c, &c.node, c
	case api.NodeParallel:
		p := &parallelNode{node: base, join: def.Join}
		n, inner, handler = p, &p.node, p
	case api.NodeJoin:
		par, _ := g.def.ParallelFor(def.ID)
		j := &joinNode{node: base, parallel: par}
		n, inner, handler = j, &j.node, j
	case api.NodeEnd:
		e := &endNode{node: base}
		n, inner, handler = e, &e.node, e
	default:
		return nil, fmt.Errorf("%w: node %q has unknown type %q",
			api.ErrInvalidDefinition, def.ID, def.Type)
	}

	proc := stream.NewProcessor(g.base, stream.ProcessorConfig{
		Committer: g.commit,
		NodeID:    def.ID,
		Inbound:   inbound,
		BatchSize: g.cfg.BatchSize,
		Locks:     g.cfg.Locks,
		Pool:      g.pools.Get(def.ID),
		Handler:   handler,
		Observer:  g.cfg.Observer,
	})
	inner.proc = proc
	return n, nil
}

// publisher turns the outgoing edges of def into subscriptions. Error
// edges are left to the error handler chain.
func (g *Graph) publisher(def api.FlowNode) (*stream.Publisher, error) {
	if def.Type == api.NodeEnd {
		return nil, nil
	}
	var subs []stream.Subscription
	for i, ev := range def.Events {
		kind := ev.EffectiveKind()
		if kind == api.EventError {
			continue
		}
		sub := stream.Subscription{
			ID:       fmt.Sprintf("%s->%s#%d", def.ID, ev.TargetID, i),
			From:     def.ID,
			To:       ev.TargetID,
			Order:    i,
			Kind:     kind,
			Rule:     ev.ConditionRule,
			Fallback: kind == api.EventOthers,
		}
		if ev.ConditionRule != "" && !sub.Fallback {
			r, err := g.cfg.Rules.Compile(ev.Lang, ev.ConditionRule)
			if err != nil {
				return nil, fmt.Errorf("%w: node %s edge to %s: %w",
					api.ErrInvalidDefinition, def.ID, ev.TargetID, err)
			}
			sub.Whether = func(fc *api.FlowContext) (bool, error) {
				return r.Eval(fc.Data)
			}
		}
		subs = append(subs, sub)
	}
	return stream.NewPublisher(g.def.StreamID, def.ID, g.cfg.Messenger, subs...), nil
}
