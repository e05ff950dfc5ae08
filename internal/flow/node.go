package flow

import (
	"context"
	"time"

	"github.com/petrijr/flowcore/internal/stream"
	"github.com/petrijr/flowcore/pkg/api"
)

type (
	// Node is one runtime node of a graph. The capability accessors return
	// nil when the node does not play that role: START has no subscriber
	// side and END has no publisher side.
	Node interface {
		ID() string
		Kind() api.NodeType
		AsPublisher() *stream.Publisher
		AsSubscriber() stream.Subscriber
		AsProcessor() *stream.Processor
	}

	// node holds what every variant shares.
	node struct {
		def   api.FlowNode
		graph *Graph
		pub   *stream.Publisher
		proc  *stream.Processor
		chain []ErrorHandler
	}
)

func (n *node) ID() string                     { return n.def.ID }
func (n *node) Kind() api.NodeType             { return n.def.Type }
func (n *node) AsPublisher() *stream.Publisher { return n.pub }
func (n *node) AsProcessor() *stream.Processor { return n.proc }

func (n *node) AsSubscriber() stream.Subscriber {
	if n.proc == nil {
		return nil
	}
	return n.proc
}

// visit stamps the node on the history of ctxs.
func (n *node) visit(ctxs []*api.FlowContext) {
	for _, fc := range ctxs {
		fc.Visit(n.def.ID, n.def.Type)
	}
}

// forward routes ctxs downstream as READY. Contexts matched by no edge
// go through the error handler chain with a routing error.
func (n *node) forward(ctx context.Context, ctxs []*api.FlowContext) stream.Outcome {
	res := n.pub.Route(ctxs)
	now := n.graph.now()
	for _, fc := range res.Routed() {
		fc.Status = api.StatusReady
		fc.Sent = false
		fc.Meta.Retries = 0
		fc.UpdateTime = now
	}

	out := stream.Outcome{
		Update: res.Moved,
		Create: res.Cloned,
		Notify: res.Targets,
	}
	for _, fc := range res.Unrouted {
		cause := &api.RoutingError{NodeID: n.def.ID, ContextID: fc.ID, Cause: res.RuleErrors[fc.ID]}
		out.Merge(n.handleError(ctx, cause, []*api.FlowContext{fc}))
	}
	return out
}

// archive marks ctxs ARCHIVED at their current position.
func (n *node) archive(ctxs []*api.FlowContext) {
	now := n.graph.now()
	for _, fc := range ctxs {
		fc.Status = api.StatusArchived
		fc.Sent = false
		fc.UpdateTime = now
		fc.Meta.ArchivedAt = &now
	}
}

func (g *Graph) now() time.Time {
	return g.clock()
}
