package flow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/petrijr/flowcore/internal/stream"
	"github.com/petrijr/flowcore/pkg/api"
)

// parallelNode forks every claimed context into one context per fork
// edge. The forks share a fresh batch id recorded on the archived parent
// as its to-batch id.
type parallelNode struct {
	node
	join string
}

var (
	batchNS = uuid.MustParse("0b7d6c0e-3f4a-4c51-8a36-2d9e8f1b7a55")
	forkNS  = uuid.MustParse("c2a9f5d1-7e83-4b0c-9f61-5a4d3e2b1c08")
)

// BatchID returns the batch id a parallel node assigns to the forks of
// the parent context parentID.
func BatchID(parentID string) string {
	return uuid.NewSHA1(batchNS, []byte(parentID)).String()
}

func (n *parallelNode) Handle(ctx context.Context, claimed []*api.FlowContext) stream.Outcome {
	n.visit(claimed)

	var out stream.Outcome
	now := n.graph.now()
	for _, parent := range claimed {
		batchID := BatchID(parent.ID)
		seed := parent.Clone()
		seed.BatchID = batchID
		seed.ToBatchID = ""
		seed.Meta.Retries = 0

		res := n.pub.Route([]*api.FlowContext{seed})
		if len(res.Unrouted) > 0 {
			cause := &api.RoutingError{NodeID: n.def.ID, ContextID: parent.ID, Cause: res.RuleErrors[seed.ID]}
			out.Merge(n.handleError(ctx, cause, []*api.FlowContext{parent}))
			continue
		}

		// Fork ids derive from the batch so a re-processed parent does
		// not fork twice.
		forks := res.Routed()
		for i, fc := range forks {
			fc.ID = uuid.NewSHA1(forkNS, fmt.Appendf(nil, "%s:%d", batchID, i)).String()
			fc.Status = api.StatusReady
			fc.Sent = false
			fc.CreateTime = now
			fc.UpdateTime = now
		}

		parent.ToBatchID = batchID
		n.archive([]*api.FlowContext{parent})

		out.Merge(stream.Outcome{
			Update: []*api.FlowContext{parent},
			Create: forks,
			Notify: res.Targets,
		})
	}
	return out
}
