package flow

import (
	"context"

	"github.com/petrijr/flowcore/internal/stream"
	"github.com/petrijr/flowcore/pkg/api"
)

type endNode struct {
	node
}

func (n *endNode) Handle(_ context.Context, claimed []*api.FlowContext) stream.Outcome {
	n.visit(claimed)
	n.archive(claimed)
	return stream.Outcome{
		Update:   claimed,
		Finalize: api.TraceIDs(claimed),
	}
}
