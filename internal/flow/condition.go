package flow

import (
	"context"

	"github.com/petrijr/flowcore/internal/stream"
	"github.com/petrijr/flowcore/pkg/api"
)

// conditionNode routes contexts along the edges whose rule matches. The
// branch audit is written by the publisher.
type conditionNode struct {
	node
}

func (n *conditionNode) Handle(ctx context.Context, claimed []*api.FlowContext) stream.Outcome {
	n.visit(claimed)
	return n.forward(ctx, claimed)
}
