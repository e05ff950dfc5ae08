package flow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/petrijr/flowcore/internal/stream"
	"github.com/petrijr/flowcore/pkg/api"
)

type startNode struct {
	node
}

// offer creates one context per data item, routes them downstream and
// persists them READY. The trace must already exist.
func (n *startNode) offer(ctx context.Context, traceID, transID string, data []api.Data) ([]*api.FlowContext, error) {
	if len(data) == 0 {
		data = []api.Data{{}}
	}
	now := n.graph.now()
	ctxs := make([]*api.FlowContext, 0, len(data))
	for _, d := range data {
		fc := &api.FlowContext{
			ID:         uuid.NewString(),
			TraceID:    traceID,
			TransID:    transID,
			StreamID:   n.graph.def.StreamID,
			Position:   n.def.ID,
			Status:     api.StatusNew,
			Data:       d.Clone(),
			CreateTime: now,
			UpdateTime: now,
		}
		fc.Visit(n.def.ID, n.def.Type)
		ctxs = append(ctxs, fc)
	}

	out := n.forward(ctx, ctxs)
	created := append(append([]*api.FlowContext{}, out.Update...), out.Create...)
	if err := n.graph.cfg.Repo.BatchCreate(ctx, created); err != nil {
		return nil, fmt.Errorf("create contexts: %w", err)
	}
	if err := n.graph.apply(ctx, stream.Outcome{
		Notify:   out.Notify,
		Finalize: out.Finalize,
		After:    out.After,
	}); err != nil {
		return nil, err
	}
	return created, nil
}
