package flow

import (
	"context"
	"errors"
	"slices"

	"github.com/petrijr/flowcore/internal/persistence"
	"github.com/petrijr/flowcore/internal/stream"
	"github.com/petrijr/flowcore/pkg/api"
	"github.com/petrijr/flowcore/pkg/log"
)

// StreamID returns the stream the graph was registered under.
func (g *Graph) StreamID() string {
	return g.def.StreamID
}

// Definition returns the definition the graph was built from.
func (g *Graph) Definition() api.FlowDefinition {
	return g.def
}

// Node returns the runtime node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Offer creates contexts for data at the START node of an existing trace
// and routes them downstream.
func (g *Graph) Offer(ctx context.Context, traceID, transID string, data []api.Data) ([]*api.FlowContext, error) {
	return g.start.offer(ctx, traceID, transID, data)
}

// Complete resumes contexts parked SENT at STATE nodes. data, when
// non-nil, holds one entry per id.
func (g *Graph) Complete(ctx context.Context, ids []string, data []api.Data) error {
	if data != nil && len(data) != len(ids) {
		return api.ErrOutputMismatch
	}
	found, err := g.cfg.Repo.FindByIDs(ctx, ids)
	if err != nil {
		return err
	}
	byID := make(map[string]*api.FlowContext, len(found))
	for _, fc := range found {
		byID[fc.ID] = fc
	}

	type group struct {
		ctxs []*api.FlowContext
		data []api.Data
	}
	groups := map[string]*group{}
	var order []string
	for i, id := range ids {
		fc, ok := byID[id]
		if !ok || fc.StreamID != g.def.StreamID || fc.Status != api.StatusSent {
			continue
		}
		if _, ok := g.nodes[fc.Position].(*stateNode); !ok {
			continue
		}
		grp, ok := groups[fc.Position]
		if !ok {
			grp = &group{}
			groups[fc.Position] = grp
			order = append(order, fc.Position)
		}
		grp.ctxs = append(grp.ctxs, fc)
		if data != nil {
			grp.data = append(grp.data, data[i])
		}
	}
	if len(order) == 0 {
		return api.ErrNotSent
	}

	resumed := 0
	for _, pos := range order {
		sn := g.nodes[pos].(*stateNode)
		grp := groups[pos]
		out, err := sn.complete(ctx, grp.ctxs, grp.data)
		if errors.Is(err, api.ErrNotSent) {
			continue
		}
		if err != nil {
			return err
		}
		resumed++
		if err := sn.proc.Apply(ctx, out); err != nil {
			return err
		}
	}
	if resumed == 0 {
		return api.ErrNotSent
	}
	return nil
}

// NotifyAll wakes every processor of the graph.
func (g *Graph) NotifyAll() {
	for _, n := range g.nodes {
		if s := n.AsSubscriber(); s != nil {
			s.Accept()
		}
	}
}

// Sweep wakes the processors that have READY contexts waiting and
// returns how many were woken.
func (g *Graph) Sweep(ctx context.Context) (int, error) {
	woken := 0
	for _, id := range g.nodeIDs() {
		p := g.nodes[id].AsProcessor()
		if p == nil {
			continue
		}
		ready, err := g.cfg.Repo.FindByPosition(ctx, persistence.PositionQuery{
			StreamID:    g.def.StreamID,
			Positions:   []string{id},
			Status:      api.StatusReady,
			ExcludeSent: true,
			Limit:       1,
		})
		if err != nil {
			return woken, err
		}
		if len(ready) > 0 {
			p.Accept()
			woken++
		}
	}
	return woken, nil
}

// Close stops listening for notices, cancels running steps and drains the
// node pools.
func (g *Graph) Close() {
	g.closeOnce.Do(func() {
		for _, cancel := range g.unsub {
			cancel()
		}
		g.cancel()
		g.pools.Close()
	})
}

func (g *Graph) apply(ctx context.Context, out stream.Outcome) error {
	return g.commit.Apply(ctx, out)
}

func (g *Graph) nodeIDs() []string {
	ids := make([]string, 0, len(g.def.Nodes))
	for _, n := range g.def.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// contextsFailed re-evaluates the parallel batches the failed contexts
// belong to, so joins waiting on them can release.
func (g *Graph) contextsFailed(ctx context.Context, failed []*api.FlowContext) {
	var batches []string
	for _, fc := range failed {
		if fc.BatchID != "" && !slices.Contains(batches, fc.BatchID) {
			batches = append(batches, fc.BatchID)
		}
	}
	for _, batchID := range batches {
		parents, err := g.cfg.Repo.FindByToBatch(ctx, batchID)
		if err != nil {
			g.logger.Error("Batch lookup failed", log.Error(err))
			continue
		}
		if len(parents) == 0 {
			continue
		}
		par, ok := g.nodes[parents[0].Position].(*parallelNode)
		if !ok {
			continue
		}
		join, ok := g.nodes[par.join].(*joinNode)
		if !ok {
			continue
		}
		out, err := join.Reevaluate(ctx, batchID)
		if err != nil {
			g.logger.Error("Join re-evaluation failed", log.NodeID(join.def.ID), log.Error(err))
			continue
		}
		if err := join.proc.Apply(ctx, out); err != nil {
			g.logger.Error("Join release not persisted", log.NodeID(join.def.ID), log.Error(err))
		}
	}
}
