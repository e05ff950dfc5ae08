package flow

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/petrijr/flowcore/internal/locks"
	"github.com/petrijr/flowcore/internal/stream"
	"github.com/petrijr/flowcore/pkg/api"
	"github.com/petrijr/flowcore/pkg/log"
)

// joinNode waits for the forks of a parallel batch and releases one
// continuation context per batch.
type joinNode struct {
	node
	parallel api.FlowNode
}

// continuationNS derives continuation ids from batch ids.
var continuationNS = uuid.MustParse("6f1e0c44-5a4e-4b8e-9d43-3c1f6f6a2b10")

// ContinuationID returns the id of the context a join releases for
// batchID.
func ContinuationID(batchID string) string {
	return uuid.NewSHA1(continuationNS, []byte(batchID)).String()
}

func (n *joinNode) Handle(ctx context.Context, claimed []*api.FlowContext) stream.Outcome {
	n.visit(claimed)

	var out stream.Outcome
	byBatch := map[string][]*api.FlowContext{}
	for _, fc := range claimed {
		if fc.BatchID == "" {
			err := fmt.Errorf("context %s reached join %s outside a parallel batch", fc.ID, n.def.ID)
			out.Merge(n.handleError(ctx, err, []*api.FlowContext{fc}))
			continue
		}
		byBatch[fc.BatchID] = append(byBatch[fc.BatchID], fc)
	}

	for _, batchID := range slices.Sorted(maps.Keys(byBatch)) {
		res, err := n.evaluate(ctx, batchID, byBatch[batchID])
		if err != nil {
			out.Merge(n.handleError(ctx, err, byBatch[batchID]))
			continue
		}
		out.Merge(res)
	}
	return out
}

// Reevaluate checks a batch again after one of its members failed, so
// parked arrivals are released once the failed fork counts as present.
func (n *joinNode) Reevaluate(ctx context.Context, batchID string) (stream.Outcome, error) {
	return n.evaluate(ctx, batchID, nil)
}

// evaluate decides, under the batch lock, whether the batch completes.
// arrivals are the contexts just claimed at the join.
func (n *joinNode) evaluate(ctx context.Context, batchID string, arrivals []*api.FlowContext) (stream.Outcome, error) {
	g := n.graph
	repo := g.cfg.Repo

	h, err := g.cfg.Locks.Acquire(ctx, locks.NodeKey(g.def.StreamID, n.def.ID+":"+batchID))
	if err != nil {
		return stream.Outcome{}, err
	}
	defer func() {
		_ = g.cfg.Locks.Release(context.WithoutCancel(ctx), h)
	}()

	contID := ContinuationID(batchID)
	existing, err := repo.FindByIDs(ctx, []string{contID})
	if err != nil {
		return stream.Outcome{}, err
	}
	if len(existing) > 0 {
		return n.discard(ctx, arrivals)
	}

	members, err := repo.FindByBatch(ctx, batchID)
	if err != nil {
		return stream.Outcome{}, err
	}
	members = overlay(members, arrivals)

	waiting := n.waiting(members)
	if len(waiting) == 0 {
		return n.parkArrivals(ctx, arrivals)
	}
	window, arrived := n.window(members, waiting)
	if window.Add(arrived...) == nil {
		return n.parkArrivals(ctx, arrivals)
	}
	return n.release(ctx, batchID, contID, waiting)
}

// waiting returns the live members sitting at the join.
func (n *joinNode) waiting(members []*api.FlowContext) []*api.FlowContext {
	var out []*api.FlowContext
	for _, fc := range members {
		if fc.Position == n.def.ID && !fc.Status.Terminal() {
			out = append(out, fc)
		}
	}
	return out
}

// window returns the completeness window of the batch and the members
// it is fed with. ANY flushes with the first waiting arrival. ALL flushes
// once every member is present.
func (n *joinNode) window(members, waiting []*api.FlowContext) (*stream.Window[*api.FlowContext], []*api.FlowContext) {
	if n.parallel.Mode == api.ParallelAny {
		return stream.CountWindow[*api.FlowContext](1), waiting
	}
	return stream.CountWindow[*api.FlowContext](len(members)), n.present(members)
}

// present returns the members that count as arrived: waiting at the join,
// failed, or archived. A member archived by a nested parallel is present
// only once that nested batch released its continuation, which then is a
// member itself.
func (n *joinNode) present(members []*api.FlowContext) []*api.FlowContext {
	ids := make(map[string]bool, len(members))
	for _, fc := range members {
		ids[fc.ID] = true
	}
	var out []*api.FlowContext
	for _, fc := range members {
		switch {
		case fc.Position == n.def.ID, fc.Status == api.StatusError:
		case fc.Status == api.StatusArchived && fc.ToBatchID == "":
		case fc.Status == api.StatusArchived && ids[ContinuationID(fc.ToBatchID)]:
		default:
			continue
		}
		out = append(out, fc)
	}
	return out
}

// release archives the waiting members and routes the continuation.
func (n *joinNode) release(ctx context.Context, batchID, contID string, waiting []*api.FlowContext) (stream.Outcome, error) {
	g := n.graph
	repo := g.cfg.Repo

	parents, err := repo.FindByToBatch(ctx, batchID)
	if err != nil {
		return stream.Outcome{}, err
	}
	base := waiting[0]
	if len(parents) > 0 {
		base = parents[0]
	}

	n.sortByFork(waiting, base.Meta.History)
	data := base.Data.Clone()
	for _, fc := range waiting {
		for k, v := range fc.Data {
			data[k] = v
		}
	}

	now := g.now()
	cont := &api.FlowContext{
		ID:         contID,
		TraceID:    base.TraceID,
		TransID:    base.TransID,
		StreamID:   g.def.StreamID,
		Position:   n.def.ID,
		Status:     api.StatusRunning,
		BatchID:    base.BatchID,
		Data:       data,
		CreateTime: now,
		UpdateTime: now,
	}
	cont.Meta.History = slices.Clone(base.Meta.History)
	cont.Visit(n.def.ID, n.def.Type)
	if len(parents) == 0 {
		cont.BatchID = ""
	}

	routed := n.forward(ctx, []*api.FlowContext{cont})
	created := append(append([]*api.FlowContext{}, routed.Update...), routed.Create...)
	if err := repo.BatchCreate(ctx, created); err != nil {
		return stream.Outcome{}, err
	}

	n.archive(waiting)
	if _, err := repo.BatchUpdate(ctx, waiting, api.TerminalStatuses); err != nil {
		return stream.Outcome{}, err
	}
	g.logger.Debug("Join released batch",
		log.NodeID(n.def.ID), log.ContextID(contID), log.Count(len(waiting)))

	return stream.Outcome{
		Notify:   routed.Notify,
		Finalize: routed.Finalize,
		After:    routed.After,
		Err:      routed.Err,
	}, nil
}

// parkArrivals leaves arrivals SENT at the join until the batch completes.
func (n *joinNode) parkArrivals(ctx context.Context, arrivals []*api.FlowContext) (stream.Outcome, error) {
	if len(arrivals) == 0 {
		return stream.Outcome{}, nil
	}
	now := n.graph.now()
	for _, fc := range arrivals {
		fc.Status = api.StatusSent
		fc.Sent = true
		fc.UpdateTime = now
	}
	_, err := n.graph.cfg.Repo.BatchUpdate(ctx, arrivals, api.TerminalStatuses)
	return stream.Outcome{}, err
}

// discard archives arrivals of a batch that was already released.
func (n *joinNode) discard(ctx context.Context, arrivals []*api.FlowContext) (stream.Outcome, error) {
	if len(arrivals) == 0 {
		return stream.Outcome{}, nil
	}
	n.archive(arrivals)
	if _, err := n.graph.cfg.Repo.BatchUpdate(ctx, arrivals, api.TerminalStatuses); err != nil {
		return stream.Outcome{}, err
	}
	return stream.Outcome{Finalize: api.TraceIDs(arrivals)}, nil
}

// sortByFork orders ctxs by the fork edge they left the parallel node
// through, then by creation.
func (n *joinNode) sortByFork(ctxs []*api.FlowContext, parentHistory []string) {
	order := map[string]int{}
	for i, ev := range n.parallel.Events {
		if _, ok := order[ev.TargetID]; !ok {
			order[ev.TargetID] = i
		}
	}
	forkIndex := func(fc *api.FlowContext) int {
		h := fc.Meta.History
		if len(h) > len(parentHistory) {
			if i, ok := order[h[len(parentHistory)]]; ok {
				return i
			}
		}
		return len(order)
	}
	slices.SortStableFunc(ctxs, func(a, b *api.FlowContext) int {
		if d := forkIndex(a) - forkIndex(b); d != 0 {
			return d
		}
		return a.CreateTime.Compare(b.CreateTime)
	})
}

// overlay replaces stored members by their in-flight versions.
func overlay(members, arrivals []*api.FlowContext) []*api.FlowContext {
	byID := make(map[string]*api.FlowContext, len(arrivals))
	for _, fc := range arrivals {
		byID[fc.ID] = fc
	}
	out := make([]*api.FlowContext, len(members))
	for i, fc := range members {
		if a, ok := byID[fc.ID]; ok {
			out[i] = a
			continue
		}
		out[i] = fc
	}
	return out
}
