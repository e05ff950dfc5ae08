package flow

import (
	"context"
	"errors"

	"github.com/petrijr/flowcore/internal/locks"
	"github.com/petrijr/flowcore/pkg/api"
	"github.com/petrijr/flowcore/pkg/log"
)

// Finalize recomputes the live context pool of each trace and closes the
// traces that have no live context left.
func (g *Graph) Finalize(ctx context.Context, traceIDs []string) {
	for _, id := range traceIDs {
		if err := g.finalize(ctx, id); err != nil {
			g.logger.Error("Trace finalization failed", log.TraceID(id), log.Error(err))
		}
	}
}

func (g *Graph) finalize(ctx context.Context, traceID string) error {
	h, err := g.cfg.Locks.Acquire(ctx, locks.TraceKey(traceID))
	if err != nil {
		return err
	}
	defer func() {
		_ = g.cfg.Locks.Release(context.WithoutCancel(ctx), h)
	}()

	trace, err := g.cfg.Repo.GetTrace(ctx, traceID)
	if errors.Is(err, api.ErrTraceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if trace.Status.Closed() {
		return nil
	}

	q := api.ContextQuery{TraceID: traceID}
	live, err := g.cfg.Repo.FindRunning(ctx, q)
	if err != nil {
		return err
	}
	trace.ContextPool = api.ContextIDs(live)
	if len(live) == 0 {
		_, failed, err := g.cfg.Repo.FindFinishedPaged(ctx, q, api.StatusError, 1, 1)
		if err != nil {
			return err
		}
		trace.Status = api.TraceSuccess
		if failed > 0 {
			trace.Status = api.TraceError
		}
		trace.EndTime = g.now()
	}

	ok, err := g.cfg.Repo.UpdateTrace(ctx, trace, api.ClosedTraceStatuses)
	if err != nil || !ok {
		return err
	}
	if trace.Status.Closed() {
		g.logger.Info("Trace closed", log.TraceID(traceID), log.Status(trace.Status))
		g.cfg.Observer.OnTraceClosed(ctx, trace)
	}
	return nil
}
