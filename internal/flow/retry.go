package flow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	goerrors "github.com/go-errors/errors"

	"github.com/petrijr/flowcore/internal/stream"
	"github.com/petrijr/flowcore/pkg/api"
	"github.com/petrijr/flowcore/pkg/log"
)

type (
	// ErrorHandler is one link of a node's error handler chain. It
	// returns the contexts it took care of; the remaining ones go to the
	// next handler. A returned error fails the remaining contexts.
	ErrorHandler func(ctx context.Context, cause error, r *Retryable, ctxs []*api.FlowContext) ([]*api.FlowContext, error)

	// Retryable binds failing contexts to the node that failed them and
	// collects what the handlers decided.
	Retryable struct {
		node *node
		out  stream.Outcome
	}
)

// NodeID returns the failing node.
func (r *Retryable) NodeID() string {
	return r.node.def.ID
}

// Retry requeues ctxs at their current position after delay, recording
// the attempt.
func (r *Retryable) Retry(ctx context.Context, ctxs []*api.FlowContext, cause error, delay time.Duration) {
	g := r.node.graph
	now := g.now()
	for _, fc := range ctxs {
		fc.Meta.Retries++
		fc.Meta.RetryLog = append(fc.Meta.RetryLog, api.RetryEntry{
			NodeID:  r.node.def.ID,
			Attempt: fc.Meta.Retries,
			Error:   cause.Error(),
			At:      now,
		})
		fc.UpdateTime = now
		g.cfg.Observer.OnRetry(ctx, fc, fc.Meta.Retries, cause)
	}

	if delay <= 0 {
		for _, fc := range ctxs {
			fc.Status = api.StatusReady
		}
		r.out.Update = append(r.out.Update, ctxs...)
		r.out.Notify = append(r.out.Notify, r.node.def.ID)
		return
	}

	// The contexts stay RUNNING with their retry log until the timer
	// requeues them.
	r.out.Update = append(r.out.Update, ctxs...)
	ids := api.ContextIDs(ctxs)
	traces := api.TraceIDs(ctxs)
	proc := r.node.proc
	r.out.After = append(r.out.After, func(context.Context) {
		time.AfterFunc(delay, func() {
			base := proc.Context()
			if base.Err() != nil {
				return
			}
			_, err := g.cfg.Repo.UpdateStatusAndPosition(base, ids,
				api.StatusReady, "", api.TerminalStatuses)
			if err != nil {
				g.logger.Error("Retry requeue failed", log.NodeID(r.node.def.ID), log.Error(err))
				return
			}
			if err := proc.Notify(base, traces...); err != nil {
				g.logger.Warn("Retry notice not published", log.Error(err))
			}
		})
	})
}

// Redirect moves ctxs to target as READY, attaching the failure payload.
func (r *Retryable) Redirect(_ context.Context, ctxs []*api.FlowContext, cause error, target string) {
	now := r.node.graph.now()
	for _, fc := range ctxs {
		fc.Meta.Error = r.node.errorInfo(cause, now)
		fc.PrevPosition = r.node.def.ID
		fc.Position = target
		fc.Status = api.StatusReady
		fc.Sent = false
		fc.Meta.Retries = 0
		fc.UpdateTime = now
	}
	r.out.Update = append(r.out.Update, ctxs...)
	r.out.Notify = append(r.out.Notify, target)
}

// Fail moves ctxs to ERROR and persists the failure payload.
func (r *Retryable) Fail(ctx context.Context, ctxs []*api.FlowContext, cause error) {
	g := r.node.graph
	now := g.now()
	for _, fc := range ctxs {
		fc.Status = api.StatusError
		fc.Sent = false
		fc.Meta.Error = r.node.errorInfo(cause, now)
		fc.UpdateTime = now
		g.cfg.Observer.OnContextFailed(ctx, fc, cause)
	}
	r.out.Update = append(r.out.Update, ctxs...)
	r.out.Finalize = append(r.out.Finalize, api.TraceIDs(ctxs)...)

	failed := slices.Clone(ctxs)
	r.out.After = append(r.out.After, func(ctx context.Context) {
		g.contextsFailed(ctx, failed)
	})
}

// Outcome returns the accumulated persistence plan.
func (r *Retryable) Outcome() stream.Outcome {
	return r.out
}

// handleError runs the node's handler chain over ctxs. Contexts no
// handler claims end in ERROR.
func (n *node) handleError(ctx context.Context, cause error, ctxs []*api.FlowContext) stream.Outcome {
	r := &Retryable{node: n}
	remaining := ctxs
	for _, h := range n.chain {
		if len(remaining) == 0 {
			break
		}
		handled, err := h(ctx, cause, r, remaining)
		remaining = without(remaining, handled)
		if err != nil {
			n.graph.logger.Error("Error handler failed",
				log.NodeID(n.def.ID), log.Count(len(remaining)), log.Error(err))
			cause = errors.Join(cause, fmt.Errorf("error handler: %w", err))
			break
		}
	}
	if len(remaining) > 0 {
		r.Fail(ctx, remaining, cause)
	}
	out := r.Outcome()
	out.Err = cause
	return out
}

// RetryHandler requeues contexts that have retries left under policy.
// Routing errors are never retried.
func RetryHandler(policy api.RetryPolicy) ErrorHandler {
	return func(ctx context.Context, cause error, r *Retryable, ctxs []*api.FlowContext) ([]*api.FlowContext, error) {
		if policy.MaxRetries <= 0 || api.IsRoutingError(cause) {
			return nil, nil
		}
		byDelay := map[time.Duration][]*api.FlowContext{}
		var delays []time.Duration
		var handled []*api.FlowContext
		for _, fc := range ctxs {
			if fc.Meta.Retries >= policy.MaxRetries {
				continue
			}
			d := policy.Delay(fc.Meta.Retries + 1)
			if _, ok := byDelay[d]; !ok {
				delays = append(delays, d)
			}
			byDelay[d] = append(byDelay[d], fc)
			handled = append(handled, fc)
		}
		for _, d := range delays {
			r.Retry(ctx, byDelay[d], cause, d)
		}
		return handled, nil
	}
}

// ErrorEdgeHandler redirects every context to target.
func ErrorEdgeHandler(target string) ErrorHandler {
	return func(ctx context.Context, cause error, r *Retryable, ctxs []*api.FlowContext) ([]*api.FlowContext, error) {
		r.Redirect(ctx, ctxs, cause, target)
		return ctxs, nil
	}
}

// TerminalHandler fails every context.
func TerminalHandler(ctx context.Context, cause error, r *Retryable, ctxs []*api.FlowContext) ([]*api.FlowContext, error) {
	r.Fail(ctx, ctxs, cause)
	return ctxs, nil
}

// defaultChain builds retry, error edge and terminal handlers for def.
func defaultChain(def api.FlowNode, extra []ErrorHandler) []ErrorHandler {
	var chain []ErrorHandler
	if def.Retry != nil {
		chain = append(chain, RetryHandler(*def.Retry))
	}
	chain = append(chain, extra...)
	for _, ev := range def.Events {
		if ev.EffectiveKind() == api.EventError {
			chain = append(chain, ErrorEdgeHandler(ev.TargetID))
			break
		}
	}
	return append(chain, TerminalHandler)
}

func (n *node) errorInfo(cause error, at time.Time) *api.ErrorInfo {
	info := &api.ErrorInfo{
		NodeID:  n.def.ID,
		Message: cause.Error(),
		At:      at,
	}
	var ge *goerrors.Error
	if errors.As(cause, &ge) {
		info.Stack = string(ge.Stack())
	}
	return info
}

func without(ctxs, remove []*api.FlowContext) []*api.FlowContext {
	if len(remove) == 0 {
		return ctxs
	}
	drop := make(map[string]bool, len(remove))
	for _, fc := range remove {
		drop[fc.ID] = true
	}
	var out []*api.FlowContext
	for _, fc := range ctxs {
		if !drop[fc.ID] {
			out = append(out, fc)
		}
	}
	return out
}
