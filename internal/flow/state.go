package flow

import (
	"context"
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"

	"github.com/petrijr/flowcore/internal/stream"
	"github.com/petrijr/flowcore/pkg/api"
)

type stateNode struct {
	node
	exec api.TaskExecutor
}

func (n *stateNode) Handle(ctx context.Context, claimed []*api.FlowContext) stream.Outcome {
	n.visit(claimed)

	inputs := make([]api.Data, len(claimed))
	for i, fc := range claimed {
		inputs[i] = fc.Data
	}

	outputs, err := n.execute(ctx, inputs)
	switch {
	case errors.Is(err, api.ErrAsync):
		return n.park(claimed)
	case err != nil:
		return n.handleError(ctx, err, claimed)
	case outputs != nil && len(outputs) != len(claimed):
		err = fmt.Errorf("%w: node %s returned %d results for %d inputs",
			api.ErrOutputMismatch, n.def.ID, len(outputs), len(claimed))
		return n.handleError(ctx, err, claimed)
	}

	for i, d := range outputs {
		if d != nil {
			claimed[i].Data = d
		}
	}
	return n.forward(ctx, claimed)
}

// execute runs the executor, converting panics into errors carrying the
// panic stack.
func (n *stateNode) execute(ctx context.Context, data []api.Data) (out []api.Data, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, goerrors.Wrap(r, 2)
		}
	}()
	return n.exec.Execute(ctx, data)
}

// park leaves the contexts SENT until Complete resumes them.
func (n *stateNode) park(ctxs []*api.FlowContext) stream.Outcome {
	now := n.graph.now()
	for _, fc := range ctxs {
		fc.Status = api.StatusSent
		fc.Sent = true
		fc.UpdateTime = now
	}
	return stream.Outcome{Update: ctxs}
}

// complete resumes parked contexts. data, when non-nil, replaces the
// business data of the context with the same index in ctxs.
func (n *stateNode) complete(ctx context.Context, ctxs []*api.FlowContext, data []api.Data) (stream.Outcome, error) {
	won, err := n.graph.cfg.Repo.UpdateStatusAndPosition(ctx,
		api.ContextIDs(ctxs), api.StatusRunning, "", api.ResumeGuard)
	if err != nil {
		return stream.Outcome{}, err
	}
	if len(won) == 0 {
		return stream.Outcome{}, api.ErrNotSent
	}

	resumed := make(map[string]bool, len(won))
	for _, id := range won {
		resumed[id] = true
	}
	var batch []*api.FlowContext
	for i, fc := range ctxs {
		if !resumed[fc.ID] {
			continue
		}
		fc.Status = api.StatusRunning
		fc.Sent = false
		if data != nil && data[i] != nil {
			fc.Data = data[i]
		}
		batch = append(batch, fc)
	}
	return n.forward(ctx, batch), nil
}
