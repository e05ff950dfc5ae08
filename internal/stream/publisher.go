// Package stream implements the publish/subscribe plumbing between flow
// nodes: edge routing, the generic processing step and per-node worker
// pools.
package stream

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"

	"github.com/petrijr/flowcore/internal/messenger"
	"github.com/petrijr/flowcore/pkg/api"
)

// Whether decides if a subscription accepts a context.
type Whether func(fc *api.FlowContext) (bool, error)

// Subscription is one edge From -> To. A nil Whether accepts everything.
// Fallback subscriptions only receive contexts no other subscription
// accepted.
type Subscription struct {
	ID       string
	From     string
	To       string
	Whether  Whether
	Fallback bool
	Order    int

	// Kind and Rule describe the edge in branch audit records.
	Kind api.EventKind
	Rule string
}

// Conditional reports whether the subscription filters contexts.
func (s Subscription) Conditional() bool {
	return s.Whether != nil || s.Fallback
}

// Routing is the result of Publisher.Route.
type Routing struct {
	// Moved holds input contexts repositioned at their first match.
	Moved []*api.FlowContext

	// Cloned holds new contexts created for further matches.
	Cloned []*api.FlowContext

	// Unrouted holds input contexts no subscription accepted, including
	// those whose rule failed.
	Unrouted []*api.FlowContext

	// RuleErrors holds the first rule error per unrouted context id.
	RuleErrors map[string]error

	// Targets lists the distinct target nodes, in subscription order.
	Targets []string
}

// Routed returns Moved followed by Cloned.
func (r Routing) Routed() []*api.FlowContext {
	return append(slices.Clone(r.Moved), r.Cloned...)
}

// Publisher routes contexts along the outgoing edges of one node.
type Publisher struct {
	streamID  string
	nodeID    string
	subs      []Subscription
	messenger messenger.Messenger
}

// NewPublisher creates the publisher side of node nodeID. subs are kept in
// Order, then declaration order.
func NewPublisher(streamID, nodeID string, m messenger.Messenger, subs ...Subscription) *Publisher {
	sorted := slices.Clone(subs)
	slices.SortStableFunc(sorted, func(a, b Subscription) int {
		return a.Order - b.Order
	})
	return &Publisher{
		streamID:  streamID,
		nodeID:    nodeID,
		subs:      sorted,
		messenger: m,
	}
}

// Subscriptions returns the outgoing edges in evaluation order.
func (p *Publisher) Subscriptions() []Subscription {
	return slices.Clone(p.subs)
}

// Route assigns each context to the subscriptions that accept it. The
// first match moves the context, later matches clone it with a new id.
// A context whose rule fails to evaluate is unrouted, fallbacks included.
// When any edge is conditional, every context carries the branch
// evaluation in Meta.Branches.
func (p *Publisher) Route(ctxs []*api.FlowContext) Routing {
	var res Routing
	targets := map[string]bool{}
	audit := slices.ContainsFunc(p.subs, Subscription.Conditional)

	for _, fc := range ctxs {
		matched, branches, err := p.match(fc)
		if audit {
			fc.Meta.Branches = branches
		}
		if err != nil {
			if res.RuleErrors == nil {
				res.RuleErrors = map[string]error{}
			}
			res.RuleErrors[fc.ID] = err
		}
		if len(matched) == 0 {
			res.Unrouted = append(res.Unrouted, fc)
			continue
		}
		for i, sub := range matched {
			out := fc
			if i > 0 {
				out = fc.Clone()
				out.ID = uuid.NewString()
				out.CreateTime = fc.UpdateTime
				res.Cloned = append(res.Cloned, out)
			} else {
				res.Moved = append(res.Moved, out)
			}
			out.PrevPosition = p.nodeID
			out.Position = sub.To
			if !targets[sub.To] {
				targets[sub.To] = true
				res.Targets = append(res.Targets, sub.To)
			}
		}
	}
	return res
}

func (p *Publisher) match(fc *api.FlowContext) ([]Subscription, []api.BranchResult, error) {
	var (
		matched   []Subscription
		fallbacks []Subscription
		branches  []api.BranchResult
		ruleErr   error
	)
	for _, sub := range p.subs {
		if sub.Fallback {
			fallbacks = append(fallbacks, sub)
			continue
		}
		br := api.BranchResult{TargetID: sub.To, Kind: sub.Kind, Rule: sub.Rule}
		ok := true
		if sub.Whether != nil {
			var err error
			ok, err = sub.Whether(fc)
			if err != nil {
				ok = false
				br.Error = err.Error()
				if ruleErr == nil {
					ruleErr = err
				}
			}
		}
		br.Matched = ok
		branches = append(branches, br)
		if ok {
			matched = append(matched, sub)
		}
	}
	if ruleErr != nil {
		matched = nil
	}
	for _, sub := range fallbacks {
		ok := len(matched) == 0 && ruleErr == nil
		branches = append(branches, api.BranchResult{
			TargetID: sub.To, Kind: sub.Kind, Matched: ok,
		})
		if ok {
			matched = append(matched, sub)
		}
	}
	return matched, branches, ruleErr
}

// Emit publishes one notice per target node. Every target is attempted;
// the returned error joins the failures.
func (p *Publisher) Emit(ctx context.Context, targets []string, traceIDs []string) error {
	var errs []error
	for _, t := range targets {
		err := p.messenger.Publish(ctx, messenger.Notice{
			StreamID: p.streamID,
			NodeID:   t,
			TraceIDs: traceIDs,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
