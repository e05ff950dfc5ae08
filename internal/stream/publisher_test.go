package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowcore/internal/messenger"
	"github.com/petrijr/flowcore/pkg/api"
)

func amountBelow(limit float64) Whether {
	return func(fc *api.FlowContext) (bool, error) {
		v, ok := fc.Data["amount"].(float64)
		if !ok {
			return false, errors.New("amount is not a number")
		}
		return v < limit, nil
	}
}

func newCtx(id string, data api.Data) *api.FlowContext {
	return &api.FlowContext{ID: id, TraceID: "t1", TransID: "tr1", StreamID: "s", Position: "cond", Data: data}
}

func TestRouteUnconditional(t *testing.T) {
	p := NewPublisher("s", "a", nil,
		Subscription{From: "a", To: "b"},
		Subscription{From: "a", To: "c"},
	)

	fc := newCtx("c1", api.Data{"x": 1.0})
	res := p.Route([]*api.FlowContext{fc})

	require.Len(t, res.Moved, 1)
	require.Len(t, res.Cloned, 1)
	assert.Empty(t, res.Unrouted)
	assert.Equal(t, []string{"b", "c"}, res.Targets)

	assert.Same(t, fc, res.Moved[0])
	assert.Equal(t, "b", fc.Position)
	assert.Equal(t, "a", fc.PrevPosition)

	clone := res.Cloned[0]
	assert.NotEqual(t, fc.ID, clone.ID)
	assert.Equal(t, fc.TraceID, clone.TraceID)
	assert.Equal(t, fc.TransID, clone.TransID)
	assert.Equal(t, "c", clone.Position)
	assert.Empty(t, fc.Meta.Branches, "no audit without conditional edges")
	assert.Len(t, res.Routed(), 2)
}

func TestRouteConditionWithFallback(t *testing.T) {
	p := NewPublisher("s", "cond", nil,
		Subscription{From: "cond", To: "others", Fallback: true, Kind: api.EventOthers, Order: 2},
		Subscription{From: "cond", To: "A", Whether: amountBelow(10), Kind: api.EventMatch, Rule: "amount < 10"},
		Subscription{From: "cond", To: "B", Whether: amountBelow(5), Kind: api.EventMatch, Rule: "amount < 5", Order: 1},
	)

	low := newCtx("low", api.Data{"amount": 7.0})
	high := newCtx("high", api.Data{"amount": 70.0})
	res := p.Route([]*api.FlowContext{low, high})

	assert.Equal(t, "A", low.Position)
	assert.Equal(t, "others", high.Position)
	assert.Empty(t, res.Cloned)
	assert.Equal(t, []string{"A", "others"}, res.Targets)

	require.Len(t, low.Meta.Branches, 3)
	assert.Equal(t, api.BranchResult{TargetID: "A", Kind: api.EventMatch, Rule: "amount < 10", Matched: true}, low.Meta.Branches[0])
	assert.False(t, low.Meta.Branches[1].Matched)
	assert.False(t, low.Meta.Branches[2].Matched)
	assert.True(t, high.Meta.Branches[2].Matched)
}

func TestRouteDeterministic(t *testing.T) {
	p := NewPublisher("s", "cond", nil,
		Subscription{From: "cond", To: "A", Whether: amountBelow(10)},
		Subscription{From: "cond", To: "B", Whether: amountBelow(100)},
	)
	for range 10 {
		fc := newCtx("c", api.Data{"amount": 50.0})
		res := p.Route([]*api.FlowContext{fc})
		require.Len(t, res.Moved, 1)
		assert.Equal(t, "B", fc.Position)
	}
}

func TestRouteUnmatchedAndRuleErrors(t *testing.T) {
	p := NewPublisher("s", "cond", nil,
		Subscription{From: "cond", To: "A", Whether: amountBelow(10)},
	)

	fc := newCtx("c", api.Data{"amount": "ten"})
	res := p.Route([]*api.FlowContext{fc})

	require.Len(t, res.Unrouted, 1)
	assert.Empty(t, res.Moved)
	assert.Equal(t, "cond", fc.Position)
	require.Len(t, fc.Meta.Branches, 1)
	assert.False(t, fc.Meta.Branches[0].Matched)
	assert.Contains(t, fc.Meta.Branches[0].Error, "not a number")
}

func TestRouteRuleErrorSkipsFallback(t *testing.T) {
	p := NewPublisher("s", "cond", nil,
		Subscription{From: "cond", To: "A", Whether: amountBelow(10)},
		Subscription{From: "cond", To: "B", Fallback: true, Kind: api.EventOthers},
	)

	fc := newCtx("c", api.Data{"other": 1})
	res := p.Route([]*api.FlowContext{fc})

	require.Len(t, res.Unrouted, 1)
	assert.Empty(t, res.Moved)
	assert.Empty(t, res.Targets)
	assert.EqualError(t, res.RuleErrors["c"], "amount is not a number")
	require.Len(t, fc.Meta.Branches, 2)
	assert.False(t, fc.Meta.Branches[1].Matched)

	ok := newCtx("d", api.Data{"amount": 50.0})
	res = p.Route([]*api.FlowContext{ok})
	require.Len(t, res.Moved, 1)
	assert.Nil(t, res.RuleErrors)
	assert.Equal(t, "B", ok.Position)
}

func TestEmit(t *testing.T) {
	m := messenger.NewLocal()
	defer func() { _ = m.Close() }()

	got := make(chan messenger.Notice, 2)
	m.Subscribe("s", "b", func(n messenger.Notice) { got <- n })
	m.Subscribe("s", "c", func(n messenger.Notice) { got <- n })

	p := NewPublisher("s", "a", m)
	require.NoError(t, p.Emit(context.Background(), []string{"b", "c"}, []string{"t1"}))

	seen := map[string]bool{}
	for range 2 {
		select {
		case n := <-got:
			seen[n.NodeID] = true
			assert.Equal(t, []string{"t1"}, n.TraceIDs)
		case <-time.After(time.Second):
			t.Fatal("notice not delivered")
		}
	}
	assert.True(t, seen["b"] && seen["c"])
}
