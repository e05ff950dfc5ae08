package flowcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) Engine {
	t.Helper()
	eng := NewInMemoryEngine()
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func waitClosed(t *testing.T, eng Engine, traceID string) *FlowTrace {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	trace, err := WaitTrace(ctx, eng, traceID)
	require.NoError(t, err)
	return trace
}

func TestGraphBuilder_Definition(t *testing.T) {
	b := New("orders-v1").
		Step("reserve", Set(map[string]any{"reserved": true})).
		Guard("paid", RuleLua, "paid == true").
		Parallel("ship", ParallelAll,
			Branch{ID: "label", Executor: Set(map[string]any{"label": true})},
			Branch{ID: "invoice", Executor: Set(map[string]any{"invoice": true})},
		)

	def, err := b.Definition()
	require.NoError(t, err)
	assert.Equal(t, "orders-v1", def.StreamID)

	ids := make([]string, 0, len(def.Nodes))
	for _, n := range def.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{
		"start", "reserve", "paid", "paid-rejected", "ship", "label", "invoice", "ship-join", "end",
	}, ids)

	paid, _ := def.Node("paid")
	require.Len(t, paid.Events, 2)
	assert.Equal(t, "paid-rejected", paid.Events[0].TargetID)
	assert.Equal(t, "ship", paid.Events[1].TargetID)
	assert.Equal(t, "paid == true", paid.Events[1].ConditionRule)

	join, _ := def.Node("ship-join")
	require.Len(t, join.Events, 1)
	assert.Equal(t, EndNode, join.Events[0].TargetID)

	assert.Len(t, b.Executors(), 3)
}

func TestGraphBuilder_DefinitionIsRepeatable(t *testing.T) {
	b := New("repeat-v1").Step("a", Set(nil))

	first, err := b.Definition()
	require.NoError(t, err)
	b.Step("b", Set(nil))
	second, err := b.Definition()
	require.NoError(t, err)

	a, _ := first.Node("a")
	require.Len(t, a.Events, 1)
	assert.Equal(t, EndNode, a.Events[0].TargetID)

	a, _ = second.Node("a")
	require.Len(t, a.Events, 1)
	assert.Equal(t, "b", a.Events[0].TargetID)
}

func TestGraphBuilder_Panics(t *testing.T) {
	assert.Panics(t, func() { New("x").Step("", Set(nil)) })
	assert.Panics(t, func() { New("x").Step("a", nil) })
	assert.Panics(t, func() { New("x").Step("a", Set(nil)).Step("a", Set(nil)) })
	assert.Panics(t, func() { New("x").Step(EndNode, Set(nil)) })
	assert.Panics(t, func() { New("x").Guard("g", RuleLua, "") })
	assert.Panics(t, func() { New("x").Parallel("p", ParallelAll) })
}

func TestGraphBuilder_InvalidStream(t *testing.T) {
	_, err := New("").Step("a", Set(nil)).Definition()
	assert.Error(t, err)
}

func TestGraphBuilder_RunsGuardAndParallel(t *testing.T) {
	eng := newEngine(t)
	flow := New("ship-v1").
		Guard("paid", RuleGJSON, `paid`).
		Parallel("ship", ParallelAll,
			Branch{ID: "label", Executor: Set(map[string]any{"label": true})},
			Branch{ID: "invoice", Executor: Set(map[string]any{"invoice": true})},
		).
		Step("done", Set(map[string]any{"done": true}))
	flow.MustRegister(eng)

	ctx := context.Background()
	traceID, err := Offer(ctx, eng, flow.StreamID(),
		Data{"order": "o-1", "paid": true},
		Data{"order": "o-2", "paid": false},
	)
	require.NoError(t, err)
	assert.Equal(t, TraceSuccess, waitClosed(t, eng, traceID).Status)

	results, err := Results(ctx, eng, traceID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	byOrder := map[any]*FlowContext{}
	for _, fc := range results {
		byOrder[fc.Data["order"]] = fc
	}

	shipped := byOrder["o-1"]
	require.NotNil(t, shipped)
	assert.Equal(t, EndNode, shipped.Position)
	assert.Equal(t, true, shipped.Data["label"])
	assert.Equal(t, true, shipped.Data["invoice"])
	assert.Equal(t, true, shipped.Data["done"])

	unpaid := byOrder["o-2"]
	require.NotNil(t, unpaid)
	assert.Equal(t, "paid-rejected", unpaid.Position)
	assert.Nil(t, unpaid.Data["label"])

	rejected, err := eng.QueryRunningContexts(ctx, ContextQuery{TraceID: traceID})
	require.NoError(t, err)
	assert.Empty(t, rejected)
}

func TestGraphBuilder_RegisterTwice(t *testing.T) {
	eng := newEngine(t)
	flow := New("twice-v1").Step("a", Set(nil))

	require.NoError(t, flow.Register(eng))
	assert.ErrorIs(t, flow.Register(eng), ErrStreamRegistered)
	assert.Panics(t, func() { flow.MustRegister(eng) })
}
