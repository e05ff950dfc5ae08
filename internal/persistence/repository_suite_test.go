package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/flowcore/pkg/api"
)

// RepositoryTestSuite runs the Repository contract against one backend.
type RepositoryTestSuite struct {
	suite.Suite
	newRepo func() Repository
	repo    Repository
	ctx     context.Context
}

func (s *RepositoryTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.repo = s.newRepo()
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newContext(id, trace, position string, status api.Status, offset int) *api.FlowContext {
	return &api.FlowContext{
		ID:         id,
		TraceID:    trace,
		TransID:    trace + "-trans",
		StreamID:   "s1",
		Position:   position,
		Status:     status,
		Data:       api.Data{"id": id},
		CreateTime: base.Add(time.Duration(offset) * time.Second),
	}
}

func (s *RepositoryTestSuite) create(ctxs ...*api.FlowContext) {
	s.Require().NoError(s.repo.BatchCreate(s.ctx, ctxs))
}

func (s *RepositoryTestSuite) TestBatchCreateIsIdempotent() {
	c := newContext("c1", "t1", "a", api.StatusReady, 0)
	s.create(c)

	dup := newContext("c1", "t1", "b", api.StatusError, 0)
	s.create(dup)

	got, err := s.repo.FindByIDs(s.ctx, []string{"c1"})
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("a", got[0].Position)
	s.Equal(api.StatusReady, got[0].Status)
	s.Equal("c1", got[0].Data["id"])
}

func (s *RepositoryTestSuite) TestUpdateStatusAndPositionGuard() {
	s.create(
		newContext("c1", "t1", "a", api.StatusReady, 0),
		newContext("c2", "t1", "a", api.StatusReady, 1),
	)

	updated, err := s.repo.UpdateStatusAndPosition(s.ctx, []string{"c1", "c2"},
		api.StatusRunning, "", api.ClaimGuard)
	s.Require().NoError(err)
	s.ElementsMatch([]string{"c1", "c2"}, updated)

	updated, err = s.repo.UpdateStatusAndPosition(s.ctx, []string{"c1", "c2"},
		api.StatusRunning, "", api.ClaimGuard)
	s.Require().NoError(err)
	s.Empty(updated)

	updated, err = s.repo.UpdateStatusAndPosition(s.ctx, []string{"c1"},
		api.StatusReady, "b", api.TerminalStatuses)
	s.Require().NoError(err)
	s.Equal([]string{"c1"}, updated)

	got, err := s.repo.FindByIDs(s.ctx, []string{"c1", "c2"})
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("b", got[0].Position)
	s.Equal(api.StatusReady, got[0].Status)
	s.Equal("a", got[1].Position)
	s.Equal(api.StatusRunning, got[1].Status)
}

func (s *RepositoryTestSuite) TestConcurrentClaimHasOneWinnerPerRow() {
	ids := []string{"c1", "c2", "c3", "c4"}
	for i, id := range ids {
		s.create(newContext(id, "t1", "a", api.StatusReady, i))
	}

	const workers = 8
	var mu sync.Mutex
	wins := make(map[string]int)
	var wg sync.WaitGroup
	for range workers {
		wg.Go(func() {
			updated, err := s.repo.UpdateStatusAndPosition(s.ctx, ids,
				api.StatusRunning, "", api.ClaimGuard)
			s.NoError(err)
			mu.Lock()
			defer mu.Unlock()
			for _, id := range updated {
				wins[id]++
			}
		})
	}
	wg.Wait()

	for _, id := range ids {
		s.Equal(1, wins[id], "row %s", id)
	}
}

func (s *RepositoryTestSuite) TestBatchUpdateSkipsExclusiveRows() {
	s.create(
		newContext("c1", "t1", "a", api.StatusRunning, 0),
		newContext("c2", "t1", "a", api.StatusArchived, 1),
	)

	c1 := newContext("c1", "t1", "b", api.StatusReady, 0)
	c1.PrevPosition = "a"
	c1.Sent = true
	c1.BatchID = "B"
	c1.Data = api.Data{"x": 1}
	c1.Meta.History = []string{"a"}
	c2 := newContext("c2", "t1", "b", api.StatusReady, 1)

	updated, err := s.repo.BatchUpdate(s.ctx, []*api.FlowContext{c1, c2}, api.TerminalStatuses)
	s.Require().NoError(err)
	s.Equal([]string{"c1"}, updated)

	got, err := s.repo.FindByIDs(s.ctx, []string{"c1", "c2"})
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("b", got[0].Position)
	s.Equal("a", got[0].PrevPosition)
	s.True(got[0].Sent)
	s.Equal("B", got[0].BatchID)
	s.Equal(float64(1), got[0].Data["x"])
	s.Equal([]string{"a"}, got[0].Meta.History)
	s.Equal(api.StatusArchived, got[1].Status)
}

func (s *RepositoryTestSuite) TestFindByPosition() {
	sent := newContext("c3", "t1", "a", api.StatusReady, 2)
	sent.Sent = true
	s.create(
		newContext("c2", "t1", "a", api.StatusReady, 1),
		newContext("c1", "t2", "a", api.StatusReady, 0),
		sent,
		newContext("c4", "t1", "b", api.StatusReady, 3),
		newContext("c5", "t1", "a", api.StatusRunning, 4),
	)

	got, err := s.repo.FindByPosition(s.ctx, PositionQuery{
		StreamID:    "s1",
		Positions:   []string{"a"},
		Status:      api.StatusReady,
		ExcludeSent: true,
	})
	s.Require().NoError(err)
	s.Equal([]string{"c1", "c2"}, api.ContextIDs(got))

	got, err = s.repo.FindByPosition(s.ctx, PositionQuery{
		StreamID:  "s1",
		Positions: []string{"a", "b"},
		Status:    api.StatusReady,
		TraceIDs:  []string{"t1"},
		Limit:     2,
	})
	s.Require().NoError(err)
	s.Equal([]string{"c2", "c3"}, api.ContextIDs(got))

	got, err = s.repo.FindByPosition(s.ctx, PositionQuery{
		StreamID:  "other",
		Positions: []string{"a"},
	})
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *RepositoryTestSuite) TestFindBySubscriptions() {
	fromA := newContext("c1", "t1", "j", api.StatusReady, 0)
	fromA.PrevPosition = "a"
	fromB := newContext("c2", "t1", "j", api.StatusReady, 1)
	fromB.PrevPosition = "b"
	fromC := newContext("c3", "t1", "j", api.StatusReady, 2)
	fromC.PrevPosition = "c"
	s.create(fromA, fromB, fromC)

	got, err := s.repo.FindBySubscriptions(s.ctx, SubscriptionQuery{
		StreamID: "s1",
		Subscriptions: []Subscription{
			{From: "a", To: "j"},
			{From: "b", To: "j"},
		},
		Status:      api.StatusReady,
		ExcludeSent: true,
		Limit:       10,
	})
	s.Require().NoError(err)
	s.Equal([]string{"c1", "c2"}, api.ContextIDs(got))
}

func (s *RepositoryTestSuite) TestFindByBatchAndToBatch() {
	parent := newContext("p", "t1", "par", api.StatusArchived, 0)
	parent.ToBatchID = "B1"
	f1 := newContext("f1", "t1", "x", api.StatusReady, 1)
	f1.BatchID = "B1"
	f2 := newContext("f2", "t1", "y", api.StatusReady, 2)
	f2.BatchID = "B1"
	s.create(parent, f1, f2, newContext("other", "t1", "x", api.StatusReady, 3))

	forks, err := s.repo.FindByBatch(s.ctx, "B1")
	s.Require().NoError(err)
	s.Equal([]string{"f1", "f2"}, api.ContextIDs(forks))

	parents, err := s.repo.FindByToBatch(s.ctx, "B1")
	s.Require().NoError(err)
	s.Equal([]string{"p"}, api.ContextIDs(parents))

	none, err := s.repo.FindByBatch(s.ctx, "")
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *RepositoryTestSuite) TestFindRunningAndByTraceOrTrans() {
	s.create(
		newContext("c1", "t1", "a", api.StatusReady, 0),
		newContext("c2", "t1", "end", api.StatusArchived, 1),
		newContext("c3", "t1", "a", api.StatusSent, 2),
		newContext("c4", "t2", "a", api.StatusReady, 3),
	)

	running, err := s.repo.FindRunning(s.ctx, api.ContextQuery{TraceID: "t1"})
	s.Require().NoError(err)
	s.Equal([]string{"c1", "c3"}, api.ContextIDs(running))

	running, err = s.repo.FindRunning(s.ctx, api.ContextQuery{TransID: "t2-trans"})
	s.Require().NoError(err)
	s.Equal([]string{"c4"}, api.ContextIDs(running))

	all, err := s.repo.FindByTrace(s.ctx, "t1")
	s.Require().NoError(err)
	s.Len(all, 3)

	byTrans, err := s.repo.FindByTrans(s.ctx, "t1-trans")
	s.Require().NoError(err)
	s.Len(byTrans, 3)
}

func (s *RepositoryTestSuite) TestFindFinishedPaged() {
	for i, id := range []string{"a1", "a2", "a3"} {
		fc := newContext(id, "t1", "end", api.StatusArchived, i)
		fc.Meta.NodeType = api.NodeEnd
		s.create(fc)
	}
	// archived by a PARALLEL node that happens to share an END id elsewhere
	parent := newContext("x1", "t1", "end", api.StatusArchived, 5)
	parent.Meta.NodeType = api.NodeParallel
	s.create(parent, newContext("e1", "t1", "mid", api.StatusError, 6))
	q := api.ContextQuery{TraceID: "t1"}

	page1, total, err := s.repo.FindFinishedPaged(s.ctx, q, api.StatusArchived, 1, 2)
	s.Require().NoError(err)
	s.Equal(3, total)
	s.Len(page1, 2)

	page2, total, err := s.repo.FindFinishedPaged(s.ctx, q, api.StatusArchived, 2, 2)
	s.Require().NoError(err)
	s.Equal(3, total)
	s.Len(page2, 1)
	s.ElementsMatch([]string{"a1", "a2", "a3"},
		append(api.ContextIDs(page1), api.ContextIDs(page2)...))

	errs, total, err := s.repo.FindFinishedPaged(s.ctx, q, api.StatusError, 1, 10)
	s.Require().NoError(err)
	s.Equal(1, total)
	s.Equal([]string{"e1"}, api.ContextIDs(errs))

	empty, total, err := s.repo.FindFinishedPaged(s.ctx, q, api.StatusArchived, 5, 2)
	s.Require().NoError(err)
	s.Equal(3, total)
	s.Empty(empty)
}

func (s *RepositoryTestSuite) TestFindFinishedPaged_MarkerFollowsUpdates() {
	fc := newContext("c1", "t1", "work", api.StatusRunning, 0)
	fc.Meta.NodeType = api.NodeState
	s.create(fc)

	q := api.ContextQuery{TraceID: "t1"}
	_, total, err := s.repo.FindFinishedPaged(s.ctx, q, api.StatusArchived, 1, 10)
	s.Require().NoError(err)
	s.Zero(total)

	fc.Position = "done"
	fc.Status = api.StatusArchived
	fc.Meta.NodeType = api.NodeEnd
	updated, err := s.repo.BatchUpdate(s.ctx, []*api.FlowContext{fc}, api.TerminalStatuses)
	s.Require().NoError(err)
	s.Equal([]string{"c1"}, updated)

	items, total, err := s.repo.FindFinishedPaged(s.ctx, q, api.StatusArchived, 1, 10)
	s.Require().NoError(err)
	s.Equal(1, total)
	s.Equal(api.NodeEnd, items[0].Meta.NodeType)
}

func (s *RepositoryTestSuite) TestTraceLifecycle() {
	_, err := s.repo.GetTrace(s.ctx, "missing")
	s.ErrorIs(err, ErrTraceNotFound)

	trace := &api.FlowTrace{
		ID:          "t1",
		StreamID:    "s1",
		Status:      api.TraceRunning,
		ContextPool: []string{"c1"},
		StartTime:   base,
	}
	s.Require().NoError(s.repo.CreateTrace(s.ctx, trace))
	s.Require().NoError(s.repo.CreateTrace(s.ctx, trace))

	got, err := s.repo.GetTrace(s.ctx, "t1")
	s.Require().NoError(err)
	s.Equal(api.TraceRunning, got.Status)
	s.Equal([]string{"c1"}, got.ContextPool)
	s.True(got.StartTime.Equal(base))
	s.True(got.EndTime.IsZero())

	got.Status = api.TraceTerminated
	got.EndTime = base.Add(time.Minute)
	ok, err := s.repo.UpdateTrace(s.ctx, got, api.ClosedTraceStatuses)
	s.Require().NoError(err)
	s.True(ok)

	got.Status = api.TraceSuccess
	ok, err = s.repo.UpdateTrace(s.ctx, got, api.ClosedTraceStatuses)
	s.Require().NoError(err)
	s.False(ok)

	again, err := s.repo.GetTrace(s.ctx, "t1")
	s.Require().NoError(err)
	s.Equal(api.TraceTerminated, again.Status)

	_, err = s.repo.UpdateTrace(s.ctx, &api.FlowTrace{ID: "missing"}, nil)
	s.ErrorIs(err, ErrTraceNotFound)
}

func (s *RepositoryTestSuite) TestListTraces() {
	traces := []*api.FlowTrace{
		{ID: "t1", StreamID: "s1", Status: api.TraceSuccess, StartTime: base, EndTime: base.Add(time.Minute)},
		{ID: "t2", StreamID: "s1", Status: api.TraceRunning, StartTime: base.Add(time.Second)},
		{ID: "t3", StreamID: "s2", Status: api.TraceError, StartTime: base.Add(2 * time.Second), EndTime: base.Add(time.Hour)},
	}
	for _, t := range traces {
		s.Require().NoError(s.repo.CreateTrace(s.ctx, t))
	}

	all, err := s.repo.ListTraces(s.ctx, api.TraceFilter{})
	s.Require().NoError(err)
	s.Len(all, 3)

	s1, err := s.repo.ListTraces(s.ctx, api.TraceFilter{StreamID: "s1"})
	s.Require().NoError(err)
	s.Len(s1, 2)

	running, err := s.repo.ListTraces(s.ctx, api.TraceFilter{Status: api.TraceRunning})
	s.Require().NoError(err)
	s.Require().Len(running, 1)
	s.Equal("t2", running[0].ID)

	old, err := s.repo.ListTraces(s.ctx, api.TraceFilter{FinishedBefore: base.Add(10 * time.Minute)})
	s.Require().NoError(err)
	s.Require().Len(old, 1)
	s.Equal("t1", old[0].ID)
}

func (s *RepositoryTestSuite) TestDeletes() {
	s.Require().NoError(s.repo.CreateTrace(s.ctx, &api.FlowTrace{
		ID: "t1", StreamID: "s1", Status: api.TraceSuccess, StartTime: base,
	}))
	s.create(
		newContext("c1", "t1", "a", api.StatusArchived, 0),
		newContext("c2", "t1", "a", api.StatusArchived, 1),
		newContext("c3", "t2", "a", api.StatusReady, 2),
		newContext("c4", "t2", "a", api.StatusReady, 3),
	)

	s.Require().NoError(s.repo.DeleteByTraceIDs(s.ctx, []string{"t1"}))
	_, err := s.repo.GetTrace(s.ctx, "t1")
	s.ErrorIs(err, ErrTraceNotFound)
	left, err := s.repo.FindByTrace(s.ctx, "t1")
	s.Require().NoError(err)
	s.Empty(left)

	s.Require().NoError(s.repo.DeleteByContextIDs(s.ctx, []string{"c3"}))
	left, err = s.repo.FindByTrace(s.ctx, "t2")
	s.Require().NoError(err)
	s.Equal([]string{"c4"}, api.ContextIDs(left))
}
