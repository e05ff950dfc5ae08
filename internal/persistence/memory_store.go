package persistence

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/flowcore/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe Repository backed by maps.
// Stored contexts are deep-copied on every read and write.
type InMemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]*memoryRow
	traces   map[string]*api.FlowTrace
	seq      int64
	now      func() time.Time
}

type memoryRow struct {
	fc  *api.FlowContext
	seq int64
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		contexts: make(map[string]*memoryRow),
		traces:   make(map[string]*api.FlowTrace),
		now:      time.Now,
	}
}

// Ensure InMemoryStore implements Repository.
var _ Repository = (*InMemoryStore)(nil)

func (s *InMemoryStore) BatchCreate(_ context.Context, ctxs []*api.FlowContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, fc := range ctxs {
		if _, ok := s.contexts[fc.ID]; ok {
			continue
		}
		cp, err := copyContext(fc)
		if err != nil {
			return err
		}
		if cp.CreateTime.IsZero() {
			cp.CreateTime = now
		}
		cp.UpdateTime = now
		s.seq++
		s.contexts[fc.ID] = &memoryRow{fc: cp, seq: s.seq}
	}
	return nil
}

func (s *InMemoryStore) BatchUpdate(_ context.Context, ctxs []*api.FlowContext, exclusive []api.Status) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var updated []string
	for _, fc := range ctxs {
		row, ok := s.contexts[fc.ID]
		if !ok || slices.Contains(exclusive, row.fc.Status) {
			continue
		}
		cp, err := copyContext(fc)
		if err != nil {
			return updated, err
		}
		cp.CreateTime = row.fc.CreateTime
		cp.UpdateTime = now
		row.fc = cp
		updated = append(updated, fc.ID)
	}
	return updated, nil
}

func (s *InMemoryStore) UpdateStatusAndPosition(_ context.Context, ids []string, status api.Status, position string, exclusive []api.Status) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var updated []string
	for _, id := range ids {
		row, ok := s.contexts[id]
		if !ok || slices.Contains(exclusive, row.fc.Status) {
			continue
		}
		row.fc.Status = status
		if position != "" {
			row.fc.Position = position
		}
		row.fc.UpdateTime = now
		updated = append(updated, id)
	}
	return updated, nil
}

func (s *InMemoryStore) FindByIDs(_ context.Context, ids []string) ([]*api.FlowContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*memoryRow
	for _, id := range ids {
		if row, ok := s.contexts[id]; ok {
			rows = append(rows, row)
		}
	}
	return s.copyRows(rows, byCreate)
}

func (s *InMemoryStore) FindByTrace(_ context.Context, traceID string) ([]*api.FlowContext, error) {
	return s.find(byCreate, 0, func(fc *api.FlowContext) bool {
		return fc.TraceID == traceID
	})
}

func (s *InMemoryStore) FindByTrans(_ context.Context, transID string) ([]*api.FlowContext, error) {
	return s.find(byCreate, 0, func(fc *api.FlowContext) bool {
		return fc.TransID == transID
	})
}

func (s *InMemoryStore) FindByPosition(_ context.Context, q PositionQuery) ([]*api.FlowContext, error) {
	return s.find(byCreate, q.Limit, func(fc *api.FlowContext) bool {
		if fc.StreamID != q.StreamID || !slices.Contains(q.Positions, fc.Position) {
			return false
		}
		if q.Status != "" && fc.Status != q.Status {
			return false
		}
		if len(q.TraceIDs) > 0 && !slices.Contains(q.TraceIDs, fc.TraceID) {
			return false
		}
		return !q.ExcludeSent || !fc.Sent
	})
}

func (s *InMemoryStore) FindBySubscriptions(_ context.Context, q SubscriptionQuery) ([]*api.FlowContext, error) {
	return s.find(byCreate, q.Limit, func(fc *api.FlowContext) bool {
		if fc.StreamID != q.StreamID {
			return false
		}
		if q.Status != "" && fc.Status != q.Status {
			return false
		}
		if q.ExcludeSent && fc.Sent {
			return false
		}
		return slices.Contains(q.Subscriptions, Subscription{
			From: fc.PrevPosition,
			To:   fc.Position,
		})
	})
}

func (s *InMemoryStore) FindByBatch(_ context.Context, batchID string) ([]*api.FlowContext, error) {
	return s.find(byCreate, 0, func(fc *api.FlowContext) bool {
		return batchID != "" && fc.BatchID == batchID
	})
}

func (s *InMemoryStore) FindByToBatch(_ context.Context, toBatchID string) ([]*api.FlowContext, error) {
	return s.find(byCreate, 0, func(fc *api.FlowContext) bool {
		return toBatchID != "" && fc.ToBatchID == toBatchID
	})
}

func (s *InMemoryStore) FindRunning(_ context.Context, q api.ContextQuery) ([]*api.FlowContext, error) {
	return s.find(byCreate, 0, func(fc *api.FlowContext) bool {
		return matchQuery(q, fc) && !fc.Status.Terminal()
	})
}

func (s *InMemoryStore) FindFinishedPaged(_ context.Context, q api.ContextQuery, status api.Status, page, limit int) ([]*api.FlowContext, int, error) {
	all, err := s.find(byUpdate, 0, func(fc *api.FlowContext) bool {
		return matchQuery(q, fc) && finishedAs(fc, status)
	})
	if err != nil {
		return nil, 0, err
	}
	offset, limit := pageBounds(page, limit)
	if offset >= len(all) {
		return nil, len(all), nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], len(all), nil
}

func (s *InMemoryStore) CreateTrace(_ context.Context, trace *api.FlowTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.traces[trace.ID]; ok {
		return nil
	}
	cp := copyTrace(trace)
	s.traces[trace.ID] = cp
	return nil
}

func (s *InMemoryStore) GetTrace(_ context.Context, traceID string) (*api.FlowTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trace, ok := s.traces[traceID]
	if !ok {
		return nil, ErrTraceNotFound
	}
	return copyTrace(trace), nil
}

func (s *InMemoryStore) UpdateTrace(_ context.Context, trace *api.FlowTrace, exclusive []api.TraceStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.traces[trace.ID]
	if !ok {
		return false, ErrTraceNotFound
	}
	if slices.Contains(exclusive, cur.Status) {
		return false, nil
	}
	s.traces[trace.ID] = copyTrace(trace)
	return true, nil
}

func (s *InMemoryStore) ListTraces(_ context.Context, filter api.TraceFilter) ([]*api.FlowTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.FlowTrace
	for _, trace := range s.traces {
		if matchTrace(filter, trace) {
			result = append(result, copyTrace(trace))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result, nil
}

func (s *InMemoryStore) DeleteByTraceIDs(_ context.Context, traceIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, row := range s.contexts {
		if slices.Contains(traceIDs, row.fc.TraceID) {
			delete(s.contexts, id)
		}
	}
	for _, id := range traceIDs {
		delete(s.traces, id)
	}
	return nil
}

func (s *InMemoryStore) DeleteByContextIDs(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.contexts, id)
	}
	return nil
}

type rowOrder func(a, b *memoryRow) bool

func byCreate(a, b *memoryRow) bool {
	if !a.fc.CreateTime.Equal(b.fc.CreateTime) {
		return a.fc.CreateTime.Before(b.fc.CreateTime)
	}
	return a.seq < b.seq
}

func byUpdate(a, b *memoryRow) bool {
	if !a.fc.UpdateTime.Equal(b.fc.UpdateTime) {
		return a.fc.UpdateTime.Before(b.fc.UpdateTime)
	}
	return a.seq < b.seq
}

func (s *InMemoryStore) find(order rowOrder, limit int, match func(*api.FlowContext) bool) ([]*api.FlowContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*memoryRow
	for _, row := range s.contexts {
		if match(row.fc) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return order(rows[i], rows[j]) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return s.copyRows(rows, nil)
}

func (s *InMemoryStore) copyRows(rows []*memoryRow, order rowOrder) ([]*api.FlowContext, error) {
	if order != nil {
		sort.Slice(rows, func(i, j int) bool { return order(rows[i], rows[j]) })
	}
	out := make([]*api.FlowContext, 0, len(rows))
	for _, row := range rows {
		cp, err := copyContext(row.fc)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func matchQuery(q api.ContextQuery, fc *api.FlowContext) bool {
	if q.TraceID != "" {
		return fc.TraceID == q.TraceID
	}
	return q.TransID != "" && fc.TransID == q.TransID
}

// finishedAs reports whether fc ended with status. Only END nodes archive
// a context as finished.
func finishedAs(fc *api.FlowContext, status api.Status) bool {
	if fc.Status != status {
		return false
	}
	return status != api.StatusArchived || fc.Meta.NodeType == api.NodeEnd
}

func matchTrace(f api.TraceFilter, t *api.FlowTrace) bool {
	if f.StreamID != "" && t.StreamID != f.StreamID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.FinishedBefore.IsZero() {
		if !t.Status.Closed() || t.EndTime.IsZero() || !t.EndTime.Before(f.FinishedBefore) {
			return false
		}
	}
	return true
}

func copyTrace(t *api.FlowTrace) *api.FlowTrace {
	cp := *t
	cp.ContextPool = slices.Clone(t.ContextPool)
	return &cp
}

// pageBounds turns a 1-based page and a limit into an offset and limit.
func pageBounds(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	return (page - 1) * limit, limit
}
