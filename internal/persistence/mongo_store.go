package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/flowcore/pkg/api"
)

// MongoStore is a Repository backed by MongoDB. Contexts and traces live
// in two collections; guarded writes are single-document updates filtered
// with $nin on the current status.
type MongoStore struct {
	contexts *mongo.Collection
	traces   *mongo.Collection
	now      func() time.Time
}

// Ensure MongoStore implements Repository.
var _ Repository = (*MongoStore)(nil)

type mongoContextDoc struct {
	ID           string `bson:"_id"`
	TraceID      string `bson:"trace_id"`
	TransID      string `bson:"trans_id"`
	StreamID     string `bson:"stream_id"`
	Position     string `bson:"position"`
	PrevPosition string `bson:"prev_position"`
	Status       string `bson:"status"`
	BatchID      string `bson:"batch_id"`
	ToBatchID    string `bson:"to_batch_id"`
	Sent         bool   `bson:"sent"`
	Data         []byte `bson:"data,omitempty"`
	CreateTime   int64  `bson:"create_time"`
	UpdateTime   int64  `bson:"update_time"`
	NodeType     string `bson:"node_type"`
}

type mongoTraceDoc struct {
	ID          string   `bson:"_id"`
	StreamID    string   `bson:"stream_id"`
	Status      string   `bson:"status"`
	ContextPool []string `bson:"context_pool"`
	StartTime   int64    `bson:"start_time"`
	EndTime     int64    `bson:"end_time"`
}

// NewMongoStore creates a Mongo-backed repository and its indexes.
// dbName defaults to "flowcore" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "flowcore"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		contexts: db.Collection("flow_context"),
		traces:   db.Collection("flow_trace"),
		now:      time.Now,
	}
	_, err := s.contexts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "stream_id", Value: 1}, {Key: "position", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "trace_id", Value: 1}}},
		{Keys: bson.D{{Key: "trans_id", Value: 1}}},
		{Keys: bson.D{{Key: "batch_id", Value: 1}}},
		{Keys: bson.D{{Key: "to_batch_id", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) BatchCreate(ctx context.Context, ctxs []*api.FlowContext) error {
	now := s.now()
	for _, fc := range ctxs {
		doc, err := toContextDoc(fc)
		if err != nil {
			return err
		}
		if doc.CreateTime == 0 {
			doc.CreateTime = now.UnixNano()
		}
		doc.UpdateTime = now.UnixNano()
		if _, err := s.contexts.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return err
		}
	}
	return nil
}

func (s *MongoStore) BatchUpdate(ctx context.Context, ctxs []*api.FlowContext, exclusive []api.Status) ([]string, error) {
	now := s.now().UnixNano()
	var updated []string
	for _, fc := range ctxs {
		data, err := EncodeContext(fc)
		if err != nil {
			return nil, err
		}
		set := bson.M{
			"position":      fc.Position,
			"prev_position": fc.PrevPosition,
			"status":        string(fc.Status),
			"batch_id":      fc.BatchID,
			"to_batch_id":   fc.ToBatchID,
			"sent":          fc.Sent,
			"data":          data,
			"update_time":   now,
			"node_type":     string(fc.Meta.NodeType),
		}
		res, err := s.contexts.UpdateOne(ctx, guardFilter(fc.ID, exclusive), bson.M{"$set": set})
		if err != nil {
			return nil, err
		}
		if res.MatchedCount > 0 {
			updated = append(updated, fc.ID)
		}
	}
	return updated, nil
}

func (s *MongoStore) UpdateStatusAndPosition(ctx context.Context, ids []string, status api.Status, position string, exclusive []api.Status) ([]string, error) {
	set := bson.M{
		"status":      string(status),
		"update_time": s.now().UnixNano(),
	}
	if position != "" {
		set["position"] = position
	}
	var updated []string
	for _, id := range ids {
		res, err := s.contexts.UpdateOne(ctx, guardFilter(id, exclusive), bson.M{"$set": set})
		if err != nil {
			return nil, err
		}
		if res.MatchedCount > 0 {
			updated = append(updated, id)
		}
	}
	return updated, nil
}

func (s *MongoStore) FindByIDs(ctx context.Context, ids []string) ([]*api.FlowContext, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.findContexts(ctx, bson.M{"_id": bson.M{"$in": ids}}, byCreateSort, 0, 0)
}

func (s *MongoStore) FindByTrace(ctx context.Context, traceID string) ([]*api.FlowContext, error) {
	return s.findContexts(ctx, bson.M{"trace_id": traceID}, byCreateSort, 0, 0)
}

func (s *MongoStore) FindByTrans(ctx context.Context, transID string) ([]*api.FlowContext, error) {
	return s.findContexts(ctx, bson.M{"trans_id": transID}, byCreateSort, 0, 0)
}

func (s *MongoStore) FindByPosition(ctx context.Context, q PositionQuery) ([]*api.FlowContext, error) {
	filter := bson.M{
		"stream_id": q.StreamID,
		"position":  bson.M{"$in": q.Positions},
	}
	if q.Status != "" {
		filter["status"] = string(q.Status)
	}
	if len(q.TraceIDs) > 0 {
		filter["trace_id"] = bson.M{"$in": q.TraceIDs}
	}
	if q.ExcludeSent {
		filter["sent"] = false
	}
	return s.findContexts(ctx, filter, byCreateSort, 0, q.Limit)
}

func (s *MongoStore) FindBySubscriptions(ctx context.Context, q SubscriptionQuery) ([]*api.FlowContext, error) {
	if len(q.Subscriptions) == 0 {
		return nil, nil
	}
	edges := make(bson.A, 0, len(q.Subscriptions))
	for _, sub := range q.Subscriptions {
		edges = append(edges, bson.M{"prev_position": sub.From, "position": sub.To})
	}
	filter := bson.M{
		"stream_id": q.StreamID,
		"$or":       edges,
	}
	if q.Status != "" {
		filter["status"] = string(q.Status)
	}
	if q.ExcludeSent {
		filter["sent"] = false
	}
	return s.findContexts(ctx, filter, byCreateSort, 0, q.Limit)
}

func (s *MongoStore) FindByBatch(ctx context.Context, batchID string) ([]*api.FlowContext, error) {
	if batchID == "" {
		return nil, nil
	}
	return s.findContexts(ctx, bson.M{"batch_id": batchID}, byCreateSort, 0, 0)
}

func (s *MongoStore) FindByToBatch(ctx context.Context, toBatchID string) ([]*api.FlowContext, error) {
	if toBatchID == "" {
		return nil, nil
	}
	return s.findContexts(ctx, bson.M{"to_batch_id": toBatchID}, byCreateSort, 0, 0)
}

func (s *MongoStore) FindRunning(ctx context.Context, q api.ContextQuery) ([]*api.FlowContext, error) {
	filter := mongoQuery(q)
	filter["status"] = bson.M{"$nin": statusStrings(api.TerminalStatuses)}
	return s.findContexts(ctx, filter, byCreateSort, 0, 0)
}

func (s *MongoStore) FindFinishedPaged(ctx context.Context, q api.ContextQuery, status api.Status, page, limit int) ([]*api.FlowContext, int, error) {
	filter := mongoQuery(q)
	filter["status"] = string(status)
	if status == api.StatusArchived {
		filter["node_type"] = string(api.NodeEnd)
	}
	total, err := s.contexts.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	offset, limit := pageBounds(page, limit)
	items, err := s.findContexts(ctx, filter, byUpdateSort, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	return items, int(total), nil
}

func (s *MongoStore) CreateTrace(ctx context.Context, trace *api.FlowTrace) error {
	_, err := s.traces.InsertOne(ctx, toTraceDoc(trace))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (s *MongoStore) GetTrace(ctx context.Context, traceID string) (*api.FlowTrace, error) {
	var doc mongoTraceDoc
	err := s.traces.FindOne(ctx, bson.M{"_id": traceID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrTraceNotFound
		}
		return nil, err
	}
	return fromTraceDoc(doc), nil
}

func (s *MongoStore) UpdateTrace(ctx context.Context, trace *api.FlowTrace, exclusive []api.TraceStatus) (bool, error) {
	filter := bson.M{"_id": trace.ID}
	if len(exclusive) > 0 {
		vals := make([]string, 0, len(exclusive))
		for _, st := range exclusive {
			vals = append(vals, string(st))
		}
		filter["status"] = bson.M{"$nin": vals}
	}
	doc := toTraceDoc(trace)
	res, err := s.traces.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"stream_id":    doc.StreamID,
		"status":       doc.Status,
		"context_pool": doc.ContextPool,
		"start_time":   doc.StartTime,
		"end_time":     doc.EndTime,
	}})
	if err != nil {
		return false, err
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	if _, err := s.GetTrace(ctx, trace.ID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *MongoStore) ListTraces(ctx context.Context, f api.TraceFilter) ([]*api.FlowTrace, error) {
	filter := bson.M{}
	if f.StreamID != "" {
		filter["stream_id"] = f.StreamID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if !f.FinishedBefore.IsZero() {
		if f.Status == "" {
			filter["status"] = bson.M{"$in": []string{
				string(api.TraceSuccess), string(api.TraceError), string(api.TraceTerminated),
			}}
		}
		filter["end_time"] = bson.M{"$gt": 0, "$lt": f.FinishedBefore.UnixNano()}
	}

	opts := options.Find().SetSort(bson.D{{Key: "start_time", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.traces.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.FlowTrace
	for cur.Next(ctx) {
		var doc mongoTraceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		results = append(results, fromTraceDoc(doc))
	}
	return results, cur.Err()
}

func (s *MongoStore) DeleteByTraceIDs(ctx context.Context, traceIDs []string) error {
	if len(traceIDs) == 0 {
		return nil
	}
	if _, err := s.contexts.DeleteMany(ctx, bson.M{"trace_id": bson.M{"$in": traceIDs}}); err != nil {
		return err
	}
	_, err := s.traces.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": traceIDs}})
	return err
}

func (s *MongoStore) DeleteByContextIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.contexts.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return err
}

var (
	byCreateSort = bson.D{{Key: "create_time", Value: 1}, {Key: "_id", Value: 1}}
	byUpdateSort = bson.D{{Key: "update_time", Value: 1}, {Key: "_id", Value: 1}}
)

func (s *MongoStore) findContexts(ctx context.Context, filter bson.M, sort bson.D, skip, limit int) ([]*api.FlowContext, error) {
	opts := options.Find().SetSort(sort)
	if skip > 0 {
		opts.SetSkip(int64(skip))
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.contexts.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.FlowContext
	for cur.Next(ctx) {
		var doc mongoContextDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		fc, err := fromContextDoc(doc)
		if err != nil {
			return nil, err
		}
		results = append(results, fc)
	}
	return results, cur.Err()
}

func guardFilter(id string, exclusive []api.Status) bson.M {
	filter := bson.M{"_id": id}
	if len(exclusive) > 0 {
		filter["status"] = bson.M{"$nin": statusStrings(exclusive)}
	}
	return filter
}

func mongoQuery(q api.ContextQuery) bson.M {
	if q.TraceID != "" {
		return bson.M{"trace_id": q.TraceID}
	}
	return bson.M{"trans_id": bson.M{"$eq": q.TransID, "$ne": ""}}
}

func statusStrings(statuses []api.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}

func toContextDoc(fc *api.FlowContext) (mongoContextDoc, error) {
	data, err := EncodeContext(fc)
	if err != nil {
		return mongoContextDoc{}, err
	}
	return mongoContextDoc{
		ID:           fc.ID,
		TraceID:      fc.TraceID,
		TransID:      fc.TransID,
		StreamID:     fc.StreamID,
		Position:     fc.Position,
		PrevPosition: fc.PrevPosition,
		Status:       string(fc.Status),
		BatchID:      fc.BatchID,
		ToBatchID:    fc.ToBatchID,
		Sent:         fc.Sent,
		Data:         data,
		CreateTime:   unixNano(fc.CreateTime),
		UpdateTime:   unixNano(fc.UpdateTime),
		NodeType:     string(fc.Meta.NodeType),
	}, nil
}

func fromContextDoc(doc mongoContextDoc) (*api.FlowContext, error) {
	fc := &api.FlowContext{
		ID:           doc.ID,
		TraceID:      doc.TraceID,
		TransID:      doc.TransID,
		StreamID:     doc.StreamID,
		Position:     doc.Position,
		PrevPosition: doc.PrevPosition,
		Status:       api.Status(doc.Status),
		BatchID:      doc.BatchID,
		ToBatchID:    doc.ToBatchID,
		Sent:         doc.Sent,
		CreateTime:   fromUnixNano(doc.CreateTime),
		UpdateTime:   fromUnixNano(doc.UpdateTime),
	}
	if err := DecodeContext(doc.Data, fc); err != nil {
		return nil, err
	}
	return fc, nil
}

func toTraceDoc(t *api.FlowTrace) mongoTraceDoc {
	pool := t.ContextPool
	if pool == nil {
		pool = []string{}
	}
	return mongoTraceDoc{
		ID:          t.ID,
		StreamID:    t.StreamID,
		Status:      string(t.Status),
		ContextPool: pool,
		StartTime:   unixNano(t.StartTime),
		EndTime:     unixNano(t.EndTime),
	}
}

func fromTraceDoc(doc mongoTraceDoc) *api.FlowTrace {
	return &api.FlowTrace{
		ID:          doc.ID,
		StreamID:    doc.StreamID,
		Status:      api.TraceStatus(doc.Status),
		ContextPool: doc.ContextPool,
		StartTime:   fromUnixNano(doc.StartTime),
		EndTime:     fromUnixNano(doc.EndTime),
	}
}
