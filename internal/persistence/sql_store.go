package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/flowcore/pkg/api"
)

// Dialect captures the differences between the SQL databases SQLStore
// runs on. Queries are written with "?" placeholders and rebound.
type Dialect interface {
	Name() string
	Rebind(query string) string
	BlobType() string
}

// SQLStore is a Repository backed by database/sql.
//
// The caller is responsible for importing the driver matching the
// dialect, e.g.:
//
//	import _ "modernc.org/sqlite"
//	import _ "github.com/jackc/pgx/v5/stdlib"
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Ensure SQLStore implements Repository.
var _ Repository = (*SQLStore)(nil)

const contextColumns = `id, trace_id, trans_id, stream_id, position, prev_position,
	status, batch_id, to_batch_id, sent, data, create_time, update_time, node_type`

// NewSQLStore initializes the required schema in db and returns a new
// SQLStore.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect of the store.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) initSchema() error {
	blob := s.dialect.BlobType()
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS flow_context (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			trans_id TEXT NOT NULL DEFAULT '',
			stream_id TEXT NOT NULL,
			position TEXT NOT NULL,
			prev_position TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			batch_id TEXT NOT NULL DEFAULT '',
			to_batch_id TEXT NOT NULL DEFAULT '',
			sent INTEGER NOT NULL DEFAULT 0,
			data %s,
			create_time BIGINT NOT NULL,
			update_time BIGINT NOT NULL,
			node_type TEXT NOT NULL DEFAULT ''
		)`, blob),
		`CREATE INDEX IF NOT EXISTS idx_flow_context_position
			ON flow_context (stream_id, position, status)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_context_trace ON flow_context (trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_context_trans ON flow_context (trans_id)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_context_batch ON flow_context (batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_context_to_batch ON flow_context (to_batch_id)`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS flow_trace (
			id TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL,
			status TEXT NOT NULL,
			context_pool %s,
			start_time BIGINT NOT NULL,
			end_time BIGINT NOT NULL DEFAULT 0
		)`, blob),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) BatchCreate(ctx context.Context, ctxs []*api.FlowContext) error {
	if len(ctxs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := s.dialect.Rebind(`
		INSERT INTO flow_context (` + contextColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	now := s.now()
	for _, fc := range ctxs {
		data, err := EncodeContext(fc)
		if err != nil {
			return err
		}
		created := fc.CreateTime
		if created.IsZero() {
			created = now
		}
		_, err = tx.ExecContext(ctx, query,
			fc.ID, fc.TraceID, fc.TransID, fc.StreamID, fc.Position, fc.PrevPosition,
			string(fc.Status), fc.BatchID, fc.ToBatchID, boolToInt(fc.Sent), data,
			created.UnixNano(), now.UnixNano(), string(fc.Meta.NodeType),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) BatchUpdate(ctx context.Context, ctxs []*api.FlowContext, exclusive []api.Status) ([]string, error) {
	if len(ctxs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	guard, guardArgs := statusGuard(exclusive)
	query := s.dialect.Rebind(`
		UPDATE flow_context
		SET position = ?, prev_position = ?, status = ?, batch_id = ?, to_batch_id = ?,
		    sent = ?, data = ?, update_time = ?, node_type = ?
		WHERE id = ?` + guard)
	now := s.now().UnixNano()

	var updated []string
	for _, fc := range ctxs {
		data, err := EncodeContext(fc)
		if err != nil {
			return nil, err
		}
		args := []any{
			fc.Position, fc.PrevPosition, string(fc.Status), fc.BatchID, fc.ToBatchID,
			boolToInt(fc.Sent), data, now, string(fc.Meta.NodeType), fc.ID,
		}
		res, err := tx.ExecContext(ctx, query, append(args, guardArgs...)...)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected > 0 {
			updated = append(updated, fc.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLStore) UpdateStatusAndPosition(ctx context.Context, ids []string, status api.Status, position string, exclusive []api.Status) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	set := "status = ?, update_time = ?"
	args := []any{string(status), s.now().UnixNano()}
	if position != "" {
		set += ", position = ?"
		args = append(args, position)
	}
	in, inArgs := inList(ids)
	guard, guardArgs := statusGuard(exclusive)
	args = append(append(args, inArgs...), guardArgs...)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		"UPDATE flow_context SET "+set+" WHERE id IN "+in+guard+" RETURNING id"),
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updated []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		updated = append(updated, id)
	}
	return updated, rows.Err()
}

func (s *SQLStore) FindByIDs(ctx context.Context, ids []string) ([]*api.FlowContext, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inList(ids)
	return s.queryContexts(ctx, "WHERE id IN "+in+" ORDER BY create_time, id", args...)
}

func (s *SQLStore) FindByTrace(ctx context.Context, traceID string) ([]*api.FlowContext, error) {
	return s.queryContexts(ctx, "WHERE trace_id = ? ORDER BY create_time, id", traceID)
}

func (s *SQLStore) FindByTrans(ctx context.Context, transID string) ([]*api.FlowContext, error) {
	return s.queryContexts(ctx, "WHERE trans_id = ? ORDER BY create_time, id", transID)
}

func (s *SQLStore) FindByPosition(ctx context.Context, q PositionQuery) ([]*api.FlowContext, error) {
	if len(q.Positions) == 0 {
		return nil, nil
	}
	in, inArgs := inList(q.Positions)
	clauses := []string{"stream_id = ?", "position IN " + in}
	args := append([]any{q.StreamID}, inArgs...)
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}
	if len(q.TraceIDs) > 0 {
		tin, tinArgs := inList(q.TraceIDs)
		clauses = append(clauses, "trace_id IN "+tin)
		args = append(args, tinArgs...)
	}
	if q.ExcludeSent {
		clauses = append(clauses, "sent = 0")
	}
	return s.queryContexts(ctx,
		"WHERE "+strings.Join(clauses, " AND ")+" ORDER BY create_time, id"+limitClause(q.Limit),
		args...)
}

func (s *SQLStore) FindBySubscriptions(ctx context.Context, q SubscriptionQuery) ([]*api.FlowContext, error) {
	if len(q.Subscriptions) == 0 {
		return nil, nil
	}
	edges := make([]string, 0, len(q.Subscriptions))
	args := []any{q.StreamID}
	for _, sub := range q.Subscriptions {
		edges = append(edges, "(prev_position = ? AND position = ?)")
		args = append(args, sub.From, sub.To)
	}
	clauses := []string{"stream_id = ?", "(" + strings.Join(edges, " OR ") + ")"}
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.ExcludeSent {
		clauses = append(clauses, "sent = 0")
	}
	return s.queryContexts(ctx,
		"WHERE "+strings.Join(clauses, " AND ")+" ORDER BY create_time, id"+limitClause(q.Limit),
		args...)
}

func (s *SQLStore) FindByBatch(ctx context.Context, batchID string) ([]*api.FlowContext, error) {
	if batchID == "" {
		return nil, nil
	}
	return s.queryContexts(ctx, "WHERE batch_id = ? ORDER BY create_time, id", batchID)
}

func (s *SQLStore) FindByToBatch(ctx context.Context, toBatchID string) ([]*api.FlowContext, error) {
	if toBatchID == "" {
		return nil, nil
	}
	return s.queryContexts(ctx, "WHERE to_batch_id = ? ORDER BY create_time, id", toBatchID)
}

func (s *SQLStore) FindRunning(ctx context.Context, q api.ContextQuery) ([]*api.FlowContext, error) {
	where, args := queryClause(q)
	guard, guardArgs := statusGuard(api.TerminalStatuses)
	return s.queryContexts(ctx, "WHERE "+where+guard+" ORDER BY create_time, id",
		append(args, guardArgs...)...)
}

func (s *SQLStore) FindFinishedPaged(ctx context.Context, q api.ContextQuery, status api.Status, page, limit int) ([]*api.FlowContext, int, error) {
	where, args := queryClause(q)
	where += " AND status = ?"
	args = append(args, string(status))
	if status == api.StatusArchived {
		where += " AND node_type = ?"
		args = append(args, string(api.NodeEnd))
	}

	var total int
	row := s.db.QueryRowContext(ctx,
		s.dialect.Rebind("SELECT COUNT(*) FROM flow_context WHERE "+where), args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, err
	}

	offset, limit := pageBounds(page, limit)
	items, err := s.queryContexts(ctx,
		fmt.Sprintf("WHERE %s ORDER BY update_time, id LIMIT %d OFFSET %d", where, limit, offset),
		args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *SQLStore) CreateTrace(ctx context.Context, trace *api.FlowTrace) error {
	pool, err := EncodeStrings(trace.ContextPool)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO flow_trace (id, stream_id, status, context_pool, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		trace.ID, trace.StreamID, string(trace.Status), pool,
		unixNano(trace.StartTime), unixNano(trace.EndTime),
	)
	return err
}

func (s *SQLStore) GetTrace(ctx context.Context, traceID string) (*api.FlowTrace, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id, stream_id, status, context_pool, start_time, end_time
		FROM flow_trace
		WHERE id = ?`),
		traceID,
	)
	trace, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTraceNotFound
	}
	return trace, err
}

func (s *SQLStore) UpdateTrace(ctx context.Context, trace *api.FlowTrace, exclusive []api.TraceStatus) (bool, error) {
	pool, err := EncodeStrings(trace.ContextPool)
	if err != nil {
		return false, err
	}
	statuses := make([]api.Status, 0, len(exclusive))
	for _, st := range exclusive {
		statuses = append(statuses, api.Status(st))
	}
	guard, guardArgs := statusGuard(statuses)
	args := []any{
		trace.StreamID, string(trace.Status), pool,
		unixNano(trace.StartTime), unixNano(trace.EndTime), trace.ID,
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE flow_trace
		SET stream_id = ?, status = ?, context_pool = ?, start_time = ?, end_time = ?
		WHERE id = ?`+guard),
		append(args, guardArgs...)...,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := s.GetTrace(ctx, trace.ID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) ListTraces(ctx context.Context, filter api.TraceFilter) ([]*api.FlowTrace, error) {
	query := `
		SELECT id, stream_id, status, context_pool, start_time, end_time
		FROM flow_trace`
	var args []any
	var clauses []string

	if filter.StreamID != "" {
		clauses = append(clauses, "stream_id = ?")
		args = append(args, filter.StreamID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.FinishedBefore.IsZero() {
		clauses = append(clauses, "status IN (?, ?, ?)", "end_time > 0", "end_time < ?")
		args = append(args,
			string(api.TraceSuccess), string(api.TraceError), string(api.TraceTerminated),
			filter.FinishedBefore.UnixNano())
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query+" ORDER BY start_time, id"), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traces []*api.FlowTrace
	for rows.Next() {
		trace, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		traces = append(traces, trace)
	}
	return traces, rows.Err()
}

func (s *SQLStore) DeleteByTraceIDs(ctx context.Context, traceIDs []string) error {
	if len(traceIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	in, args := inList(traceIDs)
	if _, err := tx.ExecContext(ctx,
		s.dialect.Rebind("DELETE FROM flow_context WHERE trace_id IN "+in), args...); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		s.dialect.Rebind("DELETE FROM flow_trace WHERE id IN "+in), args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteByContextIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inList(ids)
	_, err := s.db.ExecContext(ctx,
		s.dialect.Rebind("DELETE FROM flow_context WHERE id IN "+in), args...)
	return err
}

func (s *SQLStore) queryContexts(ctx context.Context, tail string, args ...any) ([]*api.FlowContext, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.Rebind("SELECT "+contextColumns+" FROM flow_context "+tail), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.FlowContext
	for rows.Next() {
		var fc api.FlowContext
		var status string
		var sent int
		var data []byte
		var created, updated int64
		var nodeType string

		if err := rows.Scan(&fc.ID, &fc.TraceID, &fc.TransID, &fc.StreamID, &fc.Position,
			&fc.PrevPosition, &status, &fc.BatchID, &fc.ToBatchID, &sent, &data,
			&created, &updated, &nodeType); err != nil {
			return nil, err
		}
		fc.Status = api.Status(status)
		fc.Sent = sent != 0
		fc.CreateTime = time.Unix(0, created)
		fc.UpdateTime = time.Unix(0, updated)
		if err := DecodeContext(data, &fc); err != nil {
			return nil, err
		}
		result = append(result, &fc)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (*api.FlowTrace, error) {
	var trace api.FlowTrace
	var status string
	var pool []byte
	var start, end int64
	if err := row.Scan(&trace.ID, &trace.StreamID, &status, &pool, &start, &end); err != nil {
		return nil, err
	}
	ids, err := DecodeStrings(pool)
	if err != nil {
		return nil, err
	}
	trace.Status = api.TraceStatus(status)
	trace.ContextPool = ids
	trace.StartTime = fromUnixNano(start)
	trace.EndTime = fromUnixNano(end)
	return &trace, nil
}

func queryClause(q api.ContextQuery) (string, []any) {
	if q.TraceID != "" {
		return "trace_id = ?", []any{q.TraceID}
	}
	return "trans_id = ? AND trans_id <> ''", []any{q.TransID}
}

func statusGuard(exclusive []api.Status) (string, []any) {
	if len(exclusive) == 0 {
		return "", nil
	}
	vals := make([]string, 0, len(exclusive))
	for _, st := range exclusive {
		vals = append(vals, string(st))
	}
	in, args := inList(vals)
	return " AND status NOT IN " + in, args
}

func inList(vals []string) (string, []any) {
	args := make([]any, 0, len(vals))
	for _, v := range vals {
		args = append(args, v)
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ") + ")", args
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
