package persistence

import (
	"context"
	"errors"

	"github.com/petrijr/flowcore/pkg/api"
)

var (
	// ErrTraceNotFound is returned when a trace is not found.
	ErrTraceNotFound = api.ErrTraceNotFound

	// ErrContextNotFound is returned when a context is not found.
	ErrContextNotFound = errors.New("context not found")
)

// Subscription is a persisted edge: contexts positioned at To that were
// routed there from From.
type Subscription struct {
	From string
	To   string
}

// PositionQuery selects contexts of one stream sitting at any of Positions.
// Empty Status and TraceIDs mean "no filter" for that field; Limit <= 0
// means unlimited.
type PositionQuery struct {
	StreamID    string
	Positions   []string
	Status      api.Status
	TraceIDs    []string
	ExcludeSent bool
	Limit       int
}

// SubscriptionQuery selects contexts that arrived through any of
// Subscriptions.
type SubscriptionQuery struct {
	StreamID      string
	Subscriptions []Subscription
	Status        api.Status
	ExcludeSent   bool
	Limit         int
}

// Repository persists contexts and traces.
//
// Every mutating call is an idempotent batch statement. Guarded writes take
// an exclusive status list: rows whose current status is in the list are
// skipped and left out of the returned ids. Skipped rows are not an error.
type Repository interface {
	// BatchCreate inserts ctxs. Ids that already exist are skipped.
	BatchCreate(ctx context.Context, ctxs []*api.FlowContext) error

	// BatchUpdate writes position, status, batch ids, sent flag, data and
	// metadata of every context whose current status is not in exclusive.
	BatchUpdate(ctx context.Context, ctxs []*api.FlowContext, exclusive []api.Status) ([]string, error)

	// UpdateStatusAndPosition moves ids to status, and to position unless
	// position is empty.
	UpdateStatusAndPosition(ctx context.Context, ids []string, status api.Status, position string, exclusive []api.Status) ([]string, error)

	FindByIDs(ctx context.Context, ids []string) ([]*api.FlowContext, error)
	FindByTrace(ctx context.Context, traceID string) ([]*api.FlowContext, error)
	FindByTrans(ctx context.Context, transID string) ([]*api.FlowContext, error)
	FindByPosition(ctx context.Context, q PositionQuery) ([]*api.FlowContext, error)
	FindBySubscriptions(ctx context.Context, q SubscriptionQuery) ([]*api.FlowContext, error)
	FindByBatch(ctx context.Context, batchID string) ([]*api.FlowContext, error)
	FindByToBatch(ctx context.Context, toBatchID string) ([]*api.FlowContext, error)

	// FindRunning returns the non-terminal contexts of a trace or transaction.
	FindRunning(ctx context.Context, q api.ContextQuery) ([]*api.FlowContext, error)

	// FindFinishedPaged returns finished contexts ordered by update time.
	// StatusArchived selects contexts archived by an END node, whatever
	// graph is loaded; StatusError selects failed contexts anywhere. page is
	// 1-based. The second result is the total number of matches.
	FindFinishedPaged(ctx context.Context, q api.ContextQuery, status api.Status, page, limit int) ([]*api.FlowContext, int, error)

	CreateTrace(ctx context.Context, trace *api.FlowTrace) error
	GetTrace(ctx context.Context, traceID string) (*api.FlowTrace, error)

	// UpdateTrace writes trace unless its stored status is in exclusive.
	UpdateTrace(ctx context.Context, trace *api.FlowTrace, exclusive []api.TraceStatus) (bool, error)
	ListTraces(ctx context.Context, filter api.TraceFilter) ([]*api.FlowTrace, error)

	// DeleteByTraceIDs removes traces together with all their contexts.
	DeleteByTraceIDs(ctx context.Context, traceIDs []string) error
	DeleteByContextIDs(ctx context.Context, ids []string) error
}
