package flowcore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/flowcore/internal/engine"
	"github.com/petrijr/flowcore/internal/persistence"
	"github.com/petrijr/flowcore/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	FlowDefinition       = api.FlowDefinition
	FlowNode             = api.FlowNode
	FlowEvent            = api.FlowEvent
	FlowContext          = api.FlowContext
	FlowTrace            = api.FlowTrace
	ContextQuery         = api.ContextQuery
	Page                 = api.Page
	Data                 = api.Data
	Status               = api.Status
	TraceStatus          = api.TraceStatus
	TaskExecutor         = api.TaskExecutor
	TaskFunc             = api.TaskFunc
	Executors            = api.Executors
	RetryPolicy          = api.RetryPolicy
	ParallelMode         = api.ParallelMode
	RuleLang             = api.RuleLang
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common helpers and sentinel errors.

var (
	EachFunc             = api.EachFunc
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewBasicMetrics      = api.NewBasicMetrics

	ErrAsync            = api.ErrAsync
	ErrUnknownStream    = api.ErrUnknownStream
	ErrStreamRegistered = api.ErrStreamRegistered
	ErrTraceNotFound    = api.ErrTraceNotFound
	ErrTraceTerminated  = api.ErrTraceTerminated
	ErrNotSent          = api.ErrNotSent
)

// Re-export status values for convenience.

const (
	StatusNew      = api.StatusNew
	StatusReady    = api.StatusReady
	StatusRunning  = api.StatusRunning
	StatusSent     = api.StatusSent
	StatusArchived = api.StatusArchived
	StatusError    = api.StatusError

	TraceRunning    = api.TraceRunning
	TraceSuccess    = api.TraceSuccess
	TraceError      = api.TraceError
	TraceTerminated = api.TraceTerminated

	ParallelAll = api.ParallelAll
	ParallelAny = api.ParallelAny

	RuleLua   = api.RuleLua
	RuleGJSON = api.RuleGJSON
)

// DefaultWaitPoll is the polling interval of WaitTrace.
const DefaultWaitPoll = 10 * time.Millisecond

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by process memory.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.NewEngineWithConfig(engine.Config{
		Repo:     persistence.NewInMemoryStore(),
		Observer: obs,
	})
}

// NewSQLiteEngine returns an Engine that persists contexts, traces and
// lock leases in a SQLite database. Graphs are kept in memory.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewPostgresEngine returns an Engine that persists contexts in PostgreSQL.
// db must be opened with the pgx stdlib driver.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewMongoEngine returns an Engine that persists contexts in MongoDB.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string) (Engine, error) {
	return engine.NewMongoEngine(ctx, client, dbName)
}

// NewPostgresRedisEngine persists contexts in PostgreSQL and coordinates
// processes through Redis locks and notices. Every process serving the
// same streams should be built this way.
func NewPostgresRedisEngine(ctx context.Context, db *sql.DB, client *redis.Client) (Engine, error) {
	repo, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return engine.NewRedisEngine(ctx, repo, client)
}

// Convenience helpers that just forward to the underlying Engine.

// Offer starts a new trace of a registered stream.
func Offer(ctx context.Context, eng Engine, streamID string, data ...Data) (string, error) {
	return eng.Offer(ctx, streamID, data...)
}

// OfferTrace continues a trace with a new transaction.
func OfferTrace(ctx context.Context, eng Engine, traceID string, data ...Data) (string, error) {
	return eng.OfferTrace(ctx, traceID, data...)
}

// Complete resumes contexts parked by an asynchronous executor.
func Complete(ctx context.Context, eng Engine, streamID string, ids []string, data []Data) error {
	return eng.Complete(ctx, streamID, ids, data)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup after registering flows:
//
//	count, err := flowcore.Recover(ctx, engine)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}

// WaitTrace polls until the trace is closed or ctx is done.
func WaitTrace(ctx context.Context, eng Engine, traceID string) (*FlowTrace, error) {
	ticker := time.NewTicker(DefaultWaitPoll)
	defer ticker.Stop()
	for {
		trace, err := eng.GetTrace(ctx, traceID)
		if err != nil {
			return nil, err
		}
		if trace.Status.Closed() {
			return trace, nil
		}
		select {
		case <-ctx.Done():
			return trace, fmt.Errorf("wait trace %s: %w", traceID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Results returns every context of the trace archived at an END node, in
// completion order.
func Results(ctx context.Context, eng Engine, traceID string) ([]*FlowContext, error) {
	var out []*FlowContext
	for page := 1; ; page++ {
		p, err := eng.GetFinishedContexts(ctx, ContextQuery{TraceID: traceID}, page, engine.DefaultPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Items...)
		if len(p.Items) == 0 || len(out) >= p.Total {
			return out, nil
		}
	}
}
