package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/flowcore/internal/flow"
	"github.com/petrijr/flowcore/internal/locks"
	"github.com/petrijr/flowcore/internal/messenger"
	"github.com/petrijr/flowcore/internal/persistence"
	"github.com/petrijr/flowcore/internal/rule"
	"github.com/petrijr/flowcore/internal/stream"
	"github.com/petrijr/flowcore/pkg/api"
	"github.com/petrijr/flowcore/pkg/log"
)

// DefaultPageSize is used when a finished-context query passes no limit.
const DefaultPageSize = 50

// recoverGuard leaves every context that is not RUNNING untouched.
var recoverGuard = []api.Status{api.StatusNew, api.StatusReady, api.StatusSent, api.StatusArchived, api.StatusError}

// terminateGuard skips contexts that started processing or already ended.
var terminateGuard = []api.Status{api.StatusRunning, api.StatusArchived, api.StatusError}

// engineImpl dispatches offers and queries to the graph runtimes registered
// per stream.
type engineImpl struct {
	cfg      Config
	graphs   *graphRegistry
	logger   *slog.Logger
	observer api.Observer

	closeOnce sync.Once
}

// Config describes how to construct an engine.
// Only Repo is required; the rest default to in-process implementations.
type Config struct {
	Repo      persistence.Repository
	Locks     locks.Locks
	Messenger messenger.Messenger
	Rules     *rule.Evaluator
	Observer  api.Observer
	Logger    *slog.Logger

	// Pool sizes the worker pool of every node.
	Pool      stream.PoolConfig
	BatchSize int

	// ErrorHandlers adds handlers per stream id and node id.
	ErrorHandlers map[string]map[string][]flow.ErrorHandler

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Ensure engineImpl implements api.Engine.
var _ api.Engine = (*engineImpl)(nil)

// NewInMemoryEngine returns an engine whose repository, locks and
// messenger all live in process memory.
func NewInMemoryEngine() api.Engine {
	return NewEngine(persistence.NewInMemoryStore())
}

// NewSQLiteEngine persists contexts and lock leases in db.
func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	repo, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	lk, err := locks.NewSQL(db, persistence.SQLiteDialect{}, locks.Options{})
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{Repo: repo, Locks: lk}), nil
}

// NewPostgresEngine persists contexts and lock leases in db, which must
// use the pgx stdlib driver.
func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	repo, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	lk, err := locks.NewSQL(db, persistence.PostgresDialect{}, locks.Options{})
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{Repo: repo, Locks: lk}), nil
}

// NewMongoEngine persists contexts in database dbName. Locks stay in
// process, so every engine sharing the database must use NewRedisEngine
// or run alone.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string) (api.Engine, error) {
	repo, err := persistence.NewMongoStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	return NewEngine(repo), nil
}

// NewRedisEngine coordinates several processes sharing repo through Redis
// lease locks and pub/sub notices.
func NewRedisEngine(ctx context.Context, repo persistence.Repository, client *redis.Client) (api.Engine, error) {
	msgr, err := messenger.NewRedis(ctx, client, "")
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Repo:      repo,
		Locks:     locks.NewRedis(client, "", locks.Options{}),
		Messenger: msgr,
	}), nil
}

// NewEngine returns an engine over repo with in-process locks and
// messenger.
func NewEngine(repo persistence.Repository) api.Engine {
	return NewEngineWithConfig(Config{Repo: repo})
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	if cfg.Locks == nil {
		cfg.Locks = locks.NewLocal(locks.Options{})
	}
	if cfg.Messenger == nil {
		cfg.Messenger = messenger.NewLocal()
	}
	if cfg.Rules == nil {
		// only fails for a negative size
		cfg.Rules, _ = rule.NewEvaluator(rule.DefaultCacheSize)
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &engineImpl{
		cfg:      cfg,
		graphs:   newGraphRegistry(),
		logger:   cfg.Logger,
		observer: cfg.Observer,
	}
}

func (e *engineImpl) RegisterFlow(def api.FlowDefinition, executors api.Executors) error {
	if e.graphs.Has(def.StreamID) {
		return fmt.Errorf("%w: %s", api.ErrStreamRegistered, def.StreamID)
	}
	g, err := flow.NewGraph(def, executors, flow.Config{
		Repo:          e.cfg.Repo,
		Locks:         e.cfg.Locks,
		Messenger:     e.cfg.Messenger,
		Rules:         e.cfg.Rules,
		Observer:      e.observer,
		Logger:        e.logger,
		Pool:          e.cfg.Pool,
		BatchSize:     e.cfg.BatchSize,
		ErrorHandlers: e.cfg.ErrorHandlers[def.StreamID],
		Clock:         e.cfg.Clock,
	})
	if err != nil {
		return err
	}
	if err := e.graphs.Register(g); err != nil {
		g.Close()
		return err
	}
	e.logger.Info("Flow registered", log.StreamID(def.StreamID), log.Count(len(def.Nodes)))
	return nil
}

func (e *engineImpl) UnregisterFlow(streamID string) error {
	g, err := e.graphs.Remove(streamID)
	if err != nil {
		return err
	}
	g.Close()
	e.logger.Info("Flow unregistered", log.StreamID(streamID))
	return nil
}

func (e *engineImpl) Offer(ctx context.Context, streamID string, data ...api.Data) (string, error) {
	g, err := e.graphs.Get(streamID)
	if err != nil {
		return "", err
	}

	trace := &api.FlowTrace{
		ID:        uuid.NewString(),
		StreamID:  streamID,
		Status:    api.TraceRunning,
		StartTime: e.cfg.Clock(),
	}
	if err := e.cfg.Repo.CreateTrace(ctx, trace); err != nil {
		return "", fmt.Errorf("create trace: %w", err)
	}
	e.observer.OnTraceStart(ctx, trace)

	if _, err := g.Offer(ctx, trace.ID, uuid.NewString(), data); err != nil {
		if e.stored(ctx, api.ContextQuery{TraceID: trace.ID}) {
			// contexts are persisted; the sweeper delivers the lost notices
			return trace.ID, err
		}
		e.abandon(ctx, trace, err)
		return "", err
	}
	return trace.ID, nil
}

// stored reports whether any context of q reached the repository.
func (e *engineImpl) stored(ctx context.Context, q api.ContextQuery) bool {
	var (
		ctxs []*api.FlowContext
		err  error
	)
	if q.TraceID != "" {
		ctxs, err = e.cfg.Repo.FindByTrace(ctx, q.TraceID)
	} else {
		ctxs, err = e.cfg.Repo.FindByTrans(ctx, q.TransID)
	}
	return err == nil && len(ctxs) > 0
}

// abandon closes a new trace as ERROR when none of its contexts could be
// stored, so it does not stay RUNNING without anything to run.
func (e *engineImpl) abandon(ctx context.Context, trace *api.FlowTrace, cause error) {
	ctx = context.WithoutCancel(ctx)
	var closed bool
	err := e.withTraceLock(ctx, trace.ID, func() error {
		trace.Status = api.TraceError
		trace.EndTime = e.cfg.Clock()
		ok, err := e.cfg.Repo.UpdateTrace(ctx, trace, api.ClosedTraceStatuses)
		closed = ok
		return err
	})
	if err != nil {
		e.logger.Error("Abandoned trace not closed", log.TraceID(trace.ID), log.Error(err))
		return
	}
	if closed {
		e.logger.Warn("Offer failed, trace closed", log.TraceID(trace.ID), log.Error(cause))
		e.observer.OnTraceClosed(ctx, trace)
	}
}

func (e *engineImpl) OfferTrace(ctx context.Context, traceID string, data ...api.Data) (string, error) {
	trace, err := e.cfg.Repo.GetTrace(ctx, traceID)
	if err != nil {
		return "", err
	}
	if trace.Status == api.TraceTerminated {
		return "", fmt.Errorf("%w: %s", api.ErrTraceTerminated, traceID)
	}
	g, err := e.graphs.Get(trace.StreamID)
	if err != nil {
		return "", err
	}
	if trace.Status.Closed() {
		if err := e.reopen(ctx, traceID); err != nil {
			return "", err
		}
	}

	transID := uuid.NewString()
	if _, err := g.Offer(ctx, traceID, transID, data); err != nil {
		if e.stored(ctx, api.ContextQuery{TransID: transID}) {
			return transID, err
		}
		// nothing was added: close a reopened trace again from its contexts
		g.Finalize(context.WithoutCancel(ctx), []string{traceID})
		return "", err
	}
	return transID, nil
}

// reopen moves a SUCCESS or ERROR trace back to RUNNING.
func (e *engineImpl) reopen(ctx context.Context, traceID string) error {
	return e.withTraceLock(ctx, traceID, func() error {
		trace, err := e.cfg.Repo.GetTrace(ctx, traceID)
		if err != nil {
			return err
		}
		switch trace.Status {
		case api.TraceTerminated:
			return fmt.Errorf("%w: %s", api.ErrTraceTerminated, traceID)
		case api.TraceRunning:
			return nil
		}
		trace.Status = api.TraceRunning
		trace.EndTime = time.Time{}
		ok, err := e.cfg.Repo.UpdateTrace(ctx, trace, []api.TraceStatus{api.TraceTerminated})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", api.ErrTraceTerminated, traceID)
		}
		e.logger.Debug("Trace reopened", log.TraceID(traceID))
		return nil
	})
}

func (e *engineImpl) GetTrace(ctx context.Context, traceID string) (*api.FlowTrace, error) {
	return e.cfg.Repo.GetTrace(ctx, traceID)
}

func (e *engineImpl) QueryRunningContexts(ctx context.Context, q api.ContextQuery) ([]*api.FlowContext, error) {
	return e.cfg.Repo.FindRunning(ctx, q)
}

// GetFinishedContexts pages the contexts archived by any END node. The
// query runs on the stored END marker, so results stay available after the
// stream is unregistered.
func (e *engineImpl) GetFinishedContexts(ctx context.Context, q api.ContextQuery, page, limit int) (*api.Page, error) {
	page, limit = normalizePage(page, limit)
	return e.finishedPage(ctx, q, api.StatusArchived, page, limit)
}

func (e *engineImpl) GetErrorContexts(ctx context.Context, q api.ContextQuery, page, limit int) (*api.Page, error) {
	page, limit = normalizePage(page, limit)
	return e.finishedPage(ctx, q, api.StatusError, page, limit)
}

func (e *engineImpl) finishedPage(ctx context.Context, q api.ContextQuery, status api.Status, page, limit int) (*api.Page, error) {
	items, total, err := e.cfg.Repo.FindFinishedPaged(ctx, q, status, page, limit)
	if err != nil {
		return nil, err
	}
	return &api.Page{Items: items, Total: total, Page: page, Limit: limit}, nil
}

func (e *engineImpl) Terminate(ctx context.Context, traceID string) error {
	var closed *api.FlowTrace
	err := e.withTraceLock(ctx, traceID, func() error {
		trace, err := e.cfg.Repo.GetTrace(ctx, traceID)
		if err != nil {
			return err
		}
		if trace.Status.Closed() {
			return nil
		}

		live, err := e.cfg.Repo.FindRunning(ctx, api.ContextQuery{TraceID: traceID})
		if err != nil {
			return err
		}
		now := e.cfg.Clock()
		var pending []*api.FlowContext
		var pool []string
		for _, fc := range live {
			if fc.Status == api.StatusRunning {
				pool = append(pool, fc.ID)
				continue
			}
			fc.Status = api.StatusError
			fc.Sent = false
			fc.UpdateTime = now
			fc.Meta.Error = &api.ErrorInfo{
				NodeID:  fc.Position,
				Message: api.ErrTraceTerminated.Error(),
				At:      now,
			}
			pending = append(pending, fc)
		}

		trace.Status = api.TraceTerminated
		trace.EndTime = now
		trace.ContextPool = pool
		ok, err := e.cfg.Repo.UpdateTrace(ctx, trace, api.ClosedTraceStatuses)
		if err != nil || !ok {
			return err
		}
		if _, err := e.cfg.Repo.BatchUpdate(ctx, pending, terminateGuard); err != nil {
			return err
		}
		closed = trace
		return nil
	})
	if err != nil {
		return err
	}
	if closed != nil {
		e.logger.Info("Trace terminated", log.TraceID(traceID), log.Count(len(closed.ContextPool)))
		e.observer.OnTraceClosed(ctx, closed)
	}
	return nil
}

func (e *engineImpl) Complete(ctx context.Context, streamID string, contextIDs []string, data []api.Data) error {
	g, err := e.graphs.Get(streamID)
	if err != nil {
		return err
	}
	return g.Complete(ctx, contextIDs, data)
}

func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	total := 0
	for _, g := range e.graphs.All() {
		def := g.Definition()
		positions := make([]string, 0, len(def.Nodes))
		for _, n := range def.Nodes {
			positions = append(positions, n.ID)
		}
		stuck, err := e.cfg.Repo.FindByPosition(ctx, persistence.PositionQuery{
			StreamID:    def.StreamID,
			Positions:   positions,
			Status:      api.StatusRunning,
			ExcludeSent: true,
		})
		if err != nil {
			return total, err
		}
		if len(stuck) > 0 {
			reset, err := e.cfg.Repo.UpdateStatusAndPosition(ctx,
				api.ContextIDs(stuck), api.StatusReady, "", recoverGuard)
			if err != nil {
				return total, err
			}
			total += len(reset)
			e.logger.Info("Recovered running contexts",
				log.StreamID(def.StreamID), log.Count(len(reset)))
		}
		g.NotifyAll()
	}
	return total, nil
}

func (e *engineImpl) Sweep(ctx context.Context) (int, error) {
	var errs []error
	total := 0
	for _, g := range e.graphs.All() {
		n, err := g.Sweep(ctx)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", g.StreamID(), err))
		}
	}
	return total, errors.Join(errs...)
}

// Close stops every graph and then the messenger.
func (e *engineImpl) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, g := range e.graphs.Clear() {
			g.Close()
		}
		err = e.cfg.Messenger.Close()
	})
	return err
}

func (e *engineImpl) withTraceLock(ctx context.Context, traceID string, fn func() error) error {
	h, err := e.cfg.Locks.Acquire(ctx, locks.TraceKey(traceID))
	if err != nil {
		return err
	}
	defer func() {
		_ = e.cfg.Locks.Release(context.WithoutCancel(ctx), h)
	}()
	return fn()
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return page, limit
}
