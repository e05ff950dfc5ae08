package flowcore

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/petrijr/flowcore/internal/engine"
	"github.com/petrijr/flowcore/internal/locks"
	"github.com/petrijr/flowcore/internal/persistence"
	workerpkg "github.com/petrijr/flowcore/pkg/worker"
)

// BundleConfig tunes NewSQLiteBundle.
type BundleConfig struct {
	Worker   workerpkg.Config
	Observer Observer

	// RetentionMaxAge enables the cleanup of traces closed longer ago.
	// Zero keeps every trace.
	RetentionMaxAge time.Duration

	// RetentionSchedule is a cron spec, "@hourly" by default.
	RetentionSchedule string
}

// WorkerBundle wires together an Engine, the Worker that sweeps it and an
// optional retention job, all sharing one database.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	retention *engine.Retention
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewSQLiteBundle constructs a durable Engine + Worker combo sharing the
// same SQLite database. Contexts, traces and lock leases are persisted in
// the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:flowcore.db?_pragma=journal_mode(WAL)")
//	bundle, err := flowcore.NewSQLiteBundle(db, flowcore.BundleConfig{
//	    Worker: worker.Config{RecoverOnStart: true},
//	})
//	// register flows on bundle.Engine, then
//	bundle.Start(ctx)
func NewSQLiteBundle(db *sql.DB, cfg BundleConfig) (*WorkerBundle, error) {
	repo, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	lk, err := locks.NewSQL(db, persistence.SQLiteDialect{}, locks.Options{})
	if err != nil {
		return nil, err
	}

	eng := engine.NewEngineWithConfig(engine.Config{
		Repo:     repo,
		Locks:    lk,
		Observer: cfg.Observer,
		Logger:   cfg.Worker.Logger,
	})

	b := &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, cfg.Worker),
	}
	if cfg.RetentionMaxAge > 0 {
		b.retention, err = engine.NewRetention(repo, engine.RetentionConfig{
			Schedule: cfg.RetentionSchedule,
			MaxAge:   cfg.RetentionMaxAge,
			Logger:   cfg.Worker.Logger,
		})
		if err != nil {
			_ = eng.Close()
			return nil, err
		}
	}
	return b, nil
}

// Start launches the sweeper and the retention job. Flows should be
// registered first so that recovery on start sees them.
func (b *WorkerBundle) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Go(func() {
		_ = b.Worker.Run(ctx, 0)
	})
	if b.retention != nil {
		b.retention.Start()
	}
}

// Cleanup runs the retention job immediately and returns how many traces
// were deleted. It returns 0 when retention is disabled.
func (b *WorkerBundle) Cleanup(ctx context.Context) (int, error) {
	if b.retention == nil {
		return 0, nil
	}
	return b.retention.RunOnce(ctx)
}

// Close stops the background jobs and the engine.
func (b *WorkerBundle) Close() error {
	if b.cancel != nil {
		b.cancel()
		b.wg.Wait()
	}
	if b.retention != nil {
		b.retention.Stop()
	}
	return b.Engine.Close()
}
