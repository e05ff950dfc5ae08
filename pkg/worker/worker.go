package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/petrijr/flowcore/pkg/api"
	"github.com/petrijr/flowcore/pkg/log"
)

// DefaultInterval is the sweep period used when none is configured.
const DefaultInterval = 30 * time.Second

// Config tunes a Worker.
type Config struct {
	// Interval between two sweeps. Defaults to DefaultInterval.
	Interval time.Duration

	// RecoverOnStart calls Engine.Recover once before the first sweep.
	// Only enable it when no other process shares the repository.
	RecoverOnStart bool

	Logger *slog.Logger
}

// Worker periodically wakes the nodes of an Engine that still hold READY
// contexts, so that notices lost across restarts or dropped by a full node
// pool do not stall a trace.
type Worker struct {
	engine api.Engine
	cfg    Config
	logger *slog.Logger

	sweeps atomic.Int64
	woken  atomic.Int64
}

// New creates a new Worker with default settings.
func New(engine api.Engine) *Worker {
	return NewWithConfig(engine, Config{})
}

// NewWithConfig creates a new Worker.
func NewWithConfig(engine api.Engine, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		engine: engine,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "sweeper")),
	}
}

// SweepOnce wakes every node with READY contexts and returns how many
// were woken.
func (w *Worker) SweepOnce(ctx context.Context) (int, error) {
	n, err := w.engine.Sweep(ctx)
	w.sweeps.Add(1)
	w.woken.Add(int64(n))
	if n > 0 {
		w.logger.Debug("Sweep woke nodes", log.Count(n))
	}
	return n, err
}

// Run sweeps every interval until ctx is cancelled and returns ctx.Err().
// A non-positive interval uses the configured one. Sweep errors are logged
// and do not stop the loop.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = w.cfg.Interval
	}
	if w.cfg.RecoverOnStart {
		n, err := w.engine.Recover(ctx)
		if err != nil {
			w.logger.Error("Recovery failed", log.Error(err))
		} else {
			w.logger.Info("Recovered contexts", log.Count(n))
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("Sweep failed", log.Error(err))
			}
		}
	}
}

// Stats returns the number of sweeps run and nodes woken so far.
func (w *Worker) Stats() (sweeps, woken int64) {
	return w.sweeps.Load(), w.woken.Load()
}
