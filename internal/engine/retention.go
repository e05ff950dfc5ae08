package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petrijr/flowcore/internal/persistence"
	"github.com/petrijr/flowcore/pkg/api"
	"github.com/petrijr/flowcore/pkg/log"
)

const (
	DefaultRetentionSchedule = "@hourly"
	DefaultRetentionMaxAge   = 7 * 24 * time.Hour
)

// ErrInvalidRetention is returned for a non-positive MaxAge.
var ErrInvalidRetention = errors.New("retention max age must be positive")

// RetentionConfig controls the cleanup of closed traces.
type RetentionConfig struct {
	// Schedule is a cron spec, "@every 10m" style descriptors included.
	Schedule string

	// MaxAge is how long a closed trace is kept after its end time.
	MaxAge time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

// Retention periodically deletes closed traces, and their contexts, that
// ended more than MaxAge ago.
type Retention struct {
	repo   persistence.Repository
	cfg    RetentionConfig
	logger *slog.Logger

	cron *cron.Cron
	id   cron.EntryID
	mu   sync.Mutex
}

// NewRetention validates cfg and schedules the cleanup job. The job does
// not run until Start is called.
func NewRetention(repo persistence.Repository, cfg RetentionConfig) (*Retention, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultRetentionSchedule
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultRetentionMaxAge
	}
	if cfg.MaxAge < 0 {
		return nil, ErrInvalidRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	r := &Retention{
		repo:   repo,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("job", "retention")),
		cron:   cron.New(),
	}
	id, err := r.cron.AddFunc(cfg.Schedule, func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			r.logger.Error("Retention run failed", log.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	r.id = id
	return r, nil
}

// Start runs the job on its schedule in the background.
func (r *Retention) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running job to return.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

// Next returns the next scheduled run, or the zero time when stopped.
func (r *Retention) Next() time.Time {
	return r.cron.Entry(r.id).Next
}

// RunOnce deletes the expired traces and returns how many were removed.
func (r *Retention) RunOnce(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.cfg.Clock().Add(-r.cfg.MaxAge)
	expired, err := r.repo.ListTraces(ctx, api.TraceFilter{FinishedBefore: cutoff})
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(expired))
	for _, t := range expired {
		ids = append(ids, t.ID)
	}
	if err := r.repo.DeleteByTraceIDs(ctx, ids); err != nil {
		return 0, err
	}
	r.logger.Info("Expired traces deleted", log.Count(len(ids)))
	return len(ids), nil
}
