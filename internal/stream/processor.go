package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/petrijr/flowcore/internal/locks"
	"github.com/petrijr/flowcore/internal/messenger"
	"github.com/petrijr/flowcore/internal/persistence"
	"github.com/petrijr/flowcore/pkg/api"
	"github.com/petrijr/flowcore/pkg/log"
)

// DefaultBatchSize bounds the number of contexts pulled by one step.
const DefaultBatchSize = 100

type (
	// Handler runs the node-specific part of a processing step on the
	// claimed contexts and describes what must be persisted.
	Handler interface {
		Handle(ctx context.Context, claimed []*api.FlowContext) Outcome
	}

	// Subscriber accepts wake-ups for a node.
	Subscriber interface {
		Accept()
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, claimed []*api.FlowContext) Outcome

	// Outcome is the persistence plan of one step.
	Outcome struct {
		Update   []*api.FlowContext
		Create   []*api.FlowContext
		Notify   []string
		Finalize []string
		After    []func(ctx context.Context)

		// Err is the step failure reported to the observer, if any.
		Err error
	}

	// Finalizer closes traces whose contexts all reached a terminal
	// status.
	Finalizer func(ctx context.Context, traceIDs []string)

	// Committer persists outcomes of one stream and publishes their
	// notices.
	Committer struct {
		StreamID  string
		Repo      persistence.Repository
		Messenger messenger.Messenger
		Finalizer Finalizer
		Logger    *slog.Logger
	}

	// ProcessorConfig wires a Processor.
	ProcessorConfig struct {
		Committer
		NodeID    string
		Inbound   []persistence.Subscription
		BatchSize int

		Locks    locks.Locks
		Pool     *Pool
		Handler  Handler
		Observer api.Observer
	}

	// Processor is the subscriber side of a node: it pulls READY contexts
	// arriving through its inbound edges, claims them and hands them to
	// its Handler.
	Processor struct {
		ProcessorConfig
		base   context.Context
		cancel func()
	}
)

// Ensure Processor implements Subscriber.
var _ Subscriber = (*Processor)(nil)

func (f HandlerFunc) Handle(ctx context.Context, claimed []*api.FlowContext) Outcome {
	return f(ctx, claimed)
}

// Merge appends the plan of o to out.
func (out *Outcome) Merge(o Outcome) {
	out.Update = append(out.Update, o.Update...)
	out.Create = append(out.Create, o.Create...)
	out.Notify = appendUnique(out.Notify, o.Notify...)
	out.Finalize = appendUnique(out.Finalize, o.Finalize...)
	out.After = append(out.After, o.After...)
	if o.Err != nil {
		out.Err = errors.Join(out.Err, o.Err)
	}
}

// NewProcessor creates a processor. Steps run with a context derived from
// base that is cancelled by Stop.
func NewProcessor(base context.Context, cfg ProcessorConfig) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With(log.StreamID(cfg.StreamID), log.NodeID(cfg.NodeID))
	ctx, cancel := context.WithCancel(base)
	return &Processor{ProcessorConfig: cfg, base: ctx, cancel: cancel}
}

// Subscribe registers the processor for notices addressed to its node.
func (p *Processor) Subscribe() (cancel func()) {
	return p.Messenger.Subscribe(p.StreamID, p.NodeID, func(messenger.Notice) {
		p.Accept()
	})
}

// Accept schedules a drain of the node on its pool.
func (p *Processor) Accept() {
	if p.base.Err() != nil {
		return
	}
	err := p.Pool.Submit(func() {
		p.Drain(p.base)
	})
	if err != nil {
		p.Logger.Debug("Step not scheduled", log.Error(err))
	}
}

// Notify publishes a notice for the processor's own node.
func (p *Processor) Notify(ctx context.Context, traceIDs ...string) error {
	return p.Messenger.Publish(ctx, messenger.Notice{
		StreamID: p.StreamID,
		NodeID:   p.NodeID,
		TraceIDs: traceIDs,
	})
}

// Stop cancels running and future steps.
func (p *Processor) Stop() {
	p.cancel()
}

// Context returns the base context of the processor's steps.
func (p *Processor) Context() context.Context {
	return p.base
}

// Drain runs steps until a pull returns nothing or a step fails.
func (p *Processor) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := p.Step(ctx)
		if err != nil {
			p.Logger.Warn("Step failed", log.Error(err))
			return
		}
		if n == 0 {
			return
		}
	}
}

// Step pulls, claims and processes one batch. It returns the number of
// contexts pulled.
func (p *Processor) Step(ctx context.Context) (int, error) {
	pulled, claimed, err := p.claim(ctx)
	if err != nil || len(claimed) == 0 {
		return len(pulled), err
	}

	claimed, err = p.dropTerminated(ctx, claimed)
	if err != nil {
		return len(pulled), err
	}
	if len(claimed) == 0 {
		return len(pulled), nil
	}

	start := time.Now()
	p.Observer.OnStepStart(ctx, p.StreamID, p.NodeID, len(claimed))
	out := p.Handler.Handle(ctx, claimed)
	err = p.Apply(ctx, out)
	p.Observer.OnStepCompleted(ctx, p.StreamID, p.NodeID, len(claimed),
		errors.Join(out.Err, err), time.Since(start))
	return len(pulled), err
}

// claim pulls READY contexts under the node lock and moves those it wins
// to RUNNING.
func (p *Processor) claim(ctx context.Context) ([]*api.FlowContext, []*api.FlowContext, error) {
	h, err := p.Locks.Acquire(ctx, locks.NodeKey(p.StreamID, p.NodeID))
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err := p.Locks.Release(context.WithoutCancel(ctx), h); err != nil {
			p.Logger.Warn("Lock release failed", log.Error(err))
		}
	}()

	pulled, err := p.Repo.FindBySubscriptions(ctx, persistence.SubscriptionQuery{
		StreamID:      p.StreamID,
		Subscriptions: p.Inbound,
		Status:        api.StatusReady,
		ExcludeSent:   true,
		Limit:         p.BatchSize,
	})
	if err != nil || len(pulled) == 0 {
		return pulled, nil, err
	}

	won, err := p.Repo.UpdateStatusAndPosition(ctx,
		api.ContextIDs(pulled), api.StatusRunning, "", api.ClaimGuard)
	if err != nil {
		return pulled, nil, err
	}
	return pulled, keep(pulled, won, api.StatusRunning), nil
}

// dropTerminated fails contexts whose trace was terminated.
func (p *Processor) dropTerminated(ctx context.Context, claimed []*api.FlowContext) ([]*api.FlowContext, error) {
	terminated := map[string]bool{}
	for _, id := range api.TraceIDs(claimed) {
		tr, err := p.Repo.GetTrace(ctx, id)
		if err != nil {
			if errors.Is(err, api.ErrTraceNotFound) {
				continue
			}
			return nil, err
		}
		terminated[id] = tr.Status == api.TraceTerminated
	}

	var live, dropped []*api.FlowContext
	for _, fc := range claimed {
		if !terminated[fc.TraceID] {
			live = append(live, fc)
			continue
		}
		fc.Status = api.StatusError
		fc.Meta.Error = &api.ErrorInfo{
			NodeID:  p.NodeID,
			Message: api.ErrTraceTerminated.Error(),
			At:      time.Now(),
		}
		dropped = append(dropped, fc)
	}
	if len(dropped) > 0 {
		if _, err := p.Repo.BatchUpdate(ctx, dropped, api.TerminalStatuses); err != nil {
			return nil, err
		}
		p.Logger.Info("Dropped contexts of terminated traces", log.Count(len(dropped)))
	}
	return live, nil
}

// Apply persists out and runs its side effects: Create, then Update
// (guarded by the terminal statuses), then the notices, the finalizer and
// the After hooks. New contexts are written first so a trace never looks
// empty while its contexts are being replaced.
func (c Committer) Apply(ctx context.Context, out Outcome) error {
	if len(out.Create) > 0 {
		if err := c.Repo.BatchCreate(ctx, out.Create); err != nil {
			return fmt.Errorf("create contexts: %w", err)
		}
	}
	if len(out.Update) > 0 {
		if _, err := c.Repo.BatchUpdate(ctx, out.Update, api.TerminalStatuses); err != nil {
			return fmt.Errorf("update contexts: %w", err)
		}
	}

	traces := api.TraceIDs(append(slices.Clone(out.Update), out.Create...))
	for _, target := range out.Notify {
		err := c.Messenger.Publish(ctx, messenger.Notice{
			StreamID: c.StreamID,
			NodeID:   target,
			TraceIDs: traces,
		})
		if err != nil && c.Logger != nil {
			c.Logger.Warn("Notice not published", log.NodeID(target), log.Error(err))
		}
	}
	if len(out.Finalize) > 0 && c.Finalizer != nil {
		c.Finalizer(ctx, out.Finalize)
	}
	for _, fn := range out.After {
		fn(ctx)
	}
	return nil
}

// keep returns the contexts of ctxs whose id is in ids, with status set.
func keep(ctxs []*api.FlowContext, ids []string, status api.Status) []*api.FlowContext {
	won := make(map[string]bool, len(ids))
	for _, id := range ids {
		won[id] = true
	}
	var out []*api.FlowContext
	for _, fc := range ctxs {
		if won[fc.ID] {
			fc.Status = status
			out = append(out, fc)
		}
	}
	return out
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
