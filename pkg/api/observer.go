package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the flow engine for logging and metrics.
//
// Implementations should be fast and non-blocking; callbacks run on the
// node worker goroutines.
type Observer interface {
	// OnTraceStart is called once when Offer creates a new trace.
	OnTraceStart(ctx context.Context, trace *FlowTrace)

	// OnTraceClosed is called when the finalizer closes a trace with
	// SUCCESS or ERROR, and when a trace is terminated.
	OnTraceClosed(ctx context.Context, trace *FlowTrace)

	// OnStepStart is called after a node claimed a batch of contexts and
	// before its executor runs.
	OnStepStart(ctx context.Context, streamID, nodeID string, batch int)

	// OnStepCompleted is called after the executor returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, streamID, nodeID string, batch int, err error, duration time.Duration)

	// OnRetry is called when a context is requeued for another attempt.
	OnRetry(ctx context.Context, fc *FlowContext, attempt int, cause error)

	// OnContextFailed is called when a context reaches ERROR.
	OnContextFailed(ctx context.Context, fc *FlowContext, cause error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnTraceStart(context.Context, *FlowTrace)                {}
func (NoopObserver) OnTraceClosed(context.Context, *FlowTrace)               {}
func (NoopObserver) OnStepStart(context.Context, string, string, int)        {}
func (NoopObserver) OnRetry(context.Context, *FlowContext, int, error)       {}
func (NoopObserver) OnContextFailed(context.Context, *FlowContext, error)    {}
func (NoopObserver) OnStepCompleted(context.Context, string, string, int, error, time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTraceStart(ctx context.Context, trace *FlowTrace) {
	for _, o := range c.observers {
		o.OnTraceStart(ctx, trace)
	}
}

func (c *CompositeObserver) OnTraceClosed(ctx context.Context, trace *FlowTrace) {
	for _, o := range c.observers {
		o.OnTraceClosed(ctx, trace)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, streamID, nodeID string, batch int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, streamID, nodeID, batch)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, streamID, nodeID string, batch int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, streamID, nodeID, batch, err, d)
	}
}

func (c *CompositeObserver) OnRetry(ctx context.Context, fc *FlowContext, attempt int, cause error) {
	for _, o := range c.observers {
		o.OnRetry(ctx, fc, attempt, cause)
	}
}

func (c *CompositeObserver) OnContextFailed(ctx context.Context, fc *FlowContext, cause error) {
	for _, o := range c.observers {
		o.OnContextFailed(ctx, fc, cause)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs trace and step
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnTraceStart(ctx context.Context, trace *FlowTrace) {
	o.Logger.InfoContext(ctx, "trace_start",
		slog.String("stream_id", trace.StreamID),
		slog.String("trace_id", trace.ID),
	)
}

func (o *LoggingObserver) OnTraceClosed(ctx context.Context, trace *FlowTrace) {
	level := slog.LevelInfo
	if trace.Status == TraceError {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "trace_closed",
		slog.String("stream_id", trace.StreamID),
		slog.String("trace_id", trace.ID),
		slog.String("status", string(trace.Status)),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, streamID, nodeID string, batch int) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("stream_id", streamID),
		slog.String("node_id", nodeID),
		slog.Int("batch", batch),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, streamID, nodeID string, batch int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("stream_id", streamID),
		slog.String("node_id", nodeID),
		slog.Int("batch", batch),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRetry(ctx context.Context, fc *FlowContext, attempt int, cause error) {
	o.Logger.WarnContext(ctx, "context_retry",
		slog.String("trace_id", fc.TraceID),
		slog.String("context_id", fc.ID),
		slog.String("node_id", fc.Position),
		slog.Int("attempt", attempt),
		slog.Any("error", cause),
	)
}

func (o *LoggingObserver) OnContextFailed(ctx context.Context, fc *FlowContext, cause error) {
	o.Logger.ErrorContext(ctx, "context_failed",
		slog.String("trace_id", fc.TraceID),
		slog.String("context_id", fc.ID),
		slog.String("node_id", fc.Position),
		slog.Any("error", cause),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	tracesStarted     atomic.Int64
	tracesSucceeded   atomic.Int64
	tracesFailed      atomic.Int64
	tracesTerminated  atomic.Int64
	stepsCompleted    atomic.Int64
	stepsFailed       atomic.Int64
	retries           atomic.Int64
	contextsFailed    atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TracesStarted    int64
	TracesSucceeded  int64
	TracesFailed     int64
	TracesTerminated int64
	OpenTraces       int64

	StepsCompleted  int64
	StepsFailed     int64
	Retries         int64
	ContextsFailed  int64
	AvgStepDuration time.Duration
}

// NewBasicMetrics creates an empty BasicMetrics.
func NewBasicMetrics() *BasicMetrics {
	return &BasicMetrics{}
}

func (m *BasicMetrics) OnTraceStart(context.Context, *FlowTrace) {
	m.tracesStarted.Add(1)
}

func (m *BasicMetrics) OnTraceClosed(_ context.Context, trace *FlowTrace) {
	switch trace.Status {
	case TraceSuccess:
		m.tracesSucceeded.Add(1)
	case TraceError:
		m.tracesFailed.Add(1)
	case TraceTerminated:
		m.tracesTerminated.Add(1)
	}
}

func (m *BasicMetrics) OnStepCompleted(_ context.Context, _, _ string, _ int, err error, d time.Duration) {
	if err != nil {
		m.stepsFailed.Add(1)
		return
	}
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnRetry(context.Context, *FlowContext, int, error) {
	m.retries.Add(1)
}

func (m *BasicMetrics) OnContextFailed(context.Context, *FlowContext, error) {
	m.contextsFailed.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.tracesStarted.Load()
	succeeded := m.tracesSucceeded.Load()
	failed := m.tracesFailed.Load()
	terminated := m.tracesTerminated.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		TracesStarted:    started,
		TracesSucceeded:  succeeded,
		TracesFailed:     failed,
		TracesTerminated: terminated,
		OpenTraces:       started - succeeded - failed - terminated,
		StepsCompleted:   steps,
		StepsFailed:      m.stepsFailed.Load(),
		Retries:          m.retries.Load(),
		ContextsFailed:   m.contextsFailed.Load(),
		AvgStepDuration:  avg,
	}
}
