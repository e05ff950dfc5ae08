package api

import "time"

// TraceStatus represents the lifecycle state of a FlowTrace.
type TraceStatus string

const (
	TraceRunning    TraceStatus = "RUNNING"
	TraceSuccess    TraceStatus = "SUCCESS"
	TraceError      TraceStatus = "ERROR"
	TraceTerminated TraceStatus = "TERMINATED"
)

// ClosedTraceStatuses are the statuses of traces that no longer accept
// status transitions from the finalizer.
var ClosedTraceStatuses = []TraceStatus{TraceSuccess, TraceError, TraceTerminated}

// Closed reports whether the trace has finished, successfully or not.
func (s TraceStatus) Closed() bool {
	return s == TraceSuccess || s == TraceError || s == TraceTerminated
}

// FlowTrace aggregates every context produced by one invocation of a graph.
type FlowTrace struct {
	ID       string
	StreamID string
	Status   TraceStatus

	// ContextPool holds the ids of the contexts still live under the trace.
	ContextPool []string

	StartTime time.Time
	EndTime   time.Time
}

// TraceFilter selects traces. Zero values mean "no filter" for that field.
type TraceFilter struct {
	StreamID string
	Status   TraceStatus

	// FinishedBefore, if set, limits results to closed traces whose end
	// time is before the given instant.
	FinishedBefore time.Time
}
