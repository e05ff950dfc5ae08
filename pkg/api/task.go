package api

import (
	"context"
	"errors"
	"fmt"
)

// TaskExecutor is the external collaborator invoked by STATE nodes.
//
// Execute receives the business data of every context claimed in one
// processing step. It returns either nil (data unchanged) or exactly one
// Data per input, in input order. Returning ErrAsync parks the contexts
// as SENT until Engine.Complete resumes them.
type TaskExecutor interface {
	Execute(ctx context.Context, data []Data) ([]Data, error)
}

// TaskFunc adapts a function to the TaskExecutor interface.
type TaskFunc func(ctx context.Context, data []Data) ([]Data, error)

// Execute calls f(ctx, data).
func (f TaskFunc) Execute(ctx context.Context, data []Data) ([]Data, error) {
	return f(ctx, data)
}

// EachFunc adapts a per-item function to the TaskExecutor interface.
func EachFunc(fn func(ctx context.Context, d Data) (Data, error)) TaskExecutor {
	return TaskFunc(func(ctx context.Context, data []Data) ([]Data, error) {
		out := make([]Data, len(data))
		for i, d := range data {
			res, err := fn(ctx, d)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	})
}

// Executors maps executor names used in FlowNode.Executor to implementations.
type Executors map[string]TaskExecutor

var (
	// ErrAsync is returned by a TaskExecutor that completes out of band.
	ErrAsync = errors.New("task completes asynchronously")

	// ErrUnknownStream is returned when no graph is registered for a stream id.
	ErrUnknownStream = errors.New("unknown stream")

	// ErrStreamRegistered is returned when a stream id is registered twice.
	ErrStreamRegistered = errors.New("stream already registered")

	// ErrUnknownExecutor is returned when a STATE node names an executor
	// that was not supplied.
	ErrUnknownExecutor = errors.New("unknown task executor")

	// ErrTraceNotFound is returned when a trace id is unknown.
	ErrTraceNotFound = errors.New("trace not found")

	// ErrTraceTerminated is returned when offering into a terminated trace.
	ErrTraceTerminated = errors.New("trace terminated")

	// ErrLockTimeout is returned when a flow lock could not be acquired in
	// time. It is a retryable infrastructure error.
	ErrLockTimeout = errors.New("flow lock acquisition timed out")

	// ErrOutputMismatch is returned when a TaskExecutor returns a number of
	// results different from its number of inputs.
	ErrOutputMismatch = errors.New("task output count mismatch")

	// ErrNotSent is returned by Complete when none of the contexts were
	// waiting for completion.
	ErrNotSent = errors.New("no contexts awaiting completion")
)

// RoutingError reports a context that matched no outgoing edge, or whose
// edge rule failed to evaluate. Cause holds the rule error.
type RoutingError struct {
	NodeID    string
	ContextID string
	Cause     error
}

func (e *RoutingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("branch rule of node %s failed for context %s: %v", e.NodeID, e.ContextID, e.Cause)
	}
	return fmt.Sprintf("no branch of node %s matched context %s", e.NodeID, e.ContextID)
}

func (e *RoutingError) Unwrap() error {
	return e.Cause
}

// IsRoutingError reports whether err is (or wraps) a RoutingError.
func IsRoutingError(err error) bool {
	var r *RoutingError
	return errors.As(err, &r)
}
