package api

import "context"

// Engine is the public surface of the flow execution core.
type Engine interface {
	// RegisterFlow instantiates a graph for def.StreamID. STATE nodes
	// resolve their executors from executors by name.
	RegisterFlow(def FlowDefinition, executors Executors) error

	// UnregisterFlow tears down the graph runtime of a stream. Persisted
	// contexts are left untouched.
	UnregisterFlow(streamID string) error

	// Offer starts a new conversation and returns its trace id. When the
	// contexts could not be stored the trace is closed as ERROR and the id
	// is empty. A non-empty id with an error means the contexts are stored
	// but their nodes were not woken; the sweeper picks them up.
	Offer(ctx context.Context, streamID string, data ...Data) (string, error)

	// OfferTrace continues an existing conversation and returns the id of
	// the transaction created for data. A closed trace is reopened. The
	// error contract follows Offer.
	OfferTrace(ctx context.Context, traceID string, data ...Data) (string, error)

	// GetTrace returns the current state of a trace.
	GetTrace(ctx context.Context, traceID string) (*FlowTrace, error)

	// QueryRunningContexts returns the non-terminal contexts of a trace or
	// transaction.
	QueryRunningContexts(ctx context.Context, q ContextQuery) ([]*FlowContext, error)

	// GetFinishedContexts pages through the contexts of a trace or
	// transaction archived at an END node. page is 1-based.
	GetFinishedContexts(ctx context.Context, q ContextQuery, page, limit int) (*Page, error)

	// GetErrorContexts pages through the ERROR contexts of a trace or
	// transaction. page is 1-based.
	GetErrorContexts(ctx context.Context, q ContextQuery, page, limit int) (*Page, error)

	// Terminate marks a trace TERMINATED. Contexts already being processed
	// finish their current step; pending contexts are failed.
	Terminate(ctx context.Context, traceID string) error

	// Complete resumes contexts parked as SENT by an asynchronous task.
	// data, when non-nil, must hold one entry per id and replaces the
	// business data of the matching context.
	Complete(ctx context.Context, streamID string, contextIDs []string, data []Data) error

	// Recover resets contexts left RUNNING by a crashed process and wakes
	// every registered node. It is typically called on process startup.
	Recover(ctx context.Context) (int, error)

	// Sweep wakes every node that still holds READY contexts and returns
	// how many were woken. It recovers from lost notices.
	Sweep(ctx context.Context) (int, error)

	// Close stops every graph runtime.
	Close() error
}
