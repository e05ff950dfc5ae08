// Package api contains the data model and the public interfaces of the
// flowcore dataflow engine.
//
// Most users interact with the higher-level flowcore package, which
// re-exports selected types from this package and provides engine
// constructors and a graph builder. The api package is intended for custom
// integrations and for code that implements the engine itself.
//
// # Definitions
//
// A FlowDefinition is an immutable, versioned graph identified by its
// StreamID. Nodes are typed: one START node receives offered data, STATE
// nodes run a named TaskExecutor, CONDITION nodes route on rule
// expressions, PARALLEL and JOIN nodes fan a context out and merge the
// forks back, and END nodes archive what arrives. A new version of a graph
// is registered under a new StreamID.
//
// # Contexts and Traces
//
// Every datum in transit is a FlowContext. It moves through the statuses
//
//	NEW -> READY -> RUNNING -> (SENT ->) READY | ARCHIVED | ERROR
//
// and carries the opaque business Data plus engine-owned Meta: the visited
// node history, retry log, condition branch audit and failure payload.
//
// All contexts created by one Offer share a FlowTrace. The trace closes
// with SUCCESS or ERROR once no live context remains, or with TERMINATED
// when a caller stops it.
//
// # Tasks
//
// STATE nodes call a TaskExecutor with the data of every context claimed in
// one step. Returning ErrAsync parks the contexts until Engine.Complete
// resumes them with the results of the out-of-band work.
//
// # Observability
//
// The Observer interface reports trace and step lifecycle events. The
// package ships a LoggingObserver built on log/slog, a BasicMetrics counter
// set and CompositeObserver to combine them.
package api
