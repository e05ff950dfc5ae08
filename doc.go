// Package flowcore provides an embeddable, persistent dataflow engine for Go.
//
// A flow is a directed graph of typed nodes. Data offered into a stream
// becomes one context per item; contexts travel along the edges of the
// graph, are processed in batches at every node and are archived when they
// reach an END node. The state of every context is persisted after each
// step, so a crashed process resumes where it stopped.
//
// # Core Concepts
//
//  1. Engine
//  2. GraphBuilder
//  3. TaskExecutor
//  4. Worker
//  5. LocalRunner
//
// # Engine
//
// The Engine holds one graph runtime per registered stream id and provides
// APIs to:
//   - offer data into a new trace, or into an existing one
//   - complete contexts parked by asynchronous executors
//   - terminate traces
//   - query running, finished and failed contexts
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - PostgreSQL, optionally with Redis locks and notices for several processes
//   - MongoDB
//
// # GraphBuilder
//
// GraphBuilder defines linear graphs with guards and parallel sections:
//
//	flowcore.New("orders-v1").
//	    Guard("paid", flowcore.RuleLua, `status == "paid"`).
//	    StepWithRetry("reserve", reserve, flowcore.Retry(3).Policy()).
//	    Parallel("ship", flowcore.ParallelAll,
//	        flowcore.Branch{ID: "label", Executor: printLabel},
//	        flowcore.Branch{ID: "invoice", Executor: sendInvoice},
//	    )
//
// Graphs with arbitrary topology are declared as FlowDefinition values and
// registered with Engine.RegisterFlow directly.
//
// # TaskExecutor
//
// A TaskExecutor runs the business logic of a STATE node. It receives the
// data of every context claimed in one step and returns one result per item,
// nil to leave the data unchanged, or ErrAsync to park the contexts until
// Complete is called for them. Typed adapts strongly-typed functions.
//
// # Worker
//
// Node runtimes wake up on notices. The Worker sweeps for READY contexts
// whose notice was lost and, on startup, recovers contexts a crashed
// process left RUNNING.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine and a worker for development and
// unit testing. It is not crash-durable.
package flowcore
