// Package worker provides the background sweeper that keeps flowcore
// traces moving.
//
// Nodes of a flow graph are driven by notices: whenever a context is
// persisted at a position, the node at that position is told to pull.
// Notices are best effort. A process restart, a dropped Redis message or
// a full node pool can lose one, and the contexts it announced would then
// wait until the next notice for the same node.
//
// A Worker closes that gap by periodically asking the engine to wake every
// node that still holds READY contexts. The repository remains the source
// of truth, so sweeping is always safe; it only costs a query per node.
//
// # Usage
//
//	w := worker.NewWithConfig(eng, worker.Config{Interval: 10 * time.Second})
//	go func() { _ = w.Run(ctx, 0) }()
//
// Set Config.RecoverOnStart in single-process deployments to reset
// contexts left RUNNING by a crash before the first sweep.
package worker
