package flowcore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petrijr/flowcore/pkg/worker"
)

// ErrRunnerStarted is returned by Start when the runner is already running.
var ErrRunnerStarted = errors.New("flowcore: LocalRunner already started")

// LocalRunner bundles an in-memory Engine and a sweeping Worker to provide
// a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := flowcore.NewLocalRunner()
//	flow := flowcore.New("my-flow-v1").Step(...)
//	flow.MustRegister(runner.Engine)
//
//	_ = runner.Start(ctx, time.Second)
//	trace, results, err := runner.Run(ctx, flow.StreamID(), data)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine Engine

	// Worker sweeps Engine for READY contexts whose notices were lost.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine
// and a Worker with default config.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithEngine(NewInMemoryEngine())
}

// NewLocalRunnerWithEngine wraps an existing engine.
func NewLocalRunnerWithEngine(eng Engine) *LocalRunner {
	return &LocalRunner{
		Engine: eng,
		Worker: worker.New(eng),
	}
}

// Start runs the sweeper every interval until Stop. A non-positive
// interval uses the worker default.
func (r *LocalRunner) Start(ctx context.Context, interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrRunnerStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Go(func() {
		_ = r.Worker.Run(ctx, interval)
	})
	return nil
}

// Stop cancels the sweeper started by Start and waits for it to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

// Run offers data into the stream, waits until the trace closes and
// returns it with the contexts archived at END nodes.
func (r *LocalRunner) Run(ctx context.Context, streamID string, data ...Data) (*FlowTrace, []*FlowContext, error) {
	traceID, err := r.Engine.Offer(ctx, streamID, data...)
	if err != nil {
		return nil, nil, err
	}
	trace, err := WaitTrace(ctx, r.Engine, traceID)
	if err != nil {
		return trace, nil, err
	}
	results, err := Results(ctx, r.Engine, traceID)
	return trace, results, err
}

// Close stops the runner and its engine.
func (r *LocalRunner) Close() error {
	r.Stop()
	return r.Engine.Close()
}
