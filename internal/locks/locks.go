// Package locks provides named locks that serialize processing steps on a
// node position or the finalization of a trace.
package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/flowcore/pkg/api"
)

// Handle identifies one successful acquisition.
type Handle struct {
	Key   string
	Token string
}

// Locks is a named-lock service. Acquire blocks until the key is free,
// ctx is done or the configured wait elapses (api.ErrLockTimeout).
type Locks interface {
	Acquire(ctx context.Context, key string) (Handle, error)
	Release(ctx context.Context, h Handle) error
}

// Options tunes lock acquisition.
type Options struct {
	// Wait bounds a single Acquire call. Defaults to 5s.
	Wait time.Duration

	// TTL is the lease duration of cross-process locks. A holder that
	// crashes frees the key after TTL. Defaults to 30s.
	TTL time.Duration

	// Poll is the retry interval of lease-based implementations.
	// Defaults to 10ms.
	Poll time.Duration
}

const (
	DefaultWait = 5 * time.Second
	DefaultTTL  = 30 * time.Second
	DefaultPoll = 10 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.Wait <= 0 {
		o.Wait = DefaultWait
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Poll <= 0 {
		o.Poll = DefaultPoll
	}
	return o
}

// NodeKey is the lock key of a node's claim step.
func NodeKey(streamID, nodeID string) string {
	return streamID + ":" + nodeID
}

// TraceKey is the lock key of a trace's finalization.
func TraceKey(traceID string) string {
	return "trace:" + traceID
}

// pollAcquire calls try every poll interval until it succeeds, fails, ctx
// is done or wait elapses.
func pollAcquire(ctx context.Context, key string, o Options, try func() (bool, error)) error {
	deadline := time.NewTimer(o.Wait)
	defer deadline.Stop()
	ticker := time.NewTicker(o.Poll)
	defer ticker.Stop()

	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s", api.ErrLockTimeout, key)
		case <-ticker.C:
		}
	}
}
