package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flowcore/pkg/api"
)

// LocalLocks serializes keys within one process.
type LocalLocks struct {
	mu    sync.Mutex
	slots map[string]*slot
	wait  time.Duration
}

type slot struct {
	ch    chan struct{}
	refs  int
	token string
}

// Ensure LocalLocks implements Locks.
var _ Locks = (*LocalLocks)(nil)

// NewLocal creates an in-process lock service.
func NewLocal(opts Options) *LocalLocks {
	return &LocalLocks{
		slots: make(map[string]*slot),
		wait:  opts.withDefaults().Wait,
	}
}

func (l *LocalLocks) Acquire(ctx context.Context, key string) (Handle, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		token := uuid.NewString()
		l.mu.Lock()
		s.token = token
		l.mu.Unlock()
		return Handle{Key: key, Token: token}, nil
	case <-ctx.Done():
		l.unref(key, s)
		return Handle{}, ctx.Err()
	case <-timer.C:
		l.unref(key, s)
		return Handle{}, fmt.Errorf("%w: %s", api.ErrLockTimeout, key)
	}
}

func (l *LocalLocks) Release(_ context.Context, h Handle) error {
	l.mu.Lock()
	s, ok := l.slots[h.Key]
	if !ok || s.token != h.Token {
		l.mu.Unlock()
		return nil
	}
	s.token = ""
	l.mu.Unlock()

	<-s.ch
	l.unref(h.Key, s)
	return nil
}

func (l *LocalLocks) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
