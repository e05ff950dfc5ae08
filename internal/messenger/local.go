package messenger

import (
	"context"
	"sync"

	"github.com/kode4food/caravan"
	"github.com/kode4food/caravan/message"
	"github.com/kode4food/caravan/topic"
)

// Local is an in-process Messenger. Notices flow through a caravan topic
// and a single goroutine dispatches them in publish order.
type Local struct {
	*dispatcher
	prod      topic.Producer[Notice]
	cons      topic.Consumer[Notice]
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// Ensure Local implements Messenger.
var _ Messenger = (*Local)(nil)

// NewLocal creates and starts an in-process messenger.
func NewLocal() *Local {
	queue := caravan.NewTopic[Notice]()
	l := &Local{
		dispatcher: newDispatcher(),
		prod:       queue.NewProducer(),
		cons:       queue.NewConsumer(),
		stop:       make(chan struct{}),
	}
	l.wg.Go(l.run)
	return l
}

func (l *Local) run() {
	for {
		select {
		case <-l.stop:
			return
		case n, ok := <-l.cons.Receive():
			if !ok {
				return
			}
			l.dispatch(n)
		}
	}
}

func (l *Local) Publish(_ context.Context, n Notice) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	message.Send(l.prod, n)
	return nil
}

func (l *Local) Subscribe(streamID, nodeID string, h Handler) func() {
	return l.subscribe(streamID, nodeID, h)
}

// Close stops dispatching. Notices still queued are dropped.
func (l *Local) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		close(l.stop)
		l.wg.Wait()
		l.prod.Close()
		l.cons.Close()
	})
	return nil
}
