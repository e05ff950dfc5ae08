// Package messenger notifies nodes that persisted contexts are ready to be
// pulled. The repository stays the source of truth: a lost notice only
// delays processing until the next notice or sweep.
package messenger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Notice tells the node NodeID of stream StreamID that contexts of the
// given traces may be waiting at its position.
type Notice struct {
	StreamID string   `json:"stream_id"`
	NodeID   string   `json:"node_id"`
	TraceIDs []string `json:"trace_ids,omitempty"`
}

// Handler receives notices. It must not block.
type Handler func(Notice)

// Messenger publishes notices and dispatches them to subscribed handlers.
type Messenger interface {
	Publish(ctx context.Context, n Notice) error
	Subscribe(streamID, nodeID string, h Handler) (cancel func())
	Close() error
}

// ErrClosed is returned when publishing through a closed messenger.
var ErrClosed = errors.New("messenger closed")

// dispatcher routes notices to handlers keyed by stream and node.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	next     int
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string]map[int]Handler)}
}

func key(streamID, nodeID string) string {
	return streamID + "/" + nodeID
}

func (d *dispatcher) subscribe(streamID, nodeID string, h Handler) func() {
	k := key(streamID, nodeID)

	d.mu.Lock()
	id := d.next
	d.next++
	if d.handlers[k] == nil {
		d.handlers[k] = make(map[int]Handler)
	}
	d.handlers[k][id] = h
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.handlers[k], id)
			if len(d.handlers[k]) == 0 {
				delete(d.handlers, k)
			}
		})
	}
}

func (d *dispatcher) dispatch(n Notice) {
	d.mu.RLock()
	hs := make([]Handler, 0, len(d.handlers[key(n.StreamID, n.NodeID)]))
	for _, h := range d.handlers[key(n.StreamID, n.NodeID)] {
		hs = append(hs, h)
	}
	d.mu.RUnlock()

	for _, h := range hs {
		d.invoke(h, n)
	}
}

func (d *dispatcher) invoke(h Handler, n Notice) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Notice handler panic",
				slog.String("stream_id", n.StreamID),
				slog.String("node_id", n.NodeID),
				slog.Any("panic", r))
		}
	}()
	h(n)
}
