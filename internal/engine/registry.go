package engine

import (
	"fmt"
	"slices"
	"sync"

	"github.com/petrijr/flowcore/internal/flow"
	"github.com/petrijr/flowcore/pkg/api"
)

// graphRegistry holds one runtime per stream id. A new version of a flow
// is registered under a new stream id.
type graphRegistry struct {
	mu       sync.RWMutex
	byStream map[string]*flow.Graph
}

func newGraphRegistry() *graphRegistry {
	return &graphRegistry{
		byStream: make(map[string]*flow.Graph),
	}
}

func (r *graphRegistry) Has(streamID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byStream[streamID]
	return ok
}

func (r *graphRegistry) Register(g *flow.Graph) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byStream[g.StreamID()]; exists {
		return fmt.Errorf("%w: %s", api.ErrStreamRegistered, g.StreamID())
	}
	r.byStream[g.StreamID()] = g
	return nil
}

func (r *graphRegistry) Get(streamID string) (*flow.Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.byStream[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownStream, streamID)
	}
	return g, nil
}

func (r *graphRegistry) Remove(streamID string) (*flow.Graph, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.byStream[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownStream, streamID)
	}
	delete(r.byStream, streamID)
	return g, nil
}

// All returns the registered graphs ordered by stream id.
func (r *graphRegistry) All() []*flow.Graph {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byStream))
	for id := range r.byStream {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*flow.Graph, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byStream[id])
	}
	return out
}

// Clear removes every graph and returns them.
func (r *graphRegistry) Clear() []*flow.Graph {
	all := r.All()
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.byStream)
	return all
}
