package stream

import (
	"errors"
	"log/slog"
	"sync"

	goerrors "github.com/go-errors/errors"
)

// RejectionPolicy decides what Submit does when the queue is full.
type RejectionPolicy int

const (
	// Abort drops the task and returns ErrPoolFull.
	Abort RejectionPolicy = iota

	// CallerRuns runs the task on the submitting goroutine.
	CallerRuns
)

const (
	DefaultWorkers   = 10
	DefaultQueueSize = 64
)

var (
	// ErrPoolFull is returned by Submit under the Abort policy when the
	// queue has no free slot.
	ErrPoolFull = errors.New("pool queue is full")

	// ErrPoolClosed is returned when submitting to a closed pool.
	ErrPoolClosed = errors.New("pool closed")
)

// PoolConfig sizes a Pool. Zero values select the defaults.
type PoolConfig struct {
	Workers   int
	QueueSize int
	Rejection RejectionPolicy
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Pool runs submitted tasks on a fixed set of workers fed by a bounded
// queue.
type Pool struct {
	name   string
	cfg    PoolConfig
	tasks  chan func()
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewPool starts a pool with cfg.Workers workers.
func NewPool(name string, cfg PoolConfig) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		name:  name,
		cfg:   cfg,
		tasks: make(chan func(), cfg.QueueSize),
	}
	for range cfg.Workers {
		p.wg.Go(p.work)
	}
	return p
}

func (p *Pool) work() {
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Pool task panic",
				slog.String("pool", p.name),
				slog.String("stack", goerrors.Wrap(r, 2).ErrorStack()))
		}
	}()
	task()
}

// Submit queues task. When the queue is full the rejection policy applies.
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		p.mu.RUnlock()
		return nil
	default:
	}
	p.mu.RUnlock()

	if p.cfg.Rejection == CallerRuns {
		p.run(task)
		return nil
	}
	return ErrPoolFull
}

// Pending returns the number of queued tasks.
func (p *Pool) Pending() int {
	return len(p.tasks)
}

// Close stops accepting tasks, drains the queue and waits for the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

// PoolRegistry owns the pools of one graph runtime.
type PoolRegistry struct {
	mu    sync.Mutex
	cfg   PoolConfig
	pools map[string]*Pool
}

// NewPoolRegistry creates a registry whose pools use cfg.
func NewPoolRegistry(cfg PoolConfig) *PoolRegistry {
	return &PoolRegistry{cfg: cfg, pools: make(map[string]*Pool)}
}

// Get returns the pool named name, starting it on first use.
func (r *PoolRegistry) Get(name string) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[name]; ok {
		return p
	}
	p := NewPool(name, r.cfg)
	r.pools[name] = p
	return p
}

// Close drains and stops every pool.
func (r *PoolRegistry) Close() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Go(p.Close)
	}
	wg.Wait()
}
