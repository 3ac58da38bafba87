package pools

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrPoolClosed is returned by Assign after Close
var ErrPoolClosed = errors.New("worker pool closed")

// MinSoftCap is the smallest default soft cap
const MinSoftCap = 5

// DefaultSoftCap returns max(NumCPU+2, MinSoftCap)
func DefaultSoftCap() int {
	n := runtime.NumCPU() + 2
	if n < MinSoftCap {
		return MinSoftCap
	}
	return n
}

// Worker is a connection event loop owned by the pool
type Worker interface {
	// Stop disconnects every socket of the worker and waits for it to exit
	Stop()
}

// SpawnFunc starts a new worker. id is the slot index.
type SpawnFunc func(id int) (Worker, error)

// Slot pairs a worker with its live socket count
type Slot struct {
	id      int
	worker  Worker
	sockets atomic.Int64
	pool    *WorkerPool
}

// ID returns the slot index
func (s *Slot) ID() int {
	return s.id
}

// Worker returns the worker bound to the slot
func (s *Slot) Worker() Worker {
	return s.worker
}

// Sockets returns the number of live sockets assigned to the slot
func (s *Slot) Sockets() int {
	return int(s.sockets.Load())
}

// Release gives back one socket reservation
func (s *Slot) Release() {
	if s.sockets.Add(-1) < 0 {
		panic("pools: slot released more times than assigned")
	}
	s.pool.stats.released.Add(1)
}

// WorkerPool distributes sockets across workers, growing on demand up to a
// soft cap. Past the cap, sockets go to the least loaded worker.
type WorkerPool struct {
	mu      sync.Mutex
	softCap int
	spawn   SpawnFunc
	slots   []*Slot
	closed  bool

	stats struct {
		assigned   atomic.Uint64
		released   atomic.Uint64
		spawned    atomic.Uint64
		spawnFails atomic.Uint64
	}
}

// NewWorkerPool creates an empty pool. softCap <= 0 means DefaultSoftCap().
func NewWorkerPool(softCap int, spawn SpawnFunc) *WorkerPool {
	if softCap <= 0 {
		softCap = DefaultSoftCap()
	}
	return &WorkerPool{
		softCap: softCap,
		spawn:   spawn,
	}
}

// Assign reserves a socket on a worker. The least loaded worker is reused when
// it is idle or the pool has reached its soft cap; otherwise a new worker is
// spawned. If spawning fails the least loaded worker is used anyway.
func (p *WorkerPool) Assign() (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	var least *Slot
	for _, s := range p.slots {
		if least == nil || s.Sockets() < least.Sockets() {
			least = s
		}
	}

	if least == nil || (least.Sockets() > 0 && len(p.slots) < p.softCap) {
		id := len(p.slots)
		w, err := p.spawn(id)
		switch {
		case err == nil:
			least = &Slot{id: id, worker: w, pool: p}
			p.slots = append(p.slots, least)
			p.stats.spawned.Add(1)
		case least == nil:
			p.stats.spawnFails.Add(1)
			return nil, errors.Wrap(err, "spawn worker")
		default:
			p.stats.spawnFails.Add(1)
		}
	}

	least.sockets.Add(1)
	p.stats.assigned.Add(1)
	return least, nil
}

// Len returns the number of workers
func (p *WorkerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// SoftCap returns the configured soft cap
func (p *WorkerPool) SoftCap() int {
	return p.softCap
}

// Close stops every worker synchronously. Later Assign calls fail.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	slots := p.slots
	p.mu.Unlock()

	for _, s := range slots {
		s.worker.Stop()
	}
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	p.mu.Lock()
	sockets := make([]int, len(p.slots))
	for i, s := range p.slots {
		sockets[i] = s.Sockets()
	}
	p.mu.Unlock()

	return WorkerPoolStats{
		Workers:    len(sockets),
		SoftCap:    p.softCap,
		Sockets:    sockets,
		Assigned:   p.stats.assigned.Load(),
		Released:   p.stats.released.Load(),
		Spawned:    p.stats.spawned.Load(),
		SpawnFails: p.stats.spawnFails.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	Workers    int    `json:"workers"`
	SoftCap    int    `json:"soft_cap"`
	Sockets    []int  `json:"sockets"`
	Assigned   uint64 `json:"assigned"`
	Released   uint64 `json:"released"`
	Spawned    uint64 `json:"spawned"`
	SpawnFails uint64 `json:"spawn_fails"`
}
