package pools

import (
	"sync"
	"sync/atomic"
)

// Resetter is implemented by pooled per-connection records
type Resetter interface {
	Reset()
}

// ConnectionPool recycles per-connection records between accepts
type ConnectionPool[T Resetter] struct {
	pool sync.Pool
	gets atomic.Uint64
	puts atomic.Uint64
}

// NewConnectionPool creates a pool allocating new records with newFunc
func NewConnectionPool[T Resetter](newFunc func() T) *ConnectionPool[T] {
	cp := &ConnectionPool[T]{}
	cp.pool.New = func() any { return newFunc() }
	return cp
}

// Get retrieves a record from the pool
func (cp *ConnectionPool[T]) Get() T {
	cp.gets.Add(1)
	return cp.pool.Get().(T)
}

// Put resets a record and returns it to the pool
func (cp *ConnectionPool[T]) Put(obj T) {
	obj.Reset()
	cp.puts.Add(1)
	cp.pool.Put(obj)
}

// Stats returns pool statistics
func (cp *ConnectionPool[T]) Stats() (gets, puts uint64, hitRate float64) {
	g := cp.gets.Load()
	p := cp.puts.Load()

	if g > 0 {
		hitRate = float64(p) / float64(g)
	}

	return g, p, hitRate
}
