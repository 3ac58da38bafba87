package pools

import (
	"sync"
	"sync/atomic"
)

// BytePool is a multi-tiered byte slice pool for read buffers
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets      atomic.Uint64
	puts      atomic.Uint64
	oversized atomic.Uint64
}

// Socket read sizes; most request heads fit the 4 KiB tier
var defaultSizes = []int{
	1024,
	4096,
	16384,
	65536,
}

// NewBytePool creates a new byte pool with standard size tiers
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers (ascending)
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a byte slice of at least the requested size
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Add(1)
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			buf := *bp.pools[i].Get().(*[]byte)
			return buf[:size]
		}
	}

	bp.oversized.Add(1)
	return make([]byte, size)
}

// Put returns a byte slice to the pool. Slices of foreign capacity are dropped.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)
	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			bp.puts.Add(1)
			return
		}
	}
}

// Stats returns pool statistics
func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		Gets:      bp.gets.Load(),
		Puts:      bp.puts.Load(),
		Oversized: bp.oversized.Load(),
	}
}

// BytePoolStats contains byte pool counters
type BytePoolStats struct {
	Gets      uint64 `json:"gets"`
	Puts      uint64 `json:"puts"`
	Oversized uint64 `json:"oversized"`
}
