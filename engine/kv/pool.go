package kv

import (
	"sync"
	"sync/atomic"
)

// bufferPool recycles entry slabs so steady-state session churn does not reach
// the allocator. Free slabs are bucketed by length; each bucket keeps at most
// maxPerSize slabs and drops the rest for the GC.
type bufferPool struct {
	mu         sync.Mutex
	free       map[int][][]float32
	maxPerSize int
	pooled     atomic.Int64
	allocs     atomic.Int64
	reuses     atomic.Int64
}

func newBufferPool(maxPerSize int) *bufferPool {
	return &bufferPool{
		free:       make(map[int][][]float32),
		maxPerSize: maxPerSize,
	}
}

// rent returns a zeroed slab of exactly n floats.
func (p *bufferPool) rent(n int) []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	bucket := p.free[n]
	if len(bucket) == 0 {
		p.allocs.Add(1)
		return make([]float32, n)
	}
	slab := bucket[len(bucket)-1]
	bucket[len(bucket)-1] = nil
	p.free[n] = bucket[:len(bucket)-1]
	p.pooled.Add(-1)
	p.reuses.Add(1)
	clear(slab)
	return slab
}

// give hands a slab back to the pool.
func (p *bufferPool) give(slab []float32) {
	if slab == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(slab)
	if len(p.free[n]) >= p.maxPerSize {
		return
	}
	p.free[n] = append(p.free[n], slab)
	p.pooled.Add(1)
}

type poolStats struct {
	Pooled int64
	Allocs int64
	Reuses int64
}

func (p *bufferPool) stats() poolStats {
	return poolStats{Pooled: p.pooled.Load(), Allocs: p.allocs.Load(), Reuses: p.reuses.Load()}
}
