package kv

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/inference-sim/inference-runtime/engine"
)

// Entry is one session's attention history: a key and a value buffer per layer,
// each of Cap()*RowSize floats, carved out of a single pooled slab.
// An Entry is owned by the Store while resident; callers only touch it between
// Acquire and Unpin.
type Entry struct {
	id        engine.SessionID
	shape     engine.ModelShape
	maxTokens int
	length    atomic.Int64 // valid positions written so far

	slab   []float32   // backing storage, returned to the pool on free
	keys   [][]float32 // per-layer views into slab
	values [][]float32 // per-layer views into slab
	bytes  int64

	// Fields below are guarded by Store.mu.
	createdSeq uint64
	lastAccess time.Time
	pins       int  // in-flight holders; a pinned entry is never evicted
	removed    bool // no longer reachable through the session map
	freed      bool // slab returned to the pool

	lock chan struct{} // per-session lock, capacity 1
}

var _ engine.KVCache = (*Entry)(nil)

// entryBytes returns the footprint of an entry for the given shape and capacity.
func entryBytes(shape engine.ModelShape, maxTokens int) int64 {
	return int64(slabLen(shape, maxTokens)) * 4
}

func slabLen(shape engine.ModelShape, maxTokens int) int {
	return 2 * shape.NumLayers * maxTokens * shape.RowSize()
}

func newEntry(id engine.SessionID, shape engine.ModelShape, maxTokens int, slab []float32) *Entry {
	e := &Entry{
		id:        id,
		shape:     shape,
		maxTokens: maxTokens,
		slab:      slab,
		keys:      make([][]float32, shape.NumLayers),
		values:    make([][]float32, shape.NumLayers),
		bytes:     int64(len(slab)) * 4,
		lock:      make(chan struct{}, 1),
	}
	stride := maxTokens * shape.RowSize()
	for l := 0; l < shape.NumLayers; l++ {
		k := 2 * l * stride
		e.keys[l] = slab[k : k+stride : k+stride]
		e.values[l] = slab[k+stride : k+2*stride : k+2*stride]
	}
	return e
}

// SessionID returns the session this entry belongs to.
func (e *Entry) SessionID() engine.SessionID { return e.id }

// Shape returns the model shape the entry was created for.
func (e *Entry) Shape() engine.ModelShape { return e.shape }

// Len returns the number of valid positions.
func (e *Entry) Len() int { return int(e.length.Load()) }

// Cap returns the fixed maximum number of positions.
func (e *Entry) Cap() int { return e.maxTokens }

// Bytes returns the memory footprint of the entry's buffers.
func (e *Entry) Bytes() int64 { return e.bytes }

// Keys returns the full-capacity key buffer of a layer.
func (e *Entry) Keys(layer int) []float32 { return e.keys[layer] }

// Values returns the full-capacity value buffer of a layer.
func (e *Entry) Values(layer int) []float32 { return e.values[layer] }

// Commit advances Len by n after a Forward call wrote n new rows.
func (e *Entry) Commit(n int) error {
	cur := e.Len()
	if n < 0 || cur+n > e.maxTokens {
		return fmt.Errorf("commit of %d positions at length %d exceeds capacity %d", n, cur, e.maxTokens)
	}
	e.length.Store(int64(cur + n))
	return nil
}

// Reset discards every position while keeping the buffers.
func (e *Entry) Reset() {
	e.length.Store(0)
}

// slide drops the oldest n positions of every layer and shifts the retained
// window down to offset 0.
func (e *Entry) slide(n int) {
	cur := e.Len()
	row := e.shape.RowSize()
	for l := 0; l < e.shape.NumLayers; l++ {
		copy(e.keys[l], e.keys[l][n*row:cur*row])
		copy(e.values[l], e.values[l][n*row:cur*row])
	}
	e.length.Store(int64(cur - n))
}

func (e *Entry) lockSession(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Entry) unlockSession() {
	<-e.lock
}
