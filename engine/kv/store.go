// Package kv implements the per-session KV cache store of the inference runtime.
// It provides a bounded, goroutine-safe map from session id to Entry with strict
// LRU eviction of entries that are not in flight, per-session serialization of
// in-flight work, in-place sliding-window shifts and pooled buffer reuse.
package kv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-runtime/engine"
	"github.com/inference-sim/inference-runtime/engine/trace"
)

// Config groups cache store parameters.
type Config struct {
	MaxSessions    int              // resident session ceiling (must be > 0)
	MaxBytesTotal  int64            // resident byte ceiling (must be > 0)
	EvictionPolicy string           // engine.EvictionBlock (default) or engine.EvictionFail
	Now            func() time.Time // clock for recency; defaults to time.Now
	Trace          *trace.Recorder  // optional eviction trace
}

// Stats is a point-in-time snapshot of the store counters.
type Stats struct {
	Sessions      int64
	Bytes         int64
	Hits          int64
	Misses        int64
	HitRate       float64
	Evictions     int64
	Slides        int64
	Pinned        int64
	PooledBuffers int64
	BufferAllocs  int64
	BufferReuses  int64
}

// Store owns every resident Entry.
type Store struct {
	cfg  Config
	pool *bufferPool

	mu      sync.Mutex
	entries map[engine.SessionID]*Entry
	seq     uint64
	changed chan struct{} // closed and replaced whenever capacity may have freed up
	waiters int           // Acquire calls blocked on changed

	sessions  atomic.Int64
	bytes     atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	slides    atomic.Int64
	pinned    atomic.Int64
}

// NewStore creates an empty store. Panics on invalid configuration.
func NewStore(cfg Config) *Store {
	if cfg.MaxSessions <= 0 {
		panic(fmt.Sprintf("NewStore: MaxSessions must be > 0, got %d", cfg.MaxSessions))
	}
	if cfg.MaxBytesTotal <= 0 {
		panic(fmt.Sprintf("NewStore: MaxBytesTotal must be > 0, got %d", cfg.MaxBytesTotal))
	}
	if !engine.ValidEvictionPolicies[cfg.EvictionPolicy] {
		panic(fmt.Sprintf("NewStore: unknown eviction policy %q", cfg.EvictionPolicy))
	}
	if cfg.EvictionPolicy == "" {
		cfg.EvictionPolicy = engine.EvictionBlock
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		cfg:     cfg,
		pool:    newBufferPool(cfg.MaxSessions),
		entries: make(map[engine.SessionID]*Entry),
		changed: make(chan struct{}),
	}
}

// GetOrCreate returns the resident entry for id, creating one if absent.
// An entry created for a different shape or capacity is invalidated and
// ErrShapeMismatch is returned; the next call recreates it. The returned entry is
// not pinned. Under capacity pressure the store's eviction policy applies.
func (s *Store) GetOrCreate(id engine.SessionID, shape engine.ModelShape, maxTokens int) (*Entry, error) {
	e, _, err := s.Acquire(context.Background(), id, shape, maxTokens, true)
	if err != nil {
		return nil, err
	}
	s.Unpin(e)
	return e, nil
}

// Acquire looks up (and, if create is set, creates) the entry for id, pins it so
// it cannot be evicted, and takes the per-session lock. Every successful Acquire
// must be paired with Unpin. created reports whether a fresh entry was allocated.
// Without create, a missing entry yields ErrSessionNotFound.
func (s *Store) Acquire(ctx context.Context, id engine.SessionID, shape engine.ModelShape, maxTokens int, create bool) (e *Entry, created bool, err error) {
	if err := shape.Validate(); err != nil {
		return nil, false, err
	}
	if maxTokens <= 0 {
		return nil, false, fmt.Errorf("maxTokens must be > 0, got %d", maxTokens)
	}

	s.mu.Lock()
	for {
		if e, ok := s.entries[id]; ok {
			if e.shape != shape || e.maxTokens != maxTokens {
				logrus.Warnf("session %s: cache entry (%v, cap=%d) incompatible with (%v, cap=%d), invalidating",
					id, e.shape, e.maxTokens, shape, maxTokens)
				s.removeLocked(e, "shape-mismatch")
				s.misses.Add(1)
				s.mu.Unlock()
				return nil, false, fmt.Errorf("%w: session %s", engine.ErrShapeMismatch, id)
			}
			s.pinLocked(e)
			s.mu.Unlock()

			if err := e.lockSession(ctx); err != nil {
				s.mu.Lock()
				s.unpinLocked(e)
				s.mu.Unlock()
				return nil, false, err
			}

			s.mu.Lock()
			if e.removed {
				// released or invalidated while we waited for the session lock
				e.unlockSession()
				s.unpinLocked(e)
				if !create {
					s.misses.Add(1)
					s.mu.Unlock()
					return nil, false, fmt.Errorf("%w: %s", engine.ErrSessionNotFound, id)
				}
				continue
			}
			s.hits.Add(1)
			s.mu.Unlock()
			return e, false, nil
		}

		if !create {
			s.misses.Add(1)
			s.mu.Unlock()
			return nil, false, fmt.Errorf("%w: %s", engine.ErrSessionNotFound, id)
		}

		need := entryBytes(shape, maxTokens)
		ok, err := s.makeRoomLocked(need)
		if err != nil {
			s.mu.Unlock()
			return nil, false, err
		}
		if !ok {
			wait := s.changed
			s.waiters++
			s.mu.Unlock()
			logrus.Debugf("session %s: all %d cache entries in flight, waiting for capacity", id, s.sessions.Load())
			select {
			case <-wait:
			case <-ctx.Done():
				s.mu.Lock()
				s.waiters--
				s.mu.Unlock()
				return nil, false, fmt.Errorf("%w: waiting for capacity: %v", engine.ErrCapacityExceeded, ctx.Err())
			}
			s.mu.Lock()
			s.waiters--
			continue
		}

		e := newEntry(id, shape, maxTokens, s.pool.rent(slabLen(shape, maxTokens)))
		s.seq++
		e.createdSeq = s.seq
		e.lastAccess = s.cfg.Now()
		s.entries[id] = e
		s.sessions.Add(1)
		s.bytes.Add(e.bytes)
		s.misses.Add(1)
		s.pinLocked(e)
		e.lock <- struct{}{} // fresh entry, nobody else can hold it
		s.mu.Unlock()
		return e, true, nil
	}
}

// Unpin releases the per-session lock taken by Acquire and marks the entry as no
// longer in flight. Entries removed while pinned are freed on their last Unpin.
func (s *Store) Unpin(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.unlockSession()
	s.unpinLocked(e)
}

// Contains reports whether id has a resident entry.
func (s *Store) Contains(id engine.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// CanAdmit reports, without changing anything, whether Acquire could place an
// entry for id right now. A resident session is always admissible. Otherwise an
// entry larger than the byte budget never is, and under the fail policy the new
// entry must fit once every unpinned entry is evicted. Under the block policy an
// Acquire would wait for an Unpin, so nil is returned. The answer is advisory:
// Acquire still enforces capacity when it runs.
func (s *Store) CanAdmit(id engine.SessionID, shape engine.ModelShape, maxTokens int) error {
	need := entryBytes(shape, maxTokens)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return nil
	}
	if need > s.cfg.MaxBytesTotal {
		return fmt.Errorf("%w: entry of %d bytes exceeds budget of %d bytes",
			engine.ErrCapacityExceeded, need, s.cfg.MaxBytesTotal)
	}
	if s.cfg.EvictionPolicy != engine.EvictionFail {
		return nil
	}
	var evictable int
	var evictableBytes int64
	for _, e := range s.entries {
		if e.pins == 0 {
			evictable++
			evictableBytes += e.bytes
		}
	}
	if len(s.entries)-evictable+1 > s.cfg.MaxSessions || s.bytes.Load()-evictableBytes+need > s.cfg.MaxBytesTotal {
		return fmt.Errorf("%w: every resident entry is in flight", engine.ErrCapacityExceeded)
	}
	return nil
}

// Release ends a session explicitly. Buffers return to the pool immediately, or on
// the last Unpin if the entry is in flight. Reports whether an entry existed.
func (s *Store) Release(id engine.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	s.removeLocked(e, "explicit")
	return true
}

// Evict removes the least-recently-accessed entry that is not in flight and
// returns its id. Ties are broken by creation order, oldest first.
// Returns ErrCapacityExceeded when every resident entry is in flight.
func (s *Store) Evict() (engine.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	victim := s.victimLocked()
	if victim == nil {
		return "", fmt.Errorf("%w: no evictable entry among %d sessions", engine.ErrCapacityExceeded, len(s.entries))
	}
	s.removeLocked(victim, "manual")
	s.evictions.Add(1)
	return victim.id, nil
}

// Slide drops the oldest dropCount positions of e in place. The caller must hold
// e through Acquire. Len decreases by exactly dropCount.
func (s *Store) Slide(e *Entry, dropCount int) error {
	if dropCount <= 0 || dropCount > e.Len() {
		return fmt.Errorf("slide of %d positions invalid at length %d", dropCount, e.Len())
	}
	e.slide(dropCount)
	s.slides.Add(1)
	return nil
}

// GetStats returns a snapshot of the store counters. It reads atomics only and is
// safe to call concurrently with every other operation.
func (s *Store) GetStats() Stats {
	hits, misses := s.hits.Load(), s.misses.Load()
	ps := s.pool.stats()
	st := Stats{
		Sessions:      s.sessions.Load(),
		Bytes:         s.bytes.Load(),
		Hits:          hits,
		Misses:        misses,
		Evictions:     s.evictions.Load(),
		Slides:        s.slides.Load(),
		Pinned:        s.pinned.Load(),
		PooledBuffers: ps.Pooled,
		BufferAllocs:  ps.Allocs,
		BufferReuses:  ps.Reuses,
	}
	if hits+misses > 0 {
		st.HitRate = float64(hits) / float64(hits+misses)
	}
	return st
}

// makeRoomLocked evicts until an entry of need bytes fits both budgets.
// Returns false with a nil error when the caller has to wait for an Unpin.
func (s *Store) makeRoomLocked(need int64) (bool, error) {
	if need > s.cfg.MaxBytesTotal {
		return false, fmt.Errorf("%w: entry of %d bytes exceeds budget of %d bytes",
			engine.ErrCapacityExceeded, need, s.cfg.MaxBytesTotal)
	}
	for {
		overSessions := len(s.entries)+1 > s.cfg.MaxSessions
		overBytes := s.bytes.Load()+need > s.cfg.MaxBytesTotal
		if !overSessions && !overBytes {
			return true, nil
		}
		victim := s.victimLocked()
		if victim == nil {
			if s.cfg.EvictionPolicy == engine.EvictionFail {
				logrus.Warnf("cache capacity exceeded: %d sessions, %d bytes, all in flight",
					len(s.entries), s.bytes.Load())
				return false, fmt.Errorf("%w: every resident entry is in flight", engine.ErrCapacityExceeded)
			}
			return false, nil
		}
		reason := "bytes"
		if overSessions {
			reason = "sessions"
		}
		logrus.Debugf("evicting session %s (%s budget, last access %v)", victim.id, reason, victim.lastAccess)
		s.removeLocked(victim, reason)
		s.evictions.Add(1)
	}
}

// victimLocked picks the unpinned entry with the oldest access, then oldest creation.
func (s *Store) victimLocked() *Entry {
	var victim *Entry
	for _, e := range s.entries {
		if e.pins > 0 {
			continue
		}
		if victim == nil ||
			e.lastAccess.Before(victim.lastAccess) ||
			(e.lastAccess.Equal(victim.lastAccess) && e.createdSeq < victim.createdSeq) {
			victim = e
		}
	}
	return victim
}

func (s *Store) pinLocked(e *Entry) {
	e.pins++
	if e.pins == 1 {
		s.pinned.Add(1)
	}
	e.lastAccess = s.cfg.Now()
}

func (s *Store) unpinLocked(e *Entry) {
	e.pins--
	if e.pins == 0 {
		s.pinned.Add(-1)
		if e.removed {
			s.freeLocked(e)
		}
	}
	e.lastAccess = s.cfg.Now()
	s.signalLocked()
}

// removeLocked detaches e from the session map; buffers are freed once unpinned.
func (s *Store) removeLocked(e *Entry, reason string) {
	if e.removed {
		return
	}
	delete(s.entries, e.id)
	e.removed = true
	s.sessions.Add(-1)
	s.cfg.Trace.RecordEviction(trace.EvictionRecord{
		SessionID: string(e.id),
		Reason:    reason,
		Bytes:     e.bytes,
		At:        s.cfg.Now(),
	})
	if e.pins == 0 {
		s.freeLocked(e)
	}
}

func (s *Store) freeLocked(e *Entry) {
	if e.freed {
		return
	}
	e.freed = true
	s.pool.give(e.slab)
	e.slab, e.keys, e.values = nil, nil, nil
	e.length.Store(0)
	s.bytes.Add(-e.bytes)
	s.signalLocked()
}

func (s *Store) signalLocked() {
	if s.waiters == 0 {
		return
	}
	close(s.changed)
	s.changed = make(chan struct{})
}
