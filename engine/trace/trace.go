// Package trace provides decision-trace recording for batch dispatch and cache eviction.
// It has no dependencies on other engine packages and stores pure data types.
package trace

import (
	"sync"
	"time"
)

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures every batch dispatch and eviction decision.
	TraceLevelDecisions TraceLevel = "decisions"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// BatchRecord captures a single batch dispatch decision.
type BatchRecord struct {
	BatchID    uint64
	Phase      string
	Size       int
	Sessions   []string
	OldestWait time.Duration // wait of the oldest request at dispatch
	Full       bool          // false when dispatched on wait-budget expiry
	DispatchAt time.Time
}

// EvictionRecord captures a single cache eviction.
type EvictionRecord struct {
	SessionID string
	Reason    string // "sessions", "bytes", "explicit"
	Bytes     int64
	At        time.Time
}

// Recorder collects decision records. A nil *Recorder is valid and records nothing.
type Recorder struct {
	mu        sync.Mutex
	level     TraceLevel
	batches   []BatchRecord
	evictions []EvictionRecord
}

// NewRecorder creates a Recorder ready for recording.
func NewRecorder(level TraceLevel) *Recorder {
	if level == "" {
		level = TraceLevelNone
	}
	return &Recorder{
		level:     level,
		batches:   make([]BatchRecord, 0),
		evictions: make([]EvictionRecord, 0),
	}
}

// Enabled reports whether records are kept.
func (r *Recorder) Enabled() bool {
	return r != nil && r.level == TraceLevelDecisions
}

// RecordBatch appends a batch dispatch record.
func (r *Recorder) RecordBatch(record BatchRecord) {
	if !r.Enabled() {
		return
	}
	r.mu.Lock()
	r.batches = append(r.batches, record)
	r.mu.Unlock()
}

// RecordEviction appends an eviction record.
func (r *Recorder) RecordEviction(record EvictionRecord) {
	if !r.Enabled() {
		return
	}
	r.mu.Lock()
	r.evictions = append(r.evictions, record)
	r.mu.Unlock()
}

// Batches returns a copy of the recorded batch decisions in dispatch order.
func (r *Recorder) Batches() []BatchRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BatchRecord(nil), r.batches...)
}

// Evictions returns a copy of the recorded evictions in order.
func (r *Recorder) Evictions() []EvictionRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EvictionRecord(nil), r.evictions...)
}
