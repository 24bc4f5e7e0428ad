// Package testutil provides shared test infrastructure for the runtime packages:
// a recording fake Model, a manual clock and float assertion helpers.
package testutil

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/inference-sim/inference-runtime/engine"
)

// ForwardCall is one observed Model.Forward invocation.
type ForwardCall struct {
	Tokens         []int
	PositionOffset int
	CacheLen       int
}

// RecordingModel is a fake engine.Model whose cache writes are easy to inspect.
// For every input token t at position p it fills row p of every layer's keys with
// float32(t) and of every layer's values with -float32(t). Its logits are
// logits[j] = j + sum of the key tag of every valid row, so they depend on the
// session's full history and nothing else.
type RecordingModel struct {
	shape engine.ModelShape
	vocab int

	// FailOn, if set, is consulted before every call; a non-nil error fails it.
	FailOn func(tokens []int, positionOffset int) error
	// Delay is slept inside every call to widen race windows.
	Delay time.Duration

	mu         sync.Mutex
	calls      []ForwardCall
	active     map[engine.KVCache]int
	violations []string
	maxActive  int
	inFlight   int
}

// NewRecordingModel creates a RecordingModel.
func NewRecordingModel(shape engine.ModelShape, vocab int) *RecordingModel {
	return &RecordingModel{
		shape:  shape,
		vocab:  vocab,
		active: make(map[engine.KVCache]int),
	}
}

func (m *RecordingModel) Shape() engine.ModelShape { return m.shape }
func (m *RecordingModel) VocabSize() int           { return m.vocab }

func (m *RecordingModel) Forward(tokens []int, cache engine.KVCache, positionOffset int) ([]float32, error) {
	m.enter(cache, tokens, positionOffset)
	defer m.exit(cache)

	if m.FailOn != nil {
		if err := m.FailOn(tokens, positionOffset); err != nil {
			return nil, err
		}
	}
	if positionOffset != cache.Len() {
		return nil, fmt.Errorf("position offset %d does not match cache length %d", positionOffset, cache.Len())
	}
	if positionOffset+len(tokens) > cache.Cap() {
		return nil, fmt.Errorf("%d tokens at offset %d overflow capacity %d", len(tokens), positionOffset, cache.Cap())
	}
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}

	row := m.shape.RowSize()
	for i, tok := range tokens {
		pos := positionOffset + i
		for l := 0; l < m.shape.NumLayers; l++ {
			k := cache.Keys(l)[pos*row : (pos+1)*row]
			v := cache.Values(l)[pos*row : (pos+1)*row]
			for j := range k {
				k[j] = float32(tok)
				v[j] = -float32(tok)
			}
		}
	}

	var history float32
	keys := cache.Keys(0)
	for pos := 0; pos < positionOffset+len(tokens); pos++ {
		history += keys[pos*row]
	}
	logits := make([]float32, m.vocab)
	for j := range logits {
		logits[j] = float32(j) + history
	}
	return logits, nil
}

func (m *RecordingModel) enter(cache engine.KVCache, tokens []int, offset int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, ForwardCall{
		Tokens:         append([]int(nil), tokens...),
		PositionOffset: offset,
		CacheLen:       cache.Len(),
	})
	m.active[cache]++
	if m.active[cache] > 1 {
		m.violations = append(m.violations, fmt.Sprintf("concurrent Forward on one cache at offset %d", offset))
	}
	m.inFlight++
	if m.inFlight > m.maxActive {
		m.maxActive = m.inFlight
	}
}

func (m *RecordingModel) exit(cache engine.KVCache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[cache]--
	if m.active[cache] == 0 {
		delete(m.active, cache)
	}
	m.inFlight--
}

// Calls returns a copy of every observed call in order.
func (m *RecordingModel) Calls() []ForwardCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ForwardCall(nil), m.calls...)
}

// Violations lists every time two Forward calls overlapped on the same cache.
func (m *RecordingModel) Violations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.violations...)
}

// MaxConcurrent returns the highest number of simultaneous Forward calls seen.
func (m *RecordingModel) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}

// KeyTags returns the key tag of every valid position of layer 0, oldest first.
func KeyTags(cache engine.KVCache) []int {
	row := cache.Shape().RowSize()
	out := make([]int, cache.Len())
	for pos := range out {
		out[pos] = int(cache.Keys(0)[pos*row])
	}
	return out
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Unix(1_700_000_000, 0)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}
