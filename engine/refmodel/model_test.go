package refmodel

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-runtime/engine"
)

// sliceCache is a minimal engine.KVCache backed by plain slices.
type sliceCache struct {
	shape  engine.ModelShape
	length int
	cap    int
	keys   [][]float32
	values [][]float32
}

func newSliceCache(shape engine.ModelShape, capacity int) *sliceCache {
	c := &sliceCache{shape: shape, cap: capacity}
	for l := 0; l < shape.NumLayers; l++ {
		c.keys = append(c.keys, make([]float32, capacity*shape.RowSize()))
		c.values = append(c.values, make([]float32, capacity*shape.RowSize()))
	}
	return c
}

func (c *sliceCache) Shape() engine.ModelShape   { return c.shape }
func (c *sliceCache) Len() int                   { return c.length }
func (c *sliceCache) Cap() int                   { return c.cap }
func (c *sliceCache) Keys(layer int) []float32   { return c.keys[layer] }
func (c *sliceCache) Values(layer int) []float32 { return c.values[layer] }

func (c *sliceCache) run(t *testing.T, m *Model, tokens ...int) []float32 {
	t.Helper()
	logits, err := m.Forward(tokens, c, c.length)
	require.NoError(t, err)
	c.length += len(tokens)
	return logits
}

func TestSoftMax(t *testing.T) {
	tests := []struct {
		x   []float32
		exp []float32
	}{
		{x: []float32{1, 1, 2}, exp: []float32{0.21194156, 0.21194156, 0.57611686}},
		{x: []float32{0.5, -1, 12}, exp: []float32{1.0129968e-05, 2.2603015e-06, 0.9999876}},
	}
	for i, tc := range tests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			softMax(tc.x)
			for j := range tc.exp {
				assert.InDelta(t, tc.exp[j], tc.x[j], 1e-6)
			}
		})
	}
}

func TestArgMax(t *testing.T) {
	assert.Equal(t, 2, ArgMax([]float32{0.1, -3, 7, 6.9}))
	assert.Equal(t, 0, ArgMax([]float32{1, 1}))
}

func TestNew_InvalidConfig_Panics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VocabSize = 0
	assert.PanicsWithValue(t, "refmodel.New: VocabSize must be > 0, got 0", func() { New(cfg) })
}

func TestForward_SameSeed_SameLogits(t *testing.T) {
	cfg := DefaultConfig()
	a, b := New(cfg), New(cfg)

	got := newSliceCache(cfg.Shape, 16).run(t, a, 1, 2, 3)
	want := newSliceCache(cfg.Shape, 16).run(t, b, 1, 2, 3)

	assert.Len(t, got, cfg.VocabSize)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("logits differ between identical models (-want +got):\n%s", diff)
	}
}

func TestForward_DifferentSeed_DifferentLogits(t *testing.T) {
	cfg := DefaultConfig()
	other := cfg
	other.Seed = cfg.Seed + 1

	a := newSliceCache(cfg.Shape, 16).run(t, New(cfg), 1, 2, 3)
	b := newSliceCache(cfg.Shape, 16).run(t, New(other), 1, 2, 3)

	assert.NotEqual(t, a, b)
}

func TestForward_ParallelHeads_MatchesSerial(t *testing.T) {
	cfg := DefaultConfig()
	par := cfg
	par.Parallel = true

	serial := newSliceCache(cfg.Shape, 16)
	parallel := newSliceCache(cfg.Shape, 16)
	serial.run(t, New(cfg), 5, 6, 7, 8)
	parallel.run(t, New(par), 5, 6, 7, 8)

	if diff := cmp.Diff(serial.run(t, New(cfg), 9), parallel.run(t, New(par), 9)); diff != "" {
		t.Errorf("parallel heads changed logits (-serial +parallel):\n%s", diff)
	}
	assert.Equal(t, serial.keys, parallel.keys)
}

func TestForward_PrefillEqualsIncremental(t *testing.T) {
	// GIVEN one cache fed a whole prompt and one fed it token by token
	cfg := DefaultConfig()
	m := New(cfg)
	whole := newSliceCache(cfg.Shape, 16)
	steps := newSliceCache(cfg.Shape, 16)

	// WHEN both process the same tokens
	a := whole.run(t, m, 10, 20, 30, 40)
	var b []float32
	for _, tok := range []int{10, 20, 30, 40} {
		b = steps.run(t, m, tok)
	}

	// THEN final logits and cached rows are identical
	assert.Equal(t, a, b)
	assert.Equal(t, whole.keys, steps.keys)
	assert.Equal(t, whole.values, steps.values)
}

func TestForward_DependsOnHistory(t *testing.T) {
	cfg := DefaultConfig()
	m := New(cfg)

	a := newSliceCache(cfg.Shape, 16)
	a.run(t, m, 1, 2)
	b := newSliceCache(cfg.Shape, 16)
	b.run(t, m, 3, 4)

	assert.NotEqual(t, a.run(t, m, 9), b.run(t, m, 9))
}

func TestForward_WritesOnlyNewRows(t *testing.T) {
	cfg := DefaultConfig()
	m := New(cfg)
	c := newSliceCache(cfg.Shape, 16)
	c.run(t, m, 1, 2)
	row := cfg.Shape.RowSize()
	before := append([]float32(nil), c.keys[0][:2*row]...)

	c.run(t, m, 3)

	assert.Equal(t, before, c.keys[0][:2*row])
	assert.NotEqual(t, make([]float32, row), c.keys[0][2*row:3*row])
	assert.Equal(t, make([]float32, row), c.keys[0][3*row:4*row])
}

func TestForward_InvalidInput(t *testing.T) {
	cfg := DefaultConfig()
	m := New(cfg)
	c := newSliceCache(cfg.Shape, 4)

	_, err := m.Forward(nil, c, 0)
	assert.Error(t, err)
	_, err = m.Forward([]int{cfg.VocabSize}, c, 0)
	assert.Error(t, err)
	_, err = m.Forward([]int{1, 2, 3, 4, 5}, c, 0)
	assert.Error(t, err)

	other := newSliceCache(engine.ModelShape{NumLayers: 1, NumHeads: 1, HeadDim: 2}, 4)
	_, err = m.Forward([]int{1}, other, 0)
	assert.ErrorIs(t, err, engine.ErrShapeMismatch)
}
