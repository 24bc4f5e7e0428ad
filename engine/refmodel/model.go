// Package refmodel is a small deterministic attention model satisfying
// engine.Model. Weights are drawn from a seeded generator, so two models with the
// same Config compute bit-identical logits. It exists to drive the runtime end to
// end without external weights: numerical quality is irrelevant, but every output
// depends on the session's cached keys and values and on nothing else.
package refmodel

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"

	"github.com/inference-sim/inference-runtime/engine"
)

// Config describes a reference model.
type Config struct {
	Shape     engine.ModelShape `yaml:"shape"`
	VocabSize int               `yaml:"vocab_size"`
	Seed      int64             `yaml:"seed"`
	Parallel  bool              `yaml:"parallel"` // fan attention heads out to goroutines
}

// DefaultConfig returns a small model suited to benchmarks and tests.
func DefaultConfig() Config {
	return Config{
		Shape:     engine.ModelShape{NumLayers: 2, NumHeads: 4, HeadDim: 8},
		VocabSize: 256,
		Seed:      42,
	}
}

type weights struct {
	embedding []float32   // (vocab, dim), tied with the classifier
	wq        [][]float32 // per layer (dim, dim)
	wk        [][]float32
	wv        [][]float32
	wo        [][]float32
}

// runState holds the activations of one position. Pooled per model.
type runState struct {
	x, xb, xb2 []float32 // (dim,)
	q, k, v    []float32 // (dim,)
	att        []float32 // (heads, capacity)
}

// Model is the reference engine.Model. Forward is safe for concurrent use on
// different caches.
type Model struct {
	cfg    Config
	dim    int
	w      weights
	states sync.Pool
}

var _ engine.Model = (*Model)(nil)

// New builds a model. Panics on invalid configuration.
func New(cfg Config) *Model {
	if err := cfg.Shape.Validate(); err != nil {
		panic(fmt.Sprintf("refmodel.New: %v", err))
	}
	if cfg.VocabSize <= 0 {
		panic(fmt.Sprintf("refmodel.New: VocabSize must be > 0, got %d", cfg.VocabSize))
	}
	dim := cfg.Shape.RowSize()
	rng := rand.New(rand.NewSource(deriveSeed(cfg.Seed, "weights")))
	scale := float32(1 / math.Sqrt(float64(dim)))
	m := &Model{cfg: cfg, dim: dim}
	m.w.embedding = randomMatrix(rng, cfg.VocabSize*dim, 1)
	for l := 0; l < cfg.Shape.NumLayers; l++ {
		m.w.wq = append(m.w.wq, randomMatrix(rng, dim*dim, scale))
		m.w.wk = append(m.w.wk, randomMatrix(rng, dim*dim, scale))
		m.w.wv = append(m.w.wv, randomMatrix(rng, dim*dim, scale))
		m.w.wo = append(m.w.wo, randomMatrix(rng, dim*dim, scale))
	}
	return m
}

// deriveSeed isolates a named stream from the master seed.
func deriveSeed(seed int64, name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return seed ^ int64(h.Sum64())
}

func randomMatrix(rng *rand.Rand, n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * scale
	}
	return out
}

func (m *Model) Shape() engine.ModelShape { return m.cfg.Shape }
func (m *Model) VocabSize() int           { return m.cfg.VocabSize }

// Forward runs tokens at positions positionOffset.. writing each layer's key and
// value rows into cache, and returns the logits of the last token.
func (m *Model) Forward(tokens []int, cache engine.KVCache, positionOffset int) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("forward needs at least one token")
	}
	if cache.Shape() != m.cfg.Shape {
		return nil, fmt.Errorf("%w: cache %v, model %v", engine.ErrShapeMismatch, cache.Shape(), m.cfg.Shape)
	}
	if positionOffset < 0 || positionOffset+len(tokens) > cache.Cap() {
		return nil, fmt.Errorf("%d tokens at offset %d overflow cache capacity %d", len(tokens), positionOffset, cache.Cap())
	}
	for _, tok := range tokens {
		if tok < 0 || tok >= m.cfg.VocabSize {
			return nil, fmt.Errorf("token %d outside vocabulary of %d", tok, m.cfg.VocabSize)
		}
	}

	s := m.state(cache.Cap())
	defer m.states.Put(s)
	for i, tok := range tokens {
		m.step(s, tok, positionOffset+i, cache)
	}

	rmsNorm(s.x, s.x)
	logits := make([]float32, m.cfg.VocabSize)
	matMul(logits, s.x, m.w.embedding)
	return logits, nil
}

func (m *Model) state(capacity int) *runState {
	heads := m.cfg.Shape.NumHeads
	if s, ok := m.states.Get().(*runState); ok && len(s.att) >= heads*capacity {
		return s
	}
	return &runState{
		x:   make([]float32, m.dim),
		xb:  make([]float32, m.dim),
		xb2: make([]float32, m.dim),
		q:   make([]float32, m.dim),
		k:   make([]float32, m.dim),
		v:   make([]float32, m.dim),
		att: make([]float32, heads*capacity),
	}
}

// step processes one token at pos, attending over cache rows [0, pos].
func (m *Model) step(s *runState, token, pos int, cache engine.KVCache) {
	dim := m.dim
	headSize := m.cfg.Shape.HeadDim
	capacity := cache.Cap()
	copy(s.x, m.w.embedding[token*dim:(token+1)*dim])

	for l := 0; l < m.cfg.Shape.NumLayers; l++ {
		rmsNorm(s.xb, s.x)
		matMul(s.q, s.xb, m.w.wq[l])
		matMul(s.k, s.xb, m.w.wk[l])
		matMul(s.v, s.xb, m.w.wv[l])
		rope(s.q, s.k, pos, headSize)

		keys, values := cache.Keys(l), cache.Values(l)
		copy(keys[pos*dim:(pos+1)*dim], s.k)
		copy(values[pos*dim:(pos+1)*dim], s.v)

		head := func(h int) {
			q := s.q[h*headSize : (h+1)*headSize]
			att := s.att[h*capacity : h*capacity+pos+1]
			for t := 0; t <= pos; t++ {
				k := keys[t*dim+h*headSize : t*dim+(h+1)*headSize]
				var score float32
				for i := range q {
					score += q[i] * k[i]
				}
				att[t] = score / float32(math.Sqrt(float64(headSize)))
			}
			softMax(att)
			out := s.xb[h*headSize : (h+1)*headSize]
			clear(out)
			for t, a := range att {
				v := values[t*dim+h*headSize : t*dim+(h+1)*headSize]
				for i := range out {
					out[i] += a * v[i]
				}
			}
		}
		if m.cfg.Parallel && m.cfg.Shape.NumHeads > 1 {
			var wg sync.WaitGroup
			wg.Add(m.cfg.Shape.NumHeads)
			for h := 0; h < m.cfg.Shape.NumHeads; h++ {
				go func(h int) {
					defer wg.Done()
					head(h)
				}(h)
			}
			wg.Wait()
		} else {
			for h := 0; h < m.cfg.Shape.NumHeads; h++ {
				head(h)
			}
		}

		matMul(s.xb2, s.xb, m.w.wo[l])
		accum(s.x, s.xb2)
	}
}

// rope rotates q and k pairwise by a position dependent angle per head.
func rope(q, k []float32, pos, headSize int) {
	for i := 0; i+1 < len(q); i += 2 {
		headDim := i % headSize
		freq := 1.0 / math.Pow(10000, float64(headDim)/float64(headSize))
		val := float64(pos) * freq
		fcr := float32(math.Cos(val))
		fci := float32(math.Sin(val))
		for _, vec := range [2][]float32{q, k} {
			v0, v1 := vec[i], vec[i+1]
			vec[i] = v0*fcr - v1*fci
			vec[i+1] = v0*fci + v1*fcr
		}
	}
}
