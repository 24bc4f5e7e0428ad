package engine

import "fmt"

// ModelShape describes the attention geometry a cache entry is laid out for.
// Two shapes are compatible only if they are equal.
type ModelShape struct {
	NumLayers int `yaml:"num_layers"`
	NumHeads  int `yaml:"num_heads"`
	HeadDim   int `yaml:"head_dim"`
}

// Validate checks that all dimensions are positive.
func (s ModelShape) Validate() error {
	if s.NumLayers <= 0 || s.NumHeads <= 0 || s.HeadDim <= 0 {
		return fmt.Errorf("invalid model shape %v: all dimensions must be > 0", s)
	}
	return nil
}

// RowSize returns the number of floats stored per position per layer.
func (s ModelShape) RowSize() int {
	return s.NumHeads * s.HeadDim
}

func (s ModelShape) String() string {
	return fmt.Sprintf("layers=%d heads=%d headDim=%d", s.NumLayers, s.NumHeads, s.HeadDim)
}

// KVCache is the view of one session's attention state handed to a Model.
// Keys and Values return full-capacity row-major buffers of Cap()*RowSize floats;
// positions [0, Len()) hold valid history. Forward writes its new rows at
// positionOffset and onward, the executor commits them afterwards.
type KVCache interface {
	Shape() ModelShape
	Len() int
	Cap() int
	Keys(layer int) []float32
	Values(layer int) []float32
}

// Model is the external forward-pass collaborator.
// Forward must be side-effect free except for writing into cache, and returns the
// logits of the final input position only. The returned slice belongs to the caller.
// Forward may be called concurrently for different caches.
type Model interface {
	Shape() ModelShape
	VocabSize() int
	Forward(tokens []int, cache KVCache, positionOffset int) ([]float32, error)
}
