// Package kvcache stores per-layer attention keys and values across decode
// steps.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-tempo/internal/config"
	"github.com/23skdu/longbow-tempo/internal/logger"
	"github.com/23skdu/longbow-tempo/internal/metrics"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

var (
	ErrOutOfBounds   = errors.New("kv cache position out of bounds")
	ErrInvalidLayer  = errors.New("invalid layer index")
	ErrInvalidBeam   = errors.New("invalid beam index")
	ErrBatchMismatch = errors.New("kv cache batch layout changed")
)

// Cache abstraction allows switching between caching strategies.
//
// Keys and Values return the legacy per-layer layout [B, kvHeads, S, headDim]
// where S is SeqLength, or nil while the layer is empty.
type Cache interface {
	Layers() int
	// SeqLength is the number of positions currently retained.
	SeqLength() int
	// SeenTokens is the number of positions ever appended.
	SeenTokens() int
	Keys(layer int) *tensor.Tensor
	Values(layer int) *tensor.Tensor
	// Append adds k and v, both [B, kvHeads, L, headDim], to a layer.
	Append(layer int, k, v *tensor.Tensor) error
	// Reorder selects batch rows, used for beam search.
	Reorder(beam []int) error
}

// New picks a SlidingWindow cache when the config sets a window and a
// Contiguous one otherwise.
func New(cfg config.Config) Cache {
	if cfg.UsesSlidingWindow() {
		return NewSlidingWindow(cfg)
	}
	return NewContiguous(cfg)
}

// store keeps one growable buffer per (batch row, head) for every layer.
type store struct {
	layers  int
	kvHeads int
	headDim int
	batch   int

	k, v   [][][]float32 // [layer][b*kvHeads+h] -> S*headDim
	length []int         // retained positions per layer
	seen   []int         // appended positions per layer
}

func newStore(cfg config.Config) store {
	s := store{
		layers:  cfg.Layers,
		kvHeads: cfg.KVHeads,
		headDim: cfg.HeadDim,
		k:       make([][][]float32, cfg.Layers),
		v:       make([][][]float32, cfg.Layers),
		length:  make([]int, cfg.Layers),
		seen:    make([]int, cfg.Layers),
	}
	return s
}

func (s *store) Layers() int { return s.layers }

func (s *store) SeqLength() int {
	if s.layers == 0 {
		return 0
	}
	return s.length[0]
}

func (s *store) SeenTokens() int {
	if s.layers == 0 {
		return 0
	}
	return s.seen[0]
}

func (s *store) check(layer int, k, v *tensor.Tensor) (int, error) {
	if layer < 0 || layer >= s.layers {
		return 0, fmt.Errorf("%w: %d (layers %d)", ErrInvalidLayer, layer, s.layers)
	}
	if k.Rank() != 4 || k.Dim(1) != s.kvHeads || k.Dim(3) != s.headDim {
		return 0, fmt.Errorf("%w: keys %v, want [B %d L %d]",
			tensor.ErrShapeMismatch, k.Shape(), s.kvHeads, s.headDim)
	}
	if !k.SameShape(v) {
		return 0, fmt.Errorf("%w: keys %v values %v", tensor.ErrShapeMismatch, k.Shape(), v.Shape())
	}
	if s.batch != 0 && k.Dim(0) != s.batch {
		return 0, fmt.Errorf("%w: batch %d, cache holds %d", ErrBatchMismatch, k.Dim(0), s.batch)
	}
	return k.Dim(2), nil
}

func (s *store) append(layer int, k, v *tensor.Tensor) {
	batch, steps := k.Dim(0), k.Dim(2)
	if s.k[layer] == nil {
		s.batch = batch
		s.k[layer] = make([][]float32, batch*s.kvHeads)
		s.v[layer] = make([][]float32, batch*s.kvHeads)
	}
	for b := 0; b < batch; b++ {
		for h := 0; h < s.kvHeads; h++ {
			i := b*s.kvHeads + h
			for t := 0; t < steps; t++ {
				s.k[layer][i] = append(s.k[layer][i], k.Vec(b, h, t)...)
				s.v[layer][i] = append(s.v[layer][i], v.Vec(b, h, t)...)
			}
		}
	}
	s.length[layer] += steps
	s.seen[layer] += steps
}

// dropFront evicts the oldest n positions of a layer.
func (s *store) dropFront(layer, n int) {
	if n <= 0 {
		return
	}
	cut := n * s.headDim
	for i := range s.k[layer] {
		s.k[layer][i] = append(s.k[layer][i][:0], s.k[layer][i][cut:]...)
		s.v[layer][i] = append(s.v[layer][i][:0], s.v[layer][i][cut:]...)
	}
	s.length[layer] -= n
}

func (s *store) gather(buf [][][]float32, layer int) *tensor.Tensor {
	if layer < 0 || layer >= s.layers || buf[layer] == nil {
		return nil
	}
	out := tensor.New(s.batch, s.kvHeads, s.length[layer], s.headDim)
	data := out.Data()
	stride := s.length[layer] * s.headDim
	for i, row := range buf[layer] {
		copy(data[i*stride:(i+1)*stride], row)
	}
	return out
}

func (s *store) Keys(layer int) *tensor.Tensor   { return s.gather(s.k, layer) }
func (s *store) Values(layer int) *tensor.Tensor { return s.gather(s.v, layer) }

func (s *store) Reorder(beam []int) error {
	if s.batch == 0 {
		return nil
	}
	for _, idx := range beam {
		if idx < 0 || idx >= s.batch {
			return fmt.Errorf("%w: %d (batch %d)", ErrInvalidBeam, idx, s.batch)
		}
	}
	for layer := 0; layer < s.layers; layer++ {
		if s.k[layer] == nil {
			continue
		}
		k := make([][]float32, 0, len(beam)*s.kvHeads)
		v := make([][]float32, 0, len(beam)*s.kvHeads)
		for _, idx := range beam {
			for h := 0; h < s.kvHeads; h++ {
				k = append(k, append([]float32(nil), s.k[layer][idx*s.kvHeads+h]...))
				v = append(v, append([]float32(nil), s.v[layer][idx*s.kvHeads+h]...))
			}
		}
		s.k[layer], s.v[layer] = k, v
	}
	s.batch = len(beam)
	metrics.KVCacheReorders.Inc()
	return nil
}

func (s *store) usedBytes() int64 {
	return int64(s.layers * 2 * s.batch * s.kvHeads * s.SeqLength() * s.headDim * 4)
}

// Contiguous is the standard cache: every appended position is kept up to a
// fixed capacity.
type Contiguous struct {
	store
	capacity int
}

func NewContiguous(cfg config.Config) *Contiguous {
	// priority: KVCacheSize, then MaxPositions, then 2048
	capacity := cfg.KVCacheSize
	if capacity == 0 {
		capacity = cfg.MaxPositions
	}
	if capacity == 0 {
		capacity = 2048
	}
	return &Contiguous{store: newStore(cfg), capacity: capacity}
}

func (c *Contiguous) Capacity() int { return c.capacity }

func (c *Contiguous) Append(layer int, k, v *tensor.Tensor) error {
	steps, err := c.check(layer, k, v)
	if err != nil {
		return err
	}
	if c.length[layer]+steps > c.capacity {
		metrics.RecordKVCacheOutOfBounds()
		return fmt.Errorf("%w: %d positions (max %d)", ErrOutOfBounds, c.length[layer]+steps, c.capacity)
	}
	c.append(layer, k, v)
	if layer == 0 {
		metrics.RecordKVCacheUsed(c.usedBytes())
	}
	return nil
}

// SlidingWindow keeps only the last window positions, so SeqLength stops
// growing once the window is full while SeenTokens keeps counting.
type SlidingWindow struct {
	store
	window int
}

func NewSlidingWindow(cfg config.Config) *SlidingWindow {
	window := cfg.WindowSize
	if window == 0 {
		window = cfg.MaxPositions
	}
	if window == 0 {
		window = 2048
	}
	return &SlidingWindow{store: newStore(cfg), window: window}
}

func (c *SlidingWindow) Window() int { return c.window }

func (c *SlidingWindow) Append(layer int, k, v *tensor.Tensor) error {
	if _, err := c.check(layer, k, v); err != nil {
		return err
	}
	c.append(layer, k, v)
	if over := c.length[layer] - c.window; over > 0 {
		c.dropFront(layer, over)
		if layer == 0 {
			metrics.RecordKVCacheEvictions(over)
			logger.Log.Debug("sliding window evicted", "positions", over, "seen", c.seen[layer])
		}
	}
	if layer == 0 {
		metrics.RecordKVCacheUsed(c.usedBytes())
	}
	return nil
}
