package lm

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/chewxy/math32"

	"github.com/23skdu/longbow-tempo/internal/config"
	"github.com/23skdu/longbow-tempo/internal/kvcache"
	"github.com/23skdu/longbow-tempo/internal/logger"
	"github.com/23skdu/longbow-tempo/internal/metrics"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

// LayerWeights are the parameters of one decoder block. Projections are
// stored [in, out]; attention projections carry no bias.
type LayerWeights struct {
	AttnNorm *tensor.Tensor
	AttnQ    *tensor.Tensor // [D, heads*headDim]
	AttnK    *tensor.Tensor // [D, kvHeads*headDim]
	AttnV    *tensor.Tensor // [D, kvHeads*headDim]
	AttnO    *tensor.Tensor // [heads*headDim, D]
	FfnNorm  *tensor.Tensor
	FfnGate  *tensor.Tensor // [D, I]
	FfnUp    *tensor.Tensor // [D, I]
	FfnDown  *tensor.Tensor // [I, D]
}

type Weights struct {
	TokenEmb   *tensor.Tensor // [vocab, D]
	Layers     []LayerWeights
	OutputNorm *tensor.Tensor
	// Output is the [vocab, D] head; nil ties it to TokenEmb.
	Output *tensor.Tensor
}

// Decoder is a Llama-style causal decoder: RMSNorm, rotary positions at
// explicit position ids, grouped-query attention over the cache and SwiGLU.
type Decoder struct {
	cfg     config.Config
	emb     *Embedding
	layers  []LayerWeights
	norm    *tensor.Tensor
	output  *tensor.Tensor
	heads   int
	kvHeads int
	headDim int
	log     *logger.Logger
}

func NewDecoder(cfg config.Config, w Weights) (*Decoder, error) {
	emb, err := NewEmbedding(w.TokenEmb)
	if err != nil {
		return nil, err
	}
	if emb.Dim() != cfg.TextHiddenSize {
		return nil, fmt.Errorf("%w: embedding dim %d, hidden size %d",
			tensor.ErrShapeMismatch, emb.Dim(), cfg.TextHiddenSize)
	}
	if len(w.Layers) != cfg.Layers {
		return nil, fmt.Errorf("%w: %d layer weights for %d layers",
			tensor.ErrShapeMismatch, len(w.Layers), cfg.Layers)
	}
	if w.Output == nil && !cfg.TieEmbeddings {
		return nil, fmt.Errorf("%w: output head missing and embeddings not tied", tensor.ErrShapeMismatch)
	}
	return &Decoder{
		cfg:     cfg,
		emb:     emb,
		layers:  w.Layers,
		norm:    w.OutputNorm,
		output:  w.Output,
		heads:   cfg.Heads,
		kvHeads: cfg.KVHeads,
		headDim: cfg.HeadDim,
		log:     logger.Component("decoder"),
	}, nil
}

// NewRandomDecoder builds a decoder with N(0, 0.02²) projections and unit
// norms.
func NewRandomDecoder(cfg config.Config, seed int64) (*Decoder, error) {
	rng := rand.New(rand.NewSource(seed))
	d, inter := cfg.TextHiddenSize, cfg.IntermediateSize
	q, kv := cfg.Heads*cfg.HeadDim, cfg.KVHeads*cfg.HeadDim
	w := Weights{
		TokenEmb:   tensor.Randn(rng, 0.02, cfg.VocabSize, d),
		OutputNorm: tensor.Full(1, d),
	}
	for i := 0; i < cfg.Layers; i++ {
		w.Layers = append(w.Layers, LayerWeights{
			AttnNorm: tensor.Full(1, d),
			AttnQ:    tensor.Randn(rng, 0.02, d, q),
			AttnK:    tensor.Randn(rng, 0.02, d, kv),
			AttnV:    tensor.Randn(rng, 0.02, d, kv),
			AttnO:    tensor.Randn(rng, 0.02, q, d),
			FfnNorm:  tensor.Full(1, d),
			FfnGate:  tensor.Randn(rng, 0.02, d, inter),
			FfnUp:    tensor.Randn(rng, 0.02, d, inter),
			FfnDown:  tensor.Randn(rng, 0.02, inter, d),
		})
	}
	if !cfg.TieEmbeddings {
		w.Output = tensor.Randn(rng, 0.02, cfg.VocabSize, d)
	}
	return NewDecoder(cfg, w)
}

func (m *Decoder) InputEmbeddings() *Embedding { return m.emb }

func (m *Decoder) ResizeEmbeddings(n int) *Embedding {
	m.emb = m.emb.Resize(n)
	if m.output != nil {
		out, _ := NewEmbedding(m.output)
		m.output = out.Resize(n).Weight()
	}
	m.cfg.VocabSize = n
	return m.emb
}

func (m *Decoder) NewCache() kvcache.Cache { return kvcache.New(m.cfg) }

func (m *Decoder) ReorderCache(cache kvcache.Cache, beam []int) error {
	if cache == nil {
		return nil
	}
	return cache.Reorder(beam)
}

func (m *Decoder) Forward(ctx context.Context, req *Request) (*Output, error) {
	start := time.Now()
	x := req.InputsEmbeds
	if x == nil || x.Rank() != 3 || x.Dim(2) != m.cfg.TextHiddenSize {
		return nil, fmt.Errorf("%w: inputs_embeds must be [B L %d]", tensor.ErrShapeMismatch, m.cfg.TextHiddenSize)
	}
	batch, steps := x.Dim(0), x.Dim(1)

	cache := req.Cache
	if cache == nil && req.UseCache {
		cache = m.NewCache()
	}
	past := 0
	if cache != nil {
		past = cache.SeqLength()
	}
	total := past + steps

	mask := req.AttentionMask
	if mask == nil {
		mask = tensor.FullInt32(batch, total, 1)
	}
	if mask.Rows() != batch || mask.Cols() < total {
		return nil, fmt.Errorf("%w: attention mask [%d %d] for %d cached + %d new positions",
			tensor.ErrShapeMismatch, mask.Rows(), mask.Cols(), past, steps)
	}
	mask = mask.TailCols(mask.Cols() - total)

	positions := req.PositionIDs
	if positions == nil {
		positions = tensor.CumsumPositions(mask).TailCols(past)
	}
	if positions.Rows() != batch || positions.Cols() != steps {
		return nil, fmt.Errorf("%w: position ids [%d %d] for inputs [%d %d]",
			tensor.ErrShapeMismatch, positions.Rows(), positions.Cols(), batch, steps)
	}

	out := &Output{}
	hidden := x.Clone()
	if req.OutputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, hidden.Clone())
	}

	// New keys and values are held back until every layer ran, so a failed
	// or cancelled forward leaves the cache as it was.
	newKs := make([]*tensor.Tensor, len(m.layers))
	newVs := make([]*tensor.Tensor, len(m.layers))
	for l := range m.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var pastK, pastV *tensor.Tensor
		if cache != nil {
			pastK, pastV = cache.Keys(l), cache.Values(l)
		}
		next, newK, newV, probs, err := m.layer(l, hidden, positions, mask, pastK, pastV, req.OutputAttentions)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", l, err)
		}
		newKs[l], newVs[l] = newK, newV
		hidden = next
		if req.OutputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, hidden.Clone())
		}
		if req.OutputAttentions {
			out.Attentions = append(out.Attentions, probs)
		}
	}

	normed, err := tensor.RMSNorm(hidden, m.norm, m.cfg.RMSNormEps)
	if err != nil {
		return nil, fmt.Errorf("final norm: %w", err)
	}
	if req.OutputHiddenStates {
		out.HiddenStates[len(out.HiddenStates)-1] = normed
	}

	head := m.emb.Weight()
	if m.output != nil {
		head = m.output
	}
	if out.Logits, err = tensor.LinearT(normed, head, nil); err != nil {
		return nil, fmt.Errorf("lm head: %w", err)
	}
	if req.UseCache {
		for l := range m.layers {
			if err := cache.Append(l, newKs[l], newVs[l]); err != nil {
				return nil, fmt.Errorf("layer %d cache: %w", l, err)
			}
		}
		out.Cache = cache
	}

	metrics.RecordForward("decoder", time.Since(start))
	m.log.Debug("decoder forward", "batch", batch, "steps", steps, "past", past)
	return out, nil
}

// layer runs one block and returns its output, the new keys and values as
// [B, kvHeads, L, headDim] and, when asked, the attention probabilities.
func (m *Decoder) layer(l int, x *tensor.Tensor, positions, mask *tensor.Int32,
	pastK, pastV *tensor.Tensor, wantProbs bool) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {

	w := m.layers[l]
	batch, steps := x.Dim(0), x.Dim(1)
	h, err := tensor.RMSNorm(x, w.AttnNorm, m.cfg.RMSNormEps)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	q, err := tensor.Linear(h, w.AttnQ, nil)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	k, err := tensor.Linear(h, w.AttnK, nil)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	v, err := tensor.Linear(h, w.AttnV, nil)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	newK := tensor.New(batch, m.kvHeads, steps, m.headDim)
	newV := tensor.New(batch, m.kvHeads, steps, m.headDim)
	for b := 0; b < batch; b++ {
		for t := 0; t < steps; t++ {
			pos := int(positions.At(b, t))
			qv := q.Vec(b, t)
			for hd := 0; hd < m.heads; hd++ {
				tensor.RoPE(qv[hd*m.headDim:(hd+1)*m.headDim], pos, m.cfg.RopeTheta)
			}
			kv, vv := k.Vec(b, t), v.Vec(b, t)
			for hd := 0; hd < m.kvHeads; hd++ {
				dst := newK.Vec(b, hd, t)
				copy(dst, kv[hd*m.headDim:(hd+1)*m.headDim])
				tensor.RoPE(dst, pos, m.cfg.RopeTheta)
				copy(newV.Vec(b, hd, t), vv[hd*m.headDim:(hd+1)*m.headDim])
			}
		}
	}

	past := 0
	if pastK != nil {
		past = pastK.Dim(2)
	}
	total := past + steps
	keyAt := func(b, hd, s int) ([]float32, []float32) {
		if s < past {
			return pastK.Vec(b, hd, s), pastV.Vec(b, hd, s)
		}
		return newK.Vec(b, hd, s-past), newV.Vec(b, hd, s-past)
	}

	attn := tensor.New(batch, steps, m.heads*m.headDim)
	var probs *tensor.Tensor
	if wantProbs {
		probs = tensor.New(batch, m.heads, steps, total)
	}
	scale := 1 / math32.Sqrt(float32(m.headDim))
	groups := m.heads / m.kvHeads
	negInf := math32.Inf(-1)

	tensor.ParallelRows(batch*m.heads, func(lo, hi int) {
		scores := make([]float32, total)
		for i := lo; i < hi; i++ {
			b, hd := i/m.heads, i%m.heads
			kvh := hd / groups
			for t := 0; t < steps; t++ {
				qv := q.Vec(b, t)[hd*m.headDim : (hd+1)*m.headDim]
				for s := 0; s < total; s++ {
					if s > past+t || mask.At(b, s) == 0 {
						scores[s] = negInf
						continue
					}
					key, _ := keyAt(b, kvh, s)
					scores[s] = tensor.Dot(qv, key) * scale
				}
				tensor.Softmax(scores)
				dst := attn.Vec(b, t)[hd*m.headDim : (hd+1)*m.headDim]
				for s, p := range scores {
					if p == 0 {
						continue
					}
					_, val := keyAt(b, kvh, s)
					for d := range dst {
						dst[d] += p * val[d]
					}
				}
				if probs != nil {
					copy(probs.Vec(b, hd, t), scores)
				}
			}
		}
	})

	o, err := tensor.Linear(attn, w.AttnO, nil)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	resid, err := tensor.Add(x, o)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	h2, err := tensor.RMSNorm(resid, w.FfnNorm, m.cfg.RMSNormEps)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	gate, err := tensor.Linear(h2, w.FfnGate, nil)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	up, err := tensor.Linear(h2, w.FfnUp, nil)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	act, err := tensor.Mul(gate.Apply(tensor.Silu), up)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	down, err := tensor.Linear(act, w.FfnDown, nil)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := tensor.AddInPlace(resid, down); err != nil {
		return nil, nil, nil, nil, err
	}
	return resid, newK, newV, probs, nil
}
