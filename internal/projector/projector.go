// Package projector maps time-series patch features into the text model's
// embedding space.
package projector

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-tempo/internal/config"
	"github.com/23skdu/longbow-tempo/internal/logger"
	"github.com/23skdu/longbow-tempo/internal/metrics"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

// Weights holds the projector parameters. W1 is [Dts, Dtext] and W2 is
// [Dtext, Dtext]; MaskEmbedding is the shared fallback vector used at
// invalid patches.
type Weights struct {
	MaskEmbedding *tensor.Tensor
	W1, B1        *tensor.Tensor
	W2, B2        *tensor.Tensor
}

// Projector maps tower features into the text embedding space.
type Projector struct {
	w      Weights
	act    tensor.ActivationFunc
	inDim  int
	outDim int
	log    *logger.Logger
}

// New validates w against cfg and resolves the configured activation.
func New(cfg config.Config, w Weights) (*Projector, error) {
	act, err := tensor.Activation(cfg.ProjectorActivation())
	if err != nil {
		return nil, fmt.Errorf("projector: %w", err)
	}
	in, out := cfg.TimeSeriesHiddenSize, cfg.TextHiddenSize
	checks := []struct {
		name string
		t    *tensor.Tensor
		want []int
	}{
		{"mask_embedding", w.MaskEmbedding, []int{in}},
		{"w1", w.W1, []int{in, out}},
		{"b1", w.B1, []int{out}},
		{"w2", w.W2, []int{out, out}},
		{"b2", w.B2, []int{out}},
	}
	for _, c := range checks {
		if c.t == nil {
			return nil, fmt.Errorf("%w: projector %s missing", tensor.ErrShapeMismatch, c.name)
		}
		if !sameShape(c.t.Shape(), c.want) {
			return nil, fmt.Errorf("%w: projector %s is %v, want %v",
				tensor.ErrShapeMismatch, c.name, c.t.Shape(), c.want)
		}
	}
	return &Projector{w: w, act: act, inDim: in, outDim: out, log: logger.Component("projector")}, nil
}

// NewRandom builds a projector with small Gaussian weights and a fallback
// vector drawn the same way.
func NewRandom(cfg config.Config, seed int64) (*Projector, error) {
	rng := rand.New(rand.NewSource(seed))
	in, out := cfg.TimeSeriesHiddenSize, cfg.TextHiddenSize
	return New(cfg, Weights{
		MaskEmbedding: tensor.Randn(rng, 0.02, in),
		W1:            tensor.Randn(rng, 0.02, in, out),
		B1:            tensor.New(out),
		W2:            tensor.Randn(rng, 0.02, out, out),
		B2:            tensor.New(out),
	})
}

func (p *Projector) OutDim() int { return p.outDim }

// Forward projects features [N, P, Dts] under the patch mask [N, P] to
// [N, P, Dtext]. Invalid patches take the fallback vector before the MLP.
// A nil mask treats every patch as valid.
func (p *Projector) Forward(features, mask *tensor.Tensor) (*tensor.Tensor, error) {
	if features.Rank() != 3 || features.Dim(2) != p.inDim {
		return nil, fmt.Errorf("%w: projector input %v, want [N P %d]",
			tensor.ErrShapeMismatch, features.Shape(), p.inDim)
	}
	n, patches := features.Dim(0), features.Dim(1)
	if mask != nil && (mask.Rank() != 2 || mask.Dim(0) != n || mask.Dim(1) != patches) {
		return nil, fmt.Errorf("%w: patch mask %v for features %v",
			tensor.ErrShapeMismatch, mask.Shape(), features.Shape())
	}

	blended := features.Clone()
	valid, fallback := n*patches, 0
	if mask != nil {
		valid = 0
		fb := p.w.MaskEmbedding.Data()
		for i := 0; i < n; i++ {
			for j := 0; j < patches; j++ {
				m := mask.At(i, j)
				if m == 1 {
					valid++
					continue
				}
				if m == 0 {
					fallback++
				}
				v := blended.Vec(i, j)
				for d := range v {
					v[d] = v[d]*m + fb[d]*(1-m)
				}
			}
		}
	}

	hidden, err := tensor.Linear(blended, p.w.W1, p.w.B1)
	if err != nil {
		return nil, fmt.Errorf("projector linear_1: %w", err)
	}
	hidden.Apply(p.act)
	out, err := tensor.Linear(hidden, p.w.W2, p.w.B2)
	if err != nil {
		return nil, fmt.Errorf("projector linear_2: %w", err)
	}

	metrics.RecordProjectorPatches(valid, fallback)
	p.log.Debug("projected patches", "instances", n, "patches", patches, "fallback", fallback)
	return out, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
