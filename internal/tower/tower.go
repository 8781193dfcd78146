// Package tower turns raw multi-channel time series into fixed-size patch
// embeddings for the projector.
package tower

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"

	"github.com/23skdu/longbow-tempo/internal/config"
	"github.com/23skdu/longbow-tempo/internal/logger"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

// Output is what an Encoder hands to the projector.
type Output struct {
	// HiddenStates is [instances, channels*patches, hidden].
	HiddenStates *tensor.Tensor
	// PatchMask is [instances, channels*patches]; 1 for real patches.
	PatchMask *tensor.Tensor
}

// Encoder is the time-series tower contract.
type Encoder interface {
	// Encode takes values [instances, channels, steps] and an observation
	// mask [instances, steps]; a nil mask means every step is observed.
	Encode(values, inputMask *tensor.Tensor) (*Output, error)
}

const normEps = 1e-5

// PatchEncoder is a reference tower: per-channel instance normalisation over
// observed steps, non-overlapping patching and a linear patch embedding.
// Patches are laid out channel-major.
type PatchEncoder struct {
	patchLen int
	hidden   int
	weight   *tensor.Tensor // [patchLen, hidden]
	bias     *tensor.Tensor // [hidden]
	log      *logger.Logger
}

func NewPatchEncoder(cfg config.Config, weight, bias *tensor.Tensor) (*PatchEncoder, error) {
	if weight.Rank() != 2 || weight.Dim(0) != cfg.PatchLen || weight.Dim(1) != cfg.TimeSeriesHiddenSize {
		return nil, fmt.Errorf("%w: patch embedding weight %v, want [%d %d]",
			tensor.ErrShapeMismatch, weight.Shape(), cfg.PatchLen, cfg.TimeSeriesHiddenSize)
	}
	if bias != nil && bias.Len() != cfg.TimeSeriesHiddenSize {
		return nil, fmt.Errorf("%w: patch embedding bias %v", tensor.ErrShapeMismatch, bias.Shape())
	}
	return &PatchEncoder{
		patchLen: cfg.PatchLen,
		hidden:   cfg.TimeSeriesHiddenSize,
		weight:   weight,
		bias:     bias,
		log:      logger.Component("tower"),
	}, nil
}

// NewRandomPatchEncoder builds a PatchEncoder with N(0, 0.02²) weights.
func NewRandomPatchEncoder(cfg config.Config, seed int64) (*PatchEncoder, error) {
	rng := rand.New(rand.NewSource(seed))
	return NewPatchEncoder(cfg,
		tensor.Randn(rng, 0.02, cfg.PatchLen, cfg.TimeSeriesHiddenSize),
		tensor.New(cfg.TimeSeriesHiddenSize))
}

// NumPatches is channels * steps/patchLen.
func (e *PatchEncoder) NumPatches(channels, steps int) int {
	return channels * (steps / e.patchLen)
}

func (e *PatchEncoder) Encode(values, inputMask *tensor.Tensor) (*Output, error) {
	if values.Rank() != 3 {
		return nil, fmt.Errorf("%w: time-series values %v, want [instances channels steps]",
			tensor.ErrShapeMismatch, values.Shape())
	}
	n, channels, steps := values.Dim(0), values.Dim(1), values.Dim(2)
	if steps%e.patchLen != 0 {
		return nil, fmt.Errorf("%w: %d steps is not a multiple of patch length %d",
			tensor.ErrShapeMismatch, steps, e.patchLen)
	}
	if inputMask == nil {
		inputMask = tensor.Full(1, n, steps)
	}
	if inputMask.Rank() != 2 || inputMask.Dim(0) != n || inputMask.Dim(1) != steps {
		return nil, fmt.Errorf("%w: input mask %v, want [%d %d]",
			tensor.ErrShapeMismatch, inputMask.Shape(), n, steps)
	}

	perChannel := steps / e.patchLen
	patches := tensor.New(n, channels*perChannel, e.patchLen)
	patchMask := tensor.New(n, channels*perChannel)

	for i := 0; i < n; i++ {
		mask := inputMask.Vec(i)
		for c := 0; c < channels; c++ {
			normalised := normalise(values.Vec(i, c), mask)
			for p := 0; p < perChannel; p++ {
				slot := c*perChannel + p
				copy(patches.Vec(i, slot), normalised[p*e.patchLen:(p+1)*e.patchLen])
			}
		}
		for p := 0; p < perChannel; p++ {
			if fullyObserved(mask[p*e.patchLen : (p+1)*e.patchLen]) {
				for c := 0; c < channels; c++ {
					patchMask.Set(1, i, c*perChannel+p)
				}
			}
		}
	}

	hidden, err := tensor.Linear(patches, e.weight, e.bias)
	if err != nil {
		return nil, fmt.Errorf("patch embedding: %w", err)
	}
	e.log.Debug("encoded time series", "instances", n, "channels", channels, "patches", channels*perChannel)
	return &Output{HiddenStates: hidden, PatchMask: patchMask}, nil
}

// normalise standardises the observed steps of one channel; unobserved steps
// become zero.
func normalise(series, mask []float32) []float32 {
	var sum, count float32
	for t, v := range series {
		if mask[t] > 0 {
			sum += v
			count++
		}
	}
	out := make([]float32, len(series))
	if count == 0 {
		return out
	}
	mean := sum / count
	var variance float32
	for t, v := range series {
		if mask[t] > 0 {
			d := v - mean
			variance += d * d
		}
	}
	std := math32.Sqrt(variance/count + normEps)
	for t, v := range series {
		if mask[t] > 0 {
			out[t] = (v - mean) / std
		}
	}
	return out
}

func fullyObserved(mask []float32) bool {
	for _, m := range mask {
		if m == 0 {
			return false
		}
	}
	return true
}
