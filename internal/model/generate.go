package model

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-tempo/internal/decode"
	"github.com/23skdu/longbow-tempo/internal/metrics"
	"github.com/23skdu/longbow-tempo/internal/sampler"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

type GenerateRequest struct {
	InputIDs         *tensor.Int32
	AttentionMask    *tensor.Int32 // nil attends every prompt token
	TimeSeriesValues *tensor.Tensor
	TimeSeriesMask   *tensor.Tensor
	MaxNewTokens     int
	Sampler          sampler.Config
	// IgnoreEOS keeps generating after the end-of-sequence token.
	IgnoreEOS bool
	// OnStep, when set, is called with the tokens chosen at each step.
	OnStep func(step int, tokens []int32)
}

type GenerateResult struct {
	// Tokens holds each row's generated ids, ending at EOS when one was
	// produced.
	Tokens [][]int32
	Steps  int
}

// Generate runs a prefill over the prompt and decodes up to MaxNewTokens
// tokens per row. Rows that finish are padded until every row is done. The
// context is checked between steps; on cancellation the tokens produced so
// far are returned with the error.
func (m *Model) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	if req.InputIDs == nil || req.InputIDs.Cols() == 0 {
		return nil, fmt.Errorf("%w: empty prompt", ErrNoInputs)
	}
	batch := req.InputIDs.Rows()
	ids := req.InputIDs.Clone()
	attn := req.AttentionMask
	if attn == nil {
		attn = tensor.FullInt32(batch, ids.Cols(), 1)
	}
	eos := int32(m.cfg.EOSTokenID)
	fill := eos
	if m.cfg.HasPadToken() {
		fill = int32(m.cfg.PadTokenID)
	}

	s := sampler.New(req.Sampler)
	res := &GenerateResult{Tokens: make([][]int32, batch)}
	finished := make([]bool, batch)
	next := tensor.NewInt32(batch, 1)
	ones := tensor.FullInt32(batch, 1, 1)

	cache := m.lm.NewCache()
	for step := 0; step < req.MaxNewTokens; step++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		in, err := m.PrepareInputsForGeneration(&decode.StepState{
			InputIDs:         ids,
			AttentionMask:    attn,
			Cache:            cache,
			TimeSeriesValues: req.TimeSeriesValues,
			TimeSeriesMask:   req.TimeSeriesMask,
			UseCache:         true,
		})
		if err != nil {
			return res, fmt.Errorf("step %d: %w", step, err)
		}
		out, err := m.Forward(ctx, in)
		if err != nil {
			return res, fmt.Errorf("step %d: %w", step, err)
		}
		cache = out.Cache

		last := out.Logits.Dim(1) - 1
		produced := 0
		for b := 0; b < batch; b++ {
			if finished[b] {
				next.Set(b, 0, fill)
				continue
			}
			tok := s.Sample(out.Logits.Vec(b, last), res.Tokens[b])
			next.Set(b, 0, tok)
			res.Tokens[b] = append(res.Tokens[b], tok)
			produced++
			if tok == eos && !req.IgnoreEOS {
				finished[b] = true
			}
		}
		res.Steps++
		metrics.RecordGenerated(produced)
		if m.log.DebugEnabled() {
			m.log.Debug("decode step", "step", step, "tokens", next.ToRows())
		}
		if req.OnStep != nil {
			req.OnStep(step, append([]int32(nil), next.Data()...))
		}

		if ids, err = ids.ConcatCols(next); err != nil {
			return res, err
		}
		if attn, err = attn.ConcatCols(ones); err != nil {
			return res, err
		}
		if allTrue(finished) {
			break
		}
	}
	m.log.Debug("generation finished", "steps", res.Steps, "batch", batch)
	return res, nil
}

func allTrue(v []bool) bool {
	for _, x := range v {
		if !x {
			return false
		}
	}
	return true
}
