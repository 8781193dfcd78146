package decode

import (
	"fmt"

	"github.com/23skdu/longbow-tempo/internal/kvcache"
	"github.com/23skdu/longbow-tempo/internal/metrics"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

// Phase is the generation state a step runs in.
type Phase int

const (
	// PhasePrefill runs with no cache yet.
	PhasePrefill Phase = iota
	// PhaseDecode feeds a single new token against the cache.
	PhaseDecode
	// PhaseResume feeds several unprocessed tokens against the cache.
	PhaseResume
)

func (p Phase) String() string {
	switch p {
	case PhasePrefill:
		return "prefill"
	case PhaseDecode:
		return "decode"
	case PhaseResume:
		return "resume"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// StepState is what the generation loop knows before a step: every id so
// far, the running attention mask and the cache of the previous step.
type StepState struct {
	InputIDs         *tensor.Int32
	InputsEmbeds     *tensor.Tensor
	AttentionMask    *tensor.Int32
	PositionIDs      *tensor.Int32
	Cache            kvcache.Cache
	TimeSeriesValues *tensor.Tensor
	TimeSeriesMask   *tensor.Tensor
	UseCache         bool

	TimeSeriesTokenID int32
}

// StepInputs is the bundle handed to the model's forward call. Exactly one
// of InputIDs and InputsEmbeds is set.
type StepInputs struct {
	InputIDs         *tensor.Int32
	InputsEmbeds     *tensor.Tensor
	AttentionMask    *tensor.Int32
	PositionIDs      *tensor.Int32
	Cache            kvcache.Cache
	TimeSeriesValues *tensor.Tensor
	TimeSeriesMask   *tensor.Tensor
	UseCache         bool

	Phase Phase
	// CacheMaskAdjusted marks AttentionMask and PositionIDs as already
	// rebuilt from the cache.
	CacheMaskAdjusted bool
}

// PrepareInputs trims the ids to the tokens the cache has not processed and
// derives the matching attention mask and position ids.
func PrepareInputs(st *StepState) (*StepInputs, error) {
	if st.InputIDs == nil {
		return nil, fmt.Errorf("%w: input ids are required", tensor.ErrShapeMismatch)
	}
	ids, attn := st.InputIDs, st.AttentionMask
	if attn != nil && attn.Rows() != ids.Rows() {
		return nil, fmt.Errorf("%w: attention mask rows %d for %d id rows",
			tensor.ErrShapeMismatch, attn.Rows(), ids.Rows())
	}

	cache := st.Cache
	hasCache := cache != nil && cache.SeenTokens() > 0
	if hasCache {
		cacheLen, past := cache.SeqLength(), cache.SeenTokens()
		switch {
		case attn != nil && attn.Cols() > ids.Cols():
			// part of the input only ever reached the model through the cache
			ids = ids.TailCols(-(attn.Cols() - past))
		case past < ids.Cols():
			ids = ids.TailCols(past)
		case ids.Contains(st.TimeSeriesTokenID):
			// the placeholder already expanded at prefill
			ids = ids.TailCols(ids.Cols() - 1)
		}
		if cacheLen < past && attn != nil {
			attn = attn.TailCols(-(cacheLen + ids.Cols()))
		}
	}

	positions := st.PositionIDs
	if positions == nil && attn != nil {
		positions = tensor.CumsumPositions(attn)
		if hasCache {
			positions = positions.TailCols(-ids.Cols())
		}
	}

	in := &StepInputs{
		AttentionMask:    attn,
		PositionIDs:      positions,
		Cache:            cache,
		TimeSeriesValues: st.TimeSeriesValues,
		TimeSeriesMask:   st.TimeSeriesMask,
		UseCache:         st.UseCache,
	}
	if st.InputsEmbeds != nil && !hasCache {
		in.InputsEmbeds = st.InputsEmbeds
	} else {
		in.InputIDs = ids
	}

	switch {
	case !hasCache:
		in.Phase = PhasePrefill
	case ids.Cols() == 1:
		in.Phase = PhaseDecode
	default:
		in.Phase = PhaseResume
	}

	if in.Phase == PhaseDecode && st.TimeSeriesValues != nil {
		if attn == nil {
			attn = tensor.FullInt32(ids.Rows(), 1, 1)
		}
		mask, pos, err := AdjustCacheMask(cache, attn, 1)
		if err != nil {
			return nil, fmt.Errorf("adjust cache mask: %w", err)
		}
		in.AttentionMask, in.PositionIDs = mask, pos
		in.CacheMaskAdjusted = true
	}

	metrics.RecordDecodeStep(in.Phase.String())
	return in, nil
}
