// Package decode prepares the inputs of each autoregressive step after a
// fused prefill.
package decode

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-tempo/internal/kvcache"
	"github.com/23skdu/longbow-tempo/internal/metrics"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

// ErrEmptyCache is returned when the cache has no first-layer keys to inspect.
var ErrEmptyCache = errors.New("kv cache holds no keys")

// AdjustCacheMask rebuilds the attention mask for a decode step over a cache
// filled by a fused prefill. A cached position whose first key component
// sums to zero across heads in layer 0 is treated as never attended; fusion
// zeroes pad-token embeddings so their keys land there. The result is that
// extended mask followed by the last inputLen columns of attn, plus the step
// position ids [B, 1] (attended count minus one).
//
// Zero keys are a heuristic: a real token whose first key component happens
// to sum to zero is masked too.
func AdjustCacheMask(cache kvcache.Cache, attn *tensor.Int32, inputLen int) (*tensor.Int32, *tensor.Int32, error) {
	if cache == nil {
		return nil, nil, ErrEmptyCache
	}
	keys := cache.Keys(0)
	if keys == nil {
		return nil, nil, ErrEmptyCache
	}
	if inputLen < 0 || inputLen > attn.Cols() {
		return nil, nil, fmt.Errorf("%w: input length %d for attention mask with %d columns",
			tensor.ErrShapeMismatch, inputLen, attn.Cols())
	}

	batch := attn.Rows()
	if keys.Dim(0) != batch {
		return nil, nil, fmt.Errorf("%w: cache holds %d rows, attention mask %d",
			kvcache.ErrBatchMismatch, keys.Dim(0), batch)
	}
	heads, cacheLen := keys.Dim(1), keys.Dim(2)
	extended := tensor.FullInt32(batch, cacheLen, 1)
	masked := 0
	for b := 0; b < batch; b++ {
		for s := 0; s < cacheLen; s++ {
			var sum float32
			for h := 0; h < heads; h++ {
				sum += keys.At(b, h, s, 0)
			}
			if sum == 0 {
				extended.Set(b, s, 0)
				masked++
			}
		}
	}

	mask, err := extended.ConcatCols(attn.TailCols(attn.Cols() - inputLen))
	if err != nil {
		return nil, nil, err
	}
	positions := tensor.NewInt32(batch, 1)
	for b := 0; b < batch; b++ {
		positions.Set(b, 0, int32(mask.RowSum(b)-1))
	}
	metrics.RecordCacheMasked(masked)
	return mask, positions, nil
}
