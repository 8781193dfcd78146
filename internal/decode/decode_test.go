package decode

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tempo/internal/config"
	"github.com/23skdu/longbow-tempo/internal/kvcache"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

const tsTok = 500

func cacheConfig() config.Config {
	cfg := config.Default()
	cfg.Layers = 1
	cfg.KVHeads = 2
	cfg.HeadDim = 2
	return cfg
}

// filledCache appends steps positions of all-ones keys for batch rows.
func filledCache(t *testing.T, cfg config.Config, batch, steps int) kvcache.Cache {
	t.Helper()
	c := kvcache.New(cfg)
	k := tensor.Full(1, batch, cfg.KVHeads, steps, cfg.HeadDim)
	require.NoError(t, c.Append(0, k, k.Clone()))
	return c
}

func TestAdjustCacheMask(t *testing.T) {
	cfg := cacheConfig()
	c := kvcache.New(cfg)
	k := tensor.Full(1, 2, 2, 4, 2)
	for h := 0; h < 2; h++ {
		k.Set(0, 0, h, 0, 0)
		k.Set(0, 0, h, 1, 0)
	}
	// heads cancel out at row 1, position 3
	k.Set(1, 1, 0, 3, 0)
	k.Set(-1, 1, 1, 3, 0)
	require.NoError(t, c.Append(0, k, k.Clone()))

	attn := tensor.MustInt32([][]int32{{1, 1, 1, 1, 1, 1}, {0, 1, 1, 1, 1, 1}})
	mask, pos, err := AdjustCacheMask(c, attn, 1)
	require.NoError(t, err)

	if diff := cmp.Diff([][]int32{{0, 0, 1, 1, 1}, {1, 1, 1, 0, 1}}, mask.ToRows()); diff != "" {
		t.Errorf("extended mask mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, [][]int32{{2}, {3}}, pos.ToRows())
}

func TestAdjustCacheMaskIsIdempotent(t *testing.T) {
	c := filledCache(t, cacheConfig(), 1, 3)
	attn := tensor.MustInt32([][]int32{{1, 1}})

	first, _, err := AdjustCacheMask(c, attn, 1)
	require.NoError(t, err)
	second, _, err := AdjustCacheMask(c, first, 1)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
}

func TestAdjustCacheMaskErrors(t *testing.T) {
	_, _, err := AdjustCacheMask(nil, tensor.FullInt32(1, 1, 1), 1)
	assert.True(t, errors.Is(err, ErrEmptyCache))

	_, _, err = AdjustCacheMask(kvcache.New(cacheConfig()), tensor.FullInt32(1, 1, 1), 1)
	assert.True(t, errors.Is(err, ErrEmptyCache))

	c := filledCache(t, cacheConfig(), 1, 2)
	_, _, err = AdjustCacheMask(c, tensor.FullInt32(1, 1, 1), 2)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))

	// a two-row mask over a one-row cache
	_, _, err = AdjustCacheMask(c, tensor.FullInt32(2, 3, 1), 1)
	assert.True(t, errors.Is(err, kvcache.ErrBatchMismatch))
	assert.ErrorContains(t, err, "cache holds 1 rows, attention mask 2")
}

func TestPrepareInputsPrefill(t *testing.T) {
	ids := tensor.MustInt32([][]int32{{0, 1, tsTok, 6}})
	attn := tensor.MustInt32([][]int32{{0, 1, 1, 1}})

	in, err := PrepareInputs(&StepState{
		InputIDs: ids, AttentionMask: attn, Cache: kvcache.New(cacheConfig()), TimeSeriesTokenID: tsTok,
	})
	require.NoError(t, err)
	assert.Equal(t, PhasePrefill, in.Phase)
	assert.True(t, ids.Equal(in.InputIDs))
	assert.Equal(t, [][]int32{{1, 0, 1, 2}}, in.PositionIDs.ToRows())
	assert.False(t, in.CacheMaskAdjusted)
}

func TestPrepareInputsPrefillPrefersEmbeds(t *testing.T) {
	embeds := tensor.New(1, 3, 4)
	in, err := PrepareInputs(&StepState{
		InputIDs:     tensor.MustInt32([][]int32{{1, 2, 3}}),
		InputsEmbeds: embeds,
	})
	require.NoError(t, err)
	assert.Same(t, embeds, in.InputsEmbeds)
	assert.Nil(t, in.InputIDs)
	assert.Nil(t, in.PositionIDs)
}

func TestPrepareInputsDecodeAfterFusedPrefill(t *testing.T) {
	cfg := cacheConfig()
	c := filledCache(t, cfg, 1, 7)

	// 5 prompt tokens with one placeholder plus one generated token
	ids := tensor.MustInt32([][]int32{{1, 5, tsTok, 6, 7, 42}})
	attn := tensor.FullInt32(1, 6, 1)

	in, err := PrepareInputs(&StepState{
		InputIDs:          ids,
		InputsEmbeds:      tensor.New(1, 6, 4),
		AttentionMask:     attn,
		Cache:             c,
		TimeSeriesValues:  tensor.New(1, 1, 8),
		TimeSeriesTokenID: tsTok,
		UseCache:          true,
	})
	require.NoError(t, err)

	assert.Equal(t, PhaseDecode, in.Phase)
	assert.Nil(t, in.InputsEmbeds, "embeddings are only used before the cache exists")
	assert.Equal(t, [][]int32{{42}}, in.InputIDs.ToRows())
	assert.True(t, in.CacheMaskAdjusted)
	assert.Equal(t, 8, in.AttentionMask.Cols())
	assert.Equal(t, [][]int32{{int32(in.AttentionMask.Count(1) - 1)}}, in.PositionIDs.ToRows())
	assert.Equal(t, [][]int32{{7}}, in.PositionIDs.ToRows())
}

func TestPrepareInputsTrimming(t *testing.T) {
	tests := []struct {
		name      string
		window    int
		seen      int
		ids       [][]int32
		attnCols  int
		wantIDs   [][]int32
		wantAttn  int
		wantPos   [][]int32
		wantPhase Phase
	}{
		{
			name: "ids hold every token", seen: 3,
			ids: [][]int32{{1, 2, 3, 4, 5}}, attnCols: 5,
			wantIDs: [][]int32{{4, 5}}, wantAttn: 5, wantPos: [][]int32{{3, 4}}, wantPhase: PhaseResume,
		},
		{
			name: "mask longer than ids", seen: 4,
			ids: [][]int32{{8, 9}}, attnCols: 5,
			wantIDs: [][]int32{{9}}, wantAttn: 5, wantPos: [][]int32{{4}}, wantPhase: PhaseDecode,
		},
		{
			name: "ids already unprocessed", seen: 6,
			ids: [][]int32{{8, 9}}, attnCols: 0,
			wantIDs: [][]int32{{8, 9}}, wantPhase: PhaseResume,
		},
		{
			name: "sliding window trims the mask", window: 3, seen: 5,
			ids: [][]int32{{1, 2, 3, 4, 5, 6}}, attnCols: 6,
			wantIDs: [][]int32{{6}}, wantAttn: 4, wantPos: [][]int32{{3}}, wantPhase: PhaseDecode,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := cacheConfig()
			cfg.WindowSize = tt.window
			c := filledCache(t, cfg, 1, tt.seen)

			st := &StepState{InputIDs: tensor.MustInt32(tt.ids), Cache: c, TimeSeriesTokenID: tsTok}
			if tt.attnCols > 0 {
				st.AttentionMask = tensor.FullInt32(1, tt.attnCols, 1)
			}
			in, err := PrepareInputs(st)
			require.NoError(t, err)

			assert.Equal(t, tt.wantPhase, in.Phase)
			assert.Equal(t, tt.wantIDs, in.InputIDs.ToRows())
			if tt.attnCols == 0 {
				assert.Nil(t, in.AttentionMask)
				assert.Nil(t, in.PositionIDs)
				return
			}
			assert.Equal(t, tt.wantAttn, in.AttentionMask.Cols())
			assert.Equal(t, tt.wantPos, in.PositionIDs.ToRows())
		})
	}
}

func TestPrepareInputsValidation(t *testing.T) {
	_, err := PrepareInputs(&StepState{})
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))

	_, err = PrepareInputs(&StepState{
		InputIDs:      tensor.NewInt32(2, 3),
		AttentionMask: tensor.NewInt32(1, 3),
	})
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "prefill", PhasePrefill.String())
	assert.Equal(t, "decode", PhaseDecode.String())
	assert.Equal(t, "resume", PhaseResume.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}
