package model

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tempo/internal/config"
	"github.com/23skdu/longbow-tempo/internal/decode"
	"github.com/23skdu/longbow-tempo/internal/fusion"
	"github.com/23skdu/longbow-tempo/internal/lm"
	"github.com/23skdu/longbow-tempo/internal/logger"
	"github.com/23skdu/longbow-tempo/internal/sampler"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

const tsTok = 50

func testConfig() config.Config {
	cfg := config.Default()
	cfg.TextHiddenSize = 16
	cfg.IntermediateSize = 32
	cfg.Layers = 2
	cfg.Heads = 2
	cfg.KVHeads = 1
	cfg.HeadDim = 8
	cfg.VocabSize = 64
	cfg.TimeSeriesHiddenSize = 8
	cfg.PatchLen = 2
	cfg.SeqLen = 6
	cfg.Channels = 1
	cfg.TimeSeriesTokenID = tsTok
	return cfg
}

func newModel(t *testing.T) *Model {
	t.Helper()
	m, err := NewRandom(testConfig(), 5)
	require.NoError(t, err)
	return m
}

func scenarioIDs() *tensor.Int32 {
	return tensor.MustInt32([][]int32{
		{1, 5, tsTok, 6, 7},
		{1, 8, 9, 10, 11},
	})
}

func series(n int) *tensor.Tensor {
	v := tensor.New(n, 1, 6)
	for i := range v.Data() {
		v.Data()[i] = float32(math.Sin(float64(i)))
	}
	return v
}

func TestForwardFusesTimeSeries(t *testing.T) {
	m := newModel(t)
	out, err := m.Forward(context.Background(), &Inputs{
		InputIDs:         scenarioIDs(),
		TimeSeriesValues: series(1),
		UseCache:         true,
	})
	require.NoError(t, err)

	assert.Equal(t, []int{2, 7, 64}, out.Logits.Shape())
	assert.Equal(t, []int{1, 3, 8}, out.TimeSeriesHiddenStates.Shape())
	require.NotNil(t, out.Cache)
	assert.Equal(t, 7, out.Cache.SeqLength())
	assert.Nil(t, out.Loss)
}

func TestGenerationStepPositionFollowsExtendedMask(t *testing.T) {
	m := newModel(t)
	ctx := context.Background()
	ids := scenarioIDs()
	attn := tensor.FullInt32(2, 5, 1)

	prefill, err := m.Forward(ctx, &Inputs{
		InputIDs: ids, AttentionMask: attn, TimeSeriesValues: series(1), UseCache: true,
	})
	require.NoError(t, err)
	require.Equal(t, 7, prefill.Cache.SeqLength())

	ids, err = ids.ConcatCols(tensor.MustInt32([][]int32{{20}, {21}}))
	require.NoError(t, err)
	attn, err = attn.ConcatCols(tensor.FullInt32(2, 1, 1))
	require.NoError(t, err)

	in, err := m.PrepareInputsForGeneration(&decode.StepState{
		InputIDs: ids, AttentionMask: attn, Cache: prefill.Cache, TimeSeriesValues: series(1), UseCache: true,
	})
	require.NoError(t, err)
	require.True(t, in.CacheMaskAdjusted)
	assert.Equal(t, [][]int32{{20}, {21}}, in.InputIDs.ToRows())

	for b := 0; b < 2; b++ {
		want := int32(in.AttentionMask.RowSum(b) - 1)
		assert.Equal(t, want, in.PositionIDs.At(b, 0))
	}
	// row 1 was left padded by two fused slots whose cached keys are zero
	assert.Equal(t, [][]int32{{7}, {5}}, in.PositionIDs.ToRows())
	assert.Equal(t, []int32{0, 0, 1, 1, 1, 1, 1, 1}, in.AttentionMask.Row(1))

	step, err := m.Forward(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 64}, step.Logits.Shape())
	assert.Equal(t, 8, step.Cache.SeqLength())
}

func TestForwardAdjustsCacheMaskWhenCallerDidNot(t *testing.T) {
	ctx := context.Background()
	run := func(adjustFirst bool) *tensor.Tensor {
		m := newModel(t)
		prefill, err := m.Forward(ctx, &Inputs{
			InputIDs: scenarioIDs(), TimeSeriesValues: series(1), UseCache: true,
		})
		require.NoError(t, err)

		in := &Inputs{
			InputIDs:         tensor.MustInt32([][]int32{{20}, {21}}),
			AttentionMask:    tensor.FullInt32(2, 6, 1),
			Cache:            prefill.Cache,
			TimeSeriesValues: series(1),
			UseCache:         true,
		}
		if adjustFirst {
			mask, pos, err := decode.AdjustCacheMask(prefill.Cache, in.AttentionMask, 1)
			require.NoError(t, err)
			in.AttentionMask, in.PositionIDs, in.CacheMaskAdjusted = mask, pos, true
		}
		out, err := m.Forward(ctx, in)
		require.NoError(t, err)
		return out.Logits
	}
	assert.True(t, run(true).Equal(run(false)))
}

func TestForwardComputesLoss(t *testing.T) {
	m := newModel(t)
	ids := scenarioIDs()
	out, err := m.Forward(context.Background(), &Inputs{
		InputIDs:         ids,
		TimeSeriesValues: series(1),
		Labels:           ids,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Loss)
	assert.False(t, math.IsNaN(float64(*out.Loss)))
	// a near-uniform random model sits close to log(vocab)
	assert.InDelta(t, math.Log(64), *out.Loss, 0.5)
}

func TestLoss(t *testing.T) {
	uniform := tensor.New(1, 3, 4)
	labels := tensor.MustInt32([][]int32{{-100, 1, 2}})

	loss, err := Loss(uniform, labels, nil, -100)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), loss, 1e-5)

	logits := tensor.New(1, 3, 4)
	logits.Set(10, 0, 0, 1)
	masked := tensor.MustInt32([][]int32{{1, 1, 0}})
	loss, err = Loss(logits, labels, masked, -100)
	require.NoError(t, err)
	assert.Less(t, loss, float32(0.01), "only the confident, unmasked position counts")

	loss, err = Loss(uniform, tensor.FullInt32(1, 3, -100), nil, -100)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(loss)))

	_, err = Loss(uniform, tensor.MustInt32([][]int32{{0, 9, 0}}), nil, -100)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
	_, err = Loss(uniform, tensor.NewInt32(1, 2), nil, -100)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestForwardErrors(t *testing.T) {
	m := newModel(t)
	ctx := context.Background()

	_, err := m.Forward(ctx, &Inputs{})
	assert.True(t, errors.Is(err, ErrNoInputs))

	_, err = m.Forward(ctx, &Inputs{
		InputIDs:         tensor.MustInt32([][]int32{{1, 2, 3}}),
		TimeSeriesValues: series(1),
	})
	assert.True(t, errors.Is(err, fusion.ErrPlaceholderMismatch))

	dec, err := lm.NewRandomDecoder(testConfig(), 1)
	require.NoError(t, err)
	textOnly, err := New(testConfig(), nil, nil, dec)
	require.NoError(t, err)
	_, err = textOnly.Forward(ctx, &Inputs{InputIDs: scenarioIDs(), TimeSeriesValues: series(1)})
	assert.True(t, errors.Is(err, ErrNoTimeSeriesPath))

	_, err = New(testConfig(), nil, nil, nil)
	assert.Error(t, err)
}

func TestForwardWithEmbedsSkipsFusion(t *testing.T) {
	m := newModel(t)
	embeds, err := m.InputEmbeddings().Lookup(tensor.MustInt32([][]int32{{1, 2, 3}}))
	require.NoError(t, err)
	out, err := m.Forward(context.Background(), &Inputs{
		InputsEmbeds:     embeds,
		TimeSeriesValues: series(1),
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 64}, out.Logits.Shape())
	assert.Nil(t, out.TimeSeriesHiddenStates)
}

func TestResizeTokenEmbeddings(t *testing.T) {
	m := newModel(t)
	emb := m.ResizeTokenEmbeddings(80)
	assert.Equal(t, 80, emb.VocabSize())
	assert.Equal(t, 80, m.Config().VocabSize)
}

func TestGenerateGreedyIsDeterministic(t *testing.T) {
	ctx := context.Background()
	req := func() *GenerateRequest {
		return &GenerateRequest{
			InputIDs:         scenarioIDs(),
			TimeSeriesValues: series(1),
			MaxNewTokens:     4,
			Sampler:          sampler.Greedy(),
			IgnoreEOS:        true,
		}
	}
	a, err := newModel(t).Generate(ctx, req())
	require.NoError(t, err)
	b, err := newModel(t).Generate(ctx, req())
	require.NoError(t, err)

	assert.Equal(t, 4, a.Steps)
	require.Len(t, a.Tokens, 2)
	assert.Len(t, a.Tokens[0], 4)
	assert.Equal(t, a.Tokens, b.Tokens)
}

func TestGenerateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := newModel(t).Generate(ctx, &GenerateRequest{
		InputIDs: scenarioIDs(), TimeSeriesValues: series(1), MaxNewTokens: 3,
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Steps)
}

// scriptedLM runs the real decoder but forces the argmax of the last
// position to a scripted token per row and step.
type scriptedLM struct {
	*lm.Decoder
	script [][]int32
	calls  int
}

func (s *scriptedLM) Forward(ctx context.Context, req *lm.Request) (*lm.Output, error) {
	out, err := s.Decoder.Forward(ctx, req)
	if err != nil {
		return nil, err
	}
	last := out.Logits.Dim(1) - 1
	for b := range s.script {
		out.Logits.Set(1e3, b, last, int(s.script[b][min(s.calls, len(s.script[b])-1)]))
	}
	s.calls++
	return out, nil
}

func TestGenerateStopsAtEOS(t *testing.T) {
	cfg := testConfig()
	dec, err := lm.NewRandomDecoder(cfg, 9)
	require.NoError(t, err)
	m, err := NewRandom(cfg, 9)
	require.NoError(t, err)
	m.lm = &scriptedLM{Decoder: dec, script: [][]int32{
		{5, int32(cfg.EOSTokenID), 30, 31},
		{7, 8, 9, int32(cfg.EOSTokenID)},
	}}

	var steps [][]int32
	res, err := m.Generate(context.Background(), &GenerateRequest{
		InputIDs:         scenarioIDs(),
		TimeSeriesValues: series(1),
		MaxNewTokens:     10,
		Sampler:          sampler.Greedy(),
		OnStep:           func(_ int, toks []int32) { steps = append(steps, toks) },
	})
	require.NoError(t, err)

	eos := int32(cfg.EOSTokenID)
	assert.Equal(t, [][]int32{{5, eos}, {7, 8, 9, eos}}, res.Tokens)
	assert.Equal(t, 4, res.Steps)
	pad := int32(cfg.PadTokenID)
	assert.Equal(t, [][]int32{{5, 7}, {eos, 8}, {pad, 9}, {pad, eos}}, steps)
}

func TestGenerateLogsStepsAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger.SetupWriter(&buf, "debug", "json")
	defer logger.Setup("info", "console")

	_, err := newModel(t).Generate(context.Background(), &GenerateRequest{
		InputIDs: scenarioIDs(), TimeSeriesValues: series(1), MaxNewTokens: 1, Sampler: sampler.Greedy(),
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"message":"decode step"`)

	buf.Reset()
	logger.SetupWriter(&buf, "info", "json")
	_, err = newModel(t).Generate(context.Background(), &GenerateRequest{
		InputIDs: scenarioIDs(), TimeSeriesValues: series(1), MaxNewTokens: 1, Sampler: sampler.Greedy(),
	})
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "decode step")
}
