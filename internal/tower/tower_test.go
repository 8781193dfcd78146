package tower

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tempo/internal/config"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

func smallConfig() config.Config {
	cfg := config.Default()
	cfg.PatchLen = 2
	cfg.SeqLen = 6
	cfg.Channels = 2
	cfg.TimeSeriesHiddenSize = 3
	return cfg
}

func TestEncodeShapesAndPatchMask(t *testing.T) {
	cfg := smallConfig()
	enc, err := NewRandomPatchEncoder(cfg, 1)
	require.NoError(t, err)

	values := tensor.New(2, 2, 6)
	for i := range values.Data() {
		values.Data()[i] = float32(i % 5)
	}
	mask := tensor.MustFromData([]float32{
		1, 1, 1, 1, 1, 1,
		0, 1, 1, 1, 1, 0,
	}, 2, 6)

	out, err := enc.Encode(values, mask)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 6, 3}, out.HiddenStates.Shape())
	assert.Equal(t, []int{2, 6}, out.PatchMask.Shape())
	assert.Equal(t, 6, enc.NumPatches(2, 6))

	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, out.PatchMask.Vec(0))
	// patches 0 and 2 of instance 1 contain unobserved steps, repeated per channel
	assert.Equal(t, []float32{0, 1, 0, 0, 1, 0}, out.PatchMask.Vec(1))
}

func TestEncodeNilMaskMeansObserved(t *testing.T) {
	cfg := smallConfig()
	enc, err := NewRandomPatchEncoder(cfg, 2)
	require.NoError(t, err)

	out, err := enc.Encode(tensor.New(1, 2, 6), nil)
	require.NoError(t, err)
	for _, v := range out.PatchMask.Data() {
		assert.Equal(t, float32(1), v)
	}
}

func TestEncodeRejectsBadShapes(t *testing.T) {
	cfg := smallConfig()
	enc, err := NewRandomPatchEncoder(cfg, 3)
	require.NoError(t, err)

	_, err = enc.Encode(tensor.New(1, 2, 5), nil)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
	_, err = enc.Encode(tensor.New(2, 6), nil)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
	_, err = enc.Encode(tensor.New(1, 2, 6), tensor.New(2, 6))
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestNormaliseIgnoresUnobserved(t *testing.T) {
	got := normalise([]float32{100, 1, 3}, []float32{0, 1, 1})
	assert.Equal(t, float32(0), got[0])
	assert.InDelta(t, -1, got[1], 1e-3)
	assert.InDelta(t, 1, got[2], 1e-3)

	assert.Equal(t, []float32{0, 0}, normalise([]float32{4, 5}, []float32{0, 0}))
}

func TestNewPatchEncoderValidatesWeights(t *testing.T) {
	cfg := smallConfig()
	_, err := NewPatchEncoder(cfg, tensor.New(3, 3), nil)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}
