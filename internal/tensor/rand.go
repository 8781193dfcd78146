package tensor

import "math/rand"

// Randn fills a new tensor with N(0, std²) samples from rng. It backs the
// reference weights used by tests and the demo CLI.
func Randn(rng *rand.Rand, std float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64()) * std
	}
	return t
}
