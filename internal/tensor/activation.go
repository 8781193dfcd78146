package tensor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chewxy/math32"
)

// ActivationFunc is an element-wise nonlinearity.
type ActivationFunc func(float32) float32

func gelu(x float32) float32 {
	inner := 0.7978845608 * (x + 0.044715*x*x*x)
	return 0.5 * x * (1 + math32.Tanh(inner))
}

func quickGelu(x float32) float32 {
	return x * Sigmoid(1.702*x)
}

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Silu is x·sigmoid(x).
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

func relu(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

var activations = map[string]ActivationFunc{
	"gelu":              gelu,
	"gelu_new":          gelu,
	"gelu_fast":         gelu,
	"gelu_pytorch_tanh": gelu,
	"quick_gelu":        quickGelu,
	"relu":              relu,
	"silu":              Silu,
	"swish":             Silu,
	"sigmoid":           Sigmoid,
	"tanh":              math32.Tanh,
	"linear":            func(x float32) float32 { return x },
}

// Activation resolves an activation by its configuration name.
func Activation(name string) (ActivationFunc, error) {
	fn, ok := activations[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown activation %q (known: %s)", name, strings.Join(ActivationNames(), ", "))
	}
	return fn, nil
}

func ActivationNames() []string {
	names := make([]string, 0, len(activations))
	for k := range activations {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Apply runs fn over every element of t in place and returns t.
func (t *Tensor) Apply(fn ActivationFunc) *Tensor {
	rows, cols := t.Rows()
	ParallelRows(rows, func(start, end int) {
		for i := start * cols; i < end*cols; i++ {
			t.data[i] = fn(t.data[i])
		}
	})
	return t
}
