package lm

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-tempo/internal/tensor"
)

var ErrTokenOutOfRange = errors.New("token id out of vocabulary range")

// Embedding is a token embedding table [vocab, dim].
type Embedding struct {
	weight *tensor.Tensor
}

func NewEmbedding(weight *tensor.Tensor) (*Embedding, error) {
	if weight.Rank() != 2 {
		return nil, fmt.Errorf("%w: embedding table %v", tensor.ErrShapeMismatch, weight.Shape())
	}
	return &Embedding{weight: weight}, nil
}

func (e *Embedding) VocabSize() int { return e.weight.Dim(0) }
func (e *Embedding) Dim() int       { return e.weight.Dim(1) }

func (e *Embedding) Weight() *tensor.Tensor { return e.weight }

// Lookup maps ids [B, L] to embeddings [B, L, D].
func (e *Embedding) Lookup(ids *tensor.Int32) (*tensor.Tensor, error) {
	vocab, dim := e.VocabSize(), e.Dim()
	out := tensor.New(ids.Rows(), ids.Cols(), dim)
	for b := 0; b < ids.Rows(); b++ {
		for j, id := range ids.Row(b) {
			if id < 0 || int(id) >= vocab {
				return nil, fmt.Errorf("%w: %d at (%d,%d), vocab %d", ErrTokenOutOfRange, id, b, j, vocab)
			}
			copy(out.Vec(b, j), e.weight.Vec(int(id)))
		}
	}
	return out, nil
}

// Resize returns a table with n rows: existing rows are copied and new rows
// are zero.
func (e *Embedding) Resize(n int) *Embedding {
	dim := e.Dim()
	w := tensor.New(n, dim)
	copy(w.Data(), e.weight.Data()[:min(n, e.VocabSize())*dim])
	return &Embedding{weight: w}
}
