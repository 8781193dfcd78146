package model

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/23skdu/longbow-tempo/internal/tensor"
)

// Loss is the mean next-token cross entropy: logits at t predict labels at
// t+1. Positions whose shifted attention mask is zero and labels equal to
// ignoreIndex are skipped. With nothing left to count the loss is NaN.
func Loss(logits *tensor.Tensor, labels, attn *tensor.Int32, ignoreIndex int32) (float32, error) {
	if logits.Rank() != 3 || logits.Dim(0) != labels.Rows() || logits.Dim(1) != labels.Cols() {
		return 0, fmt.Errorf("%w: logits %v for labels [%d %d]",
			tensor.ErrShapeMismatch, logits.Shape(), labels.Rows(), labels.Cols())
	}
	batch, steps, vocab := logits.Dim(0), logits.Dim(1), logits.Dim(2)
	if attn != nil {
		if attn.Rows() != batch || attn.Cols() < steps {
			return 0, fmt.Errorf("%w: attention mask [%d %d] for labels [%d %d]",
				tensor.ErrShapeMismatch, attn.Rows(), attn.Cols(), batch, steps)
		}
		attn = attn.TailCols(attn.Cols() - steps)
	}

	var total float32
	count := 0
	for b := 0; b < batch; b++ {
		for t := 0; t+1 < steps; t++ {
			if attn != nil && attn.At(b, t+1) == 0 {
				continue
			}
			label := labels.At(b, t+1)
			if label == ignoreIndex {
				continue
			}
			if label < 0 || int(label) >= vocab {
				return 0, fmt.Errorf("%w: label %d at (%d,%d), vocab %d",
					tensor.ErrShapeMismatch, label, b, t+1, vocab)
			}
			row := logits.Vec(b, t)
			total += tensor.LogSumExp(row) - row[label]
			count++
		}
	}
	if count == 0 {
		return math32.NaN(), nil
	}
	return total / float32(count), nil
}
