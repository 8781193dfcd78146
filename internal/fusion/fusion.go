// Package fusion splices projected time-series features into a batch of text
// embeddings at placeholder tokens and rebuilds the attention mask, labels
// and position ids for the fused layout.
package fusion

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-tempo/internal/config"
	"github.com/23skdu/longbow-tempo/internal/logger"
	"github.com/23skdu/longbow-tempo/internal/metrics"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

// ErrPlaceholderMismatch reports that the placeholder tokens in a batch do not
// line up with the supplied time-series instances.
var ErrPlaceholderMismatch = errors.New("placeholder tokens do not match time-series instances")

// Merger holds the token ids fusion needs. It carries no mutable state and is
// safe for concurrent use.
type Merger struct {
	TimeSeriesTokenID int32
	PadTokenID        int32
	IgnoreIndex       int32
	Debug             bool

	log *logger.Logger
}

// NewMerger builds a Merger from the token ids in cfg.
func NewMerger(cfg config.Config) *Merger {
	return &Merger{
		TimeSeriesTokenID: int32(cfg.TimeSeriesTokenID),
		PadTokenID:        int32(cfg.PadTokenID),
		IgnoreIndex:       int32(cfg.IgnoreIndex),
		Debug:             cfg.DebugFusion,
		log:               logger.Component("fusion"),
	}
}

// Result is the fused batch. Every tensor has leading dims [B, FusedLen].
type Result struct {
	Embeds        *tensor.Tensor // [B, M, D]
	AttentionMask *tensor.Int32
	Labels        *tensor.Int32 // nil when no labels were given
	PositionIDs   *tensor.Int32
	LeftPadding   bool
	// TextPositions is [B, L]: the fused column of every input token.
	// For a placeholder it is the last slot of its expansion.
	TextPositions *tensor.Int32
	// Slots is the number of fused positions filled with features.
	Slots int
}

// FusedLen returns the fused sequence length M.
func (r *Result) FusedLen() int { return r.AttentionMask.Cols() }

// DetectLeftPadding reports left padding when no row ends in the pad token.
func DetectLeftPadding(ids *tensor.Int32, padID int32) bool {
	last := ids.Cols() - 1
	if last < 0 {
		return true
	}
	for b := 0; b < ids.Rows(); b++ {
		if ids.At(b, last) == padID {
			return false
		}
	}
	return true
}

// Merge fuses features [N, P, D] into embeds [B, L, D] at the placeholder
// tokens of ids [B, L]. A nil attention mask means every token is attended;
// labels may be nil. Features may be nil when ids carry no placeholders.
func (m *Merger) Merge(features, embeds *tensor.Tensor, ids, attn, labels *tensor.Int32) (*Result, error) {
	batch, seqLen := ids.Rows(), ids.Cols()
	if embeds.Rank() != 3 || embeds.Dim(0) != batch || embeds.Dim(1) != seqLen {
		return nil, fmt.Errorf("%w: embeddings %v for ids [%d %d]",
			tensor.ErrShapeMismatch, embeds.Shape(), batch, seqLen)
	}
	dim := embeds.Dim(2)

	instances, patches := 0, 1
	if features != nil {
		if features.Rank() != 3 || features.Dim(2) != dim {
			return nil, fmt.Errorf("%w: features %v for embedding dim %d",
				tensor.ErrShapeMismatch, features.Shape(), dim)
		}
		instances, patches = features.Dim(0), features.Dim(1)
		if patches < 1 {
			return nil, fmt.Errorf("%w: features carry %d patches per instance",
				tensor.ErrShapeMismatch, patches)
		}
	}
	if attn == nil {
		attn = tensor.FullInt32(batch, seqLen, 1)
	}
	if attn.Rows() != batch || attn.Cols() != seqLen {
		return nil, fmt.Errorf("%w: attention mask [%d %d] for ids [%d %d]",
			tensor.ErrShapeMismatch, attn.Rows(), attn.Cols(), batch, seqLen)
	}
	if labels != nil && (labels.Rows() != batch || labels.Cols() != seqLen) {
		return nil, fmt.Errorf("%w: labels [%d %d] for ids [%d %d]",
			tensor.ErrShapeMismatch, labels.Rows(), labels.Cols(), batch, seqLen)
	}

	leftPadding := DetectLeftPadding(ids, m.PadTokenID)

	// Destination of every input token: running sum where a placeholder
	// spans P slots, minus one.
	newPos := tensor.NewInt32(batch, seqLen)
	maxPlaceholders := 0
	for b := 0; b < batch; b++ {
		run, count := int32(0), 0
		for j, id := range ids.Row(b) {
			if id == m.TimeSeriesTokenID {
				run += int32(patches)
				count++
			} else {
				run++
			}
			newPos.Set(b, j, run-1)
		}
		maxPlaceholders = max(maxPlaceholders, count)
	}
	fusedLen := maxPlaceholders*(patches-1) + seqLen

	padOffset := make([]int, batch)
	for b := 0; b < batch; b++ {
		if seqLen > 0 {
			padOffset[b] = fusedLen - 1 - int(newPos.At(b, seqLen-1))
		}
		if leftPadding {
			row := newPos.Row(b)
			for j := range row {
				row[j] += int32(padOffset[b])
			}
		}
	}

	out := &Result{
		Embeds:        tensor.New(batch, fusedLen, dim),
		AttentionMask: tensor.NewInt32(batch, fusedLen),
		LeftPadding:   leftPadding,
		TextPositions: newPos,
	}
	if labels != nil {
		out.Labels = tensor.FullInt32(batch, fusedLen, m.IgnoreIndex)
	}

	isText := make([]bool, batch*fusedLen)
	for b := 0; b < batch; b++ {
		for j, id := range ids.Row(b) {
			if id == m.TimeSeriesTokenID {
				continue
			}
			dst := int(newPos.At(b, j))
			copy(out.Embeds.Vec(b, dst), embeds.Vec(b, j))
			out.AttentionMask.Set(b, dst, attn.At(b, j))
			if labels != nil {
				out.Labels.Set(b, dst, labels.At(b, j))
			}
			isText[b*fusedLen+dst] = true
		}
	}

	// Feature slots are the non-text positions inside each row's window:
	// after the left padding, or before the right padding.
	slots := make([]int, 0, instances*patches)
	for b := 0; b < batch; b++ {
		lo, hi := 0, fusedLen-padOffset[b]
		if leftPadding {
			lo, hi = padOffset[b], fusedLen
		}
		for p := lo; p < hi; p++ {
			if !isText[b*fusedLen+p] {
				slots = append(slots, b*fusedLen+p)
			}
		}
	}
	if len(slots) != instances*patches {
		metrics.RecordPlaceholderMismatch()
		m.logger().Error("placeholder mismatch",
			"placeholders", ids.Count(m.TimeSeriesTokenID),
			"instances", instances,
			"slots", len(slots),
			"want_slots", instances*patches)
		return nil, fmt.Errorf("%w: %d placeholder tokens, %d time series (%d slots for %d patches)",
			ErrPlaceholderMismatch, ids.Count(m.TimeSeriesTokenID), instances, len(slots), instances*patches)
	}

	if len(slots) > 0 {
		flat := features.Data()
		emb := out.Embeds.Data()
		mask := out.AttentionMask.Data()
		for k, s := range slots {
			copy(emb[s*dim:(s+1)*dim], flat[k*dim:(k+1)*dim])
			mask[s] = 1
		}
	}

	out.PositionIDs = tensor.CumsumPositions(out.AttentionMask)

	// Pad-token embeddings would otherwise leak into the cache as non-zero
	// keys at positions the decode-time mask adjuster expects to be empty.
	for b := 0; b < batch; b++ {
		for j, id := range ids.Row(b) {
			if id == m.PadTokenID && id != m.TimeSeriesTokenID {
				clear(out.Embeds.Vec(b, int(newPos.At(b, j))))
			}
		}
	}
	out.Slots = len(slots)

	metrics.RecordFusion(fusedLen, len(slots), leftPadding)
	if m.Debug {
		m.logger().Info("fused batch",
			"batch", batch, "seq_len", seqLen, "fused_len", fusedLen,
			"patches", patches, "instances", instances, "left_padding", leftPadding)
	} else {
		m.logger().Debug("fused batch", "fused_len", fusedLen, "slots", len(slots), "left_padding", leftPadding)
	}
	return out, nil
}

func (m *Merger) logger() *logger.Logger {
	if m.log == nil {
		return logger.Component("fusion")
	}
	return m.log
}
