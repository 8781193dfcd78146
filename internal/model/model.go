// Package model is the fused time-series and language model: it runs the
// tower and projector, splices their output into the token stream and drives
// the language model.
package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-tempo/internal/config"
	"github.com/23skdu/longbow-tempo/internal/decode"
	"github.com/23skdu/longbow-tempo/internal/fusion"
	"github.com/23skdu/longbow-tempo/internal/kvcache"
	"github.com/23skdu/longbow-tempo/internal/lm"
	"github.com/23skdu/longbow-tempo/internal/logger"
	"github.com/23skdu/longbow-tempo/internal/metrics"
	"github.com/23skdu/longbow-tempo/internal/projector"
	"github.com/23skdu/longbow-tempo/internal/tensor"
	"github.com/23skdu/longbow-tempo/internal/tower"
)

var (
	ErrNoInputs         = errors.New("either input ids or inputs embeds must be given")
	ErrNoTimeSeriesPath = errors.New("time-series values given but no tower or projector configured")
)

// Inputs is one fused forward call. Exactly one of InputIDs and InputsEmbeds
// is expected; time-series values are only encoded when InputIDs carries
// more than one column.
type Inputs struct {
	InputIDs         *tensor.Int32
	InputsEmbeds     *tensor.Tensor
	TimeSeriesValues *tensor.Tensor // [N, C, T]
	TimeSeriesMask   *tensor.Tensor // [N, T]
	AttentionMask    *tensor.Int32
	PositionIDs      *tensor.Int32
	Cache            kvcache.Cache
	Labels           *tensor.Int32

	UseCache           bool
	OutputAttentions   bool
	OutputHiddenStates bool
	// CacheMaskAdjusted skips the decode-time mask rebuild when the caller
	// already ran it.
	CacheMaskAdjusted bool
}

// Output is the result of Forward. Loss is nil unless labels were given.
type Output struct {
	Loss                   *float32
	Logits                 *tensor.Tensor
	Cache                  kvcache.Cache
	HiddenStates           []*tensor.Tensor
	Attentions             []*tensor.Tensor
	TimeSeriesHiddenStates *tensor.Tensor
}

// Model composes the time-series tower, projector, fusion and language model.
type Model struct {
	cfg       config.Config
	tower     tower.Encoder
	projector *projector.Projector
	lm        lm.LanguageModel
	merger    *fusion.Merger
	log       *logger.Logger
}

// New wires the collaborators. tower and projector may be nil for a
// text-only model.
func New(cfg config.Config, enc tower.Encoder, proj *projector.Projector, lang lm.LanguageModel) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if lang == nil {
		return nil, errors.New("language model is required")
	}
	return &Model{
		cfg:       cfg,
		tower:     enc,
		projector: proj,
		lm:        lang,
		merger:    fusion.NewMerger(cfg),
		log:       logger.Component("model"),
	}, nil
}

// NewRandom builds every collaborator with seeded random weights.
func NewRandom(cfg config.Config, seed int64) (*Model, error) {
	enc, err := tower.NewRandomPatchEncoder(cfg, seed)
	if err != nil {
		return nil, fmt.Errorf("tower: %w", err)
	}
	proj, err := projector.NewRandom(cfg, seed+1)
	if err != nil {
		return nil, err
	}
	dec, err := lm.NewRandomDecoder(cfg, seed+2)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	return New(cfg, enc, proj, dec)
}

func (m *Model) Config() config.Config { return m.cfg }

func (m *Model) InputEmbeddings() *lm.Embedding { return m.lm.InputEmbeddings() }

// ResizeTokenEmbeddings resizes the vocabulary and keeps the model's vocab
// size in step.
func (m *Model) ResizeTokenEmbeddings(n int) *lm.Embedding {
	emb := m.lm.ResizeEmbeddings(n)
	m.cfg.VocabSize = emb.VocabSize()
	return emb
}

func (m *Model) ReorderCache(cache kvcache.Cache, beam []int) error {
	return m.lm.ReorderCache(cache, beam)
}

// EncodeTimeSeries runs the tower and projector, returning projected
// features [N, P, Dtext] and the tower's hidden states.
func (m *Model) EncodeTimeSeries(values, mask *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if m.tower == nil || m.projector == nil {
		return nil, nil, ErrNoTimeSeriesPath
	}
	enc, err := m.tower.Encode(values, mask)
	if err != nil {
		return nil, nil, fmt.Errorf("time-series tower: %w", err)
	}
	feats, err := m.projector.Forward(enc.HiddenStates, enc.PatchMask)
	if err != nil {
		return nil, nil, err
	}
	return feats, enc.HiddenStates, nil
}

// Fuse embeds ids and splices the encoded time series into them.
func (m *Model) Fuse(in *Inputs) (*fusion.Result, *tensor.Tensor, error) {
	start := time.Now()
	embeds, err := m.lm.InputEmbeddings().Lookup(in.InputIDs)
	if err != nil {
		return nil, nil, err
	}
	feats, hidden, err := m.EncodeTimeSeries(in.TimeSeriesValues, in.TimeSeriesMask)
	if err != nil {
		return nil, nil, err
	}
	res, err := m.merger.Merge(feats, embeds, in.InputIDs, in.AttentionMask, in.Labels)
	if err != nil {
		return nil, nil, err
	}
	metrics.RecordForward("fusion", time.Since(start))
	return res, hidden, nil
}

// Forward embeds the inputs, splicing in time series when present, runs the
// language model and computes the loss when labels are set.
func (m *Model) Forward(ctx context.Context, in *Inputs) (*Output, error) {
	start := time.Now()
	embeds, attn, positions, labels := in.InputsEmbeds, in.AttentionMask, in.PositionIDs, in.Labels
	out := &Output{}

	if embeds == nil {
		if in.InputIDs == nil {
			return nil, ErrNoInputs
		}
		ids := in.InputIDs
		hasCache := in.Cache != nil && in.Cache.SeenTokens() > 0

		switch {
		case in.TimeSeriesValues != nil && ids.Cols() != 1:
			res, hidden, err := m.Fuse(in)
			if err != nil {
				return nil, err
			}
			embeds, attn, labels, positions = res.Embeds, res.AttentionMask, res.Labels, res.PositionIDs
			out.TimeSeriesHiddenStates = hidden
		case in.TimeSeriesValues != nil && hasCache && !in.CacheMaskAdjusted:
			if attn == nil {
				attn = tensor.FullInt32(ids.Rows(), 1, 1)
			}
			var err error
			if attn, positions, err = decode.AdjustCacheMask(in.Cache, attn, ids.Cols()); err != nil {
				return nil, fmt.Errorf("adjust cache mask: %w", err)
			}
			fallthrough
		default:
			var err error
			if embeds, err = m.lm.InputEmbeddings().Lookup(ids); err != nil {
				return nil, err
			}
		}
	}

	if attn != nil {
		metrics.RecordContextLength(attn.Cols())
	}
	res, err := m.lm.Forward(ctx, &lm.Request{
		AttentionMask:      attn,
		PositionIDs:        positions,
		Cache:              in.Cache,
		InputsEmbeds:       embeds,
		UseCache:           in.UseCache,
		OutputAttentions:   in.OutputAttentions,
		OutputHiddenStates: in.OutputHiddenStates,
	})
	if err != nil {
		return nil, fmt.Errorf("language model: %w", err)
	}
	out.Logits, out.Cache = res.Logits, res.Cache
	out.HiddenStates, out.Attentions = res.HiddenStates, res.Attentions

	if labels != nil {
		loss, err := Loss(out.Logits, labels, attn, int32(m.cfg.IgnoreIndex))
		if err != nil {
			return nil, err
		}
		out.Loss = &loss
	}

	metrics.RecordForward("model", time.Since(start))
	return out, nil
}

// PrepareInputsForGeneration trims a generation step's state to the inputs
// the next Forward call needs.
func (m *Model) PrepareInputsForGeneration(st *decode.StepState) (*Inputs, error) {
	st.TimeSeriesTokenID = int32(m.cfg.TimeSeriesTokenID)
	p, err := decode.PrepareInputs(st)
	if err != nil {
		return nil, err
	}
	return &Inputs{
		InputIDs:          p.InputIDs,
		InputsEmbeds:      p.InputsEmbeds,
		TimeSeriesValues:  p.TimeSeriesValues,
		TimeSeriesMask:    p.TimeSeriesMask,
		AttentionMask:     p.AttentionMask,
		PositionIDs:       p.PositionIDs,
		Cache:             p.Cache,
		UseCache:          p.UseCache,
		CacheMaskAdjusted: p.CacheMaskAdjusted,
	}, nil
}
