// Package lm defines the causal language model contract the fusion model
// drives, plus a small reference decoder.
package lm

import (
	"context"

	"github.com/23skdu/longbow-tempo/internal/kvcache"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

// Request is one forward call. InputsEmbeds is [B, L, D]. AttentionMask
// covers cached plus new positions; when longer, its trailing columns are
// used. A nil PositionIDs is derived from the mask.
type Request struct {
	AttentionMask      *tensor.Int32
	PositionIDs        *tensor.Int32
	Cache              kvcache.Cache
	InputsEmbeds       *tensor.Tensor
	UseCache           bool
	OutputAttentions   bool
	OutputHiddenStates bool
}

type Output struct {
	Logits *tensor.Tensor // [B, L, vocab]
	// Cache is the cache holding this call's keys when UseCache was set.
	Cache kvcache.Cache
	// HiddenStates has one [B, L, D] entry for the embeddings and one per
	// layer; the last is after the final norm.
	HiddenStates []*tensor.Tensor
	// Attentions has one [B, heads, L, past+L] entry per layer.
	Attentions []*tensor.Tensor
}

// LanguageModel is the causal decoder behind the fusion model.
type LanguageModel interface {
	Forward(ctx context.Context, req *Request) (*Output, error)
	InputEmbeddings() *Embedding
	// ResizeEmbeddings grows or shrinks the vocabulary to n rows.
	ResizeEmbeddings(n int) *Embedding
	ReorderCache(cache kvcache.Cache, beam []int) error
	NewCache() kvcache.Cache
}
