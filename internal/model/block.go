package model

import "github.com/samcharles93/kvstep/internal/tensor"

// LayerWeights holds every parameter of one encoder block.
type LayerWeights struct {
	AttnNorm    []float32 // [dim]
	Attention   AttentionWeights
	FFNNorm     []float32 // [dim]
	FeedForward FeedForwardWeights
}

// EncoderBlock is a pre-norm residual block:
//
//	h1 = h + Attention(RMSNorm(h))
//	h2 = h1 + FeedForward(RMSNorm(h1))
//
// It owns the KV cache of its attention layer.
type EncoderBlock struct {
	index int
	eps   float32
	w     *LayerWeights

	attn *Attention
	ffn  *FeedForward

	norm []float32
}

func newEncoderBlock(index int, cfg Config, w *LayerWeights, ops Ops) *EncoderBlock {
	cache := NewKVCache(cfg.MaxBatchSize, cfg.MaxSeqLen, cfg.KVHeads(), cfg.HeadDim())
	return &EncoderBlock{
		index: index,
		eps:   float32(cfg.NormEps),
		w:     w,
		attn:  newAttention(cfg, &w.Attention, cache, ops),
		ffn:   newFeedForward(cfg, &w.FeedForward, ops),
		norm:  make([]float32, cfg.Dim),
	}
}

// Index returns the block's position in the layer stack.
func (b *EncoderBlock) Index() int { return b.index }

// Attention returns the block's attention layer.
func (b *EncoderBlock) Attention() *Attention { return b.attn }

// Cache returns the block's KV cache.
func (b *EncoderBlock) Cache() *KVCache { return b.attn.cache }

// Forward returns a new hidden vector for batch slot at startPos; h is not
// modified.
func (b *EncoderBlock) Forward(h []float32, slot, startPos int, rope RotarySlice) ([]float32, error) {
	tensor.RMSNorm(b.norm, h, b.w.AttnNorm, b.eps)
	attnOut, err := b.attn.Forward(b.norm, slot, startPos, rope)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(h))
	copy(out, h)
	tensor.Add(out, attnOut)

	tensor.RMSNorm(b.norm, out, b.w.FFNNorm, b.eps)
	tensor.Add(out, b.ffn.Forward(b.norm))
	return out, nil
}
