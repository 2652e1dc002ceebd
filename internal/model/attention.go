package model

import (
	"math"

	"github.com/samcharles93/kvstep/internal/tensor"
)

// AttentionWeights are the projections of one grouped-query attention layer,
// stored as [out, in] matrices.
type AttentionWeights struct {
	Wq tensor.Mat // [nHeads*headDim, dim]
	Wk tensor.Mat // [kvHeads*headDim, dim]
	Wv tensor.Mat // [kvHeads*headDim, dim]
	Wo tensor.Mat // [dim, nHeads*headDim]
}

// Attention is a grouped-query self-attention layer bound to its KV cache.
//
// Each key/value head serves NRep consecutive query heads. The grouping is
// done by indexing (query head h reads kv head h/NRep); cached rows are never
// duplicated.
type Attention struct {
	nHeads  int
	kvHeads int
	headDim int
	scale   float32

	w     *AttentionWeights
	cache *KVCache
	ops   Ops

	q        []float32
	k        []float32
	v        []float32
	attnOut  []float32
	proj     []float32
	scores   []float32
	attended int
}

func newAttention(cfg Config, w *AttentionWeights, cache *KVCache, ops Ops) *Attention {
	headDim := cfg.HeadDim()
	return &Attention{
		nHeads:  cfg.NHeads,
		kvHeads: cfg.KVHeads(),
		headDim: headDim,
		scale:   float32(1.0 / math.Sqrt(float64(headDim))),
		w:       w,
		cache:   cache,
		ops:     ensureOps(ops),
		q:       make([]float32, cfg.NHeads*headDim),
		k:       make([]float32, cfg.KVDim()),
		v:       make([]float32, cfg.KVDim()),
		attnOut: make([]float32, cfg.NHeads*headDim),
		proj:    make([]float32, cfg.Dim),
		scores:  make([]float32, cfg.MaxSeqLen),
	}
}

// Cache returns the layer's KV cache.
func (a *Attention) Cache() *KVCache { return a.cache }

// LastAttended returns how many cached positions the previous Forward call
// attended over.
func (a *Attention) LastAttended() int { return a.attended }

// Forward attends the normalized hidden vector x of batch slot at startPos
// over every cached position [0, startPos]. The new key and value are written
// to the cache first. The returned slice is owned by the layer and is
// overwritten by the next call.
func (a *Attention) Forward(x []float32, slot, startPos int, rope RotarySlice) ([]float32, error) {
	if err := a.cache.CheckWrite(slot, startPos); err != nil {
		return nil, err
	}

	a.ops.MatVec(a.q, &a.w.Wq, x)
	a.ops.MatVec(a.k, &a.w.Wk, x)
	a.ops.MatVec(a.v, &a.w.Wv, x)

	rope.Apply(a.q, a.nHeads)
	rope.Apply(a.k, a.kvHeads)

	if err := a.cache.Write(slot, startPos, a.k, a.v); err != nil {
		return nil, err
	}

	cacheK, cacheV := a.cache.span(slot, startPos+1)
	ctx := attnContext{
		q:        a.q,
		cacheK:   cacheK,
		cacheV:   cacheV,
		attnOut:  a.attnOut,
		pos:      startPos,
		kvStride: a.cache.RowWidth(),
		headDim:  a.headDim,
		nHead:    a.nHeads,
		kvHeads:  a.kvHeads,
		scale:    a.scale,
	}
	runAttnHeads(&ctx, a.scores, 0, a.nHeads)
	a.attended = startPos + 1

	a.ops.MatVec(a.proj, &a.w.Wo, a.attnOut)
	return a.proj, nil
}

// attnContext describes one query attending over a contiguous cache span.
type attnContext struct {
	q        []float32 // [nHead*headDim]
	cacheK   []float32 // [pos+1, kvStride]
	cacheV   []float32 // [pos+1, kvStride]
	attnOut  []float32 // [nHead*headDim]
	pos      int
	kvStride int
	headDim  int
	nHead    int
	kvHeads  int
	scale    float32
}

// runAttnHeads computes scaled dot-product attention for query heads
// [rs, re). scoresBuf must hold at least pos+1 values.
func runAttnHeads(ctx *attnContext, scoresBuf []float32, rs, re int) {
	if ctx == nil || rs >= re {
		return
	}
	n := ctx.pos + 1
	if n > len(scoresBuf) {
		panic("attention scores buffer too small")
	}
	nRep := ctx.nHead / ctx.kvHeads
	scores := scoresBuf[:n]
	for h := rs; h < re; h++ {
		kvHead := h / nRep
		qh := ctx.q[h*ctx.headDim : (h+1)*ctx.headDim]
		for t := 0; t < n; t++ {
			koff := t*ctx.kvStride + kvHead*ctx.headDim
			scores[t] = tensor.Dot(qh, ctx.cacheK[koff:koff+ctx.headDim]) * ctx.scale
		}
		tensor.Softmax(scores)

		out := ctx.attnOut[h*ctx.headDim : (h+1)*ctx.headDim]
		clear(out)
		for t := 0; t < n; t++ {
			p := scores[t]
			voff := t*ctx.kvStride + kvHead*ctx.headDim
			vh := ctx.cacheV[voff : voff+ctx.headDim]
			for d := range out {
				out[d] += p * vh[d]
			}
		}
	}
}
