package model

import "github.com/samcharles93/kvstep/internal/tensor"

// FeedForwardWeights are the SwiGLU projections of one layer.
type FeedForwardWeights struct {
	W1 tensor.Mat // gate [hidden, dim]
	W2 tensor.Mat // down [dim, hidden]
	W3 tensor.Mat // up   [hidden, dim]
}

// FeedForward computes W2(SiLU(W1 x) * W3 x).
type FeedForward struct {
	w   *FeedForwardWeights
	ops Ops

	gate []float32
	up   []float32
	out  []float32
}

func newFeedForward(cfg Config, w *FeedForwardWeights, ops Ops) *FeedForward {
	hidden := cfg.HiddenDim()
	return &FeedForward{
		w:    w,
		ops:  ensureOps(ops),
		gate: make([]float32, hidden),
		up:   make([]float32, hidden),
		out:  make([]float32, cfg.Dim),
	}
}

// Forward returns a slice owned by the layer; it is overwritten by the next call.
func (f *FeedForward) Forward(x []float32) []float32 {
	f.ops.MatVec(f.gate, &f.w.W1, x)
	f.ops.MatVec(f.up, &f.w.W3, x)
	tensor.SiluMul(f.gate, f.gate, f.up)
	f.ops.MatVec(f.out, &f.w.W2, f.gate)
	return f.out
}
