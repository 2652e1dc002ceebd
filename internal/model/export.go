package model

import (
	"github.com/samcharles93/kvstep/internal/safetensors"
	"github.com/samcharles93/kvstep/internal/tensor"
)

// ExportTensors flattens w into named tensors using the given checkpoint
// layout, the inverse of LoadWeights.
func ExportTensors(w *Weights, cfg Config, layout string) ([]safetensors.Tensor, error) {
	cfg, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	if err := w.Check(cfg); err != nil {
		return nil, err
	}
	spec, err := specForLayout(layout)
	if err != nil {
		return nil, err
	}
	names := spec.Names

	mat := func(name string, m tensor.Mat) safetensors.Tensor {
		data := m.Data[:m.R*m.C]
		if m.Stride != m.C {
			data = make([]float32, 0, m.R*m.C)
			for r := range m.R {
				data = append(data, m.Row(r)...)
			}
		}
		return safetensors.Tensor{Name: name, Shape: []int{m.R, m.C}, Data: data}
	}
	vec := func(name string, v []float32) safetensors.Tensor {
		return safetensors.Tensor{Name: name, Shape: []int{len(v)}, Data: v}
	}

	out := []safetensors.Tensor{
		mat(names.embedding, w.TokEmbeddings),
		vec(names.outputNorm, w.Norm),
		mat(names.outputCandidates()[0], w.Output),
	}
	for i := range w.Layers {
		l := &w.Layers[i]
		wq, wk := l.Attention.Wq, l.Attention.Wk
		if spec.PermutedQK {
			wq = splitRotaryRows(wq, cfg.NHeads, cfg.HeadDim())
			wk = splitRotaryRows(wk, cfg.KVHeads(), cfg.HeadDim())
		}
		out = append(out,
			vec(names.attnNorm(i), l.AttnNorm),
			vec(names.ffnNorm(i), l.FFNNorm),
			mat(names.wq(i), wq),
			mat(names.wk(i), wk),
			mat(names.wv(i), l.Attention.Wv),
			mat(names.wo(i), l.Attention.Wo),
			mat(names.ffnGate(i), l.FeedForward.W1),
			mat(names.ffnDown(i), l.FeedForward.W2),
			mat(names.ffnUp(i), l.FeedForward.W3),
		)
	}
	return out, nil
}

// splitRotaryRows is the inverse of interleaveRotaryRows.
func splitRotaryRows(m tensor.Mat, heads, headDim int) tensor.Mat {
	out := tensor.NewMat(m.R, m.C)
	half := headDim / 2
	for h := range heads {
		base := h * headDim
		for i := range half {
			for p := range 2 {
				copy(out.Row(base+p*half+i), m.Row(base+2*i+p))
			}
		}
	}
	return out
}
