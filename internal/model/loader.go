package model

import (
	"fmt"

	"github.com/samcharles93/kvstep/internal/tensor"
)

// TensorSource provides named float32 tensors from a checkpoint.
type TensorSource interface {
	ReadTensorF32(name string) ([]float32, []int, error)
	TensorShape(name string) ([]int, bool)
}

// LoadWeights reads every parameter named by the checkpoint layout from src
// and checks it against cfg. An empty layout is detected from the tensor names.
func LoadWeights(src TensorSource, cfg Config, layout string) (*Weights, error) {
	if src == nil {
		return nil, fmt.Errorf("nil tensor source")
	}
	cfg, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	var spec *archSpec
	if layout == "" {
		spec = detectLayout(src)
		if spec == nil {
			return nil, fmt.Errorf("unrecognised checkpoint layout: no embedding tensor found")
		}
	} else if spec, err = specForLayout(layout); err != nil {
		return nil, err
	}
	names := spec.Names

	dim := cfg.Dim
	qDim := cfg.NHeads * cfg.HeadDim()
	kvDim := cfg.KVDim()
	hidden := cfg.HiddenDim()

	w := &Weights{Layers: make([]LayerWeights, cfg.NLayers)}
	if w.TokEmbeddings, err = loadMat(src, names.embedding, cfg.VocabSize, dim); err != nil {
		return nil, err
	}
	if w.Norm, err = loadVec(src, names.outputNorm, dim); err != nil {
		return nil, err
	}
	if w.Output, err = loadMatCandidates(src, names.outputCandidates(), cfg.VocabSize, dim); err != nil {
		return nil, err
	}

	for i := range w.Layers {
		l := &w.Layers[i]
		if l.AttnNorm, err = loadVec(src, names.attnNorm(i), dim); err != nil {
			return nil, err
		}
		if l.FFNNorm, err = loadVec(src, names.ffnNorm(i), dim); err != nil {
			return nil, err
		}
		if l.Attention.Wq, err = loadMat(src, names.wq(i), qDim, dim); err != nil {
			return nil, err
		}
		if l.Attention.Wk, err = loadMat(src, names.wk(i), kvDim, dim); err != nil {
			return nil, err
		}
		if l.Attention.Wv, err = loadMat(src, names.wv(i), kvDim, dim); err != nil {
			return nil, err
		}
		if l.Attention.Wo, err = loadMat(src, names.wo(i), dim, qDim); err != nil {
			return nil, err
		}
		if l.FeedForward.W1, err = loadMat(src, names.ffnGate(i), hidden, dim); err != nil {
			return nil, err
		}
		if l.FeedForward.W2, err = loadMat(src, names.ffnDown(i), dim, hidden); err != nil {
			return nil, err
		}
		if l.FeedForward.W3, err = loadMat(src, names.ffnUp(i), hidden, dim); err != nil {
			return nil, err
		}
		if spec.PermutedQK {
			l.Attention.Wq = interleaveRotaryRows(l.Attention.Wq, cfg.NHeads, cfg.HeadDim())
			l.Attention.Wk = interleaveRotaryRows(l.Attention.Wk, cfg.KVHeads(), cfg.HeadDim())
		}
	}

	if err := w.Check(cfg); err != nil {
		return nil, err
	}
	return w, nil
}

func loadMat(src TensorSource, name string, r, c int) (tensor.Mat, error) {
	data, shape, err := src.ReadTensorF32(name)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("load %s: %w", name, err)
	}
	if len(shape) != 2 || shape[0] != r || shape[1] != c {
		return tensor.Mat{}, configErrorf(name, "checkpoint shape %v, want [%d %d]", shape, r, c)
	}
	return tensor.NewMatFromData(r, c, data), nil
}

func loadMatCandidates(src TensorSource, names []string, r, c int) (tensor.Mat, error) {
	for _, name := range names {
		if _, ok := src.TensorShape(name); !ok {
			continue
		}
		return loadMat(src, name, r, c)
	}
	return tensor.Mat{}, fmt.Errorf("missing output projection (tried %v)", names)
}

func loadVec(src TensorSource, name string, n int) ([]float32, error) {
	data, shape, err := src.ReadTensorF32(name)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if len(shape) != 1 || shape[0] != n {
		return nil, configErrorf(name, "checkpoint shape %v, want [%d]", shape, n)
	}
	return data, nil
}

// interleaveRotaryRows converts projection rows stored with each head split
// into two halves (first all real parts, then all imaginary parts) into the
// adjacent-pair layout used by RotaryTable.
func interleaveRotaryRows(m tensor.Mat, heads, headDim int) tensor.Mat {
	out := tensor.NewMat(m.R, m.C)
	half := headDim / 2
	for h := range heads {
		base := h * headDim
		for i := range half {
			for p := range 2 {
				copy(out.Row(base+2*i+p), m.Row(base+p*half+i))
			}
		}
	}
	return out
}
