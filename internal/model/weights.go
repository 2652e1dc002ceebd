package model

import (
	"fmt"

	"github.com/samcharles93/kvstep/internal/tensor"
)

// Weights are the pretrained parameters of a Transformer. They are supplied by
// the caller (a checkpoint loader or RandomWeights) and are only read by the
// model.
type Weights struct {
	TokEmbeddings tensor.Mat // [vocab, dim]
	Layers        []LayerWeights
	Norm          []float32  // [dim]
	Output        tensor.Mat // [vocab, dim]
}

// Check verifies that every tensor matches the shapes implied by cfg.
// cfg must already be resolved.
func (w *Weights) Check(cfg Config) error {
	if w == nil {
		return configErrorf("weights", "missing")
	}
	dim := cfg.Dim
	qDim := cfg.NHeads * cfg.HeadDim()
	kvDim := cfg.KVDim()
	hidden := cfg.HiddenDim()

	if err := checkMat("tok_embeddings", &w.TokEmbeddings, cfg.VocabSize, dim); err != nil {
		return err
	}
	if len(w.Layers) != cfg.NLayers {
		return configErrorf("layers", "have %d layers, config wants %d", len(w.Layers), cfg.NLayers)
	}
	for i := range w.Layers {
		l := &w.Layers[i]
		prefix := fmt.Sprintf("layers.%d.", i)
		if err := checkVec(prefix+"attention_norm", l.AttnNorm, dim); err != nil {
			return err
		}
		if err := checkVec(prefix+"ffn_norm", l.FFNNorm, dim); err != nil {
			return err
		}
		mats := []struct {
			name string
			m    *tensor.Mat
			r, c int
		}{
			{"attention.wq", &l.Attention.Wq, qDim, dim},
			{"attention.wk", &l.Attention.Wk, kvDim, dim},
			{"attention.wv", &l.Attention.Wv, kvDim, dim},
			{"attention.wo", &l.Attention.Wo, dim, qDim},
			{"feed_forward.w1", &l.FeedForward.W1, hidden, dim},
			{"feed_forward.w2", &l.FeedForward.W2, dim, hidden},
			{"feed_forward.w3", &l.FeedForward.W3, hidden, dim},
		}
		for _, m := range mats {
			if err := checkMat(prefix+m.name, m.m, m.r, m.c); err != nil {
				return err
			}
		}
	}
	if err := checkVec("norm", w.Norm, dim); err != nil {
		return err
	}
	return checkMat("output", &w.Output, cfg.VocabSize, dim)
}

func checkMat(name string, m *tensor.Mat, r, c int) error {
	if m.R != r || m.C != c {
		return configErrorf(name, "shape [%d %d], want [%d %d]", m.R, m.C, r, c)
	}
	if m.Stride < m.C || len(m.Data) < (m.R-1)*m.Stride+m.C {
		return configErrorf(name, "backing data too small for shape [%d %d]", m.R, m.C)
	}
	return nil
}

func checkVec(name string, v []float32, n int) error {
	if len(v) != n {
		return configErrorf(name, "length %d, want %d", len(v), n)
	}
	return nil
}

// RandomWeights returns deterministic synthetic weights for cfg. Matrices are
// filled with small values derived from seed and norm weights are ones, so the
// same (cfg, seed) always produces identical parameters.
func RandomWeights(cfg Config, seed int64) (*Weights, error) {
	cfg, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	dim := cfg.Dim
	qDim := cfg.NHeads * cfg.HeadDim()
	kvDim := cfg.KVDim()
	hidden := cfg.HiddenDim()

	next := seed
	randMat := func(r, c int) tensor.Mat {
		m := tensor.NewMat(r, c)
		next++
		tensor.FillRand(&m, next)
		return m
	}
	ones := func(n int) []float32 {
		v := make([]float32, n)
		tensor.Fill(v, 1)
		return v
	}

	w := &Weights{
		TokEmbeddings: randMat(cfg.VocabSize, dim),
		Layers:        make([]LayerWeights, cfg.NLayers),
	}
	for i := range w.Layers {
		w.Layers[i] = LayerWeights{
			AttnNorm: ones(dim),
			FFNNorm:  ones(dim),
			Attention: AttentionWeights{
				Wq: randMat(qDim, dim),
				Wk: randMat(kvDim, dim),
				Wv: randMat(kvDim, dim),
				Wo: randMat(dim, qDim),
			},
			FeedForward: FeedForwardWeights{
				W1: randMat(hidden, dim),
				W2: randMat(dim, hidden),
				W3: randMat(hidden, dim),
			},
		}
	}
	w.Norm = ones(dim)
	w.Output = randMat(cfg.VocabSize, dim)
	return w, nil
}
