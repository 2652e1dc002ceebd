package model

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kvstep/internal/safetensors"
	"github.com/samcharles93/kvstep/internal/tensor"
)

// mapSource is an in-memory TensorSource.
type mapSource map[string]safetensors.Tensor

func (s mapSource) ReadTensorF32(name string) ([]float32, []int, error) {
	t, ok := s[name]
	if !ok {
		return nil, nil, fmt.Errorf("tensor not found: %s", name)
	}
	return append([]float32(nil), t.Data...), append([]int(nil), t.Shape...), nil
}

func (s mapSource) TensorShape(name string) ([]int, bool) {
	t, ok := s[name]
	return t.Shape, ok
}

func exportSource(t *testing.T, w *Weights, cfg Config, layout string) mapSource {
	t.Helper()
	tensors, err := ExportTensors(w, cfg, layout)
	require.NoError(t, err)
	src := make(mapSource, len(tensors))
	for _, tt := range tensors {
		src[tt.Name] = tt
	}
	return src
}

func decodeSteps(t *testing.T, cfg Config, w *Weights) [][]float32 {
	t.Helper()
	m, err := New(cfg, w)
	require.NoError(t, err)
	var out [][]float32
	for pos, tok := range []int{3, 7, 1} {
		logits, err := m.ForwardToken(tok, pos)
		require.NoError(t, err)
		out = append(out, logits)
	}
	return out
}

func TestLoadWeightsRoundTrip(t *testing.T) {
	cfg := validConfig()
	cfg.Dim = 16
	cfg.NHeads = 4
	cfg.NKVHeads = Some(2)
	w, err := RandomWeights(cfg, 4)
	require.NoError(t, err)
	want := decodeSteps(t, cfg, w)

	for _, layout := range Layouts() {
		t.Run(layout, func(t *testing.T) {
			tensors, err := ExportTensors(w, cfg, layout)
			require.NoError(t, err)
			var buf bytes.Buffer
			require.NoError(t, safetensors.Write(&buf, tensors, map[string]string{"format": "pt"}))

			f, err := safetensors.OpenBytes(buf.Bytes())
			require.NoError(t, err)

			explicit, err := LoadWeights(f, cfg, layout)
			require.NoError(t, err)
			assert.Equal(t, w.Layers[0].Attention.Wq.Data, explicit.Layers[0].Attention.Wq.Data)
			assert.Equal(t, want, decodeSteps(t, cfg, explicit))

			detected, err := LoadWeights(f, cfg, "")
			require.NoError(t, err)
			assert.Equal(t, want, decodeSteps(t, cfg, detected))
		})
	}
}

func TestExportHFPermutesQueryAndKeyRows(t *testing.T) {
	cfg := validConfig()
	w, err := RandomWeights(cfg, 8)
	require.NoError(t, err)
	src := exportSource(t, w, cfg, "hf")

	q, ok := src["model.layers.0.self_attn.q_proj.weight"]
	require.True(t, ok)
	assert.NotEqual(t, w.Layers[0].Attention.Wq.Data, q.Data)
	v := src["model.layers.0.self_attn.v_proj.weight"]
	assert.Equal(t, w.Layers[0].Attention.Wv.Data, v.Data)
	_, ok = src["lm_head.weight"]
	assert.True(t, ok)
}

func TestInterleaveSplitInverse(t *testing.T) {
	m := tensor.NewMat(8, 3)
	for i := range m.Data {
		m.Data[i] = float32(i)
	}
	split := splitRotaryRows(m, 2, 4)
	// Head 0 rows become [0 2 1 3]: real parts first, then imaginary parts.
	assert.Equal(t, m.Row(0), split.Row(0))
	assert.Equal(t, m.Row(2), split.Row(1))
	assert.Equal(t, m.Row(1), split.Row(2))
	assert.Equal(t, m.Row(3), split.Row(3))

	back := interleaveRotaryRows(split, 2, 4)
	assert.Equal(t, m.Data, back.Data)
}

func TestLoadWeightsMetaTiedOutput(t *testing.T) {
	cfg := validConfig()
	w, err := RandomWeights(cfg, 2)
	require.NoError(t, err)
	src := exportSource(t, w, cfg, "meta")
	delete(src, "output.weight")

	loaded, err := LoadWeights(src, cfg, "meta")
	require.NoError(t, err)
	assert.Equal(t, w.TokEmbeddings.Data, loaded.Output.Data)
}

func TestLoadWeightsErrors(t *testing.T) {
	cfg := validConfig()
	w, err := RandomWeights(cfg, 2)
	require.NoError(t, err)

	t.Run("missing tensor", func(t *testing.T) {
		src := exportSource(t, w, cfg, "meta")
		delete(src, "layers.1.feed_forward.w2.weight")
		_, err := LoadWeights(src, cfg, "meta")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "layers.1.feed_forward.w2.weight")
	})

	t.Run("wrong shape", func(t *testing.T) {
		src := exportSource(t, w, cfg, "meta")
		bad := src["layers.0.attention.wk.weight"]
		bad.Shape = []int{bad.Shape[1], bad.Shape[0]}
		src[bad.Name] = bad
		_, err := LoadWeights(src, cfg, "meta")
		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, "layers.0.attention.wk.weight", cfgErr.Field)
	})

	t.Run("config mismatch", func(t *testing.T) {
		src := exportSource(t, w, cfg, "meta")
		other := cfg
		other.NLayers = 3
		_, err := LoadWeights(src, other, "meta")
		assert.Error(t, err)
	})

	t.Run("unknown layout", func(t *testing.T) {
		_, err := LoadWeights(exportSource(t, w, cfg, "meta"), cfg, "gguf")
		assert.Error(t, err)
	})

	t.Run("undetectable layout", func(t *testing.T) {
		_, err := LoadWeights(mapSource{}, cfg, "")
		assert.Error(t, err)
	})

	t.Run("nil source", func(t *testing.T) {
		_, err := LoadWeights(nil, cfg, "")
		assert.Error(t, err)
	})
}
