package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Dim:          8,
		NLayers:      2,
		NHeads:       2,
		NKVHeads:     Some(1),
		VocabSize:    10,
		MultipleOf:   4,
		NormEps:      1e-5,
		MaxBatchSize: 1,
		MaxSeqLen:    4,
	}
}

func TestResolveDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.NKVHeads = None[int]()

	got, err := cfg.Resolve()
	require.NoError(t, err)
	kv, ok := got.NKVHeads.Get()
	assert.True(t, ok, "n_kv_heads should be resolved")
	assert.Equal(t, cfg.NHeads, kv)
	assert.Equal(t, 1, got.NRep())
	assert.Equal(t, DefaultRopeTheta, got.RopeTheta)
	assert.Equal(t, DeviceCPU, got.Device)

	// Resolve works on a copy.
	assert.False(t, cfg.NKVHeads.IsSet())
}

func TestResolveKeepsExplicitValues(t *testing.T) {
	cfg := validConfig()
	cfg.RopeTheta = 500000
	cfg.Device = " CPU "
	got, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 500000.0, got.RopeTheta)
	assert.Equal(t, DeviceCPU, got.Device)
	assert.Equal(t, 2, got.NRep())
	assert.Equal(t, 4, got.HeadDim())
	assert.Equal(t, 4, got.KVDim())
}

func TestDefaultConfigNeedsVocab(t *testing.T) {
	_, err := DefaultConfig().Resolve()
	require.Error(t, err)
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "vocab_size", cerr.Field)
	assert.ErrorIs(t, err, ErrConfig)

	cfg := DefaultConfig()
	cfg.VocabSize = 32000
	got, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 128, got.HeadDim())
	assert.Equal(t, 11008, got.HiddenDim())
}

func TestResolveRejects(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*Config)
		field string
	}{
		{"vocab unset", func(c *Config) { c.VocabSize = -1 }, "vocab_size"},
		{"vocab zero", func(c *Config) { c.VocabSize = 0 }, "vocab_size"},
		{"dim zero", func(c *Config) { c.Dim = 0 }, "dim"},
		{"layers zero", func(c *Config) { c.NLayers = 0 }, "n_layers"},
		{"heads zero", func(c *Config) { c.NHeads = 0 }, "n_heads"},
		{"dim not divisible", func(c *Config) { c.Dim = 9 }, "n_heads"},
		{"odd head dim", func(c *Config) { c.Dim = 6 }, "n_heads"},
		{"kv heads exceed", func(c *Config) { c.NKVHeads = Some(4) }, "n_kv_heads"},
		{"kv heads not divisor", func(c *Config) { c.NHeads = 4; c.Dim = 16; c.NKVHeads = Some(3) }, "n_kv_heads"},
		{"kv heads zero", func(c *Config) { c.NKVHeads = Some(0) }, "n_kv_heads"},
		{"multiple_of zero", func(c *Config) { c.MultipleOf = 0 }, "multiple_of"},
		{"negative multiplier", func(c *Config) { c.FFNDimMultiplier = Some(-1.0) }, "ffn_dim_multiplier"},
		{"hidden dim zero", func(c *Config) { c.FFNHiddenDim = Some(0) }, "hidden_dim"},
		{"eps zero", func(c *Config) { c.NormEps = 0 }, "norm_eps"},
		{"batch zero", func(c *Config) { c.MaxBatchSize = 0 }, "max_batch_size"},
		{"seq zero", func(c *Config) { c.MaxSeqLen = 0 }, "max_seq_len"},
		{"theta too small", func(c *Config) { c.RopeTheta = 0.5 }, "rope_theta"},
		{"gpu device", func(c *Config) { c.Device = "cuda:0" }, "device"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mut(&cfg)
			_, err := cfg.Resolve()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestResolvedConfigInvariants(t *testing.T) {
	for dim := 2; dim <= 64; dim += 2 {
		for heads := 1; heads <= dim; heads++ {
			for kv := 1; kv <= heads; kv++ {
				cfg := validConfig()
				cfg.Dim, cfg.NHeads, cfg.NKVHeads = dim, heads, Some(kv)
				got, err := cfg.Resolve()
				if err != nil {
					continue
				}
				hd := got.HeadDim()
				require.Zero(t, got.Dim%got.NHeads, "dim=%d heads=%d", dim, heads)
				require.True(t, hd > 0 && hd%2 == 0, "dim=%d heads=%d: head_dim %d", dim, heads, hd)
				require.Zero(t, got.NHeads%got.KVHeads(), "heads=%d kv=%d", heads, got.KVHeads())
			}
		}
	}
}

func TestHiddenDim(t *testing.T) {
	tests := []struct {
		dim        int
		multipleOf int
		mult       Optional[float64]
		want       int
	}{
		// ceil(64/3) = 22, rounded up to 24
		{8, 4, None[float64](), 24},
		{12, 1, None[float64](), 32},
		{4096, 256, None[float64](), 11008},
		{8, 4, Some(1.5), 8},
		{8, 16, Some(3.0), 16},
		// ceil(3549.87) = 3550, rounded up to 4096
		{4096, 1024, Some(1.3), 4096},
	}
	for _, tt := range tests {
		cfg := Config{Dim: tt.dim, MultipleOf: tt.multipleOf, FFNDimMultiplier: tt.mult}
		assert.Equal(t, tt.want, cfg.HiddenDim(), "dim=%d multiple_of=%d", tt.dim, tt.multipleOf)
	}
}

func TestHiddenDimOverride(t *testing.T) {
	cfg := Config{Dim: 4096, MultipleOf: 1024, FFNDimMultiplier: Some(1.3), FFNHiddenDim: Some(14336)}
	assert.Equal(t, 14336, cfg.HiddenDim())

	small := validConfig()
	small.FFNHiddenDim = Some(12)
	got, err := small.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 12, got.HiddenDim())

	w, err := RandomWeights(small, 1)
	require.NoError(t, err)
	assert.Equal(t, 12, w.Layers[0].FeedForward.W1.R)
	assert.Equal(t, 12, w.Layers[0].FeedForward.W2.C)
}

func TestMetaHiddenDim(t *testing.T) {
	tests := []struct {
		name       string
		dim        int
		multipleOf int
		mult       Optional[float64]
		want       int
	}{
		{"llama-7b", 4096, 256, None[float64](), 11008},
		{"llama2-70b", 8192, 4096, Some(1.3), 28672},
		{"llama3-8b", 4096, 1024, Some(1.3), 14336},
		{"llama3-70b", 8192, 4096, Some(1.3), 28672},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MetaHiddenDim(tt.dim, tt.multipleOf, tt.mult))
		})
	}
}

func TestOptional(t *testing.T) {
	var o Optional[int]
	assert.False(t, o.IsSet())
	assert.Equal(t, 7, o.Or(7))
	o = Some(0)
	v, ok := o.Get()
	assert.True(t, ok)
	assert.Equal(t, 0, v)
	assert.Equal(t, 0, o.Or(7))
}
