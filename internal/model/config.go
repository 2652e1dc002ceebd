package model

import (
	"math"
	"strings"
)

// DeviceCPU is the only compute device this runtime executes on.
const DeviceCPU = "cpu"

// DefaultRopeTheta is the rotary base used when a config leaves it unset.
const DefaultRopeTheta = 10_000.0

// Optional holds a value that may be explicitly absent. The zero value is
// absent, which lets configs distinguish "not set" from a zero value.
type Optional[T any] struct {
	v  T
	ok bool
}

// Some returns a present Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{v: v, ok: true}
}

// None returns an absent Optional.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.v, o.ok
}

// IsSet reports whether a value is present.
func (o Optional[T]) IsSet() bool {
	return o.ok
}

// Or returns the value if present, otherwise def.
func (o Optional[T]) Or(def T) T {
	if o.ok {
		return o.v
	}
	return def
}

// Config holds the transformer hyperparameters.
//
// A Config must go through Resolve before use: Resolve fills in the documented
// defaults exactly once and rejects inconsistent values with a *ConfigError.
type Config struct {
	Dim     int
	NLayers int
	// NHeads is the number of query heads.
	NHeads int
	// NKVHeads is the number of key/value heads. Unset means NHeads.
	NKVHeads  Optional[int]
	VocabSize int

	// MultipleOf and FFNDimMultiplier size the feed-forward hidden layer.
	MultipleOf       int
	FFNDimMultiplier Optional[float64]
	// FFNHiddenDim pins the feed-forward hidden width, taking precedence over
	// MultipleOf and FFNDimMultiplier.
	FFNHiddenDim Optional[int]

	NormEps float64

	// MaxBatchSize and MaxSeqLen bound the KV cache.
	MaxBatchSize int
	MaxSeqLen    int

	// RopeTheta is the rotary frequency base. Zero means DefaultRopeTheta.
	RopeTheta float64
	// Device names the compute device. Empty means DeviceCPU.
	Device string
}

// DefaultConfig returns the LLaMA-7B shaped defaults. VocabSize is left unset
// (-1) and must be filled in from the tokenizer before Resolve succeeds.
func DefaultConfig() Config {
	return Config{
		Dim:          4096,
		NLayers:      32,
		NHeads:       32,
		VocabSize:    -1,
		MultipleOf:   256,
		NormEps:      1e-5,
		MaxBatchSize: 32,
		MaxSeqLen:    2048,
	}
}

// Resolve validates c and returns a copy with every optional field resolved.
func (c Config) Resolve() (Config, error) {
	if c.VocabSize <= 0 {
		return Config{}, configErrorf("vocab_size", "must be set to a positive value, got %d", c.VocabSize)
	}
	if c.Dim <= 0 {
		return Config{}, configErrorf("dim", "must be positive, got %d", c.Dim)
	}
	if c.NLayers <= 0 {
		return Config{}, configErrorf("n_layers", "must be positive, got %d", c.NLayers)
	}
	if c.NHeads <= 0 {
		return Config{}, configErrorf("n_heads", "must be positive, got %d", c.NHeads)
	}
	if c.Dim%c.NHeads != 0 {
		return Config{}, configErrorf("n_heads", "dim %d is not divisible by n_heads %d", c.Dim, c.NHeads)
	}
	if hd := c.Dim / c.NHeads; hd%2 != 0 {
		return Config{}, configErrorf("n_heads", "head_dim %d must be even for rotary pairing", hd)
	}

	kvHeads := c.NKVHeads.Or(c.NHeads)
	if kvHeads <= 0 {
		return Config{}, configErrorf("n_kv_heads", "must be positive, got %d", kvHeads)
	}
	if kvHeads > c.NHeads {
		return Config{}, configErrorf("n_kv_heads", "%d exceeds n_heads %d", kvHeads, c.NHeads)
	}
	if c.NHeads%kvHeads != 0 {
		return Config{}, configErrorf("n_kv_heads", "n_heads %d is not a multiple of n_kv_heads %d", c.NHeads, kvHeads)
	}
	c.NKVHeads = Some(kvHeads)

	if c.MultipleOf <= 0 {
		return Config{}, configErrorf("multiple_of", "must be positive, got %d", c.MultipleOf)
	}
	if m, ok := c.FFNDimMultiplier.Get(); ok && (m <= 0 || math.IsNaN(m) || math.IsInf(m, 0)) {
		return Config{}, configErrorf("ffn_dim_multiplier", "must be positive when set, got %g", m)
	}
	if h, ok := c.FFNHiddenDim.Get(); ok && h <= 0 {
		return Config{}, configErrorf("hidden_dim", "must be positive when set, got %d", h)
	}
	if c.NormEps <= 0 || math.IsNaN(c.NormEps) {
		return Config{}, configErrorf("norm_eps", "must be positive, got %g", c.NormEps)
	}
	if c.MaxBatchSize <= 0 {
		return Config{}, configErrorf("max_batch_size", "must be positive, got %d", c.MaxBatchSize)
	}
	if c.MaxSeqLen <= 0 {
		return Config{}, configErrorf("max_seq_len", "must be positive, got %d", c.MaxSeqLen)
	}

	if c.RopeTheta == 0 {
		c.RopeTheta = DefaultRopeTheta
	}
	if c.RopeTheta <= 1 || math.IsNaN(c.RopeTheta) || math.IsInf(c.RopeTheta, 0) {
		return Config{}, configErrorf("rope_theta", "must be greater than 1, got %g", c.RopeTheta)
	}

	c.Device = strings.ToLower(strings.TrimSpace(c.Device))
	if c.Device == "" {
		c.Device = DeviceCPU
	}
	if c.Device != DeviceCPU {
		return Config{}, configErrorf("device", "unsupported device %q", c.Device)
	}
	return c, nil
}

// HeadDim is the per-head vector width.
func (c Config) HeadDim() int {
	return c.Dim / c.NHeads
}

// KVHeads returns the number of key/value heads, defaulting to NHeads.
func (c Config) KVHeads() int {
	return c.NKVHeads.Or(c.NHeads)
}

// NRep is how many query heads share one key/value head.
func (c Config) NRep() int {
	return c.NHeads / c.KVHeads()
}

// KVDim is the width of one cached key (or value) row.
func (c Config) KVDim() int {
	return c.KVHeads() * c.HeadDim()
}

// HiddenDim is the feed-forward hidden width: FFNHiddenDim when set,
// otherwise round_up(ceil(2/3 * (ffn_dim_multiplier or 4) * dim), multiple_of).
func (c Config) HiddenDim() int {
	if h, ok := c.FFNHiddenDim.Get(); ok {
		return h
	}
	mult := c.FFNDimMultiplier.Or(4)
	hidden := int(math.Ceil(2 * mult * float64(c.Dim) / 3))
	return c.MultipleOf * ((hidden + c.MultipleOf - 1) / c.MultipleOf)
}

// MetaHiddenDim reproduces the feed-forward width Meta's reference code derives
// for a checkpoint: int(mult * int(2/3 * 4 * dim)) rounded up to multipleOf.
// It only differs from HiddenDim when a multiplier is set.
func MetaHiddenDim(dim, multipleOf int, mult Optional[float64]) int {
	hidden := 2 * 4 * dim / 3
	if m, ok := mult.Get(); ok {
		hidden = int(m * float64(hidden))
	}
	if multipleOf <= 0 {
		return hidden
	}
	return multipleOf * ((hidden + multipleOf - 1) / multipleOf)
}
