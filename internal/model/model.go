package model

import (
	"github.com/samcharles93/kvstep/internal/logger"
	"github.com/samcharles93/kvstep/internal/tensor"
)

// Model represents a decoder that advances one token per batch row per call.
type Model interface {
	// Forward consumes one token per batch row at startPos and returns the
	// next-token logits, shaped [batch, 1, vocab].
	Forward(tokens [][]int, startPos int) (*Logits, error)
	// Reset clears the model's internal state (KV cache).
	Reset()
}

// Logits is a dense [Batch, Seq, Vocab] float32 tensor.
type Logits struct {
	Batch int
	Seq   int
	Vocab int
	Data  []float32
}

// Shape returns [Batch, Seq, Vocab].
func (l *Logits) Shape() [3]int {
	return [3]int{l.Batch, l.Seq, l.Vocab}
}

// Row returns the vocabulary logits for batch row b and sequence index s.
func (l *Logits) Row(b, s int) []float32 {
	off := (b*l.Seq + s) * l.Vocab
	return l.Data[off : off+l.Vocab]
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithLogger sets the logger used for construction diagnostics.
func WithLogger(log logger.Logger) Option {
	return func(m *Transformer) {
		if log != nil {
			m.log = log
		}
	}
}

// WithOps overrides the matrix-vector kernel.
func WithOps(ops Ops) Option {
	return func(m *Transformer) {
		m.ops = ops
	}
}

// WithParallelOps spreads matrix-vector rows over a worker pool. Results are
// bit-identical to the default serial kernel.
func WithParallelOps() Option {
	return WithOps(parallelOps{})
}

// Transformer is a decoder-only LLaMA-style model with a per-layer KV cache.
//
// Forward is not safe for concurrent use: every call writes the caches at
// startPos. Callers that share a Transformer must serialize calls.
type Transformer struct {
	cfg     Config
	weights *Weights
	rotary  *RotaryTable
	layers  []*EncoderBlock

	ops Ops
	log logger.Logger

	norm []float32
}

// New validates cfg and weights and builds the layer stack, caches and
// rotary table. The weights are referenced, not copied.
func New(cfg Config, weights *Weights, opts ...Option) (*Transformer, error) {
	cfg, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	if err := weights.Check(cfg); err != nil {
		return nil, err
	}

	m := &Transformer{
		cfg:     cfg,
		weights: weights,
		log:     logger.Discard(),
		norm:    make([]float32, cfg.Dim),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ops = ensureOps(m.ops)

	m.rotary, err = PrecomputeRotary(cfg.HeadDim(), cfg.MaxSeqLen*2, cfg.RopeTheta)
	if err != nil {
		return nil, err
	}

	m.layers = make([]*EncoderBlock, cfg.NLayers)
	for i := range m.layers {
		m.layers[i] = newEncoderBlock(i, cfg, &weights.Layers[i], m.ops)
	}

	m.log.Debug("model constructed",
		"dim", cfg.Dim,
		"layers", cfg.NLayers,
		"heads", cfg.NHeads,
		"kv_heads", cfg.KVHeads(),
		"head_dim", cfg.HeadDim(),
		"hidden_dim", cfg.HiddenDim(),
		"vocab", cfg.VocabSize,
		logger.Shape("kv_cache", cfg.MaxBatchSize, cfg.MaxSeqLen, cfg.KVHeads(), cfg.HeadDim()),
	)
	return m, nil
}

// Config returns the resolved configuration.
func (m *Transformer) Config() Config { return m.cfg }

// Rotary returns the precomputed rotary table.
func (m *Transformer) Rotary() *RotaryTable { return m.rotary }

// Layers returns the encoder blocks in execution order.
func (m *Transformer) Layers() []*EncoderBlock { return m.layers }

// Forward runs one decoding step. tokens is [batch][1]; row b uses cache
// slot b. Every input check happens before any cache is written, so a
// failed call leaves the model state unchanged.
func (m *Transformer) Forward(tokens [][]int, startPos int) (*Logits, error) {
	if err := m.checkInput(tokens, startPos); err != nil {
		return nil, err
	}
	rope, err := m.rotary.Slice(startPos, 1)
	if err != nil {
		return nil, err
	}

	vocab := m.cfg.VocabSize
	out := &Logits{
		Batch: len(tokens),
		Seq:   1,
		Vocab: vocab,
		Data:  make([]float32, len(tokens)*vocab),
	}
	for b, row := range tokens {
		h := make([]float32, m.cfg.Dim)
		m.weights.TokEmbeddings.RowTo(h, row[0])
		for _, layer := range m.layers {
			h, err = layer.Forward(h, b, startPos, rope)
			if err != nil {
				return nil, err
			}
		}
		tensor.RMSNorm(m.norm, h, m.weights.Norm, float32(m.cfg.NormEps))
		m.ops.MatVec(out.Row(b, 0), &m.weights.Output, m.norm)
	}
	return out, nil
}

// ForwardToken runs Forward for a single token in batch slot 0 and returns
// its logits.
func (m *Transformer) ForwardToken(tok, startPos int) ([]float32, error) {
	logits, err := m.Forward([][]int{{tok}}, startPos)
	if err != nil {
		return nil, err
	}
	return logits.Row(0, 0), nil
}

func (m *Transformer) checkInput(tokens [][]int, startPos int) error {
	if len(tokens) == 0 {
		return unsupportedf("empty batch")
	}
	if len(tokens) > m.cfg.MaxBatchSize {
		return unsupportedf("batch size %d exceeds max_batch_size %d", len(tokens), m.cfg.MaxBatchSize)
	}
	for b, row := range tokens {
		if len(row) != 1 {
			return unsupportedf("batch row %d has sequence length %d; only one token per call is supported", b, len(row))
		}
		if tok := row[0]; tok < 0 || tok >= m.cfg.VocabSize {
			return unsupportedf("token id %d out of range [0, %d)", tok, m.cfg.VocabSize)
		}
	}
	if startPos < 0 {
		return unsupportedf("negative start position %d", startPos)
	}
	if startPos >= m.cfg.MaxSeqLen {
		return &CacheOverflowError{Pos: startPos, MaxLen: m.cfg.MaxSeqLen}
	}
	return nil
}

// Reset clears every layer's KV cache.
func (m *Transformer) Reset() {
	for _, layer := range m.layers {
		layer.Cache().Reset()
	}
}

// ResetSlot clears one batch slot in every layer's KV cache.
func (m *Transformer) ResetSlot(slot int) {
	for _, layer := range m.layers {
		layer.Cache().ResetSlot(slot)
	}
}
