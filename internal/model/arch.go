package model

import (
	"fmt"
	"strings"
)

// archNames maps model parameters to checkpoint tensor names.
type archNames struct {
	embedding        string
	outputNorm       string
	outputCandidates func() []string

	attnNorm func(layer int) string
	ffnNorm  func(layer int) string

	wq func(layer int) string
	wk func(layer int) string
	wv func(layer int) string
	wo func(layer int) string

	ffnGate func(layer int) string
	ffnUp   func(layer int) string
	ffnDown func(layer int) string
}

type archSpec struct {
	Name  string
	Names archNames
	// PermutedQK is set when wq/wk rows are stored in the half-split rotary
	// layout and must be interleaved back to adjacent pairs.
	PermutedQK bool
}

// Meta LLaMA consolidated checkpoints.
func metaSpec() *archSpec {
	return &archSpec{
		Name: "meta",
		Names: archNames{
			embedding:  "tok_embeddings.weight",
			outputNorm: "norm.weight",
			outputCandidates: func() []string {
				return []string{"output.weight", "tok_embeddings.weight"}
			},
			attnNorm: func(layer int) string { return fmt.Sprintf("layers.%d.attention_norm.weight", layer) },
			ffnNorm:  func(layer int) string { return fmt.Sprintf("layers.%d.ffn_norm.weight", layer) },
			wq:       func(layer int) string { return fmt.Sprintf("layers.%d.attention.wq.weight", layer) },
			wk:       func(layer int) string { return fmt.Sprintf("layers.%d.attention.wk.weight", layer) },
			wv:       func(layer int) string { return fmt.Sprintf("layers.%d.attention.wv.weight", layer) },
			wo:       func(layer int) string { return fmt.Sprintf("layers.%d.attention.wo.weight", layer) },
			ffnGate:  func(layer int) string { return fmt.Sprintf("layers.%d.feed_forward.w1.weight", layer) },
			ffnDown:  func(layer int) string { return fmt.Sprintf("layers.%d.feed_forward.w2.weight", layer) },
			ffnUp:    func(layer int) string { return fmt.Sprintf("layers.%d.feed_forward.w3.weight", layer) },
		},
	}
}

// Hugging Face LlamaForCausalLM checkpoints.
func hfLlamaSpec() *archSpec {
	return &archSpec{
		Name:       "hf",
		PermutedQK: true,
		Names: archNames{
			embedding:  "model.embed_tokens.weight",
			outputNorm: "model.norm.weight",
			outputCandidates: func() []string {
				return []string{"lm_head.weight", "model.embed_tokens.weight"}
			},
			attnNorm: func(layer int) string { return fmt.Sprintf("model.layers.%d.input_layernorm.weight", layer) },
			ffnNorm: func(layer int) string {
				return fmt.Sprintf("model.layers.%d.post_attention_layernorm.weight", layer)
			},
			wq:      func(layer int) string { return fmt.Sprintf("model.layers.%d.self_attn.q_proj.weight", layer) },
			wk:      func(layer int) string { return fmt.Sprintf("model.layers.%d.self_attn.k_proj.weight", layer) },
			wv:      func(layer int) string { return fmt.Sprintf("model.layers.%d.self_attn.v_proj.weight", layer) },
			wo:      func(layer int) string { return fmt.Sprintf("model.layers.%d.self_attn.o_proj.weight", layer) },
			ffnGate: func(layer int) string { return fmt.Sprintf("model.layers.%d.mlp.gate_proj.weight", layer) },
			ffnDown: func(layer int) string { return fmt.Sprintf("model.layers.%d.mlp.down_proj.weight", layer) },
			ffnUp:   func(layer int) string { return fmt.Sprintf("model.layers.%d.mlp.up_proj.weight", layer) },
		},
	}
}

// Layouts lists the checkpoint naming schemes LoadWeights understands.
func Layouts() []string {
	return []string{"meta", "hf"}
}

func specForLayout(layout string) (*archSpec, error) {
	switch strings.ToLower(strings.TrimSpace(layout)) {
	case "", "meta", "llama":
		return metaSpec(), nil
	case "hf", "huggingface":
		return hfLlamaSpec(), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint layout %q (want one of %v)", layout, Layouts())
	}
}

// detectLayout picks the naming scheme from the tensors present in src.
func detectLayout(src TensorSource) *archSpec {
	for _, spec := range []*archSpec{metaSpec(), hfLlamaSpec()} {
		if _, ok := src.TensorShape(spec.Names.embedding); ok {
			return spec
		}
	}
	return nil
}
