package config

import (
	"fmt"
	"sort"
	"strings"
)

func ptr[T any](v T) *T { return &v }

// presets are named hyperparameter sets. "tiny" is small enough to run with
// synthetic weights; the others match published LLaMA checkpoint shapes,
// with the feed-forward width pinned where Meta's rounding differs.
var presets = map[string]Hyperparams{
	"tiny": {
		Dim:          ptr(64),
		NLayers:      ptr(2),
		NHeads:       ptr(4),
		NKVHeads:     ptr(2),
		VocabSize:    ptr(256),
		MultipleOf:   ptr(32),
		MaxBatchSize: ptr(4),
		MaxSeqLen:    ptr(128),
	},
	"llama-7b": {
		Dim:        ptr(4096),
		NLayers:    ptr(32),
		NHeads:     ptr(32),
		VocabSize:  ptr(32000),
		MultipleOf: ptr(256),
	},
	"llama3-8b": {
		Dim:              ptr(4096),
		NLayers:          ptr(32),
		NHeads:           ptr(32),
		NKVHeads:         ptr(8),
		VocabSize:        ptr(128256),
		MultipleOf:       ptr(1024),
		FFNDimMultiplier: ptr(1.3),
		HiddenDim:        ptr(14336),
		RopeTheta:        ptr(500000.0),
	},
}

// Preset returns the named hyperparameter set.
func Preset(name string) (Hyperparams, error) {
	h, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Hyperparams{}, fmt.Errorf("unknown preset %q (want one of %v)", name, PresetNames())
	}
	return h, nil
}

// PresetNames lists the available presets in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
