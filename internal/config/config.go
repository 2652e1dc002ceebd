// Package config loads kvstep settings from a YAML file and model
// hyperparameters from Meta-style params.json files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/kvstep/internal/model"
)

// Hyperparams overrides model.Config fields. Every field is a pointer so a key
// missing from the file leaves the corresponding default alone.
type Hyperparams struct {
	Dim              *int     `yaml:"dim" json:"dim"`
	NLayers          *int     `yaml:"n_layers" json:"n_layers"`
	NHeads           *int     `yaml:"n_heads" json:"n_heads"`
	NKVHeads         *int     `yaml:"n_kv_heads" json:"n_kv_heads"`
	VocabSize        *int     `yaml:"vocab_size" json:"vocab_size"`
	MultipleOf       *int     `yaml:"multiple_of" json:"multiple_of"`
	FFNDimMultiplier *float64 `yaml:"ffn_dim_multiplier" json:"ffn_dim_multiplier"`
	HiddenDim        *int     `yaml:"hidden_dim" json:"hidden_dim"`
	NormEps          *float64 `yaml:"norm_eps" json:"norm_eps"`
	RopeTheta        *float64 `yaml:"rope_theta" json:"rope_theta"`
	MaxBatchSize     *int     `yaml:"max_batch_size" json:"max_batch_size"`
	MaxSeqLen        *int     `yaml:"max_seq_len" json:"max_seq_len"`
	Device           *string  `yaml:"device" json:"device"`
}

// ApplyTo copies every set field into cfg.
func (h Hyperparams) ApplyTo(cfg *model.Config) {
	setInt(&cfg.Dim, h.Dim)
	setInt(&cfg.NLayers, h.NLayers)
	setInt(&cfg.NHeads, h.NHeads)
	setInt(&cfg.VocabSize, h.VocabSize)
	setInt(&cfg.MultipleOf, h.MultipleOf)
	setInt(&cfg.MaxBatchSize, h.MaxBatchSize)
	setInt(&cfg.MaxSeqLen, h.MaxSeqLen)
	if h.NKVHeads != nil {
		cfg.NKVHeads = model.Some(*h.NKVHeads)
	}
	if h.FFNDimMultiplier != nil {
		cfg.FFNDimMultiplier = model.Some(*h.FFNDimMultiplier)
	}
	if h.HiddenDim != nil {
		cfg.FFNHiddenDim = model.Some(*h.HiddenDim)
	}
	if h.NormEps != nil {
		cfg.NormEps = *h.NormEps
	}
	if h.RopeTheta != nil {
		cfg.RopeTheta = *h.RopeTheta
	}
	if h.Device != nil {
		cfg.Device = *h.Device
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// File represents the kvstep configuration file (~/.config/kvstep/config.yaml).
type File struct {
	// Preset names a built-in hyperparameter set applied first.
	Preset string `yaml:"preset"`
	// Params points at a params.json applied after Preset and before Model.
	Params string      `yaml:"params"`
	Model  Hyperparams `yaml:"model"`

	// Weights
	Weights string `yaml:"weights"`
	Layout  string `yaml:"layout"`
	Seed    *int64 `yaml:"seed"`

	Parallel *bool `yaml:"parallel"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	MaxSessions   *int   `yaml:"max_sessions"`

	dir string
}

// DefaultPath returns the per-user config file location, or "" when the
// user config directory is unknown.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kvstep", "config.yaml")
}

// Load reads the config file at path. A missing file yields a zero File.
// Relative paths inside the file resolve against its directory.
func Load(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return File{}, nil
	}
	if err != nil {
		return File{}, err
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("config %s: %w", path, err)
	}
	f.dir = filepath.Dir(path)
	return f, nil
}

// Parse decodes a YAML config document.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, err
	}
	return f, nil
}

// Resolve returns p relative to the directory the file was loaded from.
func (f File) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || f.dir == "" {
		return p
	}
	return filepath.Join(f.dir, p)
}

// ModelConfig builds the model configuration by layering, in order,
// model.DefaultConfig, the preset, the params file and the inline model
// section. The result is not resolved.
func (f File) ModelConfig() (model.Config, error) {
	cfg := model.DefaultConfig()
	if f.Preset != "" {
		h, err := Preset(f.Preset)
		if err != nil {
			return model.Config{}, err
		}
		h.ApplyTo(&cfg)
	}
	if f.Params != "" {
		params, err := LoadParams(f.Resolve(f.Params))
		if err != nil {
			return model.Config{}, err
		}
		params.ApplyTo(&cfg)
	}
	f.Model.ApplyTo(&cfg)
	// A hidden width pinned by the preset or params.json no longer matches
	// once the model section reshapes the feed-forward layer without its own.
	m := f.Model
	if m.HiddenDim == nil && (m.Dim != nil || m.MultipleOf != nil || m.FFNDimMultiplier != nil) {
		cfg.FFNHiddenDim = model.None[int]()
	}
	return cfg, nil
}

// LoadParams reads a params.json file as shipped with Meta LLaMA checkpoints.
// Unknown keys are ignored.
func LoadParams(path string) (Hyperparams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Hyperparams{}, err
	}
	h, err := ParseParams(data)
	if err != nil {
		return Hyperparams{}, fmt.Errorf("params %s: %w", path, err)
	}
	return h, nil
}

// ParseParams decodes a params.json document. When the file sets
// ffn_dim_multiplier without hidden_dim, the hidden width is pinned to the
// one Meta's checkpoints were trained with.
func ParseParams(data []byte) (Hyperparams, error) {
	var h Hyperparams
	if err := json.Unmarshal(data, &h); err != nil {
		return Hyperparams{}, err
	}
	if h.HiddenDim == nil && h.FFNDimMultiplier != nil && h.Dim != nil && h.MultipleOf != nil {
		h.HiddenDim = ptr(model.MetaHiddenDim(*h.Dim, *h.MultipleOf, model.Some(*h.FFNDimMultiplier)))
	}
	return h, nil
}
