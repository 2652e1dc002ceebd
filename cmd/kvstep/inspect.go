package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvstep/internal/model"
	"github.com/samcharles93/kvstep/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var showTensors bool

	return &cli.Command{
		Name:   "inspect",
		Usage:  "Print the resolved model config, derived sizes and checkpoint tensors",
		Before: prepare,
		Flags: withCommonFlags(
			&cli.BoolFlag{
				Name:        "tensors",
				Usage:       "list the tensors in --weights",
				Destination: &showTensors,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := modelConfig(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			printConfig(os.Stdout, cfg)

			if !showTensors {
				return nil
			}
			if weightsPath == "" {
				return cli.Exit("error: --tensors needs --weights", 1)
			}
			f, err := safetensors.Open(weightsPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open weights: %v", err), 1)
			}
			defer func() { _ = f.Close() }()
			fmt.Println()
			printTensors(os.Stdout, f)
			return nil
		},
	}
}

func printConfig(w io.Writer, cfg model.Config) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k string, v any) { _, _ = fmt.Fprintf(tw, "%s\t%v\n", k, v) }

	row("dim", cfg.Dim)
	row("n_layers", cfg.NLayers)
	row("n_heads", cfg.NHeads)
	row("n_kv_heads", cfg.KVHeads())
	row("vocab_size", cfg.VocabSize)
	row("multiple_of", cfg.MultipleOf)
	if mult, ok := cfg.FFNDimMultiplier.Get(); ok {
		row("ffn_dim_multiplier", mult)
	} else {
		row("ffn_dim_multiplier", "unset")
	}
	row("norm_eps", cfg.NormEps)
	row("rope_theta", cfg.RopeTheta)
	row("max_batch_size", cfg.MaxBatchSize)
	row("max_seq_len", cfg.MaxSeqLen)
	row("device", cfg.Device)
	row("head_dim", cfg.HeadDim())
	row("n_rep", cfg.NRep())
	row("hidden_dim", cfg.HiddenDim())
	row("rotary_positions", 2*cfg.MaxSeqLen)
	row("params", formatCount(parameterCount(cfg)))
	row("kv_cache_bytes", formatBytes(kvCacheBytes(cfg)))
	_ = tw.Flush()
}

func printTensors(w io.Writer, f *safetensors.File) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "name\tdtype\tshape")
	for _, name := range f.Names() {
		t, _ := f.Tensor(name)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%v\n", name, t.DType, t.Shape)
	}
	_ = tw.Flush()
}

// parameterCount counts the weights of a model with untied embeddings.
func parameterCount(cfg model.Config) int64 {
	dim := int64(cfg.Dim)
	q := int64(cfg.NHeads * cfg.HeadDim())
	kv := int64(cfg.KVDim())
	hidden := int64(cfg.HiddenDim())
	perLayer := 2*dim + dim*q + 2*dim*kv + q*dim + 3*dim*hidden
	return 2*int64(cfg.VocabSize)*dim + dim + int64(cfg.NLayers)*perLayer
}

// kvCacheBytes is the float32 key and value storage across every layer.
func kvCacheBytes(cfg model.Config) int64 {
	return 2 * 4 * int64(cfg.NLayers) * int64(cfg.MaxBatchSize) * int64(cfg.MaxSeqLen) * int64(cfg.KVDim())
}

func formatCount(n int64) string {
	switch {
	case n >= 1e9:
		return fmt.Sprintf("%.2fB", float64(n)/1e9)
	case n >= 1e6:
		return fmt.Sprintf("%.2fM", float64(n)/1e6)
	case n >= 1e3:
		return fmt.Sprintf("%.2fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
