package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvstep/internal/logger"
	"github.com/samcharles93/kvstep/internal/model"
	"github.com/samcharles93/kvstep/internal/safetensors"
)

func weightsCmd() *cli.Command {
	var (
		out       string
		outLayout string
	)

	return &cli.Command{
		Name:   "weights",
		Usage:  "Write the current weights (synthetic or loaded) to a .safetensors file",
		Before: prepare,
		Flags: withCommonFlags(
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors path",
				Required:    true,
				Destination: &out,
			},
			&cli.StringFlag{
				Name:        "out-layout",
				Usage:       "tensor naming of the output (meta, hf)",
				Value:       "meta",
				Destination: &outLayout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			loaded, err := loadModel(ctx, cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			tensors, err := model.ExportTensors(loaded.weights, loaded.cfg, outLayout)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: export: %v", err), 1)
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			meta := map[string]string{
				"format": "pt",
				"layout": outLayout,
				"source": loaded.source,
			}
			if err := safetensors.WriteFile(out, tensors, meta); err != nil {
				return cli.Exit(fmt.Sprintf("error: write %s: %v", out, err), 1)
			}
			log.Info("weights written", "path", out, "tensors", len(tensors), "layout", outLayout)
			return nil
		},
	}
}
