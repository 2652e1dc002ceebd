package main

import (
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvstep/internal/config"
	"github.com/samcharles93/kvstep/internal/logger"
)

var (
	configPath  string
	paramsPath  string
	preset      string
	weightsPath string
	layout      string
	seed        int64
	parallel    bool

	vocabSize    int64
	maxSeqLen    int64
	maxBatchSize int64

	logLevel  string
	logFormat string
	debug     bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Value:       config.DefaultPath(),
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "params",
			Usage:       "path to a Meta params.json",
			Destination: &paramsPath,
		},
		&cli.StringFlag{
			Name:        "preset",
			Usage:       "named hyperparameters (tiny, llama-7b, llama3-8b)",
			Destination: &preset,
		},
		&cli.StringFlag{
			Name:        "weights",
			Aliases:     []string{"w"},
			Usage:       "path to .safetensors weights (synthetic weights when empty)",
			Destination: &weightsPath,
		},
		&cli.StringFlag{
			Name:        "layout",
			Usage:       "checkpoint tensor naming (meta, hf; detected when empty)",
			Destination: &layout,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for synthetic weights",
			Value:       1,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "parallel",
			Usage:       "spread matrix-vector rows over all CPUs",
			Destination: &parallel,
		},
		&cli.Int64Flag{
			Name:        "vocab-size",
			Usage:       "override vocab_size",
			Destination: &vocabSize,
		},
		&cli.Int64Flag{
			Name:        "max-seq-len",
			Aliases:     []string{"max-context", "ctx"},
			Usage:       "override max_seq_len (KV cache positions)",
			Destination: &maxSeqLen,
		},
		&cli.Int64Flag{
			Name:        "max-batch-size",
			Usage:       "override max_batch_size",
			Destination: &maxBatchSize,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (" + strings.Join(logger.Formats, ", ") + ")",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func withCommonFlags(extra ...cli.Flag) []cli.Flag {
	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags, loggingFlags()...)
	return append(flags, extra...)
}
