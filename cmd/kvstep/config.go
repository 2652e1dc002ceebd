package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvstep/internal/config"
	"github.com/samcharles93/kvstep/internal/logger"
	"github.com/samcharles93/kvstep/internal/model"
	"github.com/samcharles93/kvstep/internal/safetensors"
)

// fileConfig is the config file loaded by prepare.
var fileConfig config.File

// prepare loads the config file, applies its defaults to flags the user did
// not set and installs the logger in the context.
func prepare(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	file, err := config.Load(configPath)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	applyFileConfig(cmd, file)
	fileConfig = file

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	if debug {
		level = slog.LevelDebug
	}
	log := logger.ForFormat(logFormat, os.Stderr, level)
	if configPath != "" && file != (config.File{}) {
		log.Debug("loaded config", "path", configPath)
	}
	return logger.WithContext(ctx, log), nil
}

// applyFileConfig applies config file defaults to command variables when the
// corresponding CLI flag was not explicitly set.
func applyFileConfig(c *cli.Command, cfg config.File) {
	if cfg.Weights != "" && !c.IsSet("weights") {
		weightsPath = cfg.Resolve(cfg.Weights)
	}
	if cfg.Layout != "" && !c.IsSet("layout") {
		layout = cfg.Layout
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.Parallel != nil && !c.IsSet("parallel") {
		parallel = *cfg.Parallel
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// modelConfig layers preset, params.json, the config file's model section and
// the override flags, then resolves the result.
func modelConfig(c *cli.Command) (model.Config, error) {
	file := fileConfig
	if c.IsSet("preset") {
		file.Preset = preset
	}
	if c.IsSet("params") {
		abs, err := filepath.Abs(paramsPath)
		if err != nil {
			return model.Config{}, err
		}
		file.Params = abs
	}
	cfg, err := file.ModelConfig()
	if err != nil {
		return model.Config{}, err
	}
	if c.IsSet("vocab-size") {
		cfg.VocabSize = int(vocabSize)
	}
	if c.IsSet("max-seq-len") {
		cfg.MaxSeqLen = int(maxSeqLen)
	}
	if c.IsSet("max-batch-size") {
		cfg.MaxBatchSize = int(maxBatchSize)
	}
	return cfg.Resolve()
}

// loadedModel is a resolved config plus the weights every model instance
// built from it shares.
type loadedModel struct {
	cfg     model.Config
	weights *model.Weights
	source  string
	opts    []model.Option
}

func loadModel(ctx context.Context, c *cli.Command) (*loadedModel, error) {
	log := logger.FromContext(ctx)

	cfg, err := modelConfig(c)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var (
		weights *model.Weights
		source  string
	)
	if weightsPath == "" {
		log.Warn("no weights given, using synthetic weights", "seed", seed)
		weights, err = model.RandomWeights(cfg, seed)
		source = fmt.Sprintf("synthetic (seed %d)", seed)
	} else {
		weights, err = loadSafetensors(weightsPath, cfg, layout)
		source = weightsPath
	}
	if err != nil {
		return nil, err
	}
	log.Info("weights loaded", "source", source, "elapsed", time.Since(start))

	opts := []model.Option{model.WithLogger(log)}
	if parallel {
		opts = append(opts, model.WithParallelOps())
	}
	return &loadedModel{cfg: cfg, weights: weights, source: source, opts: opts}, nil
}

func loadSafetensors(path string, cfg model.Config, layout string) (*model.Weights, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	defer func() { _ = f.Close() }()
	return model.LoadWeights(f, cfg, layout)
}

// New builds a model instance with its own KV caches.
func (l *loadedModel) New() (*model.Transformer, error) {
	return model.New(l.cfg, l.weights, l.opts...)
}
