package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvstep/internal/logger"
)

func benchmarkCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		steps      int64
	)

	return &cli.Command{
		Name:   "benchmark",
		Usage:  "Measure single-token decode throughput",
		Before: prepare,
		Flags: withCommonFlags(
			&cli.Int64Flag{
				Name:        "warmup",
				Usage:       "number of warmup runs",
				Value:       1,
				Destination: &warmupRuns,
			},
			&cli.Int64Flag{
				Name:        "runs",
				Usage:       "number of benchmark runs",
				Value:       3,
				Destination: &benchRuns,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Aliases:     []string{"n"},
				Usage:       "positions to decode per run (capped at max_seq_len)",
				Value:       128,
				Destination: &steps,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			loadStart := time.Now()
			loaded, err := loadModel(ctx, cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			m, err := loaded.New()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build model: %v", err), 1)
			}
			loadDuration := time.Since(loadStart)
			n := min(int(steps), loaded.cfg.MaxSeqLen)

			fmt.Println("=== kvstep Benchmark ===")
			fmt.Printf("Weights:    %s\n", loaded.source)
			fmt.Printf("Model:      dim=%d layers=%d heads=%d kv_heads=%d vocab=%d\n",
				loaded.cfg.Dim, loaded.cfg.NLayers, loaded.cfg.NHeads, loaded.cfg.KVHeads(), loaded.cfg.VocabSize)
			fmt.Printf("Parallel:   %v\n", parallel)
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Load:       %s\n", loadDuration.Round(time.Millisecond))
			fmt.Printf("Steps:      %d positions\n", n)
			fmt.Printf("Warmup:     %d runs\n", warmupRuns)
			fmt.Printf("Runs:       %d\n", benchRuns)
			fmt.Println()

			run := func() (time.Duration, error) {
				m.Reset()
				start := time.Now()
				for pos := range n {
					if _, err := m.ForwardToken(pos%loaded.cfg.VocabSize, pos); err != nil {
						return 0, err
					}
				}
				return time.Since(start), nil
			}

			for i := range int(warmupRuns) {
				log.Info("warmup run", "run", i+1)
				if _, err := run(); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %10s %12s\n", "Run", "tok/s", "Duration")
			var sumTPS float64
			for i := range int(benchRuns) {
				log.Info("benchmark run", "run", i+1)
				d, err := run()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				tps := float64(n) / d.Seconds()
				sumTPS += tps
				fmt.Printf("%-6d %10.2f %12s\n", i+1, tps, d.Round(time.Microsecond))
			}
			if benchRuns > 0 {
				fmt.Printf("\n%-6s %10.2f\n", "Avg", sumTPS/float64(benchRuns))
			}

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}
