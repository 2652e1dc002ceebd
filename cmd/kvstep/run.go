package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvstep/internal/logger"
	"github.com/samcharles93/kvstep/internal/model"
)

func runCmd() *cli.Command {
	var (
		tokens   string
		startPos int64
		top      int64
	)

	return &cli.Command{
		Name:   "run",
		Usage:  "Feed token ids one at a time and print the top logits after each step",
		Before: prepare,
		Flags: withCommonFlags(
			&cli.StringFlag{
				Name:        "tokens",
				Aliases:     []string{"t"},
				Usage:       "comma separated token ids",
				Required:    true,
				Destination: &tokens,
			},
			&cli.Int64Flag{
				Name:        "start-pos",
				Usage:       "cache position of the first token",
				Destination: &startPos,
			},
			&cli.Int64Flag{
				Name:        "top",
				Aliases:     []string{"k"},
				Usage:       "number of logits to print per step",
				Value:       5,
				Destination: &top,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			ids, err := parseTokens(tokens)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: --tokens: %v", err), 1)
			}
			loaded, err := loadModel(ctx, cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			m, err := loaded.New()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build model: %v", err), 1)
			}

			start := time.Now()
			if err := decode(os.Stdout, m, ids, int(startPos), int(top)); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			elapsed := time.Since(start)
			log.Info("decode finished",
				"tokens", len(ids),
				logger.Position(int(startPos)+len(ids)-1, m.Config().MaxSeqLen),
				"elapsed", elapsed,
				"tok_per_s", float64(len(ids))/elapsed.Seconds(),
			)
			return nil
		},
	}
}

// decode feeds ids through m starting at startPos and writes one line per step.
func decode(w io.Writer, m *model.Transformer, ids []int, startPos, top int) error {
	for i, id := range ids {
		pos := startPos + i
		logits, err := m.ForwardToken(id, pos)
		if err != nil {
			return fmt.Errorf("step %d (token %d at position %d): %w", i, id, pos, err)
		}
		ranked := rankLogits(logits, top)
		parts := make([]string, len(ranked))
		for j, r := range ranked {
			parts[j] = fmt.Sprintf("%d:%.4f", r, logits[r])
		}
		if _, err := fmt.Fprintf(w, "pos=%d token=%d top=[%s]\n", pos, id, strings.Join(parts, " ")); err != nil {
			return err
		}
	}
	return nil
}

// rankLogits returns the ids of the k largest logits, highest first.
func rankLogits(logits []float32, k int) []int {
	ids := make([]int, len(logits))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool { return logits[ids[a]] > logits[ids[b]] })
	if k <= 0 || k > len(ids) {
		k = len(ids)
	}
	return ids[:k]
}

func parseTokens(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) == 0 {
		return nil, fmt.Errorf("no token ids")
	}
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q", f)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
