package logger

import (
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// Shape logs tensor dimensions as a single "BxSxV" string.
func Shape(key string, dims ...int) slog.Attr {
	return slog.Any(key, shapeValue(dims))
}

type shapeValue []int

func (s shapeValue) LogValue() slog.Value {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return slog.StringValue(strings.Join(parts, "x"))
}

// Position logs a cache position against the cache length.
func Position(pos, maxSeqLen int) slog.Attr {
	return slog.Group("pos", slog.Int("at", pos), slog.Int("max", maxSeqLen))
}

// Vector logs a summary of v instead of its elements: length, minimum,
// maximum and the index of the maximum.
func Vector(key string, v []float32) slog.Attr {
	return slog.Any(key, vectorValue(v))
}

type vectorValue []float32

func (v vectorValue) LogValue() slog.Value {
	if len(v) == 0 {
		return slog.GroupValue(slog.Int("n", 0))
	}
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	argmax := 0
	for i, x := range v {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi, argmax = x, i
		}
	}
	return slog.GroupValue(
		slog.Int("n", len(v)),
		slog.Float64("min", float64(lo)),
		slog.Float64("max", float64(hi)),
		slog.Int("argmax", argmax),
	)
}
