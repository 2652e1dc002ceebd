package model

import "github.com/samcharles93/kvstep/internal/tensor"

// Ops abstracts the matrix-vector kernel so callers can choose how the
// projections are scheduled. Every implementation must produce bit-identical
// results.
type Ops interface {
	MatVec(dst []float32, w *tensor.Mat, x []float32)
}

type serialOps struct{}

func (serialOps) MatVec(dst []float32, w *tensor.Mat, x []float32) {
	tensor.MatVec(dst, w, x)
}

type parallelOps struct{}

func (parallelOps) MatVec(dst []float32, w *tensor.Mat, x []float32) {
	tensor.MatVecParallel(dst, w, x)
}

func ensureOps(current Ops) Ops {
	if current == nil {
		return serialOps{}
	}
	return current
}
