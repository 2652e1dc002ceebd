package model

import (
	"fmt"
	"math"
)

// RotaryTable holds precomputed rotary position rotations for positions
// [0, Positions) and HeadDim/2 frequency bins. It is immutable after
// construction and safe to share.
//
// Rotations pair adjacent coordinates (x[2i], x[2i+1]) of each head, which is
// the layout of the original Meta LLaMA checkpoints.
type RotaryTable struct {
	headDim   int
	positions int
	theta     float64
	invFreq   []float64
	cos       []float32 // [positions, headDim/2]
	sin       []float32 // [positions, headDim/2]
}

// PrecomputeRotary builds the rotation table. Bin i uses the frequency
// theta^(-2i/headDim).
func PrecomputeRotary(headDim, maxPositions int, theta float64) (*RotaryTable, error) {
	if headDim <= 0 || headDim%2 != 0 {
		return nil, configErrorf("head_dim", "must be a positive even number, got %d", headDim)
	}
	if maxPositions <= 0 {
		return nil, configErrorf("max_positions", "must be positive, got %d", maxPositions)
	}
	if theta <= 0 {
		theta = DefaultRopeTheta
	}

	half := headDim / 2
	invFreq := make([]float64, half)
	for i := range half {
		invFreq[i] = 1.0 / math.Pow(theta, float64(2*i)/float64(headDim))
	}

	t := &RotaryTable{
		headDim:   headDim,
		positions: maxPositions,
		theta:     theta,
		invFreq:   invFreq,
		cos:       make([]float32, maxPositions*half),
		sin:       make([]float32, maxPositions*half),
	}
	for pos := range maxPositions {
		row := pos * half
		for i, f := range invFreq {
			angle := float64(pos) * f
			t.cos[row+i] = float32(math.Cos(angle))
			t.sin[row+i] = float32(math.Sin(angle))
		}
	}
	return t, nil
}

// HeadDim returns the rotated vector width per head.
func (t *RotaryTable) HeadDim() int { return t.headDim }

// Positions returns the number of precomputed positions.
func (t *RotaryTable) Positions() int { return t.positions }

// Theta returns the frequency base.
func (t *RotaryTable) Theta() float64 { return t.theta }

// Frequency returns the angular frequency of bin i.
func (t *RotaryTable) Frequency(i int) float64 { return t.invFreq[i] }

// Slice returns the rows for positions [start, start+count).
func (t *RotaryTable) Slice(start, count int) (RotarySlice, error) {
	if start < 0 || count <= 0 || start+count > t.positions {
		return RotarySlice{}, fmt.Errorf("rotary slice [%d, %d) outside table of %d positions", start, start+count, t.positions)
	}
	return RotarySlice{table: t, start: start, count: count}, nil
}

// RotarySlice is a read-only window over a RotaryTable.
type RotarySlice struct {
	table *RotaryTable
	start int
	count int
}

// Start returns the first absolute position covered by the slice.
func (s RotarySlice) Start() int { return s.start }

// Len returns the number of positions covered by the slice.
func (s RotarySlice) Len() int { return s.count }

// Row returns the cos and sin values for the i-th position of the slice.
// The returned slices alias the table and must not be modified.
func (s RotarySlice) Row(i int) (cos, sin []float32) {
	if i < 0 || i >= s.count {
		panic("rotary slice row out of range")
	}
	half := s.table.headDim / 2
	off := (s.start + i) * half
	return s.table.cos[off : off+half], s.table.sin[off : off+half]
}

// Apply rotates x, laid out as nHeads consecutive heads, in place by the
// rotation of the first position in the slice.
func (s RotarySlice) Apply(x []float32, nHeads int) {
	s.ApplyAt(0, x, nHeads)
}

// ApplyAt rotates x in place by the rotation of the i-th position in the slice.
func (s RotarySlice) ApplyAt(i int, x []float32, nHeads int) {
	headDim := s.table.headDim
	if len(x) < nHeads*headDim {
		panic("rotary input shorter than nHeads*headDim")
	}
	cos, sin := s.Row(i)
	for h := range nHeads {
		rotatePairs(x[h*headDim:(h+1)*headDim], cos, sin)
	}
}

func rotatePairs(x, cos, sin []float32) {
	for i := range cos {
		c, sn := cos[i], sin[i]
		x0 := x[2*i]
		x1 := x[2*i+1]
		x[2*i] = x0*c - x1*sn
		x[2*i+1] = x0*sn + x1*c
	}
}

// RotateByAngle rotates each adjacent pair (x[2i], x[2i+1]) of x in place by
// angles[i]. Rotating by a then by -a restores x up to rounding.
func RotateByAngle(x []float32, angles []float64) {
	if len(x) != 2*len(angles) {
		panic("RotateByAngle expects len(x) == 2*len(angles)")
	}
	for i, a := range angles {
		c := float32(math.Cos(a))
		sn := float32(math.Sin(a))
		x0 := x[2*i]
		x1 := x[2*i+1]
		x[2*i] = x0*c - x1*sn
		x[2*i+1] = x0*sn + x1*c
	}
}
