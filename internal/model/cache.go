package model

import "fmt"

// KVCache stores the rotated keys and the values of one attention layer.
//
// Keys and values are dense [maxBatch, maxSeqLen, kvHeads, headDim] arrays
// allocated and zeroed once. Writes overwrite a single (slot, position) row in
// place; the storage never grows or shrinks.
//
// KVCache does no locking. A (layer, slot) pair must have a single writer, and
// reads of a slot must not race with writes to it.
type KVCache struct {
	maxBatch  int
	maxSeqLen int
	kvHeads   int
	headDim   int
	rowWidth  int

	k []float32
	v []float32
	// filled tracks one past the highest position written per slot.
	filled []int
}

// NewKVCache allocates a zeroed cache.
func NewKVCache(maxBatch, maxSeqLen, kvHeads, headDim int) *KVCache {
	if maxBatch <= 0 || maxSeqLen <= 0 || kvHeads <= 0 || headDim <= 0 {
		panic(fmt.Sprintf("invalid kv cache shape [%d,%d,%d,%d]", maxBatch, maxSeqLen, kvHeads, headDim))
	}
	width := kvHeads * headDim
	n := maxBatch * maxSeqLen * width
	return &KVCache{
		maxBatch:  maxBatch,
		maxSeqLen: maxSeqLen,
		kvHeads:   kvHeads,
		headDim:   headDim,
		rowWidth:  width,
		k:         make([]float32, n),
		v:         make([]float32, n),
		filled:    make([]int, maxBatch),
	}
}

// MaxSeqLen returns the number of positions per slot.
func (c *KVCache) MaxSeqLen() int { return c.maxSeqLen }

// MaxBatch returns the number of batch slots.
func (c *KVCache) MaxBatch() int { return c.maxBatch }

// RowWidth returns kvHeads*headDim, the width of one key or value row.
func (c *KVCache) RowWidth() int { return c.rowWidth }

// HeadDim returns the per-head width.
func (c *KVCache) HeadDim() int { return c.headDim }

// KVHeads returns the number of key/value heads per row.
func (c *KVCache) KVHeads() int { return c.kvHeads }

// Len returns one past the highest position written for slot.
func (c *KVCache) Len(slot int) int {
	if slot < 0 || slot >= c.maxBatch {
		return 0
	}
	return c.filled[slot]
}

// CheckWrite reports whether Write(slot, pos, ...) would be accepted.
func (c *KVCache) CheckWrite(slot, pos int) error {
	if slot < 0 || slot >= c.maxBatch {
		return unsupportedf("batch slot %d outside [0, %d)", slot, c.maxBatch)
	}
	if pos < 0 {
		return unsupportedf("negative cache position %d", pos)
	}
	if pos >= c.maxSeqLen {
		return &CacheOverflowError{Pos: pos, MaxLen: c.maxSeqLen}
	}
	return nil
}

// Write overwrites the row at pos for slot. Nothing is written on error.
func (c *KVCache) Write(slot, pos int, key, value []float32) error {
	if err := c.CheckWrite(slot, pos); err != nil {
		return err
	}
	if len(key) != c.rowWidth || len(value) != c.rowWidth {
		return unsupportedf("kv row width mismatch: key=%d value=%d want %d", len(key), len(value), c.rowWidth)
	}
	off := c.offset(slot, pos)
	copy(c.k[off:off+c.rowWidth], key)
	copy(c.v[off:off+c.rowWidth], value)
	if pos+1 > c.filled[slot] {
		c.filled[slot] = pos + 1
	}
	return nil
}

// Row returns views of the key and value rows at (slot, pos).
func (c *KVCache) Row(slot, pos int) (key, value []float32) {
	if slot < 0 || slot >= c.maxBatch || pos < 0 || pos >= c.maxSeqLen {
		panic(fmt.Sprintf("kv cache row (%d, %d) out of range", slot, pos))
	}
	off := c.offset(slot, pos)
	return c.k[off : off+c.rowWidth], c.v[off : off+c.rowWidth]
}

// ReadRange returns the key and value rows for positions [from, upto) of
// slot, in position order. The rows are views into the cache.
func (c *KVCache) ReadRange(slot, from, upto int) (keys, values [][]float32, err error) {
	if slot < 0 || slot >= c.maxBatch {
		return nil, nil, unsupportedf("batch slot %d outside [0, %d)", slot, c.maxBatch)
	}
	if from < 0 || from > upto {
		return nil, nil, unsupportedf("invalid cache range [%d, %d)", from, upto)
	}
	if upto > c.maxSeqLen {
		return nil, nil, &CacheOverflowError{Pos: upto - 1, MaxLen: c.maxSeqLen}
	}
	keys = make([][]float32, 0, upto-from)
	values = make([][]float32, 0, upto-from)
	for pos := from; pos < upto; pos++ {
		k, v := c.Row(slot, pos)
		keys = append(keys, k)
		values = append(values, v)
	}
	return keys, values, nil
}

// span returns the contiguous key and value storage for positions [0, upto)
// of slot. Row t starts at t*RowWidth().
func (c *KVCache) span(slot, upto int) (keys, values []float32) {
	start := c.offset(slot, 0)
	end := start + upto*c.rowWidth
	return c.k[start:end], c.v[start:end]
}

// Reset zeroes the cache and forgets every written position.
func (c *KVCache) Reset() {
	clear(c.k)
	clear(c.v)
	clear(c.filled)
}

// ResetSlot zeroes a single batch slot.
func (c *KVCache) ResetSlot(slot int) {
	if slot < 0 || slot >= c.maxBatch {
		return
	}
	keys, values := c.span(slot, c.maxSeqLen)
	clear(keys)
	clear(values)
	c.filled[slot] = 0
}

func (c *KVCache) offset(slot, pos int) int {
	return (slot*c.maxSeqLen + pos) * c.rowWidth
}
