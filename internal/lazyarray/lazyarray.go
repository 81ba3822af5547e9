// Package lazyarray implements a sparse, two-level array whose fixed size
// blocks are allocated on first access.
//
// Element addresses are stable for the lifetime of the array, which makes it
// suitable for tables indexed by small integers (file descriptors, resource
// slots) that are read far more often than they are grown.
package lazyarray

import (
	"errors"
	"sync/atomic"
)

// ErrOutOfRange is returned by [Array.Get] for indexes beyond the capacity.
var ErrOutOfRange = errors.New("lazyarray: index out of range")

// Array is a lazily allocated two-level array of T.
//
// The zero value is not usable, see [New].
type Array[T any] struct {
	blocks    []atomic.Pointer[[]T]
	blockBits uint
	blockMask uint64
	allocated atomic.Int64
}

// New returns an array of numBlocks blocks, each holding 1<<blockBits
// elements.
func New[T any](blockBits uint, numBlocks int) *Array[T] {
	if blockBits == 0 || blockBits > 24 {
		panic("lazyarray: invalid block bits")
	}
	if numBlocks <= 0 {
		panic("lazyarray: invalid block count")
	}
	return &Array[T]{
		blocks:    make([]atomic.Pointer[[]T], numBlocks),
		blockBits: blockBits,
		blockMask: 1<<blockBits - 1,
	}
}

// Cap returns the maximum number of addressable elements.
func (x *Array[T]) Cap() uint64 {
	return uint64(len(x.blocks)) << x.blockBits
}

// Blocks returns the number of blocks allocated so far.
func (x *Array[T]) Blocks() int {
	return int(x.allocated.Load())
}

// At returns the element at index i, or nil if its block was never
// allocated (or i is out of range). It never allocates.
func (x *Array[T]) At(i uint64) *T {
	b := i >> x.blockBits
	if b >= uint64(len(x.blocks)) {
		return nil
	}
	block := x.blocks[b].Load()
	if block == nil {
		return nil
	}
	return &(*block)[i&x.blockMask]
}

// Get returns the element at index i, allocating its block if necessary.
//
// Concurrent callers racing to allocate the same block agree on a single
// winner, installed with compare-and-swap.
func (x *Array[T]) Get(i uint64) (*T, error) {
	b := i >> x.blockBits
	if b >= uint64(len(x.blocks)) {
		return nil, ErrOutOfRange
	}
	slot := &x.blocks[b]
	block := slot.Load()
	if block == nil {
		fresh := make([]T, 1<<x.blockBits)
		if slot.CompareAndSwap(nil, &fresh) {
			x.allocated.Add(1)
			block = &fresh
		} else {
			block = slot.Load()
		}
	}
	return &(*block)[i&x.blockMask], nil
}

// Range calls fn for every element of every allocated block, in index order,
// stopping early if fn returns false.
func (x *Array[T]) Range(fn func(i uint64, v *T) bool) {
	for b := range x.blocks {
		block := x.blocks[b].Load()
		if block == nil {
			continue
		}
		base := uint64(b) << x.blockBits
		for j := range *block {
			if !fn(base+uint64(j), &(*block)[j]) {
				return
			}
		}
	}
}
