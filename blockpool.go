// Package blockpool implements a fixed-block-size memory pool allocator.
//
// A Chain composes size-classed pools, each owning one contiguous off-heap
// arena of fixed-size blocks tracked by an occupancy bitmap. Allocation
// probes pools in configuration order and claims the lowest-indexed run of
// contiguous free blocks (first-fit); deallocation routes back to the owning
// pool by address range. The generic Allocator translates element counts of
// a payload type into byte counts for the chain.
package blockpool

import (
	"errors"
	"unsafe"
)

// Allocator is a typed allocation façade over a Chain. It multiplies element
// counts by the element's byte size before delegating to the chain.
//
// Slices returned by Alloc are loans into pool arenas: return each one with
// exactly one Free call using the same element count, and do not use the
// slice afterwards. The chain's block sizes should be multiples of the
// element type's alignment, or elements may end up misaligned.
type Allocator[T any] struct {
	chain *Chain
}

// NewAllocator creates an allocator for element type T backed by chain.
// The chain must outlive every slice handed out by the allocator.
func NewAllocator[T any](chain *Chain) *Allocator[T] {
	return &Allocator[T]{chain: chain}
}

// Alloc allocates a slice of n elements of T from the chain.
// Zero-size element types and non-positive counts yield ErrInvalidSize.
func (a *Allocator[T]) Alloc(n int) ([]T, error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if n <= 0 || size == 0 {
		return nil, ErrInvalidSize
	}
	b, err := a.chain.Allocate(n * size)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n), nil
}

// Free returns a slice obtained from Alloc, using the same element count n
// that was passed to Alloc.
func (a *Allocator[T]) Free(s []T, n int) error {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if n <= 0 || size == 0 {
		return ErrInvalidSize
	}
	if s == nil {
		panic(errors.New("blockpool: free of nil slice"))
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), n*size)
	return a.chain.Deallocate(b, n*size)
}
