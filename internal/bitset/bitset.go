// Package bitset implements a fixed-size bit-set used to track per-block
// occupancy in a memory pool. It isolates all bit shifting and masking behind
// set, clear, test and run-search operations.
package bitset

import (
	"fmt"
	"math/bits"
)

const wordBits = 64

// Bitset is a fixed-size set of bits stored in 64-bit words.
// Storing the bits as uint64 words lets the run search skip
// 64 set bits at a time instead of probing bit by bit.
//
// The zero value is not usable; create one with New.
type Bitset struct {
	words []uint64
	size  int
}

// New creates a Bitset of the given size with all bits clear.
// It panics if size is not positive.
func New(size int) *Bitset {
	if size <= 0 {
		panic(fmt.Errorf("bitset: invalid size %d", size))
	}
	return &Bitset{
		words: make([]uint64, (size+wordBits-1)/wordBits),
		size:  size,
	}
}

// Size returns the number of bits in the set.
func (b *Bitset) Size() int {
	return b.size
}

// Test reports whether bit i is set.
func (b *Bitset) Test(i int) bool {
	b.checkBounds(i)
	return b.words[i/wordBits]&(1<<(uint(i)%wordBits)) != 0
}

// Set sets bit i.
func (b *Bitset) Set(i int) {
	b.checkBounds(i)
	b.words[i/wordBits] |= 1 << (uint(i) % wordBits)
}

// Clear clears bit i.
func (b *Bitset) Clear(i int) {
	b.checkBounds(i)
	b.words[i/wordBits] &^= 1 << (uint(i) % wordBits)
}

// SetRange sets the n bits starting at index start.
// It panics if any bit in the range is already set, since a double claim
// means the set's accounting can no longer be trusted.
func (b *Bitset) SetRange(start, n int) {
	for i := start; i < start+n; i++ {
		if b.Test(i) {
			panic(fmt.Errorf("bitset: invariant violation: bit %d is already set", i))
		}
		b.Set(i)
	}
}

// ClearRange clears the n bits starting at index start.
// It panics if any bit in the range is already clear (double release).
func (b *Bitset) ClearRange(start, n int) {
	for i := start; i < start+n; i++ {
		if !b.Test(i) {
			panic(fmt.Errorf("bitset: invariant violation: bit %d is already clear", i))
		}
		b.Clear(i)
	}
}

// OnesCount returns the number of set bits.
func (b *Bitset) OnesCount() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// FindRun searches for the lowest-indexed run of n consecutive clear bits
// starting at or after from (first-fit). The ok result reports whether such
// a run exists.
//
// The scan grows a window bit by bit from each candidate start. When it hits
// a set bit the next candidate starts just past that bit, never at start+1,
// so an occupied region is never re-scanned.
func (b *Bitset) FindRun(from, n int) (start int, ok bool) {
	if n <= 0 {
		panic(fmt.Errorf("bitset: invalid run length %d", n))
	}
	if from < 0 {
		from = 0
	}

	start = b.nextClear(from)
	for start+n <= b.size {
		end := start + 1
		for end < start+n && !b.Test(end) {
			end++
		}
		if end-start == n {
			return start, true
		}
		// Bit at end is set; restart the window just past it.
		start = b.nextClear(end + 1)
	}
	return 0, false
}

// nextClear returns the index of the first clear bit at or after from,
// or the set's size if every remaining bit is set.
func (b *Bitset) nextClear(from int) int {
	i := from
	for i < b.size {
		// Invert the word so clear bits become ones, then drop bits below i.
		inv := ^b.words[i/wordBits] >> (uint(i) % wordBits)
		if inv != 0 {
			i += bits.TrailingZeros64(inv)
			if i > b.size {
				return b.size
			}
			return i
		}
		i = (i/wordBits + 1) * wordBits
	}
	return b.size
}

func (b *Bitset) checkBounds(i int) {
	if i < 0 || i >= b.size {
		panic(fmt.Errorf("bitset: index out of range [%d] with size %d", i, b.size))
	}
}
