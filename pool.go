package blockpool

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"

	"github.com/holmberd/go-blockpool/internal/bitset"
)

// poisonByte fills free blocks when use-after-free checking is enabled.
const poisonByte = 0xDD

// Pool manages one contiguous arena of fixed-size blocks. An occupancy
// bitmap tracks which blocks are claimed, and allocation searches it for the
// lowest-indexed run of contiguous free blocks (first-fit).
//
// The arena is allocated off the Go heap with mmap, so pool memory is
// invisible to the garbage collector and is returned to the operating
// system on Close.
//
// A Pool is not safe for concurrent use.
type Pool struct {
	blockSize  int
	blockCount int

	// freeCount tracks the number of unclaimed blocks. It lets allocation
	// and the chain's probe loop skip a pool with insufficient capacity
	// without scanning the bitmap.
	freeCount int

	// resumeIdx is the lowest block index that might still be free. It is a
	// safe but possibly loose floor: sequential allocations advance it past
	// consumed runs, and releasing a lower block lowers it back.
	resumeIdx int

	arena     []byte
	occupancy *bitset.Bitset

	// Use-after-free checking. When enabled, free blocks hold the poison
	// pattern and poisonSum is the digest of a pristine poisoned block.
	poison    bool
	poisonSum uint64
}

// NewPool creates a pool with an mmap'd zero-initialized arena of
// cfg.BlockCount blocks of cfg.BlockSize bytes each.
func NewPool(cfg PoolConfig) (*Pool, error) {
	return newPool(cfg, false)
}

func newPool(cfg PoolConfig, poison bool) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	size := cfg.BlockSize * cfg.BlockCount

	// Allocate the arena outside the Go heap. Anonymous mappings are
	// zero-filled by the kernel.
	arena, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot allocate %d bytes via mmap for pool with block size %d: %w", size, cfg.BlockSize, err)
	}

	p := &Pool{
		blockSize:  cfg.BlockSize,
		blockCount: cfg.BlockCount,
		freeCount:  cfg.BlockCount,
		arena:      arena,
		occupancy:  bitset.New(cfg.BlockCount),
		poison:     poison,
	}
	if poison {
		fillPoison(p.arena)
		p.poisonSum = xxhash.Sum64(p.arena[:p.blockSize])
	}
	return p, nil
}

// BlockSize returns the pool's fixed block size in bytes.
func (p *Pool) BlockSize() int { return p.blockSize }

// BlockCount returns the total number of blocks in the arena.
func (p *Pool) BlockCount() int { return p.blockCount }

// FreeBlocks returns the number of currently unclaimed blocks.
func (p *Pool) FreeBlocks() int { return p.freeCount }

// Allocate claims the lowest-indexed run of contiguous free blocks large
// enough to hold byteCount bytes and returns a slice into the arena at that
// position. It returns nil when no sufficient run exists or byteCount is not
// positive; the caller (typically a Chain) is expected to try another pool.
func (p *Pool) Allocate(byteCount int) []byte {
	p.checkOpen()
	if byteCount <= 0 {
		return nil
	}
	blocks := (byteCount + p.blockSize - 1) / p.blockSize
	if blocks > p.freeCount {
		return nil
	}

	start, ok := p.occupancy.FindRun(p.resumeIdx, blocks)
	if !ok {
		return nil
	}
	p.occupancy.SetRange(start, blocks)
	p.freeCount -= blocks

	// Advance the resume hint only when the run began exactly at it; a run
	// found further ahead says nothing about free blocks at the hint.
	if start == p.resumeIdx {
		p.resumeIdx = start + blocks
	}

	if p.poison {
		p.verifyAndScrub(start, blocks)
	}
	off := start * p.blockSize
	return p.arena[off : off+byteCount : off+blocks*p.blockSize]
}

// Deallocate releases the blocks backing b, which must have been returned by
// Allocate on this pool with the same byte count. It panics on a nil slice,
// a slice outside the arena, or a release that clears an already-free block,
// since continuing past any of these would corrupt the occupancy bitmap.
func (p *Pool) Deallocate(b []byte, byteCount int) {
	p.checkOpen()
	if b == nil {
		panic(errors.New("blockpool: deallocate of nil slice"))
	}
	if byteCount <= 0 {
		panic(fmt.Errorf("blockpool: invalid deallocation size %d", byteCount))
	}
	off, ok := p.offsetOf(b)
	if !ok {
		panic(errors.New("blockpool: deallocate of slice outside the pool arena"))
	}

	blocks := (byteCount + p.blockSize - 1) / p.blockSize
	idx := off / p.blockSize
	p.occupancy.ClearRange(idx, blocks)
	p.freeCount += blocks
	if idx < p.resumeIdx {
		p.resumeIdx = idx
	}
	if p.poison {
		fillPoison(p.arena[idx*p.blockSize : (idx+blocks)*p.blockSize])
	}
}

// Owns reports whether b points into the pool's arena. The chain uses it to
// route deallocation to the owning pool.
func (p *Pool) Owns(b []byte) bool {
	_, ok := p.offsetOf(b)
	return ok
}

// offsetOf returns the byte offset of b within the arena. All raw pointer
// comparison is confined to this one range-checked function; everything else
// works with block indexes derived from the offset.
func (p *Pool) offsetOf(b []byte) (int, bool) {
	if len(b) == 0 || len(p.arena) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(&p.arena[0]))
	addr := uintptr(unsafe.Pointer(&b[0]))
	if addr < base || addr >= base+uintptr(len(p.arena)) {
		return 0, false
	}
	return int(addr - base), true
}

// Close releases the arena back to the operating system. The pool is
// unusable afterwards and operations on it panic. Close is idempotent.
func (p *Pool) Close() error {
	if p.arena == nil {
		return nil
	}
	arena := p.arena
	p.arena = nil
	p.occupancy = nil
	if err := unix.Munmap(arena); err != nil {
		return fmt.Errorf("failed to unmap pool arena with block size %d: %w", p.blockSize, err)
	}
	return nil
}

// verifyAndScrub checks that every block in the claimed run still holds the
// poison pattern, then zeroes it for the caller. A digest mismatch means the
// caller wrote to a block after releasing it.
func (p *Pool) verifyAndScrub(start, blocks int) {
	for i := start; i < start+blocks; i++ {
		blk := p.arena[i*p.blockSize : (i+1)*p.blockSize]
		if xxhash.Sum64(blk) != p.poisonSum {
			panic(fmt.Errorf("blockpool: use-after-free write detected in block %d (block size %d)", i, p.blockSize))
		}
		clear(blk)
	}
}

func (p *Pool) checkOpen() {
	if p.arena == nil {
		panic(errors.New("blockpool: pool used after Close"))
	}
}

func fillPoison(b []byte) {
	for i := range b {
		b[i] = poisonByte
	}
}
