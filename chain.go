package blockpool

import (
	"errors"
	"log/slog"
)

var (
	// ErrOutOfMemory is returned by Allocate when no pool in the chain can
	// satisfy the request, either from exhaustion or fragmentation.
	ErrOutOfMemory = errors.New("blockpool: no pool can satisfy the allocation")

	// ErrNotOwned is returned by Deallocate when no pool's arena contains
	// the slice. It usually indicates a foreign pointer or a cross-pool
	// double free.
	ErrNotOwned = errors.New("blockpool: slice does not belong to any pool")

	// ErrInvalidSize is returned for requests of zero or negative size.
	ErrInvalidSize = errors.New("blockpool: allocation size must be positive")
)

// Chain is an ordered sequence of pools, each a distinct size class.
// Allocation probes pools in configuration order and delegates to the first
// one holding a sufficient contiguous run; deallocation routes to the owning
// pool by address range. Distinct size classes keep internal fragmentation
// low (a 16-byte request does not consume a 4KiB block) while each pool's
// bitmap search stays uniform.
//
// The chain owns its pools: destroying the chain with Close releases every
// arena. A Chain is not safe for concurrent use without external locking.
type Chain struct {
	pools []*Pool
}

// New creates a chain with one pool per configured size class, preserving
// configuration order as probe order.
func New(config Config) (*Chain, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := &Chain{pools: make([]*Pool, 0, len(config.Pools))}
	for _, pc := range config.Pools {
		p, err := newPool(pc, config.PoisonFreed)
		if err != nil {
			return nil, errors.Join(err, c.Close())
		}
		c.pools = append(c.pools, p)
	}
	return c, nil
}

// Allocate returns a slice of byteCount bytes from the first pool in probe
// order that holds a sufficient contiguous run of free blocks.
// It returns ErrOutOfMemory when every pool is exhausted or too fragmented,
// and ErrInvalidSize when byteCount is not positive.
func (c *Chain) Allocate(byteCount int) ([]byte, error) {
	c.checkOpen()
	if byteCount <= 0 {
		return nil, ErrInvalidSize
	}
	for _, p := range c.pools {
		// Cheap pre-filter on aggregate free space before the bitmap
		// search. Necessary but not sufficient: the free blocks may be
		// fragmented, so a pool passing this check can still fail the
		// search and the walk continues.
		if p.freeCount == 0 || p.freeCount*p.blockSize < byteCount {
			continue
		}
		if b := p.Allocate(byteCount); b != nil {
			return b, nil
		}
	}
	return nil, ErrOutOfMemory
}

// Deallocate releases a slice previously returned by Allocate, using the
// same byte count. The release is routed to the pool whose arena contains
// the slice; if no pool claims it, ErrNotOwned is returned. A nil slice is
// an invalid release and panics.
func (c *Chain) Deallocate(b []byte, byteCount int) error {
	c.checkOpen()
	if b == nil {
		panic(errors.New("blockpool: deallocate of nil slice"))
	}
	for _, p := range c.pools {
		if p.Owns(b) {
			p.Deallocate(b, byteCount)
			return nil
		}
	}
	return ErrNotOwned
}

// Close releases every pool's arena back to the operating system. The chain
// is unusable afterwards and operations on it panic. Close is idempotent.
func (c *Chain) Close() error {
	var errs []error
	for _, p := range c.pools {
		if err := p.Close(); err != nil {
			slog.Error("failed to unmap pool arena", "error", err, "block_size", p.blockSize)
			errs = append(errs, err)
		}
	}
	c.pools = nil
	return errors.Join(errs...)
}

// PoolStats is a point-in-time snapshot of a single pool.
type PoolStats struct {
	BlockSize  int // Bytes per block.
	BlockCount int // Total blocks in the arena.
	FreeBlocks int // Currently unclaimed blocks.
}

// Stats returns a snapshot of every pool in probe order.
func (c *Chain) Stats() []PoolStats {
	c.checkOpen()
	stats := make([]PoolStats, len(c.pools))
	for i, p := range c.pools {
		stats[i] = PoolStats{
			BlockSize:  p.blockSize,
			BlockCount: p.blockCount,
			FreeBlocks: p.freeCount,
		}
	}
	return stats
}

func (c *Chain) checkOpen() {
	if c.pools == nil {
		panic(errors.New("blockpool: chain used after Close"))
	}
}
