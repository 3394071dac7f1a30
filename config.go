package blockpool

import (
	"errors"
	"fmt"
)

// PoolConfig configures a single size class: one arena of BlockCount blocks
// of BlockSize bytes each. Both values are fixed at construction.
type PoolConfig struct {
	BlockSize  int // Bytes per block.
	BlockCount int // Number of blocks in the arena.
}

func (c PoolConfig) Validate() error {
	var errs []error
	if c.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("block size must be positive, got %d", c.BlockSize))
	}
	if c.BlockCount <= 0 {
		errs = append(errs, fmt.Errorf("block count must be positive, got %d", c.BlockCount))
	}
	return errors.Join(errs...)
}

// Config configures a Chain. It is supplied once at construction; the chain
// cannot be reconfigured afterwards.
type Config struct {
	// Pools defines the chain's size classes. Configuration order is probe
	// order at allocation time, so callers prioritize classes (typically
	// smallest blocks first) by ordering this list.
	Pools []PoolConfig

	// PoisonFreed enables use-after-free detection: free blocks are filled
	// with a poison pattern and verified before reuse. A caller write to a
	// released block aborts the next allocation of that block. Intended for
	// tests and debugging; it adds a per-block cost to every allocation.
	PoisonFreed bool
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Pools) == 0 {
		errs = append(errs, errors.New("invalid config: at least one pool is required"))
	}
	for i, pc := range c.Pools {
		if err := pc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("invalid config: pool %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// DefaultConfig returns a chain layout with a small, medium and large size
// class, ordered smallest block size first so small requests do not consume
// large blocks.
func DefaultConfig() Config {
	return Config{
		Pools: []PoolConfig{
			{BlockSize: 64, BlockCount: 1024}, // 64KiB
			{BlockSize: 512, BlockCount: 256}, // 128KiB
			{BlockSize: 4096, BlockCount: 64}, // 256KiB
		},
	}
}
