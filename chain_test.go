package blockpool

import (
	"errors"
	"testing"
)

func newTestChain(t *testing.T, config Config) *Chain {
	t.Helper()
	c, err := New(config)
	if err != nil {
		t.Fatalf("failed to create chain: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// twoClassConfig is a small chain with a 16-byte and a 64-byte size class.
func twoClassConfig() Config {
	return Config{
		Pools: []PoolConfig{
			{BlockSize: 16, BlockCount: 8},
			{BlockSize: 64, BlockCount: 8},
		},
	}
}

func TestNewChain(t *testing.T) {
	t.Run("Valid config", func(t *testing.T) {
		c := newTestChain(t, twoClassConfig())
		if len(c.pools) != 2 {
			t.Fatalf("expected 2 pools, got %d", len(c.pools))
		}
		if c.pools[0].BlockSize() != 16 || c.pools[1].BlockSize() != 64 {
			t.Error("expected probe order to preserve configuration order")
		}
	})

	t.Run("Empty pool list", func(t *testing.T) {
		if _, err := New(Config{}); err == nil {
			t.Error("expected an error for an empty pool list, got nil")
		}
	})

	t.Run("Invalid size class", func(t *testing.T) {
		_, err := New(Config{Pools: []PoolConfig{{BlockSize: -16, BlockCount: 8}}})
		if err == nil {
			t.Error("expected an error for a negative block size, got nil")
		}
	})
}

func TestChainAllocate(t *testing.T) {
	t.Run("First pool in probe order wins", func(t *testing.T) {
		c := newTestChain(t, twoClassConfig())
		b, err := c.Allocate(16)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !c.pools[0].Owns(b) {
			t.Error("expected the allocation to come from the first pool")
		}
	})

	t.Run("Request exceeding a pool falls through to the next", func(t *testing.T) {
		c := newTestChain(t, twoClassConfig())
		// 200 bytes exceeds pool 0's whole arena (128 bytes) but fits 4 of
		// pool 1's 64-byte blocks.
		b, err := c.Allocate(200)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !c.pools[1].Owns(b) {
			t.Error("expected the allocation to come from the second pool")
		}
	})

	t.Run("Fragmented pool passes the pre-filter but the walk continues", func(t *testing.T) {
		c := newTestChain(t, twoClassConfig())

		// Fragment pool 0: claim every block, then free alternating ones.
		held := make([][]byte, 8)
		for i := range held {
			b, err := c.Allocate(16)
			if err != nil {
				t.Fatalf("setup allocation %d failed: %v", i, err)
			}
			held[i] = b
		}
		for i := 1; i < 8; i += 2 {
			if err := c.Deallocate(held[i], 16); err != nil {
				t.Fatalf("setup release %d failed: %v", i, err)
			}
		}

		// Pool 0 now has 64 free bytes in aggregate but no 2-block run, so
		// the 64-byte request must land in pool 1.
		b, err := c.Allocate(64)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !c.pools[1].Owns(b) {
			t.Error("expected the fragmented pool to be skipped")
		}
	})

	t.Run("All pools exhausted", func(t *testing.T) {
		c := newTestChain(t, Config{
			Pools: []PoolConfig{
				{BlockSize: 16, BlockCount: 2},
				{BlockSize: 32, BlockCount: 2},
			},
		})
		for _, n := range []int{32, 64} {
			if _, err := c.Allocate(n); err != nil {
				t.Fatalf("setup allocation of %d bytes failed: %v", n, err)
			}
		}
		if _, err := c.Allocate(1); !errors.Is(err, ErrOutOfMemory) {
			t.Errorf("expected ErrOutOfMemory, got %v", err)
		}
	})

	t.Run("Non-positive byte count", func(t *testing.T) {
		c := newTestChain(t, twoClassConfig())
		if _, err := c.Allocate(0); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("expected ErrInvalidSize, got %v", err)
		}
	})
}

func TestChainDeallocate(t *testing.T) {
	t.Run("Releases route to the owning pool", func(t *testing.T) {
		c := newTestChain(t, twoClassConfig())
		small, err := c.Allocate(16)
		if err != nil {
			t.Fatal(err)
		}
		large, err := c.Allocate(200)
		if err != nil {
			t.Fatal(err)
		}

		if err := c.Deallocate(large, 200); err != nil {
			t.Fatalf("unexpected error releasing large allocation: %v", err)
		}
		if err := c.Deallocate(small, 16); err != nil {
			t.Fatalf("unexpected error releasing small allocation: %v", err)
		}
		for i, s := range c.Stats() {
			if s.FreeBlocks != s.BlockCount {
				t.Errorf("pool %d: expected all %d blocks free, got %d", i, s.BlockCount, s.FreeBlocks)
			}
		}
	})

	t.Run("Unowned slice", func(t *testing.T) {
		c := newTestChain(t, twoClassConfig())
		if err := c.Deallocate(make([]byte, 16), 16); !errors.Is(err, ErrNotOwned) {
			t.Errorf("expected ErrNotOwned, got %v", err)
		}
	})

	t.Run("Nil slice panics", func(t *testing.T) {
		c := newTestChain(t, twoClassConfig())
		expectPanic(t, "nil slice", func() { _ = c.Deallocate(nil, 16) })
	})
}

func TestChainStats(t *testing.T) {
	c := newTestChain(t, twoClassConfig())
	stats := c.Stats()
	want := []PoolStats{
		{BlockSize: 16, BlockCount: 8, FreeBlocks: 8},
		{BlockSize: 64, BlockCount: 8, FreeBlocks: 8},
	}
	for i := range want {
		if stats[i] != want[i] {
			t.Errorf("pool %d: expected %+v, got %+v", i, want[i], stats[i])
		}
	}

	if _, err := c.Allocate(33); err != nil {
		t.Fatal(err)
	}
	if got := c.Stats()[0].FreeBlocks; got != 5 {
		t.Errorf("expected 5 free blocks after a 3-block claim, got %d", got)
	}
}

func TestChainClose(t *testing.T) {
	c, err := New(twoClassConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error from Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("expected idempotent Close, got %v", err)
	}
	expectPanic(t, "after Close", func() { _, _ = c.Allocate(16) })
	expectPanic(t, "after Close", func() { c.Stats() })
}

func TestChainPoison(t *testing.T) {
	config := twoClassConfig()
	config.PoisonFreed = true
	c := newTestChain(t, config)

	b, err := c.Allocate(16)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Deallocate(b, 16); err != nil {
		t.Fatal(err)
	}
	b[0] = 0xFF // Illegal write through the stale loan.
	expectPanic(t, "use-after-free", func() { _, _ = c.Allocate(16) })
}
