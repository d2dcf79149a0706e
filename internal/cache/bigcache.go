package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"

	"memguard/internal/logging"
)

// BigCacheConfig configures a byte-bounded bigcache instance
type BigCacheConfig struct {
	Name      string
	TTL       time.Duration
	Shards    int    // rounded up to a power of two
	MaxMemory uint64 // hard cap in bytes, 0 for none

	// Sizing hints for the initial allocation
	MaxEntriesInWindow int
	MaxEntrySize       int
}

// BigCache adapts allegro/bigcache to the Managed contract. Cleanup drops
// every entry since bigcache cannot evict selectively.
type BigCache struct {
	name      string
	maxMemory uint64
	cache     *bigcache.BigCache

	evictions   uint64
	expirations uint64
	cleanups    uint64
	lastCleanup int64
}

var _ Managed = (*BigCache)(nil)

// NewBigCache creates the underlying bigcache instance
func NewBigCache(ctx context.Context, cfg BigCacheConfig) (*BigCache, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("cache name cannot be empty")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cache %s: ttl must be positive", cfg.Name)
	}

	b := &BigCache{name: cfg.Name, maxMemory: cfg.MaxMemory}

	bc := bigcache.DefaultConfig(cfg.TTL)
	bc.Shards = nextPowerOfTwo(cfg.Shards)
	bc.CleanWindow = cfg.TTL / 2
	bc.Verbose = false
	bc.MaxEntriesInWindow = 10_000
	if cfg.MaxEntriesInWindow > 0 {
		bc.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	bc.MaxEntrySize = 1024
	if cfg.MaxEntrySize > 0 {
		bc.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.MaxMemory > 0 {
		mb := int(cfg.MaxMemory >> 20)
		if mb == 0 {
			mb = 1
		}
		bc.HardMaxCacheSize = mb
	}
	bc.OnRemoveWithReason = func(_ string, _ []byte, reason bigcache.RemoveReason) {
		switch reason {
		case bigcache.Expired:
			atomic.AddUint64(&b.expirations, 1)
		case bigcache.NoSpace:
			atomic.AddUint64(&b.evictions, 1)
		}
	}

	cache, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("cache %s: failed to create bigcache: %w", cfg.Name, err)
	}
	b.cache = cache
	return b, nil
}

// Name returns the cache name
func (b *BigCache) Name() string { return b.name }

// Get returns the value stored under key
func (b *BigCache) Get(key string) ([]byte, bool) {
	v, err := b.cache.Get(key)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Set stores value under key with the configured TTL
func (b *BigCache) Set(key string, value []byte) error {
	return b.cache.Set(key, value)
}

// Delete removes key and reports whether it was present
func (b *BigCache) Delete(key string) bool {
	err := b.cache.Delete(key)
	return err == nil
}

// Len returns the number of stored entries
func (b *BigCache) Len() int { return b.cache.Len() }

// Cleanup resets the cache
func (b *BigCache) Cleanup(ctx context.Context) error {
	dropped := b.cache.Len()
	if err := b.cache.Reset(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("cache %s: reset failed: %w", b.name, err)
	}
	atomic.AddUint64(&b.evictions, uint64(dropped))
	atomic.AddUint64(&b.cleanups, 1)
	atomic.StoreInt64(&b.lastCleanup, time.Now().UnixNano())

	logging.Info(ctx, logging.ComponentCache, logging.ActionCleanup, "BigCache reset", map[string]interface{}{
		"cache":   b.name,
		"dropped": dropped,
	})
	return nil
}

// Stats returns a snapshot of bigcache counters
func (b *BigCache) Stats() Stats {
	bs := b.cache.Stats()
	var last time.Time
	if ns := atomic.LoadInt64(&b.lastCleanup); ns > 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Name:        b.name,
		Kind:        "bigcache",
		Entries:     b.cache.Len(),
		MemoryBytes: uint64(b.cache.Capacity()),
		MaxMemory:   b.maxMemory,
		Hits:        uint64(bs.Hits),
		Misses:      uint64(bs.Misses),
		Evictions:   atomic.LoadUint64(&b.evictions),
		Expirations: atomic.LoadUint64(&b.expirations),
		CleanupRuns: atomic.LoadUint64(&b.cleanups),
		LastCleanup: last,
	}
}

// Close releases the bigcache cleaner goroutine
func (b *BigCache) Close() error {
	return b.cache.Close()
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
