package cache

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"memguard/internal/logging"
	"memguard/internal/storage"
)

// StoreConfig defines configuration for a sharded store
type StoreConfig struct {
	Name            string
	MaxEntries      int           // 0 means unbounded
	DefaultTTL      time.Duration // 0 means entries never expire
	Shards          int
	ShrinkRatio     float64       // Cleanup keeps at most ShrinkRatio*MaxEntries; 0 only purges expired
	JanitorInterval time.Duration // 0 disables the background purge
}

type item struct {
	value      []byte
	size       uint64
	pooled     bool
	expiresAt  time.Time
	lastAccess int64
}

type shard struct {
	mu    sync.Mutex
	items map[string]*item
}

// Store is a sharded TTL map. Values are optionally allocated from a
// MemoryPool so the pool tracks the store's footprint.
type Store struct {
	cfg    StoreConfig
	pool   *storage.MemoryPool
	shards []*shard
	now    func() time.Time

	entries     int64
	bytes       int64
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
	cleanups    uint64
	lastCleanup int64

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Managed = (*Store)(nil)

// NewStore creates a store. pool may be nil.
func NewStore(cfg StoreConfig, pool *storage.MemoryPool) (*Store, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("store name cannot be empty")
	}
	if cfg.ShrinkRatio < 0 || cfg.ShrinkRatio >= 1 {
		return nil, fmt.Errorf("shrink ratio must be in [0.0, 1.0): %v", cfg.ShrinkRatio)
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}

	s := &Store{
		cfg:    cfg,
		pool:   pool,
		shards: make([]*shard, cfg.Shards),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]*item)}
	}

	if cfg.JanitorInterval > 0 {
		s.wg.Add(1)
		go s.janitor()
	}
	return s, nil
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Name returns the store name
func (s *Store) Name() string { return s.cfg.Name }

// Get returns a copy of the value stored under key
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	now := s.now()

	sh.mu.Lock()
	it, ok := sh.items[key]
	if ok && it.expired(now) {
		s.removeLocked(sh, key, it)
		atomic.AddUint64(&s.expirations, 1)
		ok = false
	}
	if !ok {
		sh.mu.Unlock()
		atomic.AddUint64(&s.misses, 1)
		return nil, false
	}
	it.lastAccess = now.UnixNano()
	out := append([]byte(nil), it.value...)
	sh.mu.Unlock()

	atomic.AddUint64(&s.hits, 1)
	return out, true
}

// Set stores value under key. A zero ttl uses the store default. A new key
// arriving at a full store evicts the store-wide least recently used entry,
// so Len never exceeds MaxEntries.
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}

	it, err := s.newItem(value)
	if err != nil {
		return fmt.Errorf("store %s: %w", s.cfg.Name, err)
	}
	now := s.now()
	it.lastAccess = now.UnixNano()
	if ttl > 0 {
		it.expiresAt = now.Add(ttl)
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	if old, exists := sh.items[key]; exists {
		s.removeLocked(sh, key, old)
		s.insertLocked(sh, key, it)
		sh.mu.Unlock()
		return nil
	}
	sh.mu.Unlock()

	// Evicting locks other shards, so no shard lock is held here
	s.reserve()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if old, exists := sh.items[key]; exists {
		// A concurrent Set won the key; replace it and give the slot back
		s.removeLocked(sh, key, old)
		atomic.AddInt64(&s.entries, -1)
		s.insertLocked(sh, key, it)
		return nil
	}
	sh.items[key] = it
	atomic.AddInt64(&s.bytes, int64(it.size))
	return nil
}

// insertLocked adds it under key and counts it; the caller holds sh.mu
func (s *Store) insertLocked(sh *shard, key string, it *item) {
	sh.items[key] = it
	atomic.AddInt64(&s.entries, 1)
	atomic.AddInt64(&s.bytes, int64(it.size))
}

// reserve counts one entry about to be inserted. While the store is full it
// evicts the least recently used entry across all shards first.
func (s *Store) reserve() {
	limit := int64(s.cfg.MaxEntries)
	for {
		n := atomic.LoadInt64(&s.entries)
		if limit <= 0 || n < limit {
			if atomic.CompareAndSwapInt64(&s.entries, n, n+1) {
				return
			}
			continue
		}
		if !s.evictOldest() {
			// Every counted slot is a reservation not inserted yet
			runtime.Gosched()
		}
	}
}

// evictOldest removes the store-wide least recently used entry
func (s *Store) evictOldest() bool {
	var victim candidate
	for _, sh := range s.shards {
		sh.mu.Lock()
		if key, it := oldestLocked(sh); it != nil && (victim.shard == nil || it.lastAccess < victim.lastAccess) {
			victim = candidate{key: key, shard: sh, lastAccess: it.lastAccess}
		}
		sh.mu.Unlock()
	}
	if victim.shard == nil {
		return false
	}

	victim.shard.mu.Lock()
	defer victim.shard.mu.Unlock()
	it, ok := victim.shard.items[victim.key]
	if !ok || it.lastAccess != victim.lastAccess {
		return false
	}
	s.removeLocked(victim.shard, victim.key, it)
	atomic.AddUint64(&s.evictions, 1)
	return true
}

// Delete removes key and reports whether it was present
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	it, ok := sh.items[key]
	if ok {
		s.removeLocked(sh, key, it)
	}
	return ok
}

// Len returns the number of entries, including expired ones not yet purged
func (s *Store) Len() int {
	return int(atomic.LoadInt64(&s.entries))
}

// PurgeExpired drops every expired entry and returns how many were removed
func (s *Store) PurgeExpired() int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, it := range sh.items {
			if it.expired(now) {
				s.removeLocked(sh, key, it)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	atomic.AddUint64(&s.expirations, uint64(removed))
	return removed
}

// Cleanup purges expired entries, then evicts least recently used entries
// until at most ShrinkRatio*MaxEntries remain.
func (s *Store) Cleanup(ctx context.Context) error {
	start := s.now()
	expired := s.PurgeExpired()

	evicted := 0
	if target, ok := s.shrinkTarget(); ok && s.Len() > target {
		var err error
		evicted, err = s.evictLRU(ctx, s.Len()-target)
		if err != nil {
			return fmt.Errorf("store %s: %w", s.cfg.Name, err)
		}
	}

	atomic.AddUint64(&s.cleanups, 1)
	atomic.StoreInt64(&s.lastCleanup, s.now().UnixNano())

	logging.WithDuration(ctx, logging.INFO, logging.ComponentCache, logging.ActionCleanup, "Store cleaned",
		s.now().Sub(start), map[string]interface{}{
			"store":     s.cfg.Name,
			"expired":   expired,
			"evicted":   evicted,
			"remaining": s.Len(),
		})
	return nil
}

func (s *Store) shrinkTarget() (int, bool) {
	if s.cfg.MaxEntries <= 0 || s.cfg.ShrinkRatio <= 0 {
		return 0, false
	}
	return int(s.cfg.ShrinkRatio * float64(s.cfg.MaxEntries)), true
}

type candidate struct {
	key        string
	shard      *shard
	lastAccess int64
}

func (s *Store) evictLRU(ctx context.Context, n int) (int, error) {
	var candidates []candidate
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		sh.mu.Lock()
		for key, it := range sh.items {
			candidates = append(candidates, candidate{key: key, shard: sh, lastAccess: it.lastAccess})
		}
		sh.mu.Unlock()
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastAccess < candidates[j].lastAccess })

	evicted := 0
	for _, c := range candidates {
		if evicted >= n {
			break
		}
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		c.shard.mu.Lock()
		// Skip entries touched since the scan
		if it, ok := c.shard.items[c.key]; ok && it.lastAccess == c.lastAccess {
			s.removeLocked(c.shard, c.key, it)
			evicted++
		}
		c.shard.mu.Unlock()
	}
	atomic.AddUint64(&s.evictions, uint64(evicted))
	return evicted, nil
}

// Stats returns a snapshot of the store counters
func (s *Store) Stats() Stats {
	var last time.Time
	if ns := atomic.LoadInt64(&s.lastCleanup); ns > 0 {
		last = time.Unix(0, ns)
	}
	var maxMemory uint64
	if s.pool != nil {
		maxMemory = uint64(s.pool.MaxSize())
	}
	return Stats{
		Name:        s.cfg.Name,
		Kind:        "store",
		Entries:     s.Len(),
		MaxEntries:  s.cfg.MaxEntries,
		MemoryBytes: uint64(atomic.LoadInt64(&s.bytes)),
		MaxMemory:   maxMemory,
		Hits:        atomic.LoadUint64(&s.hits),
		Misses:      atomic.LoadUint64(&s.misses),
		Evictions:   atomic.LoadUint64(&s.evictions),
		Expirations: atomic.LoadUint64(&s.expirations),
		CleanupRuns: atomic.LoadUint64(&s.cleanups),
		LastCleanup: last,
	}
}

// Close stops the janitor and releases every entry
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		for _, sh := range s.shards {
			sh.mu.Lock()
			for key, it := range sh.items {
				s.removeLocked(sh, key, it)
			}
			sh.mu.Unlock()
		}
	})
	return nil
}

func (s *Store) janitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.PurgeExpired(); n > 0 {
				logging.Debug(context.Background(), logging.ComponentCache, logging.ActionCleanup,
					"Janitor purged expired entries", map[string]interface{}{
						"store":   s.cfg.Name,
						"expired": n,
					})
			}
		}
	}
}

func (s *Store) newItem(value []byte) (*item, error) {
	it := &item{size: uint64(len(value))}
	if s.pool == nil || len(value) == 0 {
		it.value = append([]byte(nil), value...)
		return it, nil
	}

	buf, err := s.pool.Allocate(int64(len(value)))
	if err != nil {
		return nil, err
	}
	copy(buf, value)
	it.value = buf
	it.pooled = true
	return it, nil
}

// removeLocked drops key from sh; the caller holds sh.mu
func (s *Store) removeLocked(sh *shard, key string, it *item) {
	delete(sh.items, key)
	atomic.AddInt64(&s.entries, -1)
	atomic.AddInt64(&s.bytes, -int64(it.size))
	if it.pooled {
		if err := s.pool.Free(it.value); err != nil {
			logging.Warn(context.Background(), logging.ComponentCache, logging.ActionCleanup,
				"Failed to return value to memory pool", map[string]interface{}{
					"store": s.cfg.Name,
					"error": err.Error(),
				})
		}
	}
}

func oldestLocked(sh *shard) (string, *item) {
	var (
		oldestKey string
		oldest    *item
	)
	for key, it := range sh.items {
		if oldest == nil || it.lastAccess < oldest.lastAccess {
			oldestKey, oldest = key, it
		}
	}
	return oldestKey, oldest
}

func (it *item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}
