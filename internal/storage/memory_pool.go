package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"memguard/internal/logging"
	"memguard/internal/pressure"
)

// MemoryPool accounts byte allocations against a fixed budget.
// It doubles as a push-capable telemetry source: once an allocation leaves
// the pool at or above its notify ratio, subscribers receive the new usage.
type MemoryPool struct {
	name         string
	maxSize      int64             // Maximum memory this pool can allocate (atomic)
	currentUsage int64             // Current memory usage (atomic for thread safety)
	allocations  map[uintptr]int64 // Track allocations for proper cleanup
	mutex        sync.RWMutex      // Protect allocations map

	notifyRatio float64 // Fill ratio at which subscribers are notified

	// Statistics and monitoring
	totalAllocations   int64 // Total number of allocations made
	totalDeallocations int64 // Total number of deallocations made
	allocationFailures int64 // Number of failed allocations
	notifications      int64 // Number of pushes delivered to subscribers

	subMu   sync.RWMutex
	subs    map[uint64]*subscriber
	nextSub uint64
}

// subscriber owns one delivery goroutine. wake holds at most one pending
// signal, so a burst of allocations collapses into a single delivery of the
// usage at delivery time.
type subscriber struct {
	fn   func(pressure.Usage)
	wake chan struct{}
	stop chan struct{}
}

// PoolStats is a point-in-time view of a pool
type PoolStats struct {
	Name               string    `json:"name"`
	MaxSize            int64     `json:"max_size"`
	CurrentUsage       int64     `json:"current_usage"`
	AvailableSpace     int64     `json:"available_space"`
	MemoryPressure     float64   `json:"memory_pressure"`
	ActiveAllocations  int       `json:"active_allocations"`
	TotalAllocations   int64     `json:"total_allocations"`
	TotalDeallocations int64     `json:"total_deallocations"`
	AllocationFailures int64     `json:"allocation_failures"`
	Notifications      int64     `json:"notifications"`
	NotifyRatio        float64   `json:"notify_ratio"`
	CapturedAt         time.Time `json:"captured_at"`
}

var _ pressure.PushSource = (*MemoryPool)(nil)

// NewMemoryPool creates a new memory pool with the specified maximum size
func NewMemoryPool(name string, maxSize int64) *MemoryPool {
	return &MemoryPool{
		name:        name,
		maxSize:     maxSize,
		allocations: make(map[uintptr]int64),
		notifyRatio: 0.85,
		subs:        make(map[uint64]*subscriber),
	}
}

// Allocate requests memory from the pool - MUST be O(1)
func (mp *MemoryPool) Allocate(size int64) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid allocation size: %d", size)
	}

	// Reserve first so concurrent callers cannot overshoot the budget together
	maxSize := atomic.LoadInt64(&mp.maxSize)
	newUsage := atomic.AddInt64(&mp.currentUsage, size)
	if newUsage > maxSize {
		atomic.AddInt64(&mp.currentUsage, -size)
		atomic.AddInt64(&mp.allocationFailures, 1)
		return nil, fmt.Errorf("allocation would exceed pool limit: %d + %d > %d",
			newUsage-size, size, maxSize)
	}

	data := make([]byte, size)

	// Track the allocation
	ptr := uintptr(unsafe.Pointer(&data[0]))
	mp.mutex.Lock()
	mp.allocations[ptr] = size
	mp.mutex.Unlock()

	atomic.AddInt64(&mp.totalAllocations, 1)

	mp.notify(newUsage, maxSize)

	return data, nil
}

// Free releases memory back to the pool - MUST be O(1)
func (mp *MemoryPool) Free(ptr []byte) error {
	if len(ptr) == 0 {
		return fmt.Errorf("cannot free nil or empty slice")
	}

	// Find the allocation size
	ptrKey := uintptr(unsafe.Pointer(&ptr[0]))
	mp.mutex.Lock()
	size, exists := mp.allocations[ptrKey]
	if !exists {
		mp.mutex.Unlock()
		return fmt.Errorf("attempt to free untracked memory")
	}
	delete(mp.allocations, ptrKey)
	mp.mutex.Unlock()

	atomic.AddInt64(&mp.currentUsage, -size)
	atomic.AddInt64(&mp.totalDeallocations, 1)

	return nil
}

// CurrentUsage returns current memory usage - O(1)
func (mp *MemoryPool) CurrentUsage() int64 {
	return atomic.LoadInt64(&mp.currentUsage)
}

// MaxSize returns maximum pool size - O(1)
func (mp *MemoryPool) MaxSize() int64 {
	return atomic.LoadInt64(&mp.maxSize)
}

// AvailableSpace returns available memory - O(1)
func (mp *MemoryPool) AvailableSpace() int64 {
	return mp.MaxSize() - mp.CurrentUsage()
}

// MemoryPressure calculates current fill ratio (0.0 to 1.0) - O(1)
func (mp *MemoryPool) MemoryPressure() float64 {
	maxSize := mp.MaxSize()
	if maxSize <= 0 {
		return 0
	}
	return float64(mp.CurrentUsage()) / float64(maxSize)
}

// SetNotifyRatio changes the fill ratio at which subscribers are pushed a sample
func (mp *MemoryPool) SetNotifyRatio(ratio float64) error {
	if ratio < 0 || ratio > 1 {
		return fmt.Errorf("notify ratio must be between 0.0 and 1.0")
	}
	mp.subMu.Lock()
	mp.notifyRatio = ratio
	mp.subMu.Unlock()
	return nil
}

// Usage reports the pool as a telemetry source: the budget is both the total
// and the limit.
func (mp *MemoryPool) Usage() (pressure.Usage, bool) {
	maxSize := mp.MaxSize()
	if maxSize <= 0 {
		return pressure.Usage{}, false
	}
	return pressure.Usage{
		Used:  uint64(mp.CurrentUsage()),
		Total: uint64(maxSize),
		Limit: uint64(maxSize),
	}, true
}

// Subscribe registers fn for pushed usage. Deliveries run on a goroutine
// owned by the subscription, so an allocation never waits on fn and fn is
// never called concurrently with itself. Every delivery carries the pool's
// usage at the moment of delivery.
func (mp *MemoryPool) Subscribe(fn func(pressure.Usage)) (cancel func()) {
	sub := &subscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}

	mp.subMu.Lock()
	mp.nextSub++
	id := mp.nextSub
	mp.subs[id] = sub
	mp.subMu.Unlock()

	go mp.deliver(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			mp.subMu.Lock()
			delete(mp.subs, id)
			mp.subMu.Unlock()
			close(sub.stop)
		})
	}
}

func (mp *MemoryPool) deliver(sub *subscriber) {
	for {
		select {
		case <-sub.stop:
			return
		case <-sub.wake:
		}
		// A cancel racing the wake-up wins
		select {
		case <-sub.stop:
			return
		default:
		}

		usage, ok := mp.Usage()
		if !ok {
			continue
		}
		atomic.AddInt64(&mp.notifications, 1)
		sub.fn(usage)
	}
}

// notify wakes subscribers when the pool is at or above its notify ratio
func (mp *MemoryPool) notify(used, maxSize int64) {
	mp.subMu.RLock()
	defer mp.subMu.RUnlock()
	if len(mp.subs) == 0 || float64(used)/float64(maxSize) < mp.notifyRatio {
		return
	}

	for _, sub := range mp.subs {
		select {
		case sub.wake <- struct{}{}:
		default: // a delivery is already pending and will read newer usage
		}
	}

	logging.Debug(context.Background(), logging.ComponentStorage, logging.ActionSample,
		"Memory pool woke subscribers", map[string]interface{}{
			"pool":     mp.name,
			"pressure": float64(used) / float64(maxSize),
		})
}

// Stats returns a snapshot of the pool's counters
func (mp *MemoryPool) Stats() PoolStats {
	mp.mutex.RLock()
	activeAllocations := len(mp.allocations)
	mp.mutex.RUnlock()

	mp.subMu.RLock()
	notifyRatio := mp.notifyRatio
	mp.subMu.RUnlock()

	currentUsage := mp.CurrentUsage()
	maxSize := mp.MaxSize()

	return PoolStats{
		Name:               mp.name,
		MaxSize:            maxSize,
		CurrentUsage:       currentUsage,
		AvailableSpace:     maxSize - currentUsage,
		MemoryPressure:     mp.MemoryPressure(),
		ActiveAllocations:  activeAllocations,
		TotalAllocations:   atomic.LoadInt64(&mp.totalAllocations),
		TotalDeallocations: atomic.LoadInt64(&mp.totalDeallocations),
		AllocationFailures: atomic.LoadInt64(&mp.allocationFailures),
		Notifications:      atomic.LoadInt64(&mp.notifications),
		NotifyRatio:        notifyRatio,
		CapturedAt:         time.Now(),
	}
}

// Resize changes the maximum size of the memory pool
func (mp *MemoryPool) Resize(newMaxSize int64) error {
	if newMaxSize <= 0 {
		return fmt.Errorf("invalid pool size: %d", newMaxSize)
	}

	currentUsage := mp.CurrentUsage()
	if newMaxSize < currentUsage {
		return fmt.Errorf("cannot resize below current usage: %d < %d",
			newMaxSize, currentUsage)
	}

	atomic.StoreInt64(&mp.maxSize, newMaxSize)
	logging.Info(context.Background(), logging.ComponentStorage, logging.ActionStart,
		"Memory pool resized", map[string]interface{}{
			"pool":     mp.name,
			"max_size": newMaxSize,
		})
	return nil
}

// Name returns the name of this memory pool
func (mp *MemoryPool) Name() string {
	return mp.name
}
