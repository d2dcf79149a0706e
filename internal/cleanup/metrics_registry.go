package cleanup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"memguard/internal/logging"
)

// CacheMetrics is the last reported state of one cache
type CacheMetrics struct {
	Name                string    `json:"name"`
	Size                int       `json:"size"`
	MaxSize             int       `json:"max_size"`
	Hits                uint64    `json:"hits"`
	Misses              uint64    `json:"misses"`
	HitRate             float64   `json:"hit_rate"`
	MemoryUsageEstimate uint64    `json:"memory_usage_estimate"`
	EvictionRate        float64   `json:"eviction_rate"`
	LastCleanupAt       time.Time `json:"last_cleanup_at,omitempty"`

	hitRateKnown bool
}

// CacheMetricsUpdate is a partial update. Nil fields are left unchanged.
type CacheMetricsUpdate struct {
	Size                *int
	MaxSize             *int
	Hits                *uint64
	Misses              *uint64
	HitRate             *float64
	MemoryUsageEstimate *uint64
	EvictionRate        *float64
	LastCleanupAt       *time.Time
}

// RecommendationRules tunes the health rules
type RecommendationRules struct {
	LowHitRate      float64 // Hit rate below this is flagged
	NearCapacity    float64 // Size at or above this fraction of MaxSize is flagged
	LargeCacheBytes uint64  // Memory estimate above this is flagged, 0 disables
}

// DefaultRecommendationRules returns 0.3 / 0.9 / 64MB
func DefaultRecommendationRules() RecommendationRules {
	return RecommendationRules{
		LowHitRate:      0.3,
		NearCapacity:    0.9,
		LargeCacheBytes: 64 << 20,
	}
}

// RecommendationKind classifies a recommendation
type RecommendationKind string

const (
	RecommendLowHitRate   RecommendationKind = "low_hit_rate"
	RecommendNearCapacity RecommendationKind = "near_capacity"
	RecommendHighMemory   RecommendationKind = "high_memory"
)

// Recommendation is one finding about one cache
type Recommendation struct {
	Cache   string             `json:"cache"`
	Kind    RecommendationKind `json:"kind"`
	Message string             `json:"message"`
}

func (r Recommendation) String() string {
	return r.Message
}

type cacheEntry struct {
	metrics CacheMetrics
	sizeFn  func() int
}

// MetricsRegistry is bookkeeping only; it never triggers cleanup
type MetricsRegistry struct {
	rules RecommendationRules

	mu     sync.RWMutex
	caches map[string]*cacheEntry
}

// NewMetricsRegistry creates an empty registry using rules
func NewMetricsRegistry(rules RecommendationRules) *MetricsRegistry {
	return &MetricsRegistry{
		rules:  rules,
		caches: make(map[string]*cacheEntry),
	}
}

// RegisterCache adds or replaces a cache entry. sizeFn, when non-nil, is
// consulted on every read and overrides reported sizes.
func (m *MetricsRegistry) RegisterCache(name string, sizeFn func() int, maxSize int, hits, misses uint64) error {
	if name == "" {
		return fmt.Errorf("cache name cannot be empty")
	}

	metrics := CacheMetrics{
		Name:    name,
		MaxSize: maxSize,
		Hits:    hits,
		Misses:  misses,
	}
	metrics.recomputeHitRate()

	m.mu.Lock()
	m.caches[name] = &cacheEntry{metrics: metrics, sizeFn: sizeFn}
	m.mu.Unlock()

	logging.Debug(context.Background(), logging.ComponentMetricsRegistry, logging.ActionRegister,
		"Cache registered for metrics", map[string]interface{}{
			"cache":    name,
			"max_size": maxSize,
		})
	return nil
}

// UnregisterCache removes name and reports whether it was present
func (m *MetricsRegistry) UnregisterCache(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.caches[name]
	delete(m.caches, name)
	return ok
}

// UpdateCacheMetrics applies a partial update. Unknown names are ignored and
// reported with false.
func (m *MetricsRegistry) UpdateCacheMetrics(name string, update CacheMetricsUpdate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.caches[name]
	if !ok {
		return false
	}
	cm := &e.metrics

	if update.Size != nil {
		cm.Size = *update.Size
	}
	if update.MaxSize != nil {
		cm.MaxSize = *update.MaxSize
	}
	if update.MemoryUsageEstimate != nil {
		cm.MemoryUsageEstimate = *update.MemoryUsageEstimate
	}
	if update.EvictionRate != nil {
		cm.EvictionRate = *update.EvictionRate
	}
	if update.LastCleanupAt != nil {
		cm.LastCleanupAt = *update.LastCleanupAt
	}

	countersChanged := false
	if update.Hits != nil {
		cm.Hits = *update.Hits
		countersChanged = true
	}
	if update.Misses != nil {
		cm.Misses = *update.Misses
		countersChanged = true
	}
	switch {
	case update.HitRate != nil:
		cm.HitRate = clampUnit(*update.HitRate)
		cm.hitRateKnown = true
	case countersChanged:
		cm.recomputeHitRate()
	}

	return true
}

// MarkCleaned records a completed cleanup for name
func (m *MetricsRegistry) MarkCleaned(name string, at time.Time) bool {
	return m.UpdateCacheMetrics(name, CacheMetricsUpdate{LastCleanupAt: &at})
}

// Get returns the metrics for one cache
func (m *MetricsRegistry) Get(name string) (CacheMetrics, bool) {
	m.mu.RLock()
	e, ok := m.caches[name]
	if !ok {
		m.mu.RUnlock()
		return CacheMetrics{}, false
	}
	metrics, sizeFn := e.metrics, e.sizeFn
	m.mu.RUnlock()

	if sizeFn != nil {
		metrics.Size = sizeFn()
	}
	return metrics, true
}

// All returns every cache's metrics sorted by name
func (m *MetricsRegistry) All() []CacheMetrics {
	m.mu.RLock()
	snapshot := make([]cacheEntry, 0, len(m.caches))
	for _, e := range m.caches {
		snapshot = append(snapshot, *e)
	}
	m.mu.RUnlock()

	// sizeFn runs without the lock so it may call back into the registry
	out := make([]CacheMetrics, len(snapshot))
	for i, e := range snapshot {
		out[i] = e.metrics
		if e.sizeFn != nil {
			out[i].Size = e.sizeFn()
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Recommendations evaluates the health rules over All()
func (m *MetricsRegistry) Recommendations() []Recommendation {
	var out []Recommendation
	for _, cm := range m.All() {
		if cm.hitRateKnown && cm.HitRate < m.rules.LowHitRate {
			out = append(out, Recommendation{
				Cache: cm.Name,
				Kind:  RecommendLowHitRate,
				Message: fmt.Sprintf("cache %q: low hit rate (%.0f%%), consider shrinking",
					cm.Name, cm.HitRate*100),
			})
		}
		if cm.MaxSize > 0 && float64(cm.Size) >= m.rules.NearCapacity*float64(cm.MaxSize) {
			out = append(out, Recommendation{
				Cache:   cm.Name,
				Kind:    RecommendNearCapacity,
				Message: fmt.Sprintf("cache %q: near capacity (%d/%d)", cm.Name, cm.Size, cm.MaxSize),
			})
		}
		if m.rules.LargeCacheBytes > 0 && cm.MemoryUsageEstimate > m.rules.LargeCacheBytes {
			out = append(out, Recommendation{
				Cache: cm.Name,
				Kind:  RecommendHighMemory,
				Message: fmt.Sprintf("cache %q: high memory cache (%d bytes)",
					cm.Name, cm.MemoryUsageEstimate),
			})
		}
	}
	return out
}

// Len returns the number of registered caches
func (m *MetricsRegistry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.caches)
}

func (cm *CacheMetrics) recomputeHitRate() {
	total := cm.Hits + cm.Misses
	if total == 0 {
		cm.HitRate = 0
		cm.hitRateKnown = false
		return
	}
	cm.HitRate = float64(cm.Hits) / float64(total)
	cm.hitRateKnown = true
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
