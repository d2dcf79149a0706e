// Package cache provides caches that take part in pressure-driven cleanup.
package cache

import (
	"context"
	"time"
)

// Managed is a cache the coordinator can shrink. Cleanup must be safe to
// call concurrently with normal reads and writes.
type Managed interface {
	Name() string
	Cleanup(ctx context.Context) error
	Stats() Stats
	Close() error
}

// Stats provides metrics about cache contents and effectiveness
type Stats struct {
	Name string `json:"name"`
	Kind string `json:"kind"`

	// Capacity metrics
	Entries     int    `json:"entries"`
	MaxEntries  int    `json:"max_entries"` // 0 when bounded by bytes only
	MemoryBytes uint64 `json:"memory_bytes"`
	MaxMemory   uint64 `json:"max_memory"`

	// Operation metrics
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`

	// Cleanup metrics
	CleanupRuns uint64    `json:"cleanup_runs"`
	LastCleanup time.Time `json:"last_cleanup"`
}

// HitRate returns hits/(hits+misses), or 0 with no traffic
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
