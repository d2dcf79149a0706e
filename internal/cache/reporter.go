package cache

import (
	"context"
	"time"

	"memguard/internal/cleanup"
	"memguard/internal/logging"
)

// Reporter periodically pushes cache stats into a MetricsRegistry
type Reporter struct {
	metrics  *cleanup.MetricsRegistry
	caches   []Managed
	interval time.Duration
	now      func() time.Time

	prev map[string]Stats
	at   map[string]time.Time
}

// NewReporter creates a reporter for caches
func NewReporter(metrics *cleanup.MetricsRegistry, interval time.Duration, caches ...Managed) *Reporter {
	return &Reporter{
		metrics:  metrics,
		caches:   caches,
		interval: interval,
		now:      time.Now,
		prev:     make(map[string]Stats, len(caches)),
		at:       make(map[string]time.Time, len(caches)),
	}
}

// Report pushes one round of stats. Eviction rate is evictions plus
// expirations per second since the previous round.
func (r *Reporter) Report() {
	now := r.now()
	for _, c := range r.caches {
		s := c.Stats()
		size := s.Entries
		hits, misses := s.Hits, s.Misses
		memory := s.MemoryBytes
		upd := cleanup.CacheMetricsUpdate{
			Size:                &size,
			Hits:                &hits,
			Misses:              &misses,
			MemoryUsageEstimate: &memory,
		}

		if prev, ok := r.prev[s.Name]; ok {
			if elapsed := now.Sub(r.at[s.Name]).Seconds(); elapsed > 0 {
				removed := (s.Evictions + s.Expirations) - (prev.Evictions + prev.Expirations)
				rate := float64(removed) / elapsed
				upd.EvictionRate = &rate
			}
		}
		if !s.LastCleanup.IsZero() {
			last := s.LastCleanup
			upd.LastCleanupAt = &last
		}

		if !r.metrics.UpdateCacheMetrics(s.Name, upd) {
			logging.Debug(context.Background(), logging.ComponentCache, logging.ActionReport,
				"Skipping stats for detached cache", map[string]interface{}{"cache": s.Name})
			continue
		}
		r.prev[s.Name] = s
		r.at[s.Name] = now
	}
}

// Run reports on every interval until ctx is done
func (r *Reporter) Run(ctx context.Context) {
	r.Report()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report()
		}
	}
}
