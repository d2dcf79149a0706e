package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collector struct {
	c *Coordinator

	passes            *prometheus.Desc
	pressureEvents    *prometheus.Desc
	coalesced         *prometheus.Desc
	handlerFailures   *prometheus.Desc
	handlers          *prometheus.Desc
	level             *prometheus.Desc
	lastCleanup       *prometheus.Desc
	telemetry         *prometheus.Desc
	pendingDeferred   *prometheus.Desc
	heapUsed          *prometheus.Desc
	heapLimit         *prometheus.Desc
	cacheSize         *prometheus.Desc
	cacheMaxSize      *prometheus.Desc
	cacheHitRate      *prometheus.Desc
	cacheMemory       *prometheus.Desc
	cacheEvictionRate *prometheus.Desc
	cacheLastCleanup  *prometheus.Desc
}

// NewCollector exposes coordinator and cache metrics to Prometheus
func NewCollector(c *Coordinator) prometheus.Collector {
	cache := []string{"cache"}
	return &collector{
		c:               c,
		passes:          prometheus.NewDesc("memguard_cleanup_passes_total", "Completed cleanup passes", nil, nil),
		pressureEvents:  prometheus.NewDesc("memguard_pressure_events_total", "Pressure level transitions", nil, nil),
		coalesced:       prometheus.NewDesc("memguard_coalesced_triggers_total", "Triggers merged into a follow-up pass", nil, nil),
		handlerFailures: prometheus.NewDesc("memguard_handler_failures_total", "Failed cleanup handler invocations", nil, nil),
		handlers:        prometheus.NewDesc("memguard_registered_handlers", "Registered cleanup handlers", nil, nil),
		level: prometheus.NewDesc("memguard_pressure_level",
			"Current pressure level: 0 low, 1 moderate, 2 high, 3 critical", nil, nil),
		lastCleanup:       prometheus.NewDesc("memguard_last_cleanup_unix", "Unix time of the last completed pass", nil, nil),
		telemetry:         prometheus.NewDesc("memguard_telemetry_available", "1 if heap telemetry is available", nil, nil),
		pendingDeferred:   prometheus.NewDesc("memguard_pending_deferred", "Deferred passes waiting for an idle window", nil, nil),
		heapUsed:          prometheus.NewDesc("memguard_heap_used_bytes", "Used bytes in the latest sample", nil, nil),
		heapLimit:         prometheus.NewDesc("memguard_heap_limit_bytes", "Limit bytes in the latest sample", nil, nil),
		cacheSize:         prometheus.NewDesc("memguard_cache_size", "Reported cache size", cache, nil),
		cacheMaxSize:      prometheus.NewDesc("memguard_cache_max_size", "Reported cache capacity", cache, nil),
		cacheHitRate:      prometheus.NewDesc("memguard_cache_hit_rate", "Reported cache hit rate", cache, nil),
		cacheMemory:       prometheus.NewDesc("memguard_cache_memory_bytes", "Estimated cache memory", cache, nil),
		cacheEvictionRate: prometheus.NewDesc("memguard_cache_eviction_rate", "Reported cache eviction rate", cache, nil),
		cacheLastCleanup:  prometheus.NewDesc("memguard_cache_last_cleanup_unix", "Unix time of the last cache cleanup", cache, nil),
	}
}

func (col *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- col.passes
	ch <- col.pressureEvents
	ch <- col.coalesced
	ch <- col.handlerFailures
	ch <- col.handlers
	ch <- col.level
	ch <- col.lastCleanup
	ch <- col.telemetry
	ch <- col.pendingDeferred
	ch <- col.heapUsed
	ch <- col.heapLimit
	ch <- col.cacheSize
	ch <- col.cacheMaxSize
	ch <- col.cacheHitRate
	ch <- col.cacheMemory
	ch <- col.cacheEvictionRate
	ch <- col.cacheLastCleanup
}

func (col *collector) Collect(ch chan<- prometheus.Metric) {
	m := col.c.Metrics()

	ch <- prometheus.MustNewConstMetric(col.passes, prometheus.CounterValue, float64(m.CleanupPasses))
	ch <- prometheus.MustNewConstMetric(col.pressureEvents, prometheus.CounterValue, float64(m.PressureEvents))
	ch <- prometheus.MustNewConstMetric(col.coalesced, prometheus.CounterValue, float64(m.CoalescedTriggers))
	ch <- prometheus.MustNewConstMetric(col.handlerFailures, prometheus.CounterValue, float64(m.HandlerFailures))
	ch <- prometheus.MustNewConstMetric(col.handlers, prometheus.GaugeValue, float64(m.RegisteredHandlers))
	ch <- prometheus.MustNewConstMetric(col.level, prometheus.GaugeValue, float64(m.CurrentLevel))
	ch <- prometheus.MustNewConstMetric(col.pendingDeferred, prometheus.GaugeValue, float64(m.PendingDeferred))

	var lastCleanup float64
	if !m.LastCleanupAt.IsZero() {
		lastCleanup = float64(m.LastCleanupAt.Unix())
	}
	ch <- prometheus.MustNewConstMetric(col.lastCleanup, prometheus.GaugeValue, lastCleanup)

	var telemetry float64
	if m.TelemetryAvailable {
		telemetry = 1
	}
	ch <- prometheus.MustNewConstMetric(col.telemetry, prometheus.GaugeValue, telemetry)

	if latest, ok := col.c.Sampler().Latest(); ok {
		ch <- prometheus.MustNewConstMetric(col.heapUsed, prometheus.GaugeValue, float64(latest.UsedBytes))
		ch <- prometheus.MustNewConstMetric(col.heapLimit, prometheus.GaugeValue, float64(latest.LimitBytes))
	}

	for _, cm := range col.c.Caches().All() {
		ch <- prometheus.MustNewConstMetric(col.cacheSize, prometheus.GaugeValue, float64(cm.Size), cm.Name)
		ch <- prometheus.MustNewConstMetric(col.cacheMaxSize, prometheus.GaugeValue, float64(cm.MaxSize), cm.Name)
		ch <- prometheus.MustNewConstMetric(col.cacheHitRate, prometheus.GaugeValue, cm.HitRate, cm.Name)
		ch <- prometheus.MustNewConstMetric(col.cacheMemory, prometheus.GaugeValue, float64(cm.MemoryUsageEstimate), cm.Name)
		ch <- prometheus.MustNewConstMetric(col.cacheEvictionRate, prometheus.GaugeValue, cm.EvictionRate, cm.Name)
		var cleaned float64
		if !cm.LastCleanupAt.IsZero() {
			cleaned = float64(cm.LastCleanupAt.Unix())
		}
		ch <- prometheus.MustNewConstMetric(col.cacheLastCleanup, prometheus.GaugeValue, cleaned, cm.Name)
	}
}
