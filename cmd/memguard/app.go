package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/fx"

	"memguard/internal/api"
	"memguard/internal/cache"
	"memguard/internal/cleanup"
	"memguard/internal/cluster"
	"memguard/internal/coordinator"
	"memguard/internal/logging"
	"memguard/internal/pressure"
	"memguard/internal/storage"
	"memguard/pkg/config"
)

// reportInterval is how often cache stats reach the metrics registry
const reportInterval = 10 * time.Second

// appOptions composes the daemon. The shutdown hook is appended last so its
// OnStop runs first, while every cache is still attached.
func appOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newMemoryPool,
			newTelemetrySource,
			newActivityTracker,
			newCoordinator,
			newCaches,
			newGossip,
			newAPIServer,
		),
		fx.Invoke(
			startReporter,
			// Both are optional; requesting them here is what builds them
			func(*cluster.Gossip, *api.Server) {},
			startSignalWatcher,
			registerShutdown,
		),
	)
}

// newMemoryPool creates the shared value budget used by store caches and,
// with telemetry.source=pool, as the pressure source
func newMemoryPool(cfg *config.Config) (*storage.MemoryPool, error) {
	size := config.MustParseSize(cfg.Telemetry.PoolSize)
	if size == 0 {
		return nil, nil
	}
	pool := storage.NewMemoryPool("memguard", int64(size))
	if err := pool.SetNotifyRatio(cfg.Telemetry.PoolNotifyRatio); err != nil {
		return nil, err
	}
	return pool, nil
}

func newTelemetrySource(cfg *config.Config, pool *storage.MemoryPool) (pressure.Source, error) {
	switch cfg.Telemetry.Source {
	case "runtime":
		return pressure.NewRuntimeSource(config.MustParseSize(cfg.Telemetry.Limit)), nil
	case "pool":
		if pool == nil {
			return nil, fmt.Errorf("telemetry.source=pool requires telemetry.pool_size")
		}
		return pool, nil
	case "none":
		return pressure.Unavailable{}, nil
	}
	return nil, fmt.Errorf("invalid telemetry source: %s", cfg.Telemetry.Source)
}

func newActivityTracker(cfg *config.Config) *coordinator.ActivityTracker {
	return coordinator.NewActivityTracker(cfg.Cleanup.IdleQuietPeriod)
}

// coordinatorConfig translates the validated file configuration
func coordinatorConfig(cfg *config.Config) coordinator.Config {
	t := cfg.Thresholds
	return coordinator.Config{
		PollInterval:   cfg.Telemetry.PollInterval,
		IdleTimeout:    cfg.Cleanup.IdleTimeout,
		HandlerTimeout: cfg.Cleanup.HandlerTimeout,
		HistorySize:    cfg.Cleanup.HistorySize,
		Thresholds: pressure.Thresholds{
			ModeratePercent:    t.ModeratePercent,
			HighPercent:        t.HighPercent,
			CriticalPercent:    t.CriticalPercent,
			ModerateBytes:      config.MustParseSize(t.ModerateBytes),
			HighBytes:          config.MustParseSize(t.HighBytes),
			CriticalBytes:      config.MustParseSize(t.CriticalBytes),
			TrendMarginPercent: t.TrendMarginPercent,
			TrendMarginBytes:   config.MustParseSize(t.TrendMarginBytes),
		},
		Sampler: pressure.SamplerConfig{
			Capacity:      cfg.Telemetry.WindowSize,
			TrendWindow:   cfg.Telemetry.TrendWindow,
			TrendMinDelta: config.MustParseSize(cfg.Telemetry.TrendMinDelta),
		},
	}
}

func newCoordinator(lc fx.Lifecycle, cfg *config.Config, source pressure.Source, tracker *coordinator.ActivityTracker) *coordinator.Coordinator {
	opts := []coordinator.Option{
		coordinator.WithMetricsRegistry(cleanup.NewMetricsRegistry(cleanup.RecommendationRules{
			LowHitRate:      cfg.Recommendations.LowHitRate,
			NearCapacity:    cfg.Recommendations.NearCapacity,
			LargeCacheBytes: config.MustParseSize(cfg.Recommendations.LargeCache),
		})),
		coordinator.WithIdleScheduler(coordinator.NewIdleScheduler(tracker, cfg.Cleanup.IdleFallbackDelay)),
	}
	if cfg.Cleanup.GCHint {
		opts = append(opts, coordinator.WithGCHint(coordinator.RuntimeGC{}))
	}

	c := coordinator.New(coordinatorConfig(cfg), source, opts...)
	coordinator.SetDefault(c)

	lc.Append(fx.Hook{
		// The feed outlives the start hook, so it gets its own context
		OnStart: func(context.Context) error {
			return c.Start(context.Background())
		},
		OnStop: func(context.Context) error {
			c.Stop()
			return nil
		},
	})
	return c
}

func newCaches(lc fx.Lifecycle, cfg *config.Config, coord *coordinator.Coordinator, pool *storage.MemoryPool) ([]cache.Managed, error) {
	caches := make([]cache.Managed, 0, len(cfg.Caches))
	detachers := make([]func(), 0, len(cfg.Caches))

	closeAll := func() {
		for _, detach := range detachers {
			detach()
		}
		for _, m := range caches {
			_ = m.Close()
		}
	}

	for _, cc := range cfg.Caches {
		m, err := buildCache(cc, pool)
		if err != nil {
			closeAll()
			return nil, err
		}
		caches = append(caches, m)

		priority, err := cleanup.ParsePriority(cc.Priority)
		if err != nil {
			closeAll()
			return nil, err
		}
		detach, err := cache.Attach(coord, m, priority, cc.Description)
		if err != nil {
			closeAll()
			return nil, err
		}
		detachers = append(detachers, detach)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			closeAll()
			return nil
		},
	})
	return caches, nil
}

func buildCache(cc config.CacheConfig, pool *storage.MemoryPool) (cache.Managed, error) {
	switch strings.ToLower(cc.Kind) {
	case "store":
		return cache.NewStore(cache.StoreConfig{
			Name:            cc.Name,
			MaxEntries:      cc.MaxEntries,
			DefaultTTL:      cc.TTL,
			Shards:          cc.Shards,
			ShrinkRatio:     cc.ShrinkRatio,
			JanitorInterval: janitorInterval(cc.TTL),
		}, pool)
	case "bigcache":
		return cache.NewBigCache(context.Background(), cache.BigCacheConfig{
			Name:               cc.Name,
			TTL:                cc.TTL,
			Shards:             cc.Shards,
			MaxMemory:          config.MustParseSize(cc.MaxMemory),
			MaxEntriesInWindow: cc.MaxEntries,
		})
	}
	return nil, fmt.Errorf("invalid kind for cache %s: %s", cc.Name, cc.Kind)
}

// janitorInterval purges expired entries a few times per TTL
func janitorInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	interval := ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func newGossip(lc fx.Lifecycle, cfg *config.Config, coord *coordinator.Coordinator) (*cluster.Gossip, error) {
	if !cfg.Cluster.Enabled {
		return nil, nil
	}
	g, err := cluster.NewGossip(cluster.Config{
		NodeID:        cfg.Node.ID,
		BindAddr:      cfg.Cluster.BindAddr,
		BindPort:      cfg.Cluster.Port,
		AdvertiseAddr: cfg.Cluster.AdvertiseAddr,
		Seeds:         cfg.Cluster.Seeds,
		RelayCleanup:  cfg.Cluster.RelayCleanup,
	}, coord)
	if err != nil {
		return nil, err
	}

	var unsubscribe func()
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := g.Start(ctx); err != nil {
				return err
			}
			unsubscribe = coord.Subscribe(g.Observe)
			return nil
		},
		OnStop: func(context.Context) error {
			if unsubscribe != nil {
				unsubscribe()
			}
			return g.Stop()
		},
	})
	return g, nil
}

func newAPIServer(lc fx.Lifecycle, cfg *config.Config, coord *coordinator.Coordinator, g *cluster.Gossip, tracker *coordinator.ActivityTracker) *api.Server {
	if !cfg.HTTP.Enabled {
		return nil
	}
	opts := []api.Option{api.WithActivityTracker(tracker)}
	if g != nil {
		opts = append(opts, api.WithCluster(g))
	}

	s := api.NewServer(api.Config{
		NodeID:   cfg.Node.ID,
		BindAddr: cfg.HTTP.BindAddr,
		Port:     cfg.HTTP.Port,
	}, coord, opts...)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return s.Start() },
		OnStop:  s.Stop,
	})
	return s
}

func startReporter(lc fx.Lifecycle, coord *coordinator.Coordinator, caches []cache.Managed) {
	reporter := cache.NewReporter(coord.Caches(), reportInterval, caches...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				reporter.Run(ctx)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

// registerShutdown delivers the terminating signal before anything stops
func registerShutdown(lc fx.Lifecycle, cfg *config.Config, coord *coordinator.Coordinator) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "memguard node started", map[string]interface{}{
				"node_id":   cfg.Node.ID,
				"telemetry": cfg.Telemetry.Source,
				"handlers":  coord.Registry().Len(),
			})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := coord.OnLifecycleSignal(ctx, coordinator.Terminating); err != nil {
				logging.Error(ctx, logging.ComponentMain, logging.ActionStop, "Terminating pass did not complete", err)
			}
			return nil
		},
	})
}
