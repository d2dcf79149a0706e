package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memguard/internal/cleanup"
	"memguard/internal/coordinator"
	"memguard/internal/pressure"
)

func newCoordinator() *coordinator.Coordinator {
	return coordinator.New(coordinator.DefaultConfig(), pressure.Unavailable{})
}

func TestAttach_RegistersHandlerAndMetrics(t *testing.T) {
	c := newCoordinator()
	s, _ := newTestStore(t, StoreConfig{Name: "sessions", MaxEntries: 10, ShrinkRatio: 0.5}, nil)

	detach, err := Attach(c, s, cleanup.PriorityMedium, "session store")
	require.NoError(t, err)

	h, ok := c.Registry().Get("sessions")
	require.True(t, ok)
	assert.Equal(t, cleanup.PriorityMedium, h.Priority)
	assert.Equal(t, "session store", h.Description)

	m, ok := c.Caches().Get("sessions")
	require.True(t, ok)
	assert.Equal(t, 10, m.MaxSize)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("k%d", i), []byte("v"), 0))
	}
	m, _ = c.Caches().Get("sessions")
	assert.Equal(t, 10, m.Size, "size is read live")

	detach()
	detach()
	assert.Equal(t, 0, c.Registry().Len())
	assert.Equal(t, 0, c.Caches().Len())
}

func TestAttach_ForcedPassShrinksStore(t *testing.T) {
	c := newCoordinator()
	s, _ := newTestStore(t, StoreConfig{Name: "sessions", MaxEntries: 20, ShrinkRatio: 0.5}, nil)
	_, err := Attach(c, s, cleanup.PriorityHigh, "")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("k%d", i), []byte("v"), 0))
	}

	report, err := c.ForceCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sessions"}, report.Order())
	assert.Zero(t, report.Failures())
	assert.Equal(t, 10, s.Len())

	m, _ := c.Caches().Get("sessions")
	assert.False(t, m.LastCleanupAt.IsZero())
}

func TestAttach_DuplicateCacheName(t *testing.T) {
	c := newCoordinator()
	a, _ := newTestStore(t, StoreConfig{Name: "dup"}, nil)
	_, err := Attach(c, a, cleanup.PriorityLow, "")
	require.NoError(t, err)

	// A second attach replaces the first registration
	b, _ := newTestStore(t, StoreConfig{Name: "dup"}, nil)
	_, err = Attach(c, b, cleanup.PriorityLow, "")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Registry().Len())
}

func TestReporter(t *testing.T) {
	metrics := cleanup.NewMetricsRegistry(cleanup.DefaultRecommendationRules())
	s, _ := newTestStore(t, StoreConfig{Name: "sessions", MaxEntries: 100, ShrinkRatio: 0.5}, nil)
	require.NoError(t, metrics.RegisterCache("sessions", nil, 100, 0, 0))

	r := NewReporter(metrics, time.Second, s)
	base := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return base }

	for i := 0; i < 40; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("k%d", i), make([]byte, 10), 0))
	}
	s.Get("k1")
	s.Get("nope")
	r.Report()

	m, ok := metrics.Get("sessions")
	require.True(t, ok)
	assert.Equal(t, 40, m.Size)
	assert.Equal(t, uint64(400), m.MemoryUsageEstimate)
	assert.InDelta(t, 0.5, m.HitRate, 1e-9)
	assert.Zero(t, m.EvictionRate, "no previous round")

	// 40 entries is under the shrink target of 50
	require.NoError(t, s.Cleanup(context.Background()))
	r.now = func() time.Time { return base.Add(10 * time.Second) }
	r.Report()

	m, _ = metrics.Get("sessions")
	assert.Equal(t, 40, m.Size)
	assert.Zero(t, m.EvictionRate)
	assert.False(t, m.LastCleanupAt.IsZero())
}

func TestReporter_EvictionRate(t *testing.T) {
	metrics := cleanup.NewMetricsRegistry(cleanup.DefaultRecommendationRules())
	s, _ := newTestStore(t, StoreConfig{Name: "s", MaxEntries: 100, ShrinkRatio: 0.5}, nil)
	require.NoError(t, metrics.RegisterCache("s", nil, 100, 0, 0))

	r := NewReporter(metrics, time.Second, s)
	base := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return base }
	r.Report()

	for i := 0; i < 100; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("k%d", i), []byte("v"), 0))
	}
	require.NoError(t, s.Cleanup(context.Background()))

	r.now = func() time.Time { return base.Add(10 * time.Second) }
	r.Report()

	m, _ := metrics.Get("s")
	assert.InDelta(t, 5.0, m.EvictionRate, 1e-9)
	assert.False(t, m.LastCleanupAt.IsZero())
}

func TestReporter_SkipsDetachedCache(t *testing.T) {
	metrics := cleanup.NewMetricsRegistry(cleanup.DefaultRecommendationRules())
	s, _ := newTestStore(t, StoreConfig{Name: "gone"}, nil)

	r := NewReporter(metrics, time.Second, s)
	r.Report()

	assert.Equal(t, 0, metrics.Len())
}
