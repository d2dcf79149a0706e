package coordinator

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memguard/internal/cleanup"
	"memguard/internal/pressure"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string][]*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string][]*dto.Metric, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf.GetMetric()
	}
	return out
}

func TestCollector(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	require.NoError(t, c.Caches().RegisterCache("sessions", nil, 100, 3, 1))
	register(t, c, "sessions", cleanup.PriorityHigh, func(context.Context) error { return nil })

	c.Observe(sampleOf(70, 1000*mib))
	_, err := c.ForceCleanup(context.Background())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(c)))
	metrics := gather(t, reg)

	require.Len(t, metrics["memguard_cleanup_passes_total"], 1)
	// The High transition ran an empty medium/low pass before the forced one
	assert.Equal(t, 2.0, metrics["memguard_cleanup_passes_total"][0].GetCounter().GetValue())
	assert.Equal(t, 2.0, metrics["memguard_pressure_level"][0].GetGauge().GetValue())
	assert.Equal(t, 1.0, metrics["memguard_registered_handlers"][0].GetGauge().GetValue())
	assert.Equal(t, float64(700*mib), metrics["memguard_heap_used_bytes"][0].GetGauge().GetValue())

	hitRate := metrics["memguard_cache_hit_rate"]
	require.Len(t, hitRate, 1)
	assert.Equal(t, "sessions", hitRate[0].GetLabel()[0].GetValue())
	assert.InDelta(t, 0.75, hitRate[0].GetGauge().GetValue(), 1e-9)
	assert.NotZero(t, metrics["memguard_cache_last_cleanup_unix"][0].GetGauge().GetValue())
}

func TestCollector_WithoutTelemetry(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})

	expected := `
# HELP memguard_telemetry_available 1 if heap telemetry is available
# TYPE memguard_telemetry_available gauge
memguard_telemetry_available 0
# HELP memguard_cleanup_passes_total Completed cleanup passes
# TYPE memguard_cleanup_passes_total counter
memguard_cleanup_passes_total 0
`
	require.NoError(t, testutil.CollectAndCompare(NewCollector(c), strings.NewReader(expected),
		"memguard_telemetry_available", "memguard_cleanup_passes_total"))

	// No sample and no caches: only the coordinator series
	assert.Equal(t, 9, testutil.CollectAndCount(NewCollector(c)))
}
