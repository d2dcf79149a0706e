package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memguard/internal/cleanup"
	"memguard/internal/cluster"
	"memguard/internal/coordinator"
	"memguard/internal/pressure"
)

const mib = 1 << 20

type fakeCluster struct {
	peers []cluster.PeerPressure
	err   error
}

func (f *fakeCluster) Peers() []cluster.PeerPressure { return f.peers }

func (f *fakeCluster) RequestClusterCleanup(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "req-1", nil
}

type fixture struct {
	coord  *coordinator.Coordinator
	server *Server
	ran    map[string]*atomic.Int32
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	coord := coordinator.New(coordinator.DefaultConfig(), pressure.Unavailable{})
	f := &fixture{coord: coord, ran: make(map[string]*atomic.Int32)}

	for _, h := range []struct {
		name     string
		priority cleanup.Priority
	}{
		{"images", cleanup.PriorityLow},
		{"sessions", cleanup.PriorityHigh},
		{"responses", cleanup.PriorityMedium},
	} {
		counter := &atomic.Int32{}
		f.ran[h.name] = counter
		_, err := coord.Register(cleanup.Handler{
			Name:        h.name,
			Priority:    h.priority,
			Description: h.name + " cache",
			Action: func(context.Context) error {
				counter.Add(1)
				return nil
			},
		})
		require.NoError(t, err)
	}

	f.server = NewServer(Config{NodeID: "node-test", BindAddr: "127.0.0.1"}, coord, opts...)
	return f
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "node-test", body["node_id"])
	assert.Equal(t, "low", body["level"])
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestServices_OrderedByPriority(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/services")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Services []struct {
			Name     string `json:"name"`
			Priority string `json:"priority"`
		} `json:"services"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Services, 3)
	assert.Equal(t, "sessions", body.Services[0].Name)
	assert.Equal(t, "high", body.Services[0].Priority)
	assert.Equal(t, "responses", body.Services[1].Name)
	assert.Equal(t, "images", body.Services[2].Name)
}

func TestCachesAndRecommendations(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Caches().RegisterCache("sessions", func() int { return 95 }, 100, 1, 9))

	rec := f.do(t, http.MethodGet, "/v1/caches")
	require.Equal(t, http.StatusOK, rec.Code)
	var caches struct {
		Caches []cleanup.CacheMetrics `json:"caches"`
	}
	decode(t, rec, &caches)
	require.Len(t, caches.Caches, 1)
	assert.Equal(t, 95, caches.Caches[0].Size)

	rec = f.do(t, http.MethodGet, "/v1/recommendations")
	require.Equal(t, http.StatusOK, rec.Code)
	var recs struct {
		Recommendations []cleanup.Recommendation `json:"recommendations"`
	}
	decode(t, rec, &recs)
	kinds := make([]cleanup.RecommendationKind, 0, len(recs.Recommendations))
	for _, r := range recs.Recommendations {
		kinds = append(kinds, r.Kind)
	}
	assert.ElementsMatch(t, []cleanup.RecommendationKind{cleanup.RecommendLowHitRate, cleanup.RecommendNearCapacity}, kinds)
}

func TestRecommendations_EmptyIsArray(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/recommendations")
	assert.JSONEq(t, `{"recommendations":[]}`, rec.Body.String())
}

func TestPressure(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/pressure")
	require.Equal(t, http.StatusOK, rec.Code)
	var before pressureView
	decode(t, rec, &before)
	assert.False(t, before.Available)

	f.coord.Observe(pressure.Sample{UsedBytes: 700 * mib, LimitBytes: 1000 * mib, CapturedAt: time.Now()})

	rec = f.do(t, http.MethodGet, "/v1/pressure")
	var after pressureView
	decode(t, rec, &after)
	assert.True(t, after.Available)
	assert.Equal(t, pressure.High, after.Level)
	assert.InDelta(t, 70.0, after.UsagePercent, 1e-9)
	assert.Len(t, after.Window, 1)
}

func TestForceCleanup(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/cleanup")
	require.Equal(t, http.StatusOK, rec.Code)

	var report struct {
		ID       string `json:"id"`
		Tiers    string `json:"tiers"`
		Outcomes []struct {
			Name    string `json:"name"`
			Success bool   `json:"success"`
		} `json:"outcomes"`
	}
	decode(t, rec, &report)
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, "high,medium,low", report.Tiers)
	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, "sessions", report.Outcomes[0].Name)
	for name, n := range f.ran {
		assert.Equal(t, int32(1), n.Load(), name)
	}

	rec = f.do(t, http.MethodGet, "/v1/passes")
	var passes struct {
		Passes []json.RawMessage `json:"passes"`
	}
	decode(t, rec, &passes)
	assert.Len(t, passes.Passes, 1)
}

func TestForceCleanup_SelectedTiers(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/cleanup?tiers=low")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), f.ran["images"].Load())
	assert.Equal(t, int32(0), f.ran["sessions"].Load())

	rec = f.do(t, http.MethodPost, "/v1/cleanup?tiers=urgent")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/lifecycle/terminating")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), f.ran["sessions"].Load())

	rec = f.do(t, http.MethodPost, "/v1/lifecycle/foregrounding")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/lifecycle/backgrounding")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return f.ran["images"].Load() == 2 }, 10*time.Second, 5*time.Millisecond)

	rec = f.do(t, http.MethodPost, "/v1/lifecycle/hibernating")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPeers_WithoutCluster(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/v1/peers").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/v1/cluster/cleanup").Code)
}

func TestPeers_WithCluster(t *testing.T) {
	fc := &fakeCluster{peers: []cluster.PeerPressure{{NodeID: "peer-a", Status: cluster.MemberAlive, Reported: true, Level: pressure.Critical}}}
	f := newFixture(t, WithCluster(fc))

	rec := f.do(t, http.MethodGet, "/v1/peers")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Peers []cluster.PeerPressure `json:"peers"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Peers, 1)
	assert.Equal(t, pressure.Critical, body.Peers[0].Level)

	rec = f.do(t, http.MethodPost, "/v1/cluster/cleanup")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"request_id":"req-1"}`, rec.Body.String())

	fc.err = errors.New("gossip not started")
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodPost, "/v1/cluster/cleanup").Code)
}

func TestPrometheusEndpoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.ForceCleanup(context.Background())
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "memguard_cleanup_passes_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestActivityTracking(t *testing.T) {
	tracker := coordinator.NewActivityTracker(time.Hour)
	f := newFixture(t, WithActivityTracker(tracker))

	var inFlight atomic.Int32
	_, err := f.coord.Register(cleanup.Handler{
		Name:     "sentinel",
		Priority: cleanup.PriorityHigh,
		Action: func(context.Context) error {
			inFlight.Store(int32(tracker.InFlight()))
			return nil
		},
	})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/cleanup").Code)
	assert.Equal(t, int32(1), inFlight.Load(), "request counted as activity")
	assert.Equal(t, 0, tracker.InFlight())
	assert.False(t, tracker.IsIdle(), "quiet period follows the request")
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return f.server.events.count() == 1 }, time.Second, 5*time.Millisecond)

	_, err = f.coord.ForceCleanup(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev struct {
		Kind   string          `json:"kind"`
		Report json.RawMessage `json:"report"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, string(coordinator.EventPassCompleted), ev.Kind)
	assert.NotEmpty(t, ev.Report)

	require.NoError(t, f.server.Stop(context.Background()))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "stream closed on shutdown")
}
