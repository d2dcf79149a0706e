package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memguard/internal/cleanup"
	"memguard/internal/pressure"
)

const mib = 1024 * 1024

// recorder collects handler invocations in execution order
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) action(name string) cleanup.Action {
	return func(ctx context.Context) error {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recorder) count(name string) int {
	n := 0
	for _, got := range r.calls() {
		if got == name {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Thresholds.ModerateBytes = 0 // classify on percent of limit only
	cfg.IdleTimeout = 100 * time.Millisecond
	return cfg
}

func register(t *testing.T, c *Coordinator, name string, p cleanup.Priority, action cleanup.Action) {
	t.Helper()
	_, err := c.Register(cleanup.Handler{Name: name, Priority: p, Action: action})
	require.NoError(t, err)
}

func sampleOf(percent float64, limit uint64) pressure.Sample {
	return pressure.Sample{
		UsedBytes:  uint64(float64(limit) * percent / 100),
		LimitBytes: limit,
		CapturedAt: time.Now(),
	}
}

func TestForceCleanup_PriorityOrdering(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	rec := &recorder{}

	register(t, c, "low-1", cleanup.PriorityLow, rec.action("low-1"))
	register(t, c, "high-1", cleanup.PriorityHigh, rec.action("high-1"))
	register(t, c, "medium-1", cleanup.PriorityMedium, rec.action("medium-1"))
	register(t, c, "high-2", cleanup.PriorityHigh, rec.action("high-2"))

	report, err := c.ForceCleanup(context.Background())
	require.NoError(t, err)

	want := []string{"high-1", "high-2", "medium-1", "low-1"}
	assert.Equal(t, want, rec.calls())
	assert.Equal(t, want, report.Order())
	assert.Equal(t, TriggerManual, report.Trigger.Kind)
	assert.Equal(t, cleanup.AllTiers, report.Tiers)
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, want, c.RegisteredServices())
}

func TestForceCleanup_FailureIsolation(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	var bRan atomic.Bool

	register(t, c, "A", cleanup.PriorityHigh, func(context.Context) error {
		return errors.New("disk on fire")
	})
	register(t, c, "B", cleanup.PriorityHigh, func(context.Context) error {
		bRan.Store(true)
		return nil
	})
	register(t, c, "C", cleanup.PriorityLow, func(context.Context) error {
		panic("boom")
	})

	report, err := c.ForceCleanup(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 3)

	assert.False(t, report.Outcomes[0].Success)
	assert.Equal(t, "disk on fire", report.Outcomes[0].Error)
	assert.True(t, report.Outcomes[1].Success)
	assert.True(t, bRan.Load())
	assert.False(t, report.Outcomes[2].Success)
	assert.Contains(t, report.Outcomes[2].Error, "panicked")
	assert.Equal(t, 2, report.Failures())

	// Failures never deregister
	assert.Equal(t, []string{"A", "B", "C"}, c.RegisteredServices())
	m := c.Metrics()
	assert.Equal(t, uint64(2), m.HandlerFailures)
	assert.Equal(t, uint64(1), m.CleanupPasses)
}

func TestUnregister_IdempotentAndExcludedFromPasses(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	rec := &recorder{}
	register(t, c, "x", cleanup.PriorityHigh, rec.action("x"))

	assert.True(t, c.Unregister("x"))
	assert.False(t, c.Unregister("x"))

	_, err := c.ForceCleanup(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rec.calls())
}

func TestCoalescing_ExactlyOneFollowUpPass(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})

	started := make(chan struct{})
	release := make(chan struct{})
	var calls, running, maxRunning int32

	register(t, c, "slow", cleanup.PriorityHigh, func(ctx context.Context) error {
		now := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		for {
			prev := atomic.LoadInt32(&maxRunning)
			if now <= prev || atomic.CompareAndSwapInt32(&maxRunning, prev, now) {
				break
			}
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
		}
		return nil
	})

	ctx := context.Background()
	reports := make(chan PassReport, 3)
	go func() {
		r, err := c.ForceCleanup(ctx)
		assert.NoError(t, err)
		reports <- r
	}()
	<-started

	for i := 0; i < 2; i++ {
		go func() {
			r, err := c.ForceCleanup(ctx)
			assert.NoError(t, err)
			reports <- r
		}()
	}
	require.Eventually(t, func() bool { return c.Metrics().CoalescedTriggers == 2 }, time.Second, time.Millisecond)
	close(release)

	var got []PassReport
	for i := 0; i < 3; i++ {
		select {
		case r := <-reports:
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatal("waiting caller never completed")
		}
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "one original pass plus one follow-up")
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning), "passes never overlap")
	assert.Equal(t, uint64(2), c.Metrics().CleanupPasses)

	// Both coalesced callers were served by the same follow-up pass
	ids := map[string]int{}
	for _, r := range got {
		ids[r.ID]++
	}
	assert.Len(t, ids, 2)
	passes := c.RecentPasses()
	require.Len(t, passes, 2)
	assert.Equal(t, 1, passes[1].Coalesced)
	assert.Equal(t, 2, ids[passes[1].ID])
}

func TestPressure_CriticalScenario(t *testing.T) {
	var gcHints int32
	c := New(testConfig(), pressure.Unavailable{}, WithGCHint(GCHintFunc(func() {
		atomic.AddInt32(&gcHints, 1)
	})))
	rec := &recorder{}
	register(t, c, "cacheA", cleanup.PriorityHigh, rec.action("cacheA"))
	register(t, c, "cacheB", cleanup.PriorityLow, rec.action("cacheB"))

	limit := uint64(256 * mib)
	c.Observe(sampleOf(20, limit))
	c.Observe(sampleOf(30, limit))
	assert.Empty(t, rec.calls())

	c.Observe(sampleOf(85, limit))

	// The pass ran synchronously inside Observe
	assert.Equal(t, []string{"cacheA", "cacheB"}, rec.calls())
	m := c.Metrics()
	assert.Equal(t, uint64(1), m.CleanupPasses)
	assert.Equal(t, pressure.Critical, m.CurrentLevel)
	assert.Equal(t, uint64(1), m.PressureEvents)
	assert.Equal(t, int32(1), atomic.LoadInt32(&gcHints))

	// Staying critical does not start another pass
	c.Observe(sampleOf(88, limit))
	assert.Equal(t, uint64(1), c.Metrics().CleanupPasses)
}

func TestPressure_HighRunsMediumAndLow(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	rec := &recorder{}
	register(t, c, "h", cleanup.PriorityHigh, rec.action("h"))
	register(t, c, "m", cleanup.PriorityMedium, rec.action("m"))
	register(t, c, "l", cleanup.PriorityLow, rec.action("l"))

	c.Observe(sampleOf(65, 1000*mib))
	assert.Equal(t, []string{"m", "l"}, rec.calls())

	passes := c.RecentPasses()
	require.Len(t, passes, 1)
	assert.True(t, passes[0].GCHint)
	assert.Equal(t, pressure.High, passes[0].Trigger.Level)
}

func TestPressure_ModerateDefersLowTier(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	rec := &recorder{}
	register(t, c, "h", cleanup.PriorityHigh, rec.action("h"))
	register(t, c, "l", cleanup.PriorityLow, rec.action("l"))

	c.Observe(sampleOf(45, 1000*mib))

	require.Eventually(t, func() bool { return rec.count("l") == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, rec.count("h"))
}

func TestPressure_RisingLowDefersLowTier(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	rec := &recorder{}
	register(t, c, "l", cleanup.PriorityLow, rec.action("l"))

	limit := uint64(256 * mib)
	c.Observe(sampleOf(10, limit))
	c.Observe(sampleOf(15, limit))
	c.Observe(sampleOf(20, limit))

	assert.Equal(t, pressure.Low, c.CurrentLevel())
	require.Eventually(t, func() bool { return rec.count("l") == 1 }, time.Second, time.Millisecond)

	// Still rising: no new pass until the trend breaks and rises again
	c.Observe(sampleOf(25, limit))
	c.idle.Wait()
	assert.Equal(t, 1, rec.count("l"))
}

func TestPressure_NetRiseWithDipDefersLowTier(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	rec := &recorder{}
	register(t, c, "h", cleanup.PriorityHigh, rec.action("h"))
	register(t, c, "m", cleanup.PriorityMedium, rec.action("m"))
	register(t, c, "l", cleanup.PriorityLow, rec.action("l"))

	limit := uint64(1000 * mib)
	for _, used := range []uint64{100, 99, 140} {
		c.Observe(pressure.Sample{UsedBytes: used * mib, LimitBytes: limit, CapturedAt: time.Now()})
	}

	assert.Equal(t, pressure.Low, c.CurrentLevel())
	assert.Equal(t, pressure.Increasing, c.Sampler().Trend())
	require.Eventually(t, func() bool { return rec.count("l") == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, rec.count("h"))
	assert.Zero(t, rec.count("m"))
}

func TestPressure_TransitionsInBothDirections(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	rec := &recorder{}
	register(t, c, "m", cleanup.PriorityMedium, rec.action("m"))

	limit := uint64(1000 * mib)
	c.Observe(sampleOf(90, limit)) // -> critical
	c.Observe(sampleOf(70, limit)) // -> high
	c.Observe(sampleOf(70, limit)) // unchanged

	assert.Equal(t, 2, rec.count("m"))
	assert.Equal(t, uint64(2), c.Metrics().PressureEvents)
}

func TestTelemetryUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	c := New(cfg, pressure.Unavailable{})
	rec := &recorder{}
	register(t, c, "h", cleanup.PriorityHigh, rec.action("h"))

	require.NoError(t, c.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)

	m := c.Metrics()
	assert.False(t, m.TelemetryAvailable)
	assert.Equal(t, pressure.Low, m.CurrentLevel)
	assert.Zero(t, m.CleanupPasses)
	assert.Zero(t, c.Sampler().Len())

	_, err := c.ForceCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"h"}, rec.calls())

	c.Stop()
}

func TestStart_PollsTelemetry(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	source := pressure.SourceFunc(func() (pressure.Usage, bool) {
		return pressure.Usage{Used: 900 * mib, Limit: 1000 * mib}, true
	})
	c := New(cfg, source)
	rec := &recorder{}
	register(t, c, "h", cleanup.PriorityHigh, rec.action("h"))

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return rec.count("h") == 1 }, time.Second, time.Millisecond)
	c.Stop()
	c.Stop()

	m := c.Metrics()
	assert.True(t, m.TelemetryAvailable)
	assert.Equal(t, pressure.Critical, m.CurrentLevel)
	assert.Equal(t, uint64(1), m.CleanupPasses)
}

func TestLifecycle_TerminatingRunsAllTiers(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	rec := &recorder{}
	register(t, c, "l", cleanup.PriorityLow, rec.action("l"))
	register(t, c, "h", cleanup.PriorityHigh, rec.action("h"))
	register(t, c, "m", cleanup.PriorityMedium, rec.action("m"))

	require.NoError(t, c.OnLifecycleSignal(context.Background(), Terminating))
	assert.Equal(t, []string{"h", "m", "l"}, rec.calls())

	passes := c.RecentPasses()
	require.Len(t, passes, 1)
	assert.Equal(t, TriggerLifecycle, passes[0].Trigger.Kind)
	assert.Equal(t, "terminating", passes[0].Trigger.Reason)
	assert.False(t, passes[0].GCHint)
}

func TestLifecycle_BackgroundingDefersUntilTimeout(t *testing.T) {
	// Activity that never ends: the host never reports idle
	tracker := NewActivityTracker(10 * time.Millisecond)
	tracker.Begin()

	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	c := New(cfg, pressure.Unavailable{}, WithIdleScheduler(NewIdleScheduler(tracker, time.Millisecond)))

	ran := make(chan time.Time, 1)
	register(t, c, "low-only", cleanup.PriorityLow, func(context.Context) error {
		ran <- time.Now()
		return nil
	})

	start := time.Now()
	require.NoError(t, c.OnLifecycleSignal(context.Background(), Backgrounding))

	select {
	case <-ran:
		t.Fatal("deferred handler ran synchronously")
	default:
	}

	select {
	case at := <-ran:
		assert.GreaterOrEqual(t, at.Sub(start), cfg.IdleTimeout)
		assert.Less(t, at.Sub(start), time.Second)
	case <-time.After(time.Second):
		t.Fatal("deferred handler did not run within the idle timeout")
	}
}

func TestStop_LateDeferralRunsInline(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	c := New(cfg, pressure.Unavailable{})
	rec := &recorder{}
	register(t, c, "l", cleanup.PriorityLow, rec.action("l"))

	require.NoError(t, c.Start(context.Background()))
	c.Stop()

	c.Observe(sampleOf(45, 1000*mib))
	assert.Equal(t, 1, rec.count("l"))
	assert.Equal(t, 0, c.Metrics().PendingDeferred)

	// A restarted coordinator defers again
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	c.Observe(sampleOf(10, 1000*mib))
	c.Observe(sampleOf(45, 1000*mib))
	require.Eventually(t, func() bool { return rec.count("l") == 2 }, time.Second, time.Millisecond)
}

func TestLifecycle_ForegroundingIsInformational(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	rec := &recorder{}
	register(t, c, "l", cleanup.PriorityLow, rec.action("l"))

	require.NoError(t, c.OnLifecycleSignal(context.Background(), Foregrounding))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, rec.calls())
	assert.Zero(t, c.Metrics().CleanupPasses)

	_, err := ParseSignal("hibernating")
	assert.Error(t, err)
	sig, err := ParseSignal("Backgrounding")
	require.NoError(t, err)
	assert.Equal(t, Backgrounding, sig)
}

func TestHandlerTimeout_RecordedAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.HandlerTimeout = 20 * time.Millisecond
	c := New(cfg, pressure.Unavailable{})
	rec := &recorder{}

	register(t, c, "stuck", cleanup.PriorityHigh, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	register(t, c, "after", cleanup.PriorityHigh, rec.action("after"))

	report, err := c.ForceCleanup(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)
	assert.False(t, report.Outcomes[0].Success)
	assert.Contains(t, report.Outcomes[0].Error, ErrHandlerTimeout.Error())
	assert.True(t, report.Outcomes[1].Success)
	assert.Equal(t, []string{"after"}, rec.calls())
}

func TestRunPass_NestedFromHandler(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	var nestedErr error
	register(t, c, "nested", cleanup.PriorityHigh, func(ctx context.Context) error {
		_, nestedErr = c.ForceCleanup(ctx)
		return nil
	})

	_, err := c.ForceCleanup(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, nestedErr, ErrNestedPass)
}

func TestRunPass_UnrelatedContextFromHandlerIsBoundedByTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandlerTimeout = 30 * time.Millisecond
	c := New(cfg, pressure.Unavailable{})

	var entered atomic.Bool
	innerDone := make(chan error, 1)
	register(t, c, "reentrant", cleanup.PriorityHigh, func(context.Context) error {
		if entered.CompareAndSwap(false, true) {
			_, err := c.ForceCleanup(context.Background())
			innerDone <- err
		}
		return nil
	})

	finished := make(chan PassReport, 1)
	go func() {
		report, err := c.ForceCleanup(context.Background())
		assert.NoError(t, err)
		finished <- report
	}()

	var report PassReport
	select {
	case report = <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("outer pass never finished")
	}
	require.Len(t, report.Outcomes, 1)
	assert.False(t, report.Outcomes[0].Success)
	assert.Contains(t, report.Outcomes[0].Error, ErrHandlerTimeout.Error())

	// The abandoned handler's request ran as the follow-up pass
	select {
	case err := <-innerDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("inner pass never finished")
	}

	// Later passes are not wedged behind it
	again, err := c.ForceCleanup(context.Background())
	require.NoError(t, err)
	require.Len(t, again.Outcomes, 1)
	assert.True(t, again.Outcomes[0].Success)
}

func TestDefaultConfig_BoundsHandlers(t *testing.T) {
	assert.Greater(t, DefaultConfig().HandlerTimeout, time.Duration(0))
}

func TestRunPass_ContextCancelledWhileQueued(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	register(t, c, "slow", cleanup.PriorityHigh, func(context.Context) error {
		once.Do(func() {
			close(started)
			<-release
		})
		return nil
	})

	go func() { _, _ = c.ForceCleanup(context.Background()) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.ForceCleanup(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool { return c.Metrics().CleanupPasses == 2 }, time.Second, time.Millisecond)
}

func TestRegistration_DuringPassAppliesToNextPass(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	rec := &recorder{}
	register(t, c, "first", cleanup.PriorityHigh, func(ctx context.Context) error {
		c.Unregister("second")
		_, err := c.Register(cleanup.Handler{Name: "third", Priority: cleanup.PriorityLow, Action: rec.action("third")})
		return err
	})
	register(t, c, "second", cleanup.PriorityMedium, rec.action("second"))

	report, err := c.ForceCleanup(context.Background())
	require.NoError(t, err)
	// The snapshot taken at pass start still includes "second" and not "third"
	assert.Equal(t, []string{"first", "second"}, report.Order())

	report, err = c.ForceCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "third"}, report.Order())
}

func TestPass_MarksMatchingCachesCleaned(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	require.NoError(t, c.Caches().RegisterCache("sessions", nil, 100, 0, 0))
	register(t, c, "sessions", cleanup.PriorityMedium, func(context.Context) error { return nil })
	register(t, c, "failing", cleanup.PriorityMedium, func(context.Context) error { return errors.New("no") })
	require.NoError(t, c.Caches().RegisterCache("failing", nil, 100, 0, 0))

	_, err := c.ForceCleanup(context.Background())
	require.NoError(t, err)

	cm, _ := c.Caches().Get("sessions")
	assert.False(t, cm.LastCleanupAt.IsZero())
	cm, _ = c.Caches().Get("failing")
	assert.True(t, cm.LastCleanupAt.IsZero())
}

func TestObservers(t *testing.T) {
	c := New(testConfig(), pressure.Unavailable{})
	var mu sync.Mutex
	var kinds []EventKind

	c.Subscribe(func(Event) { panic("bad observer") })
	unsubscribe := c.Subscribe(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	c.Observe(sampleOf(95, 1000*mib))

	mu.Lock()
	assert.Equal(t, []EventKind{EventLevelChanged, EventPassCompleted}, kinds)
	mu.Unlock()

	unsubscribe()
	_, err := c.ForceCleanup(context.Background())
	require.NoError(t, err)

	mu.Lock()
	assert.Len(t, kinds, 2)
	mu.Unlock()
}

func TestMetrics_ResetAndHistoryBound(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 2
	c := New(cfg, pressure.Unavailable{})
	register(t, c, "h", cleanup.PriorityHigh, func(context.Context) error { return nil })

	var last PassReport
	for i := 0; i < 3; i++ {
		r, err := c.ForceCleanup(context.Background())
		require.NoError(t, err)
		last = r
	}

	passes := c.RecentPasses()
	require.Len(t, passes, 2)
	assert.Equal(t, last.ID, passes[1].ID)

	m := c.Metrics()
	assert.Equal(t, uint64(3), m.CleanupPasses)
	assert.Equal(t, 1, m.RegisteredHandlers)
	assert.False(t, m.LastCleanupAt.IsZero())

	c.ResetMetrics()
	m = c.Metrics()
	assert.Zero(t, m.CleanupPasses)
	assert.True(t, m.LastCleanupAt.IsZero())
	assert.Empty(t, c.RecentPasses())
	assert.Equal(t, 1, m.RegisteredHandlers)
}

func TestDefaultInstance(t *testing.T) {
	defer SetDefault(nil)

	first := Default()
	require.NotNil(t, first)
	assert.Same(t, first, Default())

	custom := New(testConfig(), pressure.Unavailable{})
	SetDefault(custom)
	assert.Same(t, custom, Default())
}
