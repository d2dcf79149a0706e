// Package coordinator drives prioritized cleanup from memory pressure.
//
// A Coordinator owns a pressure.Sampler and the two cleanup registries. It
// reacts to pressure level transitions, host lifecycle signals and manual
// requests by running cleanup passes: one ordered, sequential walk over a
// snapshot of the selected handler tiers. Passes never overlap; triggers that
// arrive while a pass is running are merged into a single follow-up pass.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"memguard/internal/cleanup"
	"memguard/internal/logging"
	"memguard/internal/pressure"
)

var (
	// ErrHandlerTimeout marks a handler that exceeded the per-handler timeout
	ErrHandlerTimeout = errors.New("cleanup handler timed out")
	// ErrNestedPass is returned when a handler asks for a pass and waits on it
	ErrNestedPass = errors.New("cleanup pass requested from inside a running pass")
)

// Config tunes a Coordinator
type Config struct {
	PollInterval   time.Duration
	IdleTimeout    time.Duration // Upper bound on idle deferral
	HandlerTimeout time.Duration // 0 lets handlers run to completion
	Thresholds     pressure.Thresholds
	Sampler        pressure.SamplerConfig
	HistorySize    int // Number of PassReports kept for diagnostics
}

// DefaultConfig polls every 30s, defers idle work for at most 5s and gives
// each handler 30s
func DefaultConfig() Config {
	return Config{
		PollInterval:   30 * time.Second,
		IdleTimeout:    5 * time.Second,
		HandlerTimeout: 30 * time.Second,
		Thresholds:     pressure.DefaultThresholds(),
		Sampler:        pressure.DefaultSamplerConfig(),
		HistorySize:    32,
	}
}

// Option overrides a collaborator
type Option func(*Coordinator)

// WithRegistry shares an existing handler registry
func WithRegistry(r *cleanup.Registry) Option {
	return func(c *Coordinator) { c.registry = r }
}

// WithMetricsRegistry shares an existing cache metrics registry
func WithMetricsRegistry(m *cleanup.MetricsRegistry) Option {
	return func(c *Coordinator) { c.caches = m }
}

// WithGCHint installs a GC hint capability. The default is NoopGC.
func WithGCHint(gc GCHint) Option {
	return func(c *Coordinator) { c.gc = gc }
}

// WithIdleScheduler replaces the fallback-delay idle scheduler
func WithIdleScheduler(s *IdleScheduler) Option {
	return func(c *Coordinator) { c.idle = s }
}

type passKey struct{}

type passRequest struct {
	trigger Trigger
	tiers   cleanup.TierSet
	gcHint  bool
	merged  int
	waiters []chan PassReport
}

func (r *passRequest) merge(o *passRequest) {
	r.tiers |= o.tiers
	r.gcHint = r.gcHint || o.gcHint
	r.merged += 1 + o.merged
	r.waiters = append(r.waiters, o.waiters...)
	if o.trigger.Level > r.trigger.Level {
		r.trigger.Level = o.trigger.Level
	}
}

// Coordinator is the cleanup state machine. Construct it with New.
type Coordinator struct {
	cfg      Config
	sampler  *pressure.Sampler
	feed     pressure.Feed
	registry *cleanup.Registry
	caches   *cleanup.MetricsRegistry
	gc       GCHint
	idle     *IdleScheduler
	now      func() time.Time

	stateMu   sync.Mutex
	level     pressure.Level
	trend     pressure.Trend
	risingLow bool

	passMu   sync.Mutex
	inFlight bool
	pending  *passRequest

	statsMu        sync.Mutex
	passes         uint64
	pressureEvents uint64
	coalesced      uint64
	failures       uint64
	lastCleanupAt  time.Time
	history        history

	obsMu     sync.RWMutex
	observers map[uint64]func(Event)
	nextObs   uint64

	lifeMu        sync.Mutex
	running       bool
	cancel        context.CancelFunc
	loop          sync.WaitGroup
	telemetryOnce sync.Once
	telemetryUp   atomic.Bool
}

// New creates a coordinator reading telemetry from source. A nil source is
// treated as unavailable telemetry.
func New(cfg Config, source pressure.Source, opts ...Option) *Coordinator {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.HistorySize < 0 {
		cfg.HistorySize = 0
	}

	c := &Coordinator{
		cfg:       cfg,
		sampler:   pressure.NewSampler(source, cfg.Sampler),
		now:       time.Now,
		observers: make(map[uint64]func(Event)),
		history:   history{limit: cfg.HistorySize},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = cleanup.NewRegistry()
	}
	if c.caches == nil {
		c.caches = cleanup.NewMetricsRegistry(cleanup.DefaultRecommendationRules())
	}
	if c.gc == nil {
		c.gc = NoopGC{}
	}
	if c.idle == nil {
		c.idle = NewIdleScheduler(nil, time.Millisecond)
	}
	c.feed = pressure.NewFeed(c.sampler, cfg.PollInterval)
	return c
}

// Start begins sampling. It returns immediately; the feed runs until Stop or
// until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.running {
		return fmt.Errorf("coordinator already running")
	}

	if _, ok := c.sampler.Source().Usage(); ok {
		c.telemetryUp.Store(true)
	} else {
		c.telemetryOnce.Do(func() {
			logging.Warn(ctx, logging.ComponentCoordinator, logging.ActionStart,
				"Memory telemetry unavailable, pressure stays low", nil)
		})
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.idle.reopen()

	c.loop.Add(1)
	go func() {
		defer c.loop.Done()
		c.feed.Run(loopCtx, c.evaluate)
	}()

	logging.Info(ctx, logging.ComponentCoordinator, logging.ActionStart, "Cleanup coordinator started",
		map[string]interface{}{
			"poll_interval": c.cfg.PollInterval.String(),
			"push_capable":  c.feed.PushCapable(),
			"handlers":      c.registry.Len(),
		})
	return nil
}

// Stop ends sampling and waits for deferred passes to finish
func (c *Coordinator) Stop() {
	c.lifeMu.Lock()
	if !c.running {
		c.lifeMu.Unlock()
		return
	}
	c.cancel()
	c.running = false
	c.lifeMu.Unlock()

	c.loop.Wait()
	c.idle.Close()

	logging.Info(context.Background(), logging.ComponentCoordinator, logging.ActionStop,
		"Cleanup coordinator stopped", nil)
}

// Observe records an externally produced sample and reacts to it exactly like
// a sample from the telemetry feed.
func (c *Coordinator) Observe(sample pressure.Sample) {
	c.sampler.Push(sample)
	c.evaluate(sample)
}

// evaluate classifies the current window and acts on a level transition
func (c *Coordinator) evaluate(sample pressure.Sample) {
	c.telemetryUp.Store(true)

	c.stateMu.Lock()
	latest, trend, level, ok := c.sampler.Assess(c.cfg.Thresholds)
	if !ok {
		c.stateMu.Unlock()
		return
	}
	prev, prevRising := c.level, c.risingLow
	rising := level == pressure.Low && trend == pressure.Increasing
	c.level, c.trend, c.risingLow = level, trend, rising
	c.stateMu.Unlock()

	ctx := context.Background()
	logging.Debug(ctx, logging.ComponentSampler, logging.ActionClassify, "Pressure classified",
		map[string]interface{}{
			"used_bytes":    latest.UsedBytes,
			"limit_bytes":   latest.LimitBytes,
			"usage_percent": latest.UsagePercent(),
			"trend":         trend.String(),
			"level":         level.String(),
		})

	changed := level != prev
	if changed {
		c.statsMu.Lock()
		c.pressureEvents++
		c.statsMu.Unlock()

		logging.Info(ctx, logging.ComponentCoordinator, logging.ActionClassify, "Pressure level changed",
			map[string]interface{}{
				"from":          prev.String(),
				"to":            level.String(),
				"trend":         trend.String(),
				"usage_percent": latest.UsagePercent(),
				"used_bytes":    latest.UsedBytes,
			})
		c.emit(Event{Kind: EventLevelChanged, Level: level, Previous: prev, Trend: trend, Sample: &latest})
	}

	var p plan
	switch {
	case changed:
		p = planForLevel(level, rising)
	case rising && !prevRising:
		p = deferredLow
	default:
		return
	}
	if p.empty() {
		return
	}

	req := &passRequest{
		trigger: Trigger{
			Kind:   TriggerPressure,
			Reason: fmt.Sprintf("%s -> %s (%s)", prev, level, trend),
			Level:  level,
		},
		tiers:  p.tiers,
		gcHint: p.gcHint,
	}
	if p.deferred {
		c.deferPass(req)
		return
	}
	c.submit(req)
}

// RunPass runs tiers for trigger and waits for the pass that covers it. When
// another pass is running the request joins the follow-up pass. Calling it
// from inside a handler with the handler's context returns ErrNestedPass.
func (c *Coordinator) RunPass(ctx context.Context, trigger Trigger, tiers cleanup.TierSet) (PassReport, error) {
	if _, nested := ctx.Value(passKey{}).(string); nested {
		return PassReport{}, ErrNestedPass
	}
	if trigger.Level == pressure.Low {
		trigger.Level = c.CurrentLevel()
	}

	done := make(chan PassReport, 1)
	c.submit(&passRequest{trigger: trigger, tiers: tiers, waiters: []chan PassReport{done}})

	select {
	case report := <-done:
		return report, nil
	case <-ctx.Done():
		return PassReport{}, ctx.Err()
	}
}

// ForceCleanup runs every tier immediately
func (c *Coordinator) ForceCleanup(ctx context.Context) (PassReport, error) {
	return c.RunPass(ctx, Trigger{Kind: TriggerManual, Reason: "forced"}, cleanup.AllTiers)
}

func (c *Coordinator) deferPass(req *passRequest) {
	logging.Debug(context.Background(), logging.ComponentCoordinator, logging.ActionDefer,
		"Cleanup pass deferred to idle window", map[string]interface{}{
			"trigger": string(req.trigger.Kind),
			"reason":  req.trigger.Reason,
			"tiers":   req.tiers.String(),
			"timeout": c.cfg.IdleTimeout.String(),
		})
	if !c.idle.RunWhenIdle(func() { c.submit(req) }, c.cfg.IdleTimeout) {
		logging.Debug(context.Background(), logging.ComponentCoordinator, logging.ActionDefer,
			"Coordinator stopped, deferred pass ran immediately", map[string]interface{}{
				"trigger": string(req.trigger.Kind),
			})
	}
}

// submit runs req on the calling goroutine, or queues it behind the pass in
// flight. The goroutine that starts a pass also runs its follow-up.
func (c *Coordinator) submit(req *passRequest) {
	c.passMu.Lock()
	if c.inFlight {
		if c.pending == nil {
			c.pending = req
		} else {
			c.pending.merge(req)
		}
		c.passMu.Unlock()

		c.statsMu.Lock()
		c.coalesced++
		c.statsMu.Unlock()

		logging.Debug(context.Background(), logging.ComponentCoordinator, logging.ActionCoalesce,
			"Cleanup trigger coalesced into follow-up pass", map[string]interface{}{
				"trigger": string(req.trigger.Kind),
				"reason":  req.trigger.Reason,
			})
		trigger := req.trigger
		c.emit(Event{Kind: EventTriggerCoalesced, Level: c.CurrentLevel(), Trigger: &trigger})
		return
	}
	c.inFlight = true
	c.passMu.Unlock()

	for req != nil {
		report := c.runPass(req)
		for _, w := range req.waiters {
			w <- report
		}

		c.passMu.Lock()
		req = c.pending
		c.pending = nil
		if req == nil {
			c.inFlight = false
		}
		c.passMu.Unlock()
	}
}

func (c *Coordinator) runPass(req *passRequest) PassReport {
	start := c.now()
	report := PassReport{
		ID:        uuid.NewString(),
		Trigger:   req.trigger,
		Level:     c.CurrentLevel(),
		Tiers:     req.tiers,
		StartedAt: start,
		GCHint:    req.gcHint,
		Coalesced: req.merged,
	}

	ctx := context.WithValue(context.Background(), passKey{}, report.ID)
	ctx = logging.WithCorrelationID(ctx, report.ID)

	handlers := c.registry.ListByPriority(req.tiers)
	logging.Info(ctx, logging.ComponentCoordinator, logging.ActionPass, "Cleanup pass started",
		map[string]interface{}{
			"trigger":  string(req.trigger.Kind),
			"reason":   req.trigger.Reason,
			"tiers":    req.tiers.String(),
			"handlers": len(handlers),
		})

	report.Outcomes = make([]HandlerOutcome, 0, len(handlers))
	for _, h := range handlers {
		report.Outcomes = append(report.Outcomes, c.runHandler(ctx, h))
	}

	if req.gcHint {
		c.gc.RequestGC()
		logging.Debug(ctx, logging.ComponentCoordinator, logging.ActionGCHint, "GC hint requested", nil)
	}

	report.Duration = c.now().Sub(start)
	finished := start.Add(report.Duration)
	failures := report.Failures()

	for _, o := range report.Outcomes {
		if o.Success {
			c.caches.MarkCleaned(o.Name, finished)
		}
	}

	c.statsMu.Lock()
	c.passes++
	c.failures += uint64(failures)
	c.lastCleanupAt = finished
	c.history.add(report)
	c.statsMu.Unlock()

	level := logging.INFO
	if failures > 0 {
		level = logging.WARN
	}
	logging.WithDuration(ctx, level, logging.ComponentCoordinator, logging.ActionPass, "Cleanup pass completed",
		report.Duration, map[string]interface{}{
			"trigger":   string(req.trigger.Kind),
			"tiers":     req.tiers.String(),
			"handlers":  len(report.Outcomes),
			"failures":  failures,
			"coalesced": req.merged,
		})

	c.emit(Event{Kind: EventPassCompleted, Level: report.Level, Trigger: &report.Trigger, Report: &report})
	return report
}

func (c *Coordinator) runHandler(ctx context.Context, h cleanup.Handler) HandlerOutcome {
	start := c.now()
	err := c.invoke(ctx, h)
	outcome := HandlerOutcome{
		Name:     h.Name,
		Priority: h.Priority,
		Success:  err == nil,
		Duration: c.now().Sub(start),
	}

	fields := map[string]interface{}{
		"handler":     h.Name,
		"priority":    h.Priority.String(),
		"duration_ms": outcome.Duration.Milliseconds(),
	}
	if err != nil {
		outcome.Error = err.Error()
		logging.Error(ctx, logging.ComponentCoordinator, logging.ActionHandler, "Cleanup handler failed", err, fields)
	} else {
		logging.Debug(ctx, logging.ComponentCoordinator, logging.ActionHandler, "Cleanup handler finished", fields)
	}
	return outcome
}

// invoke runs one action with panic recovery and the optional timeout. A
// timed-out action keeps running in the background; the pass moves on.
func (c *Coordinator) invoke(ctx context.Context, h cleanup.Handler) error {
	timeout := c.cfg.HandlerTimeout
	if timeout <= 0 {
		return safeCall(ctx, h.Action)
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- safeCall(hctx, h.Action) }()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return fmt.Errorf("%w after %s", ErrHandlerTimeout, timeout)
	}
}

func safeCall(ctx context.Context, action cleanup.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return action(ctx)
}

// Register adds a cleanup handler; see cleanup.Registry.Register
func (c *Coordinator) Register(h cleanup.Handler) (revoke func() bool, err error) {
	return c.registry.Register(h)
}

// Unregister removes a cleanup handler; see cleanup.Registry.Unregister
func (c *Coordinator) Unregister(name string) bool {
	return c.registry.Unregister(name)
}

// RegisteredServices lists handler names in execution order
func (c *Coordinator) RegisteredServices() []string {
	return c.registry.Names()
}

// Registry returns the handler registry
func (c *Coordinator) Registry() *cleanup.Registry { return c.registry }

// Caches returns the cache metrics registry
func (c *Coordinator) Caches() *cleanup.MetricsRegistry { return c.caches }

// Sampler returns the sample window
func (c *Coordinator) Sampler() *pressure.Sampler { return c.sampler }

// Config returns the effective configuration
func (c *Coordinator) Config() Config { return c.cfg }

// CurrentLevel returns the last classified level
func (c *Coordinator) CurrentLevel() pressure.Level {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.level
}

// Metrics returns a snapshot of the accumulated counters
func (c *Coordinator) Metrics() Metrics {
	c.stateMu.Lock()
	level, trend := c.level, c.trend
	c.stateMu.Unlock()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return Metrics{
		RegisteredHandlers: c.registry.Len(),
		CleanupPasses:      c.passes,
		LastCleanupAt:      c.lastCleanupAt,
		PressureEvents:     c.pressureEvents,
		CoalescedTriggers:  c.coalesced,
		HandlerFailures:    c.failures,
		CurrentLevel:       level,
		CurrentTrend:       trend,
		TelemetryAvailable: c.telemetryUp.Load(),
		PendingDeferred:    c.idle.Pending(),
	}
}

// RecentPasses returns the retained pass reports, oldest first
func (c *Coordinator) RecentPasses() []PassReport {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.history.snapshot()
}

// ResetMetrics zeroes every counter and drops the pass history
func (c *Coordinator) ResetMetrics() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.passes = 0
	c.pressureEvents = 0
	c.coalesced = 0
	c.failures = 0
	c.lastCleanupAt = time.Time{}
	c.history.reset()
}
