package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"memguard/internal/logging"
)

// IdleDetector blocks until the host reports a low-activity window or ctx ends
type IdleDetector interface {
	WaitIdle(ctx context.Context) error
}

// IdleScheduler defers work to an idle window with a hard timeout.
// Without a detector it falls back to a short fixed delay.
type IdleScheduler struct {
	detector IdleDetector
	fallback time.Duration

	mu      sync.Mutex // guards closed and every wg.Add
	closed  bool
	wg      sync.WaitGroup
	pending int64
}

// NewIdleScheduler creates a scheduler. detector may be nil.
func NewIdleScheduler(detector IdleDetector, fallbackDelay time.Duration) *IdleScheduler {
	if fallbackDelay <= 0 {
		fallbackDelay = time.Millisecond
	}
	return &IdleScheduler{detector: detector, fallback: fallbackDelay}
}

// RunWhenIdle runs fn on its own goroutine once the host is idle, or after
// timeout at the latest, and reports true. After Close it runs fn on the
// caller's goroutine instead and reports false.
func (s *IdleScheduler) RunWhenIdle(fn func(), timeout time.Duration) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		logging.Debug(context.Background(), logging.ComponentIdle, logging.ActionDefer,
			"Scheduler closed, running deferred work inline", nil)
		fn()
		return false
	}
	s.wg.Add(1)
	atomic.AddInt64(&s.pending, 1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.pending, -1)

		reason := s.wait(timeout)
		logging.Debug(context.Background(), logging.ComponentIdle, logging.ActionDefer,
			"Running deferred work", map[string]interface{}{"reason": reason})
		fn()
	}()
	return true
}

func (s *IdleScheduler) wait(timeout time.Duration) string {
	if s.detector == nil {
		timer := time.NewTimer(s.fallback)
		defer timer.Stop()
		<-timer.C
		return "fallback_delay"
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	idle := make(chan struct{})
	go func() {
		_ = s.detector.WaitIdle(ctx)
		close(idle)
	}()

	// The deadline holds even for a detector that ignores ctx
	select {
	case <-idle:
		if ctx.Err() != nil {
			return "timeout"
		}
		return "idle"
	case <-ctx.Done():
		return "timeout"
	}
}

// Pending returns the number of deferred funcs not yet finished
func (s *IdleScheduler) Pending() int {
	return int(atomic.LoadInt64(&s.pending))
}

// Wait blocks until every deferred func has returned
func (s *IdleScheduler) Wait() {
	s.wg.Wait()
}

// Close stops deferring new work and waits for work already deferred
func (s *IdleScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// reopen lets a restarted coordinator defer work again
func (s *IdleScheduler) reopen() {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
}

// ActivityTracker is an IdleDetector for a Go service: the process is idle
// once no activity is in flight and none has ended for the quiet period.
type ActivityTracker struct {
	quiet time.Duration

	mu           sync.Mutex
	inFlight     int
	lastActivity time.Time
	changed      chan struct{}
}

// NewActivityTracker creates a tracker that is idle until activity begins
func NewActivityTracker(quiet time.Duration) *ActivityTracker {
	return &ActivityTracker{
		quiet:   quiet,
		changed: make(chan struct{}),
	}
}

// Begin marks the start of some activity. The returned func ends it and is
// safe to call more than once.
func (a *ActivityTracker) Begin() (end func()) {
	a.mu.Lock()
	a.inFlight++
	a.lastActivity = time.Now()
	a.broadcastLocked()
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.inFlight--
			a.lastActivity = time.Now()
			a.broadcastLocked()
			a.mu.Unlock()
		})
	}
}

// Touch records instantaneous activity
func (a *ActivityTracker) Touch() {
	a.Begin()()
}

// IsIdle reports whether the tracker is idle right now
func (a *ActivityTracker) IsIdle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight == 0 && time.Since(a.lastActivity) >= a.quiet
}

// InFlight returns the number of activities currently open
func (a *ActivityTracker) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}

// WaitIdle implements IdleDetector
func (a *ActivityTracker) WaitIdle(ctx context.Context) error {
	for {
		a.mu.Lock()
		changed := a.changed
		var remaining time.Duration
		busy := a.inFlight > 0
		if !busy {
			remaining = a.quiet - time.Since(a.lastActivity)
			if remaining <= 0 {
				a.mu.Unlock()
				return nil
			}
		}
		a.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !busy {
			timer = time.NewTimer(remaining)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case <-changed:
		case <-timeout:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (a *ActivityTracker) broadcastLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}
