package pressure

import (
	"sync"
	"time"
)

// SamplerConfig sizes the sample window and the trend heuristic
type SamplerConfig struct {
	Capacity      int    // Ring size, oldest sample is evicted first
	TrendWindow   int    // Number of most recent samples the trend looks at
	TrendMinDelta uint64 // Minimum change in used bytes to count as movement
}

// DefaultSamplerConfig keeps 100 samples and a three-sample trend
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Capacity:      100,
		TrendWindow:   3,
		TrendMinDelta: mib,
	}
}

// Sampler reads a Source and keeps the last Capacity samples in a ring
type Sampler struct {
	cfg    SamplerConfig
	source Source
	now    func() time.Time

	mu    sync.RWMutex
	ring  []Sample
	next  int
	count int
}

// NewSampler creates a sampler reading from source. A nil source behaves like
// Unavailable.
func NewSampler(source Source, cfg SamplerConfig) *Sampler {
	defaults := DefaultSamplerConfig()
	if cfg.Capacity < 1 {
		cfg.Capacity = defaults.Capacity
	}
	if cfg.TrendWindow < 2 {
		cfg.TrendWindow = defaults.TrendWindow
	}
	if cfg.TrendWindow > cfg.Capacity {
		cfg.TrendWindow = cfg.Capacity
	}
	if source == nil {
		source = Unavailable{}
	}

	return &Sampler{
		cfg:    cfg,
		source: source,
		now:    time.Now,
		ring:   make([]Sample, cfg.Capacity),
	}
}

// Source returns the telemetry source the sampler polls
func (s *Sampler) Source() Source {
	return s.source
}

// Sample polls the source once. It returns false and records nothing when
// telemetry is unavailable.
func (s *Sampler) Sample() (Sample, bool) {
	usage, ok := s.source.Usage()
	if !ok {
		return Sample{}, false
	}
	sample := NewSample(usage, s.now())
	s.Push(sample)
	return sample, true
}

// Push records an externally produced sample, evicting the oldest when full
func (s *Sampler) Push(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring[s.next] = sample
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
}

// Latest returns the most recent sample
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return Sample{}, false
	}
	return s.ring[(s.next-1+len(s.ring))%len(s.ring)], true
}

// Window returns a copy of the retained samples, oldest first
func (s *Sampler) Window() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.windowLocked()
}

func (s *Sampler) windowLocked() []Sample {
	out := make([]Sample, s.count)
	start := (s.next - s.count + len(s.ring)) % len(s.ring)
	for i := 0; i < s.count; i++ {
		out[i] = s.ring[(start+i)%len(s.ring)]
	}
	return out
}

// Trend derives the direction of the most recent TrendWindow samples
func (s *Sampler) Trend() Trend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return TrendOf(s.windowLocked(), s.cfg.TrendWindow, s.cfg.TrendMinDelta)
}

// Assess returns the latest sample, its trend and the resulting level from a
// single consistent view of the window.
func (s *Sampler) Assess(t Thresholds) (Sample, Trend, Level, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return Sample{}, Stable, Low, false
	}
	window := s.windowLocked()
	latest := window[len(window)-1]
	trend := TrendOf(window, s.cfg.TrendWindow, s.cfg.TrendMinDelta)
	return latest, trend, Classify(latest, trend, t), true
}

// Len returns the number of retained samples
func (s *Sampler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Capacity returns the ring size
func (s *Sampler) Capacity() int {
	return len(s.ring)
}

// Reset drops every retained sample
func (s *Sampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
	s.count = 0
}

// TrendOf compares the newest and oldest of the last n samples of window.
// A net rise of at least minDelta is Increasing, a net fall of at least
// minDelta is Decreasing. Intermediate samples do not matter. Fewer than n
// samples is Stable.
func TrendOf(window []Sample, n int, minDelta uint64) Trend {
	if n < 2 || len(window) < n {
		return Stable
	}
	recent := window[len(window)-n:]

	first, last := recent[0].UsedBytes, recent[len(recent)-1].UsedBytes
	switch {
	case last > first && last-first >= minDelta:
		return Increasing
	case first > last && first-last >= minDelta:
		return Decreasing
	default:
		return Stable
	}
}
