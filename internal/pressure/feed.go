package pressure

import (
	"context"
	"sync"
	"time"
)

// Feed delivers samples from a sampler's source to a callback until its
// context is cancelled.
type Feed interface {
	Run(ctx context.Context, onSample func(Sample))
	// PushCapable reports whether samples can arrive between poll ticks
	PushCapable() bool
}

// NewFeed picks the delivery strategy once, from the capabilities of the
// sampler's source. Push-capable sources are still polled so a silent source
// cannot starve classification.
func NewFeed(sampler *Sampler, interval time.Duration) Feed {
	poll := &pollFeed{sampler: sampler, interval: interval}
	if push, ok := sampler.Source().(PushSource); ok {
		return &pushFeed{pollFeed: poll, source: push}
	}
	return poll
}

type pollFeed struct {
	sampler  *Sampler
	interval time.Duration
}

func (f *pollFeed) PushCapable() bool { return false }

func (f *pollFeed) Run(ctx context.Context, onSample func(Sample)) {
	f.tick(onSample)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.tick(onSample)
		}
	}
}

func (f *pollFeed) tick(onSample func(Sample)) {
	if sample, ok := f.sampler.Sample(); ok {
		onSample(sample)
	}
}

type pushFeed struct {
	*pollFeed
	source PushSource
	mu     sync.Mutex // orders pushed samples against poll ticks
}

func (f *pushFeed) PushCapable() bool { return true }

func (f *pushFeed) Run(ctx context.Context, onSample func(Sample)) {
	cancel := f.source.Subscribe(func(u Usage) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		sample := NewSample(u, f.sampler.now())
		f.sampler.Push(sample)
		onSample(sample)
	})
	defer cancel()

	tick := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.tick(onSample)
	}
	tick()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}
