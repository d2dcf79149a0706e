package coordinator

import (
	"runtime"
	"runtime/debug"
)

// GCHint asks the host runtime to reclaim memory. Implementations are best
// effort and never required for correctness.
type GCHint interface {
	RequestGC()
}

// NoopGC ignores every request
type NoopGC struct{}

// RequestGC implements GCHint
func (NoopGC) RequestGC() {}

// RuntimeGC forces a collection and returns freed pages to the OS
type RuntimeGC struct{}

// RequestGC implements GCHint
func (RuntimeGC) RequestGC() {
	runtime.GC()
	debug.FreeOSMemory()
}

// GCHintFunc adapts a function to GCHint
type GCHintFunc func()

// RequestGC implements GCHint
func (f GCHintFunc) RequestGC() { f() }
