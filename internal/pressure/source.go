package pressure

import (
	"math"
	"runtime"
	"runtime/debug"

	"github.com/pbnjay/memory"
)

// Source reports current heap usage. ok is false when telemetry is not
// available on this platform or configuration.
type Source interface {
	Usage() (usage Usage, ok bool)
}

// PushSource can additionally deliver usage as it changes. The returned
// cancel func stops delivery and is safe to call more than once.
type PushSource interface {
	Source
	Subscribe(fn func(Usage)) (cancel func())
}

// SourceFunc adapts a plain function to Source
type SourceFunc func() (Usage, bool)

// Usage implements Source
func (f SourceFunc) Usage() (Usage, bool) {
	return f()
}

// Unavailable never has data. Pressure derived from it stays Low.
type Unavailable struct{}

// Usage implements Source
func (Unavailable) Usage() (Usage, bool) {
	return Usage{}, false
}

// RuntimeSource reads heap statistics from the Go runtime
type RuntimeSource struct {
	limit uint64
}

// NewRuntimeSource creates a runtime source. limitOverride, when non-zero,
// replaces the detected limit.
func NewRuntimeSource(limitOverride uint64) *RuntimeSource {
	return &RuntimeSource{limit: limitOverride}
}

// Usage implements Source. Used is HeapAlloc, Total is Sys, and Limit is the
// override, the runtime soft memory limit, or physical memory, in that order.
func (r *RuntimeSource) Usage() (Usage, bool) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return Usage{
		Used:  ms.HeapAlloc,
		Total: ms.Sys,
		Limit: r.Limit(),
	}, true
}

// Limit resolves the effective memory limit
func (r *RuntimeSource) Limit() uint64 {
	if r.limit > 0 {
		return r.limit
	}
	if soft := debug.SetMemoryLimit(-1); soft > 0 && soft != math.MaxInt64 {
		return uint64(soft)
	}
	return memory.TotalMemory()
}
