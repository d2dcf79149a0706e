package coordinator

import (
	"sync"

	"memguard/internal/pressure"
)

var (
	defaultMu          sync.Mutex
	defaultCoordinator *Coordinator
)

// Default returns the process-wide coordinator, creating one backed by the Go
// runtime on first use. It is not started.
func Default() *Coordinator {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultCoordinator == nil {
		defaultCoordinator = New(DefaultConfig(), pressure.NewRuntimeSource(0), WithGCHint(RuntimeGC{}))
	}
	return defaultCoordinator
}

// SetDefault replaces the process-wide coordinator. Passing nil resets it.
func SetDefault(c *Coordinator) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultCoordinator = c
}
