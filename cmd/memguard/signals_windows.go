//go:build windows

package main

import (
	"go.uber.org/fx"

	"memguard/internal/coordinator"
)

// No user signals on Windows; lifecycle changes arrive over the API only.
func startSignalWatcher(fx.Lifecycle, *coordinator.Coordinator) {}
