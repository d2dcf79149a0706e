//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/fx"

	"memguard/internal/coordinator"
	"memguard/internal/logging"
)

// lifecycleSignals maps host signals onto lifecycle notifications.
// SIGINT and SIGTERM are handled by fx and end in a terminating pass.
var lifecycleSignals = map[os.Signal]coordinator.Signal{
	syscall.SIGUSR1: coordinator.Backgrounding,
	syscall.SIGUSR2: coordinator.Foregrounding,
}

func startSignalWatcher(lc fx.Lifecycle, coord *coordinator.Coordinator) {
	ch := make(chan os.Signal, 4)
	done := make(chan struct{})
	stopped := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
			go func() {
				defer close(stopped)
				for {
					select {
					case <-done:
						return
					case s := <-ch:
						ctx := logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())
						if err := coord.OnLifecycleSignal(ctx, lifecycleSignals[s]); err != nil {
							logging.Error(ctx, logging.ComponentMain, logging.ActionLifecycle, "Lifecycle signal failed", err)
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			signal.Stop(ch)
			close(done)
			<-stopped
			return nil
		},
	})
}
