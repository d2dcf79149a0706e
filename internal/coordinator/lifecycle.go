package coordinator

import (
	"context"
	"fmt"
	"strings"

	"memguard/internal/logging"
)

// Signal is a host lifecycle notification
type Signal int

const (
	// Terminating means the process is about to stop
	Terminating Signal = iota
	// Backgrounding means the host moved the process out of the foreground
	Backgrounding
	// Foregrounding is informational only
	Foregrounding
)

func (s Signal) String() string {
	switch s {
	case Terminating:
		return "terminating"
	case Backgrounding:
		return "backgrounding"
	case Foregrounding:
		return "foregrounding"
	default:
		return "unknown"
	}
}

// ParseSignal converts a signal name into a Signal
func ParseSignal(name string) (Signal, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "terminating":
		return Terminating, nil
	case "backgrounding":
		return Backgrounding, nil
	case "foregrounding":
		return Foregrounding, nil
	}
	return 0, fmt.Errorf("unknown lifecycle signal %q", name)
}

// OnLifecycleSignal is the inbound interface for the host lifecycle source.
// Terminating runs every tier and returns once that pass is done;
// backgrounding defers the Low tier to the idle scheduler. The only error is
// ctx ending before a terminating pass completes.
func (c *Coordinator) OnLifecycleSignal(ctx context.Context, sig Signal) error {
	logging.Info(ctx, logging.ComponentCoordinator, logging.ActionLifecycle, "Lifecycle signal received",
		map[string]interface{}{"signal": sig.String()})

	trigger := Trigger{Kind: TriggerLifecycle, Reason: sig.String(), Level: c.CurrentLevel()}

	switch sig {
	case Terminating:
		_, err := c.RunPass(ctx, trigger, immediateAll.tiers)
		return err
	case Backgrounding:
		c.deferPass(&passRequest{trigger: trigger, tiers: backgroundLow.tiers})
		return nil
	case Foregrounding:
		return nil
	default:
		return fmt.Errorf("unknown lifecycle signal %d", int(sig))
	}
}
