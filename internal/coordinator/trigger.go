package coordinator

import (
	"memguard/internal/cleanup"
	"memguard/internal/pressure"
)

// TriggerKind names what started a pass
type TriggerKind string

const (
	TriggerPressure  TriggerKind = "pressure"
	TriggerLifecycle TriggerKind = "lifecycle"
	TriggerManual    TriggerKind = "manual"
	TriggerRemote    TriggerKind = "remote"
)

// Trigger describes why a pass was requested
type Trigger struct {
	Kind   TriggerKind    `json:"kind"`
	Reason string         `json:"reason"`
	Level  pressure.Level `json:"level"`
}

// plan is the action table for one trigger
type plan struct {
	tiers    cleanup.TierSet
	deferred bool
	gcHint   bool
}

var (
	lowOnly       = cleanup.Tiers(cleanup.PriorityLow)
	mediumAndLow  = cleanup.Tiers(cleanup.PriorityMedium, cleanup.PriorityLow)
	noAction      = plan{}
	deferredLow   = plan{tiers: lowOnly, deferred: true}
	immediateAll  = plan{tiers: cleanup.AllTiers}
	criticalPlan  = plan{tiers: cleanup.AllTiers, gcHint: true}
	highPlan      = plan{tiers: mediumAndLow, gcHint: true}
	backgroundLow = deferredLow
)

// planForLevel maps a level reached by transition onto the tiers to run.
// risingLow is a Low level with an increasing trend.
func planForLevel(level pressure.Level, risingLow bool) plan {
	switch level {
	case pressure.Critical:
		return criticalPlan
	case pressure.High:
		return highPlan
	case pressure.Moderate:
		return deferredLow
	default:
		if risingLow {
			return deferredLow
		}
		return noAction
	}
}

func (p plan) empty() bool {
	return p.tiers == 0
}
