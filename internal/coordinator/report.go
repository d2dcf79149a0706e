package coordinator

import (
	"time"

	"memguard/internal/cleanup"
	"memguard/internal/pressure"
)

// HandlerOutcome is the result of one handler within a pass
type HandlerOutcome struct {
	Name     string           `json:"name"`
	Priority cleanup.Priority `json:"priority"`
	Success  bool             `json:"success"`
	Error    string           `json:"error,omitempty"`
	Duration time.Duration    `json:"duration"`
}

// PassReport describes one complete pass
type PassReport struct {
	ID        string           `json:"id"`
	Trigger   Trigger          `json:"trigger"`
	Level     pressure.Level   `json:"level"`
	Tiers     cleanup.TierSet  `json:"tiers"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
	GCHint    bool             `json:"gc_hint"`
	Coalesced int              `json:"coalesced"` // Triggers merged into this pass
	Outcomes  []HandlerOutcome `json:"outcomes"`
}

// Failures counts failed handlers
func (r PassReport) Failures() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Success {
			n++
		}
	}
	return n
}

// Order lists handler names in execution order
func (r PassReport) Order() []string {
	names := make([]string, len(r.Outcomes))
	for i, o := range r.Outcomes {
		names[i] = o.Name
	}
	return names
}

// Metrics are monotonically accumulated until ResetMetrics
type Metrics struct {
	RegisteredHandlers int            `json:"registered_handlers"`
	CleanupPasses      uint64         `json:"cleanup_passes"`
	LastCleanupAt      time.Time      `json:"last_cleanup_at"`
	PressureEvents     uint64         `json:"pressure_events"`
	CoalescedTriggers  uint64         `json:"coalesced_triggers"`
	HandlerFailures    uint64         `json:"handler_failures"`
	CurrentLevel       pressure.Level `json:"current_level"`
	CurrentTrend       pressure.Trend `json:"current_trend"`
	TelemetryAvailable bool           `json:"telemetry_available"`
	PendingDeferred    int            `json:"pending_deferred"`
}

// history is a bounded list of recent pass reports, oldest first
type history struct {
	limit   int
	reports []PassReport
}

func (h *history) add(r PassReport) {
	if h.limit <= 0 {
		return
	}
	if len(h.reports) == h.limit {
		copy(h.reports, h.reports[1:])
		h.reports = h.reports[:h.limit-1]
	}
	h.reports = append(h.reports, r)
}

func (h *history) snapshot() []PassReport {
	out := make([]PassReport, len(h.reports))
	copy(out, h.reports)
	return out
}

func (h *history) reset() {
	h.reports = nil
}
