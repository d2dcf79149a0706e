package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"memguard/internal/cleanup"
	"memguard/internal/coordinator"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pressure, cleanup and cache state of a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		return showStatus(ctx, newAPIClient(apiAddr, 10*time.Second))
	},
}

func init() {
	addAddrFlag(statusCmd)
}

func showStatus(ctx context.Context, c *apiClient) error {
	var m coordinator.Metrics
	if err := c.get(ctx, "/v1/metrics", &m); err != nil {
		return err
	}
	var caches struct {
		Caches []cleanup.CacheMetrics `json:"caches"`
	}
	if err := c.get(ctx, "/v1/caches", &caches); err != nil {
		return err
	}
	var recs struct {
		Recommendations []cleanup.Recommendation `json:"recommendations"`
	}
	if err := c.get(ctx, "/v1/recommendations", &recs); err != nil {
		return err
	}

	pterm.DefaultSection.Println("Coordinator")
	pterm.DefaultTable.WithHasHeader(false).WithData(metricsTable(m)).Render()

	pterm.DefaultSection.Println("Caches")
	if len(caches.Caches) == 0 {
		pterm.Info.Println("No caches registered")
	} else {
		pterm.DefaultTable.WithHasHeader(true).WithData(cachesTable(caches.Caches)).Render()
	}

	pterm.DefaultSection.Println("Recommendations")
	if len(recs.Recommendations) == 0 {
		pterm.Success.Println("Nothing to tune")
	}
	for _, r := range recs.Recommendations {
		pterm.Warning.Println(r.Message)
	}
	return nil
}

func metricsTable(m coordinator.Metrics) pterm.TableData {
	lastCleanup := "never"
	if !m.LastCleanupAt.IsZero() {
		lastCleanup = m.LastCleanupAt.Format(time.RFC3339)
	}
	telemetry := "unavailable"
	if m.TelemetryAvailable {
		telemetry = "available"
	}
	return pterm.TableData{
		{"Level", m.CurrentLevel.String()},
		{"Trend", m.CurrentTrend.String()},
		{"Telemetry", telemetry},
		{"Handlers", fmt.Sprint(m.RegisteredHandlers)},
		{"Cleanup passes", fmt.Sprint(m.CleanupPasses)},
		{"Last cleanup", lastCleanup},
		{"Pressure events", fmt.Sprint(m.PressureEvents)},
		{"Coalesced triggers", fmt.Sprint(m.CoalescedTriggers)},
		{"Handler failures", fmt.Sprint(m.HandlerFailures)},
		{"Deferred passes", fmt.Sprint(m.PendingDeferred)},
	}
}

func cachesTable(caches []cleanup.CacheMetrics) pterm.TableData {
	data := pterm.TableData{{"Name", "Size", "Max", "Hit rate", "Memory", "Evictions/s"}}
	for _, cm := range caches {
		data = append(data, []string{
			cm.Name,
			fmt.Sprint(cm.Size),
			fmt.Sprint(cm.MaxSize),
			fmt.Sprintf("%.1f%%", cm.HitRate*100),
			formatBytes(cm.MemoryUsageEstimate),
			fmt.Sprintf("%.2f", cm.EvictionRate),
		})
	}
	return data
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
