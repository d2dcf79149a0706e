package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"memguard/internal/cleanup"
	"memguard/internal/coordinator"
)

var (
	cleanupTiers   string
	cleanupCluster bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Force a cleanup pass on a running node or across its cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		c := newAPIClient(apiAddr, 2*time.Minute)

		if cleanupCluster {
			return requestClusterCleanup(ctx, c)
		}
		return forceCleanup(ctx, c, cleanupTiers)
	},
}

func init() {
	addAddrFlag(cleanupCmd)
	cleanupCmd.Flags().StringVar(&cleanupTiers, "tiers", "all", "Comma separated tiers to run (high, medium, low or all)")
	cleanupCmd.Flags().BoolVar(&cleanupCluster, "cluster", false, "Broadcast the request to every gossip peer")
}

func forceCleanup(ctx context.Context, c *apiClient, tiers string) error {
	// Reject bad input before reaching the node
	if _, err := cleanup.ParseTiers(tiers); err != nil {
		return err
	}

	query := url.Values{}
	if tiers != "all" {
		query.Set("tiers", tiers)
	}
	var report coordinator.PassReport
	if err := c.post(ctx, "/v1/cleanup", query, &report); err != nil {
		return err
	}

	pterm.DefaultSection.Printfln("Pass %s (%s)", report.ID, report.Tiers)
	pterm.DefaultTable.WithHasHeader(true).WithData(outcomesTable(report.Outcomes)).Render()
	if n := report.Failures(); n > 0 {
		pterm.Warning.Printfln("%d of %d handlers failed", n, len(report.Outcomes))
		return nil
	}
	pterm.Success.Printfln("%d handlers ran in %s", len(report.Outcomes), report.Duration)
	return nil
}

func requestClusterCleanup(ctx context.Context, c *apiClient) error {
	var resp struct {
		RequestID string `json:"request_id"`
	}
	if err := c.post(ctx, "/v1/cluster/cleanup", nil, &resp); err != nil {
		return err
	}
	pterm.Success.Printfln("Cluster cleanup requested (%s)", resp.RequestID)
	return nil
}

func outcomesTable(outcomes []coordinator.HandlerOutcome) pterm.TableData {
	data := pterm.TableData{{"Handler", "Priority", "Result", "Duration"}}
	for _, o := range outcomes {
		result := "ok"
		if !o.Success {
			result = fmt.Sprintf("failed: %s", o.Error)
		}
		data = append(data, []string{o.Name, o.Priority.String(), result, o.Duration.String()})
	}
	return data
}
