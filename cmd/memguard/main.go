package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "memguard",
	Short: "Memory-pressure cleanup coordinator",
	Long: `memguard samples heap usage, classifies memory pressure and runs
prioritized cleanup passes over registered caches.

  memguard run --config configs/memguard.yaml   # start the daemon
  memguard status                               # inspect a running node
  memguard cleanup --tiers low                  # force a cleanup pass`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(runCmd, statusCmd, cleanupCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
