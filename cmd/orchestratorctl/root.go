// Command orchestratorctl is a small Cobra CLI wrapping the Control
// API for manual start/pause/resume/stop during incident response
// (SPEC_FULL.md §8), grounded on the pack's cobra-based CLI tools
// (tim-coutinho-agentops' ao subcommand-per-file layout: one
// cobra.Command per file, registered onto a shared root in init()).
package main

import (
	"github.com/spf13/cobra"
)

var addr string

var rootCmd = &cobra.Command{
	Use:   "orchestratorctl",
	Short: "Operate pipeline-orchestrator sessions from the command line",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "pipeline-orchestrator base URL")
}
