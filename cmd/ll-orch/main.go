package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "ll-orch",
		Short: "ll-orch - Concurrent batch orchestrator for AI coding agents",
		Long: `ll-orch runs waves of backlog issues through an external coding agent.
Each issue executes in its own git worktree under a bounded worker pool,
finished branches merge back into the trunk one at a time, and progress
is checkpointed so an interrupted run can be resumed.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
