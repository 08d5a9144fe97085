package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stoneforge-ai/stoneforge/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "stoneforge",
	Short: "Dispatch orchestrator for autonomous coding agents",
	Long: `Stoneforge dispatches ready tasks to idle agents, keeps each one in
its own git worktree, routes inbox messages to the right session, and
drives review-stage tasks through a merge steward until they land.

Available commands:
  daemon   Run or inspect the dispatch daemon
  version  Show version information

Use "stoneforge [command] --help" for more information about a command.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version.Get()
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stoneforge version %s\n", version.Get())
	},
}
