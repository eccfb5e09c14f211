// Refinery runs autonomous repository-improvement sessions: it measures a
// repo against a metric preset, lets a coding agent attempt fixes in an
// isolated worktree, keeps what improves the score, and gates missions
// behind a multi-reviewer check.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var (
	configPath  string
	agentBinary string
)

var rootCmd = &cobra.Command{
	Use:   "refinery",
	Short: "Scoring-driven autonomous repository improvement",
	Long: `refinery measures a repository with configurable metrics, drives a
coding agent to improve the weakest one, commits changes that raise the
composite score, and reviews mission work with parallel reviewer roles.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&agentBinary, "agent-bin", "claude", "coding agent binary to invoke")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("refinery %s (%s)\n", version, gitCommit)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
