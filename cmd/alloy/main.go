// Package main provides the CLI entry point for Alloy, an AI agent
// runtime with tool execution, dynamic scheduling, and policy
// enforcement.
//
// # Basic Usage
//
// Start the runtime:
//
//	alloy serve --config alloy.yaml --jobs jobs.yaml
//
// Run a one-shot prompt:
//
//	alloy ask "summarize today's deployments"
//
// Work with scheduled job definitions:
//
//	alloy jobs validate --file jobs.yaml
//	alloy jobs dry-run --file jobs.yaml --name daily-brief
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - SLACK_BOT_TOKEN: Slack bot OAuth token for job notifications
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alloybot/alloy/internal/config"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "alloy",
		Short: "Alloy - AI agent runtime with scheduling and policy enforcement",
		Long: `Alloy turns user prompts into bounded sequences of model calls and
tool invocations, with guard checks, retries, approvals, and
observability. A dynamic scheduler runs cron jobs that invoke a single
tool or a full agent run and posts results to chat channels.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildAskCmd(),
		buildJobsCmd(),
	)
	return rootCmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
