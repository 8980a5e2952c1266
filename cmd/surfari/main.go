// Package main provides the CLI entry point for the Surfari browser agent.
//
// Surfari drives a real Chromium browser through natural-language tasks: it
// distills each page into an annotated text layout, asks an LLM for the next
// step, and executes the step on the live page.
//
// # Basic Usage
//
// Run a single task:
//
//	surfari run -t "Download my latest statement" -n "Acme Bank"
//
// Run a batch of tasks from a CSV file:
//
//	surfari batch -f tasks.csv -c 10
//
// Manage stored site credentials:
//
//	surfari credentials set "Acme Bank" --url https://bank.acme.example -U alice -P secret
//	surfari credentials list
//
// List saved task recordings:
//
//	surfari recordings list
//
// # Environment Variables
//
//   - PROJECT_ROOT: project directory holding config.json, security/, logs/
//   - OPENAI_API_KEY / GEMINI_API_KEY / ANTHROPIC_API_KEY: vendor API keys
//   - SURFARI_PROXY_URL, SURFARI_API_KEY, SURFARI_SIGNING_SECRET: LLM proxy
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := buildRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "surfari",
		Short: "Surfari - LLM-driven browser automation agent",
		Long: `Surfari runs natural-language tasks against real web sites.

Each turn the agent distills the page into an annotated text layout, asks
the configured model for the next step, and performs it in the browser.
Credentials never reach the model: page text is masked before every call.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildBatchCmd(),
		buildRecordingsCmd(),
		buildCredentialsCmd(),
	)
	return rootCmd
}
