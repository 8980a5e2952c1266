// commands.go contains the cobra command definitions and their flag
// configurations. Each builder wires a command to its handler.
package main

import (
	"github.com/spf13/cobra"
)

// taskFlags holds everything one task run needs beyond the config file.
type taskFlags struct {
	TaskGoal string
	SiteName string
	URL      string
	Model    string
	Username string
	Password string

	DisableDataMasking  bool
	MultiActionPerTurn  bool
	RecordAndReplay     bool
	UseParameterization bool
	UseScreenshot       bool
	SaveScreenshot      bool
	EnableTools         bool

	UseSystemChrome bool
	Background      bool
	AttachEndpoint  string
}

func (f *taskFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.URL, "url", "u", "", "Starting URL (resolved from the site or the model when omitted)")
	cmd.Flags().StringVarP(&f.SiteName, "site", "n", "", "Site name for credential lookup and recordings")
	cmd.Flags().StringVarP(&f.Model, "model", "l", "", "Model override for this run")
	cmd.Flags().StringVarP(&f.Username, "username", "U", "", "Username to store for the site before running")
	cmd.Flags().StringVarP(&f.Password, "password", "P", "", "Password to store for the site before running")
	cmd.Flags().BoolVarP(&f.DisableDataMasking, "no-masking", "d", false, "Disable numeric data masking")
	cmd.Flags().BoolVarP(&f.MultiActionPerTurn, "multi-action", "m", false, "Allow multiple actions per model turn")
	cmd.Flags().BoolVarP(&f.RecordAndReplay, "record-replay", "R", false, "Record this run and replay matching recordings")
	cmd.Flags().BoolVarP(&f.UseParameterization, "parameterize", "p", false, "Parameterize the task for replay across variable values")
	cmd.Flags().BoolVarP(&f.UseScreenshot, "screenshot", "s", false, "Send a page screenshot to the model each turn")
	cmd.Flags().BoolVarP(&f.SaveScreenshot, "save-screenshot", "S", false, "Save a page screenshot each turn")
	cmd.Flags().BoolVarP(&f.EnableTools, "tools", "T", false, "Expose native and remote tools to the model")
	cmd.Flags().BoolVarP(&f.UseSystemChrome, "system-chrome", "w", false, "Launch the system Chrome instead of bundled Chromium")
	cmd.Flags().BoolVarP(&f.Background, "background", "b", false, "Run the browser window in the background")
	cmd.Flags().StringVarP(&f.AttachEndpoint, "attach", "a", "", "Attach to a running browser's CDP endpoint instead of launching one")
}

// buildRunCmd creates the "run" command for a single task.
func buildRunCmd() *cobra.Command {
	var flags taskFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single browser task",
		Example: `  # Navigate a known site and download a statement
  surfari run -t "Download my latest statement" -n "Acme Bank" -R

  # Task with explicit URL, screenshots attached to each model turn
  surfari run -t "Find the cheapest direct flight to SFO" -u https://flights.example -s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.TaskGoal, "task", "t", "", "Task goal in natural language (required)")
	_ = cmd.MarkFlagRequired("task")
	flags.register(cmd)
	return cmd
}

// buildBatchCmd creates the "batch" command that fans tasks from a CSV
// file out over a bounded number of tabs.
func buildBatchCmd() *cobra.Command {
	var (
		csvPath     string
		concurrency int
		flags       taskFlags
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run tasks from a CSV file concurrently",
		Long: `Run every marked row of a CSV file, sharing one browser across tabs.

Expected columns: run, task_goal, site_name, url, username, password,
enable_data_masking, multi_action_per_turn, record_and_replay,
rr_use_parameterization, use_screenshot, save_screenshot. Rows whose "run"
column is falsy are skipped. Per-row values override the command flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), csvPath, concurrency, flags)
		},
	}

	cmd.Flags().StringVarP(&csvPath, "file", "f", "", "CSV file with one task per row (required)")
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 10, "Maximum tasks in flight (tabs)")
	flags.register(cmd)
	return cmd
}

// buildRecordingsCmd creates the "recordings" command group.
func buildRecordingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recordings",
		Short: "Inspect saved task recordings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print saved recordings as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecordingsList(cmd.Context(), cmd.OutOrStdout())
		},
	})
	return cmd
}

// buildCredentialsCmd creates the "credentials" command group.
func buildCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored site credentials",
	}

	var (
		url      string
		username string
		password string
	)
	setCmd := &cobra.Command{
		Use:   "set <site-name>",
		Short: "Save or update credentials for a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredentialsSet(cmd.Context(), args[0], url, username, password)
		},
	}
	setCmd.Flags().StringVar(&url, "url", "", "Site URL (required)")
	_ = setCmd.MarkFlagRequired("url")
	setCmd.Flags().StringVarP(&username, "username", "U", "", "Username")
	setCmd.Flags().StringVarP(&password, "password", "P", "", "Password")

	cmd.AddCommand(
		setCmd,
		&cobra.Command{
			Use:   "list",
			Short: "List stored site names",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCredentialsList(cmd.Context(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "delete <site-name>",
			Short: "Delete a site's credentials",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCredentialsDelete(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}
