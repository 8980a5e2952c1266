// handlers.go contains the command implementations: environment setup,
// single-task and batch execution, and the credential and recording
// subcommands.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/surfari/surfari/internal/agent"
	"github.com/surfari/surfari/internal/browser"
	"github.com/surfari/surfari/internal/config"
	"github.com/surfari/surfari/internal/google"
	"github.com/surfari/surfari/internal/llm"
	"github.com/surfari/surfari/internal/mcp"
	"github.com/surfari/surfari/internal/observability"
	"github.com/surfari/surfari/internal/replay"
	"github.com/surfari/surfari/internal/security"
	"github.com/surfari/surfari/internal/tools"
)

// app bundles the long-lived pieces every command shares.
type app struct {
	cfg    *config.Config
	logger *observability.Logger
	client *llm.Client
	creds  *security.CredentialManager
}

func initApp() (*app, error) {
	root := config.ResolveProjectRoot()
	cfg, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.App.LogLevel,
		Format: "text",
		Output: logOutput(cfg),
	})
	client := llm.NewClient(cfg, logger)
	creds, err := security.NewCredentialManager(root, logger)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return &app{cfg: cfg, logger: logger, client: client, creds: creds}, nil
}

// machineEvents returns the process-wide event emitter when logs are
// redirected to a file, so supervising processes can follow progress on
// the original stdout. Nil otherwise; Emit on nil is a no-op.
func machineEvents(cfg *config.Config) *observability.EventEmitter {
	switch cfg.App.LogOutput {
	case "", "stdout", "stderr":
		return nil
	}
	return observability.Events()
}

// logOutput resolves the configured log destination. Anything that is not
// stdout/stderr is treated as a file name under the logs directory.
func logOutput(cfg *config.Config) io.Writer {
	switch cfg.App.LogOutput {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}
	path := filepath.Join(cfg.LogsDir(), cfg.App.LogOutput)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open log file %s: %v; logging to stdout\n", path, err)
		return os.Stdout
	}
	return f
}

// buildAgentOptions assembles the per-run agent options: native and remote
// tools, delegation targets, OTP fetching, and tab creation.
func buildAgentOptions(ctx context.Context, a *app, flags taskFlags, mgr *browser.ChromiumManager) (agent.Options, func(), error) {
	opts := agent.Options{
		Model:               flags.Model,
		SiteName:            flags.SiteName,
		URL:                 flags.URL,
		DisableDataMasking:  flags.DisableDataMasking,
		MultiActionPerTurn:  flags.MultiActionPerTurn,
		RecordAndReplay:     flags.RecordAndReplay,
		UseParameterization: flags.UseParameterization,
		UseScreenshot:       flags.UseScreenshot,
		SaveScreenshot:      flags.SaveScreenshot,
		NewPage:             mgr.NewPage,
	}
	cleanup := func() {}

	gclient := google.NewClient(a.cfg.ProjectRoot, a.logger)
	opts.OTPFetcher = google.NewOTPFetcher(gclient, a.logger)

	if flags.EnableTools {
		registry := tools.NewRegistry()
		for _, t := range tools.AccountTools() {
			registry.Register(t)
		}
		google.RegisterTools(registry, gclient)
		opts.Tools = registry.List()

		mcpPath := filepath.Join(a.cfg.ProjectRoot, "mcp_config.json")
		if _, err := os.Stat(mcpPath); err == nil {
			configs, err := mcp.LoadServerConfigs(mcpPath)
			if err != nil {
				return opts, cleanup, fmt.Errorf("load %s: %w", mcpPath, err)
			}
			manager, fsServers, err := mcp.BuildManager(ctx, configs, a.cfg.ProjectRoot, a.logger)
			if err != nil {
				return opts, cleanup, fmt.Errorf("connect tool servers: %w", err)
			}
			opts.MCPManager = manager
			cleanup = func() {
				manager.Close()
				for _, s := range fsServers {
					_ = s.Close()
				}
			}
		}
	}

	for _, name := range a.cfg.App.SitesForDelegation {
		info, err := a.creds.FindSiteByName(ctx, name, 0)
		if err != nil || info == nil {
			a.logger.Warn(ctx, "delegation site not found in credential store", "site", name)
			continue
		}
		opts.DelegationSites = append(opts.DelegationSites, agent.DelegationSite{
			SiteName: info.SiteName,
			URL:      info.URL,
		})
	}
	return opts, cleanup, nil
}

func runTask(ctx context.Context, flags taskFlags) error {
	a, err := initApp()
	if err != nil {
		return err
	}
	a.cfg.App.RunInBackground = a.cfg.App.RunInBackground || flags.Background

	if flags.SiteName != "" && flags.Username != "" && flags.Password != "" {
		if err := a.creds.SaveCredentials(ctx, flags.SiteName, flags.URL, flags.Username, flags.Password); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}
	}

	mgr, err := browser.GetInstance(ctx, a.cfg, a.logger, flags.UseSystemChrome, flags.AttachEndpoint)
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer browser.StopInstance(ctx)

	opts, cleanup, err := buildAgentOptions(ctx, a, flags, mgr)
	if err != nil {
		return err
	}
	defer cleanup()

	page, err := mgr.NewPage(ctx)
	if err != nil {
		return fmt.Errorf("open tab: %w", err)
	}

	events := machineEvents(a.cfg)
	events.Emit(observability.EventTaskStart, map[string]any{"site": flags.SiteName, "goal": flags.TaskGoal})

	navAgent := agent.NewNavigationAgent(ctx, a.cfg, a.logger, a.client, a.creds, opts)
	answer, err := navAgent.Run(ctx, page, flags.TaskGoal)
	if err != nil {
		events.Emit(observability.EventTaskEnd, map[string]any{"error": err.Error()})
		return fmt.Errorf("run task: %w", err)
	}
	events.Emit(observability.EventTaskEnd, map[string]any{"answer": answer})
	fmt.Println(answer)
	return nil
}

// batchRow is one parsed CSV row with the command flags as fallback.
type batchRow struct {
	flags taskFlags
	line  int
}

func runBatch(ctx context.Context, csvPath string, concurrency int, defaults taskFlags) error {
	rows, err := readBatchCSV(csvPath, defaults)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("%s has no runnable rows", csvPath)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	a, err := initApp()
	if err != nil {
		return err
	}
	mgr, err := browser.GetInstance(ctx, a.cfg, a.logger, defaults.UseSystemChrome, defaults.AttachEndpoint)
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer browser.StopInstance(ctx)

	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for _, row := range rows {
		row := row
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			flags := row.flags
			if flags.SiteName != "" && flags.Username != "" && flags.Password != "" {
				if err := a.creds.SaveCredentials(gctx, flags.SiteName, flags.URL, flags.Username, flags.Password); err != nil {
					a.logger.Error(gctx, "saving credentials failed", "line", row.line, "error", err)
				}
			}

			opts, cleanup, err := buildAgentOptions(gctx, a, flags, mgr)
			if err != nil {
				a.logger.Error(gctx, "task setup failed", "line", row.line, "error", err)
				return nil
			}
			defer cleanup()

			page, err := mgr.NewPage(gctx)
			if err != nil {
				// Tab creation failing means the browser is gone; stop the batch.
				return fmt.Errorf("open tab for line %d: %w", row.line, err)
			}

			events := machineEvents(a.cfg)
			events.Emit(observability.EventTaskStart, map[string]any{"site": flags.SiteName, "goal": flags.TaskGoal, "line": row.line})

			navAgent := agent.NewNavigationAgent(gctx, a.cfg, a.logger, a.client, a.creds, opts)
			answer, err := navAgent.Run(gctx, page, flags.TaskGoal)
			if err != nil {
				events.Emit(observability.EventTaskEnd, map[string]any{"error": err.Error(), "line": row.line})
				a.logger.Error(gctx, "task failed", "line", row.line, "task", flags.TaskGoal, "error", err)
				return nil
			}
			events.Emit(observability.EventTaskEnd, map[string]any{"answer": answer, "line": row.line})
			fmt.Printf("line %d: %s\n", row.line, answer)
			return nil
		})
	}
	return g.Wait()
}

// readBatchCSV parses the batch file. The header row names the columns;
// unknown columns are ignored, missing ones fall back to the defaults.
func readBatchCSV(path string, defaults taskFlags) ([]batchRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%s needs a header row and at least one task row", path)
	}

	index := map[string]int{}
	for i, name := range records[0] {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	field := func(row []string, name string) (string, bool) {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return "", false
		}
		return strings.TrimSpace(row[i]), true
	}
	boolField := func(row []string, name string, fallback bool) bool {
		v, ok := field(row, name)
		if !ok || v == "" {
			return fallback
		}
		return truthy(v)
	}

	var rows []batchRow
	for i, record := range records[1:] {
		line := i + 2
		if v, ok := field(record, "run"); ok && !truthy(v) {
			continue
		}
		flags := defaults
		if v, ok := field(record, "task_goal"); ok {
			flags.TaskGoal = v
		}
		if flags.TaskGoal == "" {
			return nil, fmt.Errorf("%s line %d: task_goal is empty", path, line)
		}
		if v, ok := field(record, "site_name"); ok && v != "" {
			flags.SiteName = v
		}
		if v, ok := field(record, "url"); ok && v != "" {
			flags.URL = v
		}
		if v, ok := field(record, "username"); ok && v != "" {
			flags.Username = v
		}
		if v, ok := field(record, "password"); ok && v != "" {
			flags.Password = v
		}
		flags.DisableDataMasking = !boolField(record, "enable_data_masking", !defaults.DisableDataMasking)
		flags.MultiActionPerTurn = boolField(record, "multi_action_per_turn", defaults.MultiActionPerTurn)
		flags.RecordAndReplay = boolField(record, "record_and_replay", defaults.RecordAndReplay)
		flags.UseParameterization = boolField(record, "rr_use_parameterization", defaults.UseParameterization)
		flags.UseScreenshot = boolField(record, "use_screenshot", defaults.UseScreenshot)
		flags.SaveScreenshot = boolField(record, "save_screenshot", defaults.SaveScreenshot)
		rows = append(rows, batchRow{flags: flags, line: line})
	}
	return rows, nil
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "t":
		return true
	}
	return false
}

func runRecordingsList(ctx context.Context, out io.Writer) error {
	root := config.ResolveProjectRoot()
	recordings, err := replay.ListRecordings(ctx, root)
	if err != nil {
		return fmt.Errorf("list recordings: %w", err)
	}
	encoded, err := json.MarshalIndent(recordings, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func runCredentialsSet(ctx context.Context, siteName, url, username, password string) error {
	a, err := initApp()
	if err != nil {
		return err
	}
	if err := a.creds.SaveCredentials(ctx, siteName, url, username, password); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	fmt.Printf("saved credentials for %s\n", siteName)
	return nil
}

func runCredentialsList(ctx context.Context, out io.Writer) error {
	a, err := initApp()
	if err != nil {
		return err
	}
	sites, err := a.creds.ListSites(ctx)
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}
	for _, site := range sites {
		fmt.Fprintln(out, site)
	}
	return nil
}

func runCredentialsDelete(ctx context.Context, siteName string) error {
	a, err := initApp()
	if err != nil {
		return err
	}
	if err := a.creds.DeleteSite(ctx, siteName); err != nil {
		return fmt.Errorf("delete site: %w", err)
	}
	fmt.Printf("deleted credentials for %s\n", siteName)
	return nil
}
