// Package config loads the application configuration and resolves the
// project directory layout (logs, downloads, uploads, screenshots).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// ModelCosts holds per-million-token pricing for the configured model.
type ModelCosts struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// ResolverConfig instantiates the optional configured value resolver.
type ResolverConfig struct {
	Target string         `json:"target"`
	Params map[string]any `json:"params"`
}

// AppConfig mirrors the "app" section of config.json.
type AppConfig struct {
	LLMModel                 string     `json:"llm_model"`
	ReviewerModel            string     `json:"reviewer_model"`
	AgentModels              map[string]string `json:"agent_models"`
	ModelCosts               ModelCosts `json:"model_costs"`
	MaxNumberOfTurns         int        `json:"max_number_of_turns"`
	ToolCallTimeout          int        `json:"tool_call_timeout"`
	HILPollingTimes          int        `json:"hil_polling_times"`
	BrowserWidth             int        `json:"browser_width"`
	BrowserHeight            int        `json:"browser_height"`
	UseLLMProxy              bool       `json:"use_llm_proxy"`
	SaveSuccessfulTaskOnly   bool       `json:"save_successful_task_only"`
	ShowReasoningBox         bool       `json:"show_reasoning_box"`
	ShowReasoningBoxDuration int        `json:"show_reasoning_box_duration"`
	WaitTimeHeuristic        int        `json:"wait_time_heuristic"`
	NetworkMaxInflight       int        `json:"network_max_inflight"`
	NetworkIdleQuietMs       int        `json:"network_idle_quiet_ms"`
	NetworkIdleTimeoutMs     int        `json:"network_idle_timeout_ms"`
	UseScreenshot            bool       `json:"use_screenshot"`
	SaveScreenshot           bool       `json:"save_screenshot"`
	ScreenshotFormat         string     `json:"screenshot_format"`
	ScreenshotQuality        int        `json:"screenshot_quality"`
	ScreenshotFullPage       bool       `json:"screenshot_full_page"`
	GenerateLocatorDisabled  bool       `json:"generate_locator_disabled"`
	UseSystemKeyring         bool       `json:"use_system_keyring"`
	RunInBackground          bool       `json:"run_in_background"`
	LogLevel                 string     `json:"log_level"`
	LogOutput                string     `json:"log_output"`
	ProjectLogFolder         string     `json:"project_log_folder"`
	DownloadFolder           string     `json:"download_folder"`
	UploadFolder             string     `json:"upload_folder"`
	DebugFilesFolder         string     `json:"debug_files_folder"`
	ScreenshotFolder         string     `json:"screenshot_folder"`
	SitesForDelegation       []string   `json:"sites_for_delegation"`
}

// Config is the top-level configuration.
type Config struct {
	App           AppConfig       `json:"app"`
	ValueResolver *ResolverConfig `json:"value_resolver"`

	// ProjectRoot is resolved at load time, not read from the file.
	ProjectRoot string `json:"-"`
}

// Default returns a Config with every default applied. Loading a file
// overrides only the keys it contains.
func Default() *Config {
	return &Config{
		App: AppConfig{
			LLMModel:                 "gemini-2.0-flash",
			ModelCosts:               ModelCosts{Input: 0.10, Output: 0.40},
			MaxNumberOfTurns:         35,
			ToolCallTimeout:          300,
			HILPollingTimes:          60,
			BrowserWidth:             1712,
			BrowserHeight:            1072,
			UseLLMProxy:              true,
			SaveSuccessfulTaskOnly:   true,
			ShowReasoningBox:         true,
			ShowReasoningBoxDuration: 2000,
			WaitTimeHeuristic:        -1,
			NetworkMaxInflight:       1,
			NetworkIdleQuietMs:       200,
			NetworkIdleTimeoutMs:     10000,
			ScreenshotFormat:         "jpeg",
			ScreenshotQuality:        30,
			LogLevel:                 "info",
			LogOutput:                "stdout",
			ProjectLogFolder:         "logs",
			DownloadFolder:           "downloads",
			UploadFolder:             "uploads",
			DebugFilesFolder:         "debugfiles",
			ScreenshotFolder:         "screenshots",
		},
	}
}

// ResolveProjectRoot returns the PROJECT_ROOT env var if set, else the
// current working directory.
func ResolveProjectRoot() string {
	if root := os.Getenv("PROJECT_ROOT"); root != "" {
		return root
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// Load reads config_dev.json if present, else config.json, from
// <root>/util. A missing file yields the defaults. Env vars in the file
// are expanded before parsing. Dotenv files under <root>/security are
// loaded as a side effect.
func Load(projectRoot string) (*Config, error) {
	if projectRoot == "" {
		projectRoot = ResolveProjectRoot()
	}

	loadDotenv(projectRoot)

	cfg := Default()
	cfg.ProjectRoot = projectRoot

	path := filepath.Join(projectRoot, "util", "config_dev.json")
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(projectRoot, "util", "config.json")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ProjectRoot = projectRoot
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets env flags win over the config file.
func applyEnvOverrides(cfg *Config) {
	switch strings.ToLower(os.Getenv("SURFARI_IN_BACKGROUND")) {
	case "1", "true", "yes":
		cfg.App.RunInBackground = true
	}
}

// loadDotenv loads <root>/security/.env_dev, then .env, once each.
// Values already set in the environment win.
func loadDotenv(projectRoot string) {
	for _, name := range []string{".env_dev", ".env"} {
		path := filepath.Join(projectRoot, "security", name)
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

// ModelFor returns the model for a named agent: the per-agent override if
// configured, else the global default.
func (c *Config) ModelFor(agentName string) string {
	if m, ok := c.App.AgentModels[agentName]; ok && m != "" {
		return m
	}
	return c.App.LLMModel
}

// LogsDir returns the logs directory, creating it if needed.
func (c *Config) LogsDir() string {
	return c.ensureDir(filepath.Join(c.ProjectRoot, c.App.ProjectLogFolder))
}

// DownloadsDir returns the downloads directory, creating it if needed.
func (c *Config) DownloadsDir() string {
	return c.ensureDir(filepath.Join(c.ProjectRoot, c.App.DownloadFolder))
}

// UploadsDir returns the uploads directory, creating it if needed.
func (c *Config) UploadsDir() string {
	return c.ensureDir(filepath.Join(c.ProjectRoot, c.App.UploadFolder))
}

// DebugFilesDir returns the debug files directory, creating it if needed.
func (c *Config) DebugFilesDir() string {
	return c.ensureDir(filepath.Join(c.LogsDir(), c.App.DebugFilesFolder))
}

// ScreenshotsDir returns the screenshots directory, creating it if needed.
func (c *Config) ScreenshotsDir() string {
	return c.ensureDir(filepath.Join(c.LogsDir(), c.App.ScreenshotFolder))
}

func (c *Config) ensureDir(path string) string {
	_ = os.MkdirAll(path, 0o755)
	return path
}
