// Package browser owns the Chromium process and the CDP connection the
// agents drive pages through. One manager is shared by every concurrent
// agent; tabs are cheap, browsers are not.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/surfari/surfari/internal/config"
	"github.com/surfari/surfari/internal/observability"
)

const (
	remoteDebuggingPort = 9222
	cdpConnectAttempts  = 3
	cdpConnectBackoff   = 3 * time.Second
)

// initScript runs in every page before site code: it normalizes
// performance.now to a per-page origin, makes console calls safe against
// getter traps, and defeats the debugger timing trap some sites use to
// detect automation tooling.
const initScript = `
(() => {
  const originalNow = performance.now.bind(performance);
  const startOffset = originalNow();
  performance.now = () => originalNow() - startOffset;

  const safeConsole = ['log', 'debug', 'info', 'warn', 'error', 'dir'];
  for (const method of safeConsole) {
    const original = console[method];
    console[method] = (...args) => {
      const safeArgs = args.map(arg => {
        if (typeof arg === 'object' && arg !== null) {
          try { return JSON.parse(JSON.stringify(arg)); }
          catch (e) { return '[Object]'; }
        }
        return arg;
      });
      return original.apply(console, safeArgs);
    };
  }

  let lastDebuggerTime = performance.now();
  Object.defineProperty(window, 'debuggerTrap', {
    get() {
      const now = performance.now();
      const delta = now - lastDebuggerTime;
      lastDebuggerTime = now;
      return delta <= 100;
    }
  });
})();
`

// systemChromePath returns the platform's Chrome executable, preferring
// the first path that exists.
func systemChromePath() (string, error) {
	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"}
	case "windows":
		candidates = []string{
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		}
	case "linux":
		candidates = []string{"/usr/bin/chromium", "/usr/bin/chromium-browser", "/usr/bin/google-chrome"}
	default:
		return "", fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("system Chrome not found in %v", candidates)
}

// Options configure the shared browser.
type Options struct {
	UseSystemChrome bool
	DebuggingPort   int
	UserDataDir     string
	Width           int
	Height          int
	// AttachEndpoint connects to an already-running browser instead of
	// launching one. The attached browser is never terminated on Stop.
	AttachEndpoint string
	// WaitForStart is the grace period between process launch and the
	// first CDP connect attempt.
	WaitForStart time.Duration
}

func defaultOptions(cfg *config.Config) Options {
	return Options{
		DebuggingPort: remoteDebuggingPort,
		UserDataDir:   filepath.Join(cfg.ProjectRoot, "playwright_chrome_profile"),
		Width:         cfg.App.BrowserWidth,
		Height:        cfg.App.BrowserHeight,
		WaitForStart:  2 * time.Second,
	}
}

// ChromiumManager launches (or attaches to) one Chromium with remote
// debugging enabled and hands out tabs in its default context.
type ChromiumManager struct {
	opts   Options
	logger *observability.Logger

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	cmd     *chromeProcess
	stopped bool
}

var (
	instanceMu sync.Mutex
	instance   *ChromiumManager
)

// GetInstance returns the process-wide manager, starting it on first
// call. Concurrent agents share the browser and open their own tabs.
func GetInstance(ctx context.Context, cfg *config.Config, logger *observability.Logger, useSystemChrome bool, attachEndpoint string) (*ChromiumManager, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return instance, nil
	}
	opts := defaultOptions(cfg)
	opts.UseSystemChrome = useSystemChrome
	opts.AttachEndpoint = attachEndpoint
	m := NewChromiumManager(opts, logger)
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	instance = m
	return instance, nil
}

// StopInstance stops and clears the shared manager.
func StopInstance(ctx context.Context) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		instance.Stop(ctx)
		instance = nil
	}
}

// NewChromiumManager builds an unstarted manager.
func NewChromiumManager(opts Options, logger *observability.Logger) *ChromiumManager {
	if opts.DebuggingPort == 0 {
		opts.DebuggingPort = remoteDebuggingPort
	}
	return &ChromiumManager{opts: opts, logger: logger.WithComponent("browser")}
}

// Start launches Chromium (unless running in a container, where the
// browser is expected to already listen on the debugging port) and
// connects over CDP.
func (m *ChromiumManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Info(ctx, "starting browser",
		"width", m.opts.Width, "height", m.opts.Height, "port", m.opts.DebuggingPort)

	if m.opts.AttachEndpoint == "" && !runningInContainer() {
		if err := m.launchBrowser(ctx); err != nil {
			return err
		}
	}
	return m.connectOverCDP(ctx)
}

// Stop closes the context, disconnects playwright, and terminates the
// launched process. Calling Stop twice is a no-op.
func (m *ChromiumManager) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		m.logger.Info(ctx, "browser already stopped")
		return
	}
	m.stopped = true

	if m.context != nil {
		if err := m.context.Close(); err != nil {
			m.logger.Error(ctx, "error closing browser context", "error", err)
		}
		m.context = nil
	}
	if m.pw != nil {
		if err := m.pw.Stop(); err != nil {
			m.logger.Error(ctx, "error stopping playwright", "error", err)
		}
		m.pw = nil
	}
	if m.cmd != nil {
		m.cmd.terminate(ctx, m.logger)
		m.cmd = nil
	}
}

// NewPage opens a tab in the shared context with the init script armed.
func (m *ChromiumManager) NewPage(ctx context.Context) (playwright.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.context == nil {
		return nil, errors.New("browser context not yet initialized or closed")
	}
	page, err := m.context.NewPage()
	if err != nil {
		return nil, err
	}
	if err := page.AddInitScript(playwright.Script{Content: playwright.String(initScript)}); err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "new tab created")
	return page, nil
}

func (m *ChromiumManager) chromeArgs(executable string) []string {
	args := []string{
		executable,
		fmt.Sprintf("--remote-debugging-port=%d", m.opts.DebuggingPort),
		"--remote-debugging-address=localhost",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-webrtc",
		"--disable-background-networking",
		"--disable-features=WebRtcHideLocalIpsWithMdns",
		"--window-position=0,0",
		fmt.Sprintf("--window-size=%d,%d", m.opts.Width, m.opts.Height),
		"--log-level=3",
		"--user-data-dir=" + m.opts.UserDataDir,
	}
	if runtime.GOOS == "linux" && !m.opts.UseSystemChrome && os.Getenv("WAYLAND_DISPLAY") != "" {
		args = append(args, "--ozone-platform=wayland", "--ozone-platform-hint=auto")
	}
	return args
}

func (m *ChromiumManager) launchBrowser(ctx context.Context) error {
	executable := ""
	if !m.opts.UseSystemChrome {
		executable = bundledChromiumPath()
		if executable == "" {
			m.logger.Warn(ctx, "bundled chromium not found, falling back to system Chrome")
		}
	}
	if executable == "" {
		path, err := systemChromePath()
		if err != nil {
			return err
		}
		executable = path
	}

	args := m.chromeArgs(executable)
	m.logger.Info(ctx, "launching browser", "executable", executable, "args", strings.Join(args[1:], " "))
	proc, err := startChromeProcess(args)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	m.cmd = proc
	m.logger.Info(ctx, "browser process started", "pid", proc.pid())

	select {
	case <-time.After(m.opts.WaitForStart):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *ChromiumManager) connectOverCDP(ctx context.Context) error {
	endpoint := m.opts.AttachEndpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("http://localhost:%d", m.opts.DebuggingPort)
	}
	var lastErr error
	for attempt := 1; attempt <= cdpConnectAttempts; attempt++ {
		m.logger.Info(ctx, "connecting over CDP", "attempt", attempt, "endpoint", endpoint)
		if err := m.tryConnect(ctx, endpoint); err != nil {
			lastErr = err
			m.logger.Error(ctx, "CDP connect failed", "attempt", attempt, "error", err)
			if attempt < cdpConnectAttempts {
				select {
				case <-time.After(cdpConnectBackoff):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}
		m.logger.Info(ctx, "connected over CDP, browser context ready")
		return nil
	}
	return lastErr
}

func (m *ChromiumManager) tryConnect(ctx context.Context, endpoint string) error {
	pw, err := playwright.Run()
	if err != nil {
		return err
	}
	browser, err := pw.Chromium.ConnectOverCDP(endpoint)
	if err != nil {
		pw.Stop()
		return err
	}

	contexts := browser.Contexts()
	var browserContext playwright.BrowserContext
	if len(contexts) > 0 {
		browserContext = contexts[0]
		m.logger.Info(ctx, "reusing existing browser context")
	} else {
		browserContext, err = browser.NewContext()
		if err != nil {
			pw.Stop()
			return err
		}
		m.logger.Info(ctx, "created a new browser context")
	}

	browserContext.OnClose(func(playwright.BrowserContext) {
		m.logger.Info(context.Background(), "browser context closed")
		m.mu.Lock()
		m.context = nil
		m.mu.Unlock()
	})
	if err := browserContext.AddInitScript(playwright.Script{Content: playwright.String(initScript)}); err != nil {
		pw.Stop()
		return err
	}

	m.pw = pw
	m.browser = browser
	m.context = browserContext
	return nil
}

// bundledChromiumPath finds the chromium playwright downloaded, if any.
func bundledChromiumPath() string {
	opts := &playwright.RunOptions{SkipInstallBrowsers: true}
	if _, err := playwright.NewDriver(opts); err != nil {
		return ""
	}
	base := filepath.Join(filepath.Dir(opts.DriverDirectory), "ms-playwright")
	entries, err := os.ReadDir(base)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "chromium-") {
			continue
		}
		for _, rel := range []string{
			filepath.Join("chrome-linux", "chrome"),
			filepath.Join("chrome-mac", "Chromium.app", "Contents", "MacOS", "Chromium"),
			filepath.Join("chrome-win", "chrome.exe"),
		} {
			candidate := filepath.Join(base, entry.Name(), rel)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
		}
	}
	return ""
}

// runningInContainer detects docker and kubernetes so the manager attaches
// to a browser sidecar instead of spawning one.
func runningInContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	raw, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	content := string(raw)
	for _, marker := range []string{"docker", "kubepods", "lxc"} {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}
