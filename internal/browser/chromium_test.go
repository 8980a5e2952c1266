package browser

import (
	"context"
	"io"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfari/surfari/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func TestChromeArgs(t *testing.T) {
	m := NewChromiumManager(Options{
		DebuggingPort: 9333,
		UserDataDir:   "/tmp/profile",
		Width:         1712,
		Height:        1072,
	}, testLogger())

	args := m.chromeArgs("/usr/bin/chromium")
	assert.Equal(t, "/usr/bin/chromium", args[0])
	assert.Contains(t, args, "--remote-debugging-port=9333")
	assert.Contains(t, args, "--window-size=1712,1072")
	assert.Contains(t, args, "--user-data-dir=/tmp/profile")
	assert.Contains(t, args, "--no-first-run")
}

func TestChromeArgsWaylandFlag(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("wayland flags are linux only")
	}
	m := NewChromiumManager(Options{DebuggingPort: 9222}, testLogger())

	t.Setenv("WAYLAND_DISPLAY", "wayland-0")
	assert.Contains(t, m.chromeArgs("/usr/bin/chromium"), "--ozone-platform=wayland")

	t.Setenv("WAYLAND_DISPLAY", "")
	assert.NotContains(t, m.chromeArgs("/usr/bin/chromium"), "--ozone-platform=wayland")
}

func TestNewPageBeforeStart(t *testing.T) {
	m := NewChromiumManager(Options{}, testLogger())
	_, err := m.NewPage(context.Background())
	assert.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	m := NewChromiumManager(Options{}, testLogger())
	m.Stop(context.Background())
	m.Stop(context.Background())
	assert.True(t, m.stopped)
}

func TestChromeProcessTerminate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep")
	}
	p, err := startChromeProcess([]string{"sleep", "30"})
	require.NoError(t, err)
	assert.Greater(t, p.pid(), 0)
	assert.False(t, p.exited())

	p.terminate(context.Background(), testLogger())
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after terminate")
	}
	assert.True(t, p.exited())
}
