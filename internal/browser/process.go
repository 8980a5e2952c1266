package browser

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/surfari/surfari/internal/observability"
)

// chromeProcess wraps the launched browser so shutdown can try a graceful
// terminate before killing.
type chromeProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func startChromeProcess(args []string) (*chromeProcess, error) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &chromeProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *chromeProcess) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *chromeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// terminate interrupts the browser and waits up to ten seconds before
// killing it.
func (p *chromeProcess) terminate(ctx context.Context, logger *observability.Logger) {
	if p.cmd.Process == nil || p.exited() {
		logger.Info(ctx, "browser process already terminated")
		return
	}
	logger.Info(ctx, "terminating browser process", "pid", p.pid())
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		logger.Error(ctx, "failed to signal browser process", "error", err)
	}
	select {
	case <-p.done:
		logger.Info(ctx, "browser terminated gracefully")
	case <-time.After(10 * time.Second):
		logger.Warn(ctx, "force killing browser")
		p.cmd.Process.Kill()
	}
}
