// Package procsup implements the managed-child subprocess abstraction of
// a long-running external process (dnsmasq,
// pdns_server) owned by exactly one component, restartable, and killed on
// that component's teardown.
package procsup

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/log"
)

// Spec describes how to launch and reload a managed subprocess.
type Spec struct {
	Name string
	Path string
	Args []string

	// Env, if set, is appended to the subprocess's inherited environment
	// (used to pass the managing component's own identity down to a
	// dnsmasq instance so its --dhcp-script invocations can report which
	// network a lease belongs to).
	Env []string

	// Stdout, if set, receives the subprocess's standard output instead
	// of the daemon's own (used by the domain console log watcher to
	// redirect tail's output into a per-domain log file).
	Stdout io.Writer

	// RestartDelay is how long to wait before restarting after an
	// unexpected exit. Zero disables automatic restart.
	RestartDelay time.Duration
}

// Process supervises one subprocess instance: start, HUP-based reload (the
// dnsmasq/pdns_server pattern for picking up rewritten config/hostsdir
// files without a full restart), and stop.
type Process struct {
	spec Spec

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool
	done    chan struct{}
}

// New constructs a supervised process handle; call Start to launch it.
func New(spec Spec) *Process {
	return &Process{spec: spec}
}

// Start launches the subprocess and, if RestartDelay > 0, begins
// supervising it for unexpected exit.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return fmt.Errorf("procsup: %s already started", p.spec.Name)
	}
	cmd, err := p.launch()
	if err != nil {
		return err
	}
	p.cmd = cmd
	p.stopped = false
	p.done = make(chan struct{})
	go p.supervise()
	return nil
}

func (p *Process) launch() (*exec.Cmd, error) {
	cmd := exec.Command(p.spec.Path, p.spec.Args...)
	if len(p.spec.Env) > 0 {
		cmd.Env = append(os.Environ(), p.spec.Env...)
	}
	if p.spec.Stdout != nil {
		cmd.Stdout = p.spec.Stdout
	} else {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", p.spec.Name, err)
	}
	return cmd, nil
}

func (p *Process) supervise() {
	logger := log.WithComponent("procsup").With().Str("process", p.spec.Name).Logger()
	for {
		p.mu.Lock()
		cmd := p.cmd
		done := p.done
		p.mu.Unlock()
		if cmd == nil {
			return
		}

		err := cmd.Wait()

		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			close(done)
			return
		}

		logger.Error().Err(err).Msg("managed subprocess exited unexpectedly")
		if p.spec.RestartDelay <= 0 {
			close(done)
			return
		}
		time.Sleep(p.spec.RestartDelay)

		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			close(done)
			return
		}
		newCmd, err := p.launch()
		if err != nil {
			logger.Error().Err(err).Msg("failed to restart managed subprocess")
			p.mu.Unlock()
			close(done)
			return
		}
		p.cmd = newCmd
		p.mu.Unlock()
		logger.Info().Msg("restarted managed subprocess")
	}
}

// Reload sends SIGHUP, the convention dnsmasq and pdns_server both use to
// pick up a rewritten config or hosts file without dropping leases.
func (p *Process) Reload() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("procsup: %s not running", p.spec.Name)
	}
	return cmd.Process.Signal(syscall.SIGHUP)
}

// Stop terminates the subprocess and waits (bounded by ctx) for it to exit.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd := p.cmd
	p.stopped = true
	done := p.done
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	}
}
