package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"toolhub/internal/shared/async"
	"toolhub/internal/shared/logging"
)

// ProcessConfig configures an out-of-process worker.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Process runs the worker runtime as a subprocess speaking the same
// line-delimited protocol over stdio. It is the out-of-process counterpart
// of StartInProcess.
type Process struct {
	command string
	args    []string
	env     []string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	logger  logging.Logger
	mu      sync.Mutex
	running bool
}

// NewProcess builds a process wrapper; Start actually spawns it.
func NewProcess(config ProcessConfig, logger logging.Logger) *Process {
	p := &Process{
		command: config.Command,
		args:    config.Args,
		logger:  logging.OrNop(logger),
	}
	for k, v := range config.Env {
		p.env = append(p.env, fmt.Sprintf("%s=%s", k, v))
	}
	return p
}

// Start spawns the worker process and returns a transport bound to its
// stdio.
func (p *Process) Start(ctx context.Context, opts TransportOptions) (*Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil, fmt.Errorf("worker process already running")
	}

	resolved, err := resolveExecutable(p.command)
	if err != nil {
		return nil, err
	}

	p.cmd = exec.CommandContext(ctx, resolved, p.args...)
	if len(p.env) > 0 {
		p.cmd.Env = p.env
	}

	if p.stdin, err = p.cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	if p.stdout, err = p.cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if p.stderr, err = p.cmd.StderrPipe(); err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	p.running = true
	p.logger.Info("Worker process started: pid=%d", p.cmd.Process.Pid)

	async.Go(p.logger, "worker.process.stderr", func() {
		p.drainStderr()
	})

	if opts.Logger == nil {
		opts.Logger = p.logger
	}
	return NewTransport(p.stdout, p.stdin, opts, p.stdin, p.stdout), nil
}

// Stop closes stdin for a graceful exit and kills the process after the
// timeout.
func (p *Process) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cmd := p.cmd
	stdin := p.stdin
	p.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	done := make(chan error, 1)
	async.Go(p.logger, "worker.process.wait", func() {
		done <- cmd.Wait()
	})

	select {
	case err := <-done:
		p.logger.Info("Worker process exited: %v", err)
		return nil
	case <-time.After(timeout):
		p.logger.Warn("Worker process did not exit in %v, killing", timeout)
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				return fmt.Errorf("kill worker process: %w", err)
			}
		}
		return nil
	}
}

// IsRunning reports whether the process is still considered alive.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Process) drainStderr() {
	if p.stderr == nil {
		return
	}
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		p.logger.Debug("[worker stderr] %s", scanner.Text())
	}
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("command is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", fmt.Errorf("command contains invalid characters")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("command not found: %w", err)
	}
	return resolved, nil
}
