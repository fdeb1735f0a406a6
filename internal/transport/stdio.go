package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"toolmux/internal/async"
	"toolmux/internal/logging"
)

const (
	// stdoutBufferLimit bounds a single stdio frame. Responses above the
	// streaming gate threshold still fit: backends chunk at the MCP layer.
	stdoutBufferLimit = 8 * 1024 * 1024

	messageBacklog = 100
	errorBacklog   = 10
)

// StdioConfig configures a spawned-subprocess transport.
type StdioConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string
}

// Stdio runs a backend server as a child process and exchanges
// newline-delimited JSON frames over its stdin/stdout.
type Stdio struct {
	config StdioConfig
	logger logging.Logger

	connMu  sync.Mutex // connection state: cmd, pipes, cancel
	writeMu sync.Mutex // stdin writes

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	cancel context.CancelFunc

	connected  atomic.Bool
	messagesCh chan []byte
	errorsCh   chan error
}

// NewStdio creates a stdio transport. The process is not started until
// Connect.
func NewStdio(config StdioConfig, logger logging.Logger) *Stdio {
	return &Stdio{
		config:     config,
		logger:     logging.OrNop(logger),
		messagesCh: make(chan []byte, messageBacklog),
		errorsCh:   make(chan error, errorBacklog),
	}
}

// Connect spawns the backend process and starts the stdout/stderr pumps.
func (t *Stdio) Connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.connected.Load() {
		return nil
	}
	if t.cmd != nil {
		// The message channel is closed when the stdout pump exits, so a
		// transport cannot be revived after Close. Callers open a fresh one.
		return fmt.Errorf("stdio transport cannot be reused after Close")
	}

	resolved, err := resolveExecutable(t.config.Command)
	if err != nil {
		return err
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel

	cmd := exec.CommandContext(procCtx, resolved, t.config.Args...)
	if t.config.WorkDir != "" {
		cmd.Dir = t.config.WorkDir
	}
	if len(t.config.Env) > 0 {
		env := os.Environ()
		for k, v := range t.config.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	if t.stdin, err = cmd.StdinPipe(); err != nil {
		cancel()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if t.stdout, err = cmd.StdoutPipe(); err != nil {
		cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if t.stderr, err = cmd.StderrPipe(); err != nil {
		cancel()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start backend process: %w", err)
	}

	t.cmd = cmd
	t.connected.Store(true)
	t.logger.Info("Backend process started: %s (pid %d)", t.config.Command, cmd.Process.Pid)

	async.Go(t.logger, "transport.stdio.readStdout", func() { t.readStdout(procCtx) })
	async.Go(t.logger, "transport.stdio.readStderr", func() { t.readStderr(procCtx) })
	async.Go(t.logger, "transport.stdio.monitorExit", func() { t.monitorExit() })

	return nil
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

// Send writes one frame to the process stdin, appending the newline delimiter.
func (t *Stdio) Send(data []byte) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}

	t.connMu.Lock()
	stdin := t.stdin
	t.connMu.Unlock()
	if stdin == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	return nil
}

// Messages returns the inbound frame channel.
func (t *Stdio) Messages() <-chan []byte {
	return t.messagesCh
}

// Errors returns the transport error channel.
func (t *Stdio) Errors() <-chan error {
	return t.errorsCh
}

// Close stops the pumps and kills the process if it does not exit on its own.
func (t *Stdio) Close() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if !t.connected.Load() {
		return nil
	}
	t.connected.Store(false)

	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cancel != nil {
		t.cancel()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		// monitorExit owns the Wait call.
		_ = t.cmd.Process.Kill()
	}
	return nil
}

// Connected reports whether the process is running.
func (t *Stdio) Connected() bool {
	return t.connected.Load()
}

func (t *Stdio) readStdout(ctx context.Context) {
	// Closing the channel releases any consumer ranging over Messages once
	// the process is gone.
	defer close(t.messagesCh)

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), stdoutBufferLimit)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Copy out of the scanner's reused buffer.
		frame := make([]byte, len(line))
		copy(frame, line)

		select {
		case t.messagesCh <- frame:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case t.errorsCh <- fmt.Errorf("stdout read error: %w", err):
		case <-ctx.Done():
		}
	}
}

func (t *Stdio) readStderr(ctx context.Context) {
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug("[stderr] %s", line)
		}
	}
}

func (t *Stdio) monitorExit() {
	err := t.cmd.Wait()

	wasConnected := t.connected.Swap(false)
	if !wasConnected {
		return
	}

	if err != nil {
		t.logger.Error("Backend process exited unexpectedly: %v", err)
	} else {
		t.logger.Warn("Backend process exited unexpectedly (no error)")
		err = fmt.Errorf("process exited")
	}
	select {
	case t.errorsCh <- fmt.Errorf("backend process exited: %w", err):
	default:
	}
}
