// Package skills manages external skill subprocesses: spawning, the
// line-delimited JSON-RPC pipe, per-process call serialisation, and lifecycle
// supervision.
package skills

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mimo/internal/async"
	"mimo/internal/logging"
)

// stderrRingSize bounds how many recent stderr lines are retained for error
// telemetry. Child stderr never mixes into tool output.
const stderrRingSize = 32

// argBlacklist rejects shell-metacharacter smuggling in skill arguments.
var argBlacklist = []string{";", "&", "|", "`", "$(", "\n", ".."}

// ValidateCommand re-checks the executable basename against the whitelist and
// scans arguments for dangerous patterns. The config loader has already
// enforced this; the supervisor re-validates on principle.
func ValidateCommand(command string, args []string, whitelist []string) error {
	base := filepath.Base(strings.TrimSpace(command))
	if base == "" || base == "." {
		return fmt.Errorf("command is required")
	}
	if len(whitelist) > 0 {
		allowed := false
		for _, name := range whitelist {
			if base == strings.TrimSpace(name) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("command %q not whitelisted", base)
		}
	}
	for _, arg := range args {
		for _, bad := range argBlacklist {
			if strings.Contains(arg, bad) {
				return fmt.Errorf("argument %q contains forbidden pattern %q", arg, bad)
			}
		}
	}
	return nil
}

// process wraps one running skill subprocess.
type process struct {
	command string
	args    []string
	env     []string
	logger  logging.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	running bool

	stderrMu sync.Mutex
	stderr   []string

	waitDone chan error
	onExit   func(err error)
}

func newProcess(skillID, command string, args []string, env map[string]string, onExit func(error)) *process {
	p := &process{
		command: command,
		args:    args,
		logger:  logging.NewComponentLogger(fmt.Sprintf("Skill[%s]", skillID)),
		onExit:  onExit,
	}
	for k, v := range env {
		p.env = append(p.env, fmt.Sprintf("%s=%s", k, v))
	}
	return p
}

// start spawns the subprocess and begins monitoring stderr and exit.
func (p *process) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	resolved, err := exec.LookPath(strings.TrimSpace(p.command))
	if err != nil {
		return fmt.Errorf("command not found: %w", err)
	}

	cmd := exec.Command(resolved, p.args...)
	if len(p.env) > 0 {
		cmd.Env = p.env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.running = true
	p.waitDone = make(chan error, 1)
	p.logger.Info("started pid %d", cmd.Process.Pid)

	async.Go(p.logger, "skill.stderr", func() { p.captureStderr(stderr) })
	async.Go(p.logger, "skill.wait", func() { p.monitorExit() })
	return nil
}

func (p *process) captureStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.stderrMu.Lock()
		p.stderr = append(p.stderr, line)
		if len(p.stderr) > stderrRingSize {
			p.stderr = p.stderr[len(p.stderr)-stderrRingSize:]
		}
		p.stderrMu.Unlock()
		p.logger.Debug("[stderr] %s", line)
	}
}

// recentStderr returns the captured tail for error telemetry.
func (p *process) recentStderr() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	out := make([]string, len(p.stderr))
	copy(out, p.stderr)
	return out
}

func (p *process) monitorExit() {
	err := p.cmd.Wait()

	p.mu.Lock()
	wasRunning := p.running
	p.running = false
	p.mu.Unlock()

	select {
	case p.waitDone <- err:
	default:
	}

	if wasRunning {
		if err != nil {
			p.logger.Error("exited unexpectedly: %v", err)
		} else {
			p.logger.Warn("exited unexpectedly")
		}
		if p.onExit != nil {
			p.onExit(err)
		}
	}
}

// write sends one framed message to the child's stdin.
func (p *process) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.stdin == nil {
		return fmt.Errorf("process not running")
	}
	n, err := p.stdin.Write(data)
	if err != nil {
		return fmt.Errorf("write to stdin: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(data))
	}
	return nil
}

func (p *process) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// stop closes stdin to request a clean exit, waits up to grace, then kills.
func (p *process) stop(grace time.Duration) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stdin := p.stdin
	cmd := p.cmd
	waitDone := p.waitDone
	p.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	select {
	case <-waitDone:
		p.logger.Info("exited gracefully")
	case <-time.After(grace):
		p.logger.Warn("grace period elapsed, killing")
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

// kill terminates the subprocess immediately.
func (p *process) kill() {
	p.mu.Lock()
	cmd := p.cmd
	p.running = false
	p.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
