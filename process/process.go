// Package process runs pipeline step subprocesses, capturing stdout and
// stderr line by line and enforcing timeouts with a SIGTERM-then-SIGKILL
// escalation against the whole process group.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultGracePeriod is how long a signalled process gets to exit before the
// kill escalates.
const DefaultGracePeriod = 5 * time.Second

// Config describes one subprocess invocation.
type Config struct {
	Path string
	Args []string
	Dir  string

	// Env entries are appended over the parent environment.
	Env []string

	// Timeout bounds the run. Zero means no per-process timeout; the
	// caller's context still applies.
	Timeout time.Duration

	// GracePeriod between the interrupt signal and the kill.
	GracePeriod time.Duration

	// Handlers receive each complete output line as it is scanned.
	StdoutHandler func(line string)
	StderrHandler func(line string)
}

// Process is a single subprocess run. Not reusable.
type Process struct {
	conf Config
	log  *zap.Logger

	mu       sync.Mutex
	command  *exec.Cmd
	pid      int
	done     chan struct{}
	exitCode int
	timedOut bool
}

func New(log *zap.Logger, conf Config) *Process {
	if conf.GracePeriod <= 0 {
		conf.GracePeriod = DefaultGracePeriod
	}
	return &Process{
		conf: conf,
		log:  log.Named("process"),
		done: make(chan struct{}),
	}
}

// Run starts the subprocess and blocks until it exits, its timeout fires, or
// ctx is cancelled. The returned error covers start failures only: a non-zero
// exit is reported through ExitCode, a timeout through TimedOut.
func (p *Process) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.command != nil {
		p.mu.Unlock()
		return errors.New("process has already been run")
	}
	cmd := exec.Command(p.conf.Path, p.conf.Args...)
	cmd.Dir = p.conf.Dir
	cmd.Env = append(os.Environ(), p.conf.Env...)
	cmd.Stdin = nil
	setupProcessGroup(cmd)
	p.command = cmd
	p.mu.Unlock()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", p.conf.Path, err)
	}
	p.pid = cmd.Process.Pid
	p.log.Debug("process started", zap.String("path", p.conf.Path), zap.Int("pid", p.pid))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := ScanLines(stdout, p.handler(p.conf.StdoutHandler)); err != nil {
			p.log.Debug("stdout scanner stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := ScanLines(stderr, p.handler(p.conf.StderrHandler)); err != nil {
			p.log.Debug("stderr scanner stopped", zap.Error(err))
		}
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if p.conf.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.conf.Timeout)
		defer cancel()
	}
	go func() {
		select {
		case <-runCtx.Done():
			// Distinguish our own deadline from caller cancellation.
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				p.mu.Lock()
				p.timedOut = true
				p.mu.Unlock()
			}
			p.terminate()
		case <-p.done:
		}
	}()

	// Scanners must drain before Wait closes the pipes.
	wg.Wait()
	waitErr := cmd.Wait()
	close(p.done)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitCode = exitStatus(waitErr)
	p.log.Debug("process finished", zap.Int("pid", p.pid), zap.Int("exit", p.exitCode))
	return nil
}

// terminate interrupts the process group, then kills it after the grace
// period if it has not exited.
func (p *Process) terminate() {
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()
	if pid == 0 {
		return
	}
	p.log.Debug("interrupting process group", zap.Int("pid", pid))
	if err := interruptProcessGroup(pid); err != nil {
		p.log.Debug("interrupt failed", zap.Int("pid", pid), zap.Error(err))
	}
	select {
	case <-p.done:
	case <-time.After(p.conf.GracePeriod):
		p.log.Debug("grace period elapsed, killing process group", zap.Int("pid", pid))
		if err := killProcessGroup(pid); err != nil {
			p.log.Debug("kill failed", zap.Int("pid", pid), zap.Error(err))
		}
	}
}

// ExitCode is the subprocess exit status, or -1 when it was terminated by a
// timeout or signal. Valid after Run returns.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// TimedOut reports whether the run was cut short by its own timeout.
func (p *Process) TimedOut() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timedOut
}

// Pid of the started subprocess.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *Process) handler(f func(string)) func(string) {
	if f == nil {
		return func(string) {}
	}
	return f
}

func exitStatus(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return ee.ExitCode()
	}
	return -1
}
