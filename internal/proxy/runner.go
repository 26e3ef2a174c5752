package proxy

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/switchyard/internal/proxy Runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/sandbox"
)

const (
	// DefaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	// DefaultMaxOutputBytes caps captured stdout and stderr.
	DefaultMaxOutputBytes = 64 * 1024
)

// Invocation is one run of an entry point.
type Invocation struct {
	Path  string
	Dir   string
	Env   []string
	Stdin []byte
	// Confine, when set and the runner is confined, limits what the
	// process may read and write.
	Confine *sandbox.Policy
}

// RunResult is what a finished process left behind.
type RunResult struct {
	ExitCode        int
	Stdout          []byte
	Stderr          string
	StdoutTruncated bool
	Duration        time.Duration
}

// Runner starts an entry point and waits for it. A non-zero exit is reported
// through RunResult.ExitCode, not as an error. When ctx ends first the
// process is terminated and reaped before Run returns ctx.Err().
type Runner interface {
	Run(ctx context.Context, inv Invocation) (RunResult, error)
}

// Confiner is implemented by runners whose processes the kernel keeps inside
// their policy.
type Confiner interface {
	Confined() bool
}

// ExecRunner runs entry points as subprocesses.
type ExecRunner struct {
	GracePeriod    time.Duration
	MaxOutputBytes int
	launcher       *sandbox.Launcher
	logger         *slog.Logger
}

var (
	_ Runner   = (*ExecRunner)(nil)
	_ Confiner = (*ExecRunner)(nil)
)

// NewExecRunner returns a runner with the given limits; zero values fall back
// to the defaults.
func NewExecRunner(grace time.Duration, maxOutput int) *ExecRunner {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	return &ExecRunner{
		GracePeriod:    grace,
		MaxOutputBytes: maxOutput,
		logger:         log.WithComponent("runner"),
	}
}

// WithSandbox makes r start every confined invocation through l.
func (r *ExecRunner) WithSandbox(l *sandbox.Launcher) *ExecRunner {
	r.launcher = l
	return r
}

// Confined reports whether invocations carrying a policy are enforced.
func (r *ExecRunner) Confined() bool { return r.launcher != nil }

// Run spawns inv.Path with no arguments, writes inv.Stdin to it, and closes
// stdin.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (RunResult, error) {
	if err := ctx.Err(); err != nil {
		return RunResult{ExitCode: -1}, err
	}

	path, env := inv.Path, append([]string{}, inv.Env...)
	if r.launcher != nil && inv.Confine != nil {
		policy := *inv.Confine
		policy.Entry = inv.Path
		var err error
		if path, env, err = r.launcher.Command(policy, env); err != nil {
			return RunResult{ExitCode: -1}, err
		}
	}

	// Termination is managed here rather than through CommandContext so the
	// grace period applies.
	cmd := exec.Command(path)
	cmd.Args = []string{inv.Path}
	cmd.Dir = inv.Dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Grandchildren that inherit stdout must not hold Wait open forever.
	cmd.WaitDelay = r.GracePeriod

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout := &capBuffer{max: r.MaxOutputBytes}
	stderr := &capBuffer{max: r.MaxOutputBytes, tail: true}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Debug("spawning entry point", "path", inv.Path, "dir", inv.Dir,
		"payload_bytes", len(inv.Stdin), "confined", path != inv.Path)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("start process: %w", err)
	}

	go func() {
		defer stdin.Close()
		// A process that exits without reading stdin yields EPIPE; that is
		// the application's business.
		_, _ = stdin.Write(inv.Stdin)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	result := func() RunResult {
		return RunResult{
			ExitCode:        cmd.ProcessState.ExitCode(),
			Stdout:          stdout.Bytes(),
			Stderr:          stderr.String(),
			StdoutTruncated: stdout.truncated,
			Duration:        time.Since(start),
		}
	}

	select {
	case err := <-waitErr:
		res := result()
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
				return res, fmt.Errorf("wait for process: %w", err)
			}
		}
		return res, nil

	case <-ctx.Done():
		r.logger.Warn("dispatch cancelled, sending SIGTERM", "path", inv.Path, "pid", cmd.Process.Pid)
		r.signal(cmd, syscall.SIGTERM)

		grace := time.NewTimer(r.GracePeriod)
		defer grace.Stop()

		select {
		case <-waitErr:
			r.logger.Info("entry point exited after SIGTERM", "path", inv.Path)
		case <-grace.C:
			r.logger.Warn("entry point did not exit after SIGTERM, sending SIGKILL", "path", inv.Path)
			r.signal(cmd, syscall.SIGKILL)
			<-waitErr
		}
		return result(), ctx.Err()
	}
}

// signal delivers sig to the process group so helpers spawned by the entry
// point go down with it.
func (r *ExecRunner) signal(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			r.logger.Error("failed to signal entry point", "signal", sig.String(), "error", err)
		}
	}
}

// capBuffer keeps at most max bytes: the head, or the tail when tail is set.
// Writes never fail so a chatty process is not killed by EPIPE.
type capBuffer struct {
	max       int
	tail      bool
	buf       bytes.Buffer
	truncated bool
}

func (b *capBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.tail {
		b.buf.Write(p)
		if over := b.buf.Len() - b.max; over > 0 {
			b.buf.Next(over)
			kept := append([]byte(nil), b.buf.Bytes()...)
			b.buf.Reset()
			b.buf.Write(kept)
			b.truncated = true
		}
		return n, nil
	}
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || n > 0
		return n, nil
	}
	if len(p) > room {
		p = p[:room]
		b.truncated = true
	}
	b.buf.Write(p)
	return n, nil
}

func (b *capBuffer) Bytes() []byte  { return append([]byte(nil), b.buf.Bytes()...) }
func (b *capBuffer) String() string { return b.buf.String() }
